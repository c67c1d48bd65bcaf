package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	sessionStartedTotal   atomic.Uint64
	sessionCompletedTotal atomic.Uint64
	sessionFailedTotal    atomic.Uint64
	sessionCancelledTotal atomic.Uint64

	eventsAcceptedTotal  atomic.Uint64
	eventsDiscardedTotal atomic.Uint64
	eventsMalformedTotal atomic.Uint64

	streamReconnectsTotal atomic.Uint64
	resultFetchesTotal    atomic.Uint64

	sessionDuration = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 300000})
)

// IncSessionStarted increments the started counter.
func IncSessionStarted() {
	sessionStartedTotal.Add(1)
}

// IncSessionCompleted increments the completed counter.
func IncSessionCompleted() {
	sessionCompletedTotal.Add(1)
}

// IncSessionFailed increments the failed counter.
func IncSessionFailed() {
	sessionFailedTotal.Add(1)
}

// IncSessionCancelled increments the cancelled counter.
func IncSessionCancelled() {
	sessionCancelledTotal.Add(1)
}

// IncEventAccepted counts a notification that produced a transition.
func IncEventAccepted() {
	eventsAcceptedTotal.Add(1)
}

// IncEventDiscarded counts a stale, duplicate or foreign notification.
func IncEventDiscarded() {
	eventsDiscardedTotal.Add(1)
}

// IncEventMalformed counts a notification whose data could not be parsed.
func IncEventMalformed() {
	eventsMalformedTotal.Add(1)
}

// IncStreamReconnect counts a reconnect of the push-event stream.
func IncStreamReconnect() {
	streamReconnectsTotal.Add(1)
}

// IncResultFetch counts a result fetch attempt.
func IncResultFetch() {
	resultFetchesTotal.Add(1)
}

// ObserveSessionDurationMs records submit-to-terminal duration in milliseconds.
func ObserveSessionDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	sessionDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "session_started_total", "Total analysis sessions started", sessionStartedTotal.Load())
	writeCounter(&buf, "session_completed_total", "Total analysis sessions completed", sessionCompletedTotal.Load())
	writeCounter(&buf, "session_failed_total", "Total analysis sessions failed", sessionFailedTotal.Load())
	writeCounter(&buf, "session_cancelled_total", "Total analysis sessions cancelled", sessionCancelledTotal.Load())
	writeCounter(&buf, "session_events_accepted_total", "Status notifications that produced a transition", eventsAcceptedTotal.Load())
	writeCounter(&buf, "session_events_discarded_total", "Stale, duplicate or foreign status notifications", eventsDiscardedTotal.Load())
	writeCounter(&buf, "session_events_malformed_total", "Unparsable status notifications", eventsMalformedTotal.Load())
	writeCounter(&buf, "session_stream_reconnects_total", "Push-event stream reconnects", streamReconnectsTotal.Load())
	writeCounter(&buf, "session_result_fetches_total", "Result fetch attempts", resultFetchesTotal.Load())
	writeHistogram(&buf, "session_duration_ms", "Session duration from submit to terminal phase in milliseconds", sessionDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe counts value in the first bucket whose bound covers it.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
