package session

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"biomarker-session/internal/shared/server/middleware"
	"biomarker-session/internal/shared/server/respond"
)

const snapshotBuffer = 16

// Handler exposes the coordinator over HTTP.
type Handler struct {
	Coord *Coordinator
}

// NewHandler constructs a Handler.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{Coord: coord}
}

// RegisterRoutes attaches session routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/session", h.getSession)
	rg.POST("/session", h.submit)
	rg.DELETE("/session", h.cancel)
	rg.POST("/session/reset", h.reset)
	rg.GET("/session/events", h.events)
}

func (h *Handler) getSession(c *gin.Context) {
	st := h.Coord.State()
	c.Set(middleware.SessionIDKey, st.SessionID)
	respond.OK(c, st)
}

func (h *Handler) submit(c *gin.Context) {
	var raw RawPayload
	if err := c.ShouldBindJSON(&raw); err != nil {
		respond.Error(c, http.StatusBadRequest, "invalid_json", "request body must be a JSON submission", nil)
		return
	}

	id, err := h.Coord.Submit(c.Request.Context(), raw)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			respond.Error(c, http.StatusUnprocessableEntity, "validation_error", "submission is invalid", verr.Fields)
		case errors.Is(err, ErrSessionCancelled):
			respond.Error(c, http.StatusConflict, "cancelled", "session was cancelled before it started", nil)
		default:
			detail := classifyFailure(err)
			respond.Error(c, http.StatusBadGateway, detail.Code, detail.Message, nil)
		}
		return
	}

	c.Set(middleware.SessionIDKey, id)
	c.Set(middleware.StatusTransitionKey, string(PhaseIdle)+"->"+string(PhaseStarting))
	respond.JSON(c, http.StatusAccepted, gin.H{
		"sessionId": id,
		"phase":     h.Coord.State().Phase,
	})
}

func (h *Handler) cancel(c *gin.Context) {
	sessionID := h.Coord.State().SessionID
	if err := h.Coord.Cancel(); err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			respond.Error(c, http.StatusConflict, "no_active_session", "no session is starting or streaming", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to cancel session", nil)
		return
	}
	c.Set(middleware.SessionIDKey, sessionID)
	c.Set(middleware.StatusTransitionKey, "->"+string(PhaseCancelled))
	respond.OK(c, h.Coord.State())
}

func (h *Handler) reset(c *gin.Context) {
	h.Coord.Reset()
	respond.OK(c, h.Coord.State())
}

// events streams a snapshot after every transition, starting with the current one.
// A slow reader skips intermediate snapshots but always receives the newest.
func (h *Handler) events(c *gin.Context) {
	updates := make(chan Session, snapshotBuffer)
	unsubscribe := h.Coord.Subscribe(func(s Session) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	ctx := c.Request.Context()
	current := h.Coord.State()
	sent := uint64(0)
	write := func(s Session) {
		c.Render(-1, sse.Event{
			Id:    strconv.FormatUint(s.Revision, 10),
			Event: "session",
			Data:  s,
		})
		sent = s.Revision
	}
	write(current)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case s := <-updates:
			if s.Revision > sent {
				write(s)
			}
			return true
		}
	})
}
