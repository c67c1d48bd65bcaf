package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"biomarker-session/internal/engine"
	"biomarker-session/internal/session"
	localstore "biomarker-session/internal/shared/storage/object/local"
)

func TestMemoryRepoListsNewestFirst(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := repo.Append(ctx, Entry{ID: id, SessionID: "s-" + id}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := repo.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("List = %+v", got)
	}
	if _, err := repo.LatestForSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestForSession err = %v", err)
	}
	if e, err := repo.LatestForSession(ctx, "s-a"); err != nil || e.ID != "a" {
		t.Fatalf("LatestForSession = %+v, %v", e, err)
	}
}

func TestNormalizeLimit(t *testing.T) {
	cases := map[int]int{0: defaultListLimit, -3: defaultListLimit, 5: 5, 10000: maxListLimit}
	for in, want := range cases {
		if got := NormalizeLimit(in); got != want {
			t.Fatalf("NormalizeLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPGRepoAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	score := 81.5
	entry := Entry{
		ID:           "entry-1",
		SessionID:    "session-1",
		Phase:        "complete",
		Progress:     100,
		Revision:     7,
		OverallScore: &score,
		ResultKey:    "results/session-1.json",
		SubmittedAt:  time.Now().UTC(),
		RecordedAt:   time.Now().UTC(),
	}
	mock.ExpectExec("INSERT INTO session_journal").
		WithArgs(
			entry.ID,
			entry.SessionID,
			entry.Phase,
			entry.Progress,
			int64(7),
			nil, // error_code
			nil, // error_message
			score,
			entry.ResultKey,
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

var journalColumns = []string{
	"id", "session_id", "phase", "progress", "revision", "error_code", "error_message",
	"overall_score", "result_key", "submitted_at", "recorded_at",
}

func TestPGRepoList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	now := time.Now().UTC()
	rows := sqlmock.NewRows(journalColumns).
		AddRow("e2", "s2", "failed", 40.0, int64(5), "STREAM_ERROR", "stream lost", nil, nil, now, now).
		AddRow("e1", "s1", "complete", 100.0, int64(3), nil, nil, 72.0, "results/s1.json", now, now)
	mock.ExpectQuery("FROM session_journal").WithArgs(10).WillReturnRows(rows)

	got, err := (&PGRepo{DB: db}).List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List = %+v", got)
	}
	if got[0].ErrorCode != "STREAM_ERROR" || got[0].OverallScore != nil || got[0].Revision != 5 {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].OverallScore == nil || *got[1].OverallScore != 72 || got[1].ResultKey != "results/s1.json" {
		t.Fatalf("second = %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoLatestForSessionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("WHERE session_id").WithArgs("nope").WillReturnRows(sqlmock.NewRows(journalColumns))
	if _, err := (&PGRepo{DB: db}).LatestForSession(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	archive := &Archive{Store: localstore.New(t.TempDir())}
	score := 64.0
	key, err := archive.Save(context.Background(), "s1", &engine.Result{AnalysisID: "s1", OverallScore: &score})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if key != "results/s1.json" {
		t.Fatalf("key = %q", key)
	}
	res, err := archive.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.AnalysisID != "s1" || *res.OverallScore != 64 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := archive.Load(context.Background(), "results/other.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing load err = %v", err)
	}
}

func TestRecorderRecordsTerminalSnapshotsOnce(t *testing.T) {
	repo := NewMemoryRepo()
	store := localstore.New(t.TempDir())
	rec := NewRecorder(repo, &Archive{Store: store})

	score := 90.0
	complete := session.Session{
		SessionID: "s1",
		Phase:     session.PhaseComplete,
		Progress:  100,
		Revision:  4,
		Result:    &engine.Result{AnalysisID: "s1", OverallScore: &score},
	}
	rec.Observe(session.Session{SessionID: "s1", Phase: session.PhaseStreaming, Revision: 3})
	rec.Observe(complete)
	rec.Observe(complete)
	rec.Observe(session.Session{
		SessionID: "s2",
		Phase:     session.PhaseFailed,
		Revision:  6,
		LastError: &session.ErrorDetail{Code: session.CodeTimeout, Message: "no progress"},
	})
	rec.Close()

	entries, err := repo.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].SessionID != "s2" || entries[0].ErrorCode != session.CodeTimeout {
		t.Fatalf("failed entry = %+v", entries[0])
	}
	if entries[1].ResultKey != "results/s1.json" || *entries[1].OverallScore != 90 {
		t.Fatalf("complete entry = %+v", entries[1])
	}
	rc, err := store.Open(context.Background(), entries[1].ResultKey)
	if err != nil {
		t.Fatalf("archived result missing: %v", err)
	}
	_ = rc.Close()
}
