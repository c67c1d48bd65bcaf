package journal

import (
	"context"
	"database/sql"
	"errors"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const selectColumns = `
SELECT id, session_id, phase, progress, revision, error_code, error_message,
       overall_score, result_key, submitted_at, recorded_at
FROM session_journal`

// Append inserts a new entry.
func (r *PGRepo) Append(ctx context.Context, entry Entry) error {
	const query = `
INSERT INTO session_journal (
	id, session_id, phase, progress, revision, error_code, error_message,
	overall_score, result_key, submitted_at, recorded_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	var score any
	if entry.OverallScore != nil {
		score = *entry.OverallScore
	}
	var submittedAt any
	if !entry.SubmittedAt.IsZero() {
		submittedAt = entry.SubmittedAt
	}
	_, err := r.DB.ExecContext(ctx, query,
		entry.ID,
		entry.SessionID,
		entry.Phase,
		entry.Progress,
		int64(entry.Revision),
		nullString(entry.ErrorCode),
		nullString(entry.ErrorMessage),
		score,
		nullString(entry.ResultKey),
		submittedAt,
		entry.RecordedAt,
	)
	return err
}

// List returns up to limit entries, newest first.
func (r *PGRepo) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.DB.QueryContext(ctx, selectColumns+`
ORDER BY recorded_at DESC
LIMIT $1`, NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PGRepo) LatestForSession(ctx context.Context, sessionID string) (Entry, error) {
	row := r.DB.QueryRowContext(ctx, selectColumns+`
WHERE session_id = $1
ORDER BY recorded_at DESC
LIMIT 1`, sessionID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e            Entry
		revision     int64
		errorCode    sql.NullString
		errorMessage sql.NullString
		overallScore sql.NullFloat64
		resultKey    sql.NullString
		submittedAt  sql.NullTime
	)
	if err := s.Scan(
		&e.ID,
		&e.SessionID,
		&e.Phase,
		&e.Progress,
		&revision,
		&errorCode,
		&errorMessage,
		&overallScore,
		&resultKey,
		&submittedAt,
		&e.RecordedAt,
	); err != nil {
		return Entry{}, err
	}
	e.Revision = uint64(revision)
	e.ErrorCode = errorCode.String
	e.ErrorMessage = errorMessage.String
	e.ResultKey = resultKey.String
	if overallScore.Valid {
		score := overallScore.Float64
		e.OverallScore = &score
	}
	if submittedAt.Valid {
		e.SubmittedAt = submittedAt.Time
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
