// Package audit streams the transition log to downstream consumers. Entries
// are written DB-first by the submission store; a background streamer claims
// pending rows, produces them to Kafka and optionally archives them to S3,
// with the row itself as the source of truth for retries.
package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/genassista/edu-pipeline/internal/models"
	"github.com/genassista/edu-pipeline/internal/state"
)

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// FetchPendingForStreaming claims up to limit pending transition_log rows:
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent streamers never double
// claim, then marks them in_progress and bumps the attempt counter.
func (p *PGStore) FetchPendingForStreaming(ctx context.Context, limit int) ([]models.TransitionLogEntry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectQuery = `
		SELECT id, submission_id, from_state, to_state, event, actor, accepted, reason, ts
		FROM transition_log
		WHERE stream_status='pending'
		ORDER BY ts
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.QueryContext(ctx, selectQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending transitions: %w", err)
	}

	var entries []models.TransitionLogEntry
	for rows.Next() {
		var (
			entry  models.TransitionLogEntry
			from   string
			to     string
			event  string
			reason sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.SubmissionID, &from, &to, &event,
			&entry.Actor, &entry.Accepted, &reason, &entry.Ts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending transition: %w", err)
		}
		entry.FromState = state.State(from)
		entry.ToState = state.State(to)
		entry.Event = state.Event(event)
		if reason.Valid {
			entry.Reason = reason.String
		}
		entries = append(entries, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending transitions: %w", err)
	}

	for i := range entries {
		const claimQuery = `
			UPDATE transition_log
			SET stream_status='in_progress', stream_attempts = stream_attempts + 1
			WHERE id=$1
		`
		if _, err := tx.ExecContext(ctx, claimQuery, entries[i].ID); err != nil {
			return nil, fmt.Errorf("claim transition %s: %w", entries[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return entries, nil
}

// MarkStreamResult records the streaming outcome for one claimed entry.
func (p *PGStore) MarkStreamResult(ctx context.Context, id string, archivedKey sql.NullString, ok bool, errMsg sql.NullString) error {
	if ok {
		const query = `
			UPDATE transition_log
			SET stream_status='done', streamed_at=NOW(), archived_key=$1, last_stream_error=NULL
			WHERE id=$2
		`
		if _, err := p.db.ExecContext(ctx, query, archivedKey, id); err != nil {
			return fmt.Errorf("mark stream success: %w", err)
		}
		return nil
	}
	const query = `
		UPDATE transition_log
		SET stream_status='pending', last_stream_error=$1
		WHERE id=$2
	`
	if _, err := p.db.ExecContext(ctx, query, errMsg, id); err != nil {
		return fmt.Errorf("mark stream failure: %w", err)
	}
	return nil
}
