// Package store is the single source of truth for submission state. All state
// changes go through ApplyTransition, which consults the state machine and
// appends to the transition log in the same transaction; no caller mutates
// state directly.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/genassista/edu-pipeline/internal/models"
	"github.com/genassista/edu-pipeline/internal/state"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAttemptsExhausted is returned by IncrementAttempt once the configured
	// analysis attempt budget for a submission is spent.
	ErrAttemptsExhausted = errors.New("attempt budget exhausted")
)

type Store interface {
	CreateSubmission(ctx context.Context, in SubmissionInput) (models.Submission, error)
	GetSubmission(ctx context.Context, id string) (models.Submission, error)

	// ApplyTransition is the sole writer of state. An event that is illegal
	// for the current state leaves the submission unchanged, appends a
	// rejected audit entry, and returns a *state.InvalidTransitionError.
	ApplyTransition(ctx context.Context, in TransitionInput) (models.Submission, error)

	// IncrementAttempt durably records the start of one analysis attempt and
	// returns the new count. Returns ErrAttemptsExhausted when the count
	// would exceed max.
	IncrementAttempt(ctx context.Context, id string, max int) (int, error)

	// SetFeedback and SetGrade are side-channel mutations: no state change,
	// permitted from pending_approval onward, always audited.
	SetFeedback(ctx context.Context, id, actor, feedback string) (models.Submission, error)
	SetGrade(ctx context.Context, id, actor, grade, reason string) (models.Submission, error)

	ListTransitions(ctx context.Context, id string) ([]models.TransitionLogEntry, error)
	Ping(ctx context.Context) error
}

type SubmissionInput struct {
	ID           string
	AssignmentID string
	StudentID    string
	ContentRef   string
	Content      string
	Subject      string
	Level        string
}

type TransitionInput struct {
	SubmissionID string
	Event        state.Event
	Actor        string
	// Reason carries the rejection reason for teacher_reject and the last
	// error for analysis_exhausted.
	Reason string
	// AnalysisResult is required for analysis_succeeded and ignored otherwise.
	AnalysisResult *models.AnalysisResult
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const submissionColumns = `id, assignment_id, student_id, content_ref, content, subject, level,
	state, analysis_result, teacher_feedback, final_grade, rejection_reason,
	attempt_count, last_error, submitted_at, analyzed_at, approved_at, rejected_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row rowScanner) (models.Submission, error) {
	var (
		sub        models.Submission
		st         string
		resultJSON []byte
		feedback   sql.NullString
		finalGrade sql.NullString
		rejection  sql.NullString
		lastErr    sql.NullString
		analyzedAt sql.NullTime
		approvedAt sql.NullTime
		rejectedAt sql.NullTime
	)
	if err := row.Scan(
		&sub.ID,
		&sub.AssignmentID,
		&sub.StudentID,
		&sub.ContentRef,
		&sub.Content,
		&sub.Subject,
		&sub.Level,
		&st,
		&resultJSON,
		&feedback,
		&finalGrade,
		&rejection,
		&sub.AttemptCount,
		&lastErr,
		&sub.SubmittedAt,
		&analyzedAt,
		&approvedAt,
		&rejectedAt,
		&sub.UpdatedAt,
	); err != nil {
		return models.Submission{}, err
	}
	sub.State = state.State(st)
	if len(resultJSON) > 0 {
		var res models.AnalysisResult
		if err := json.Unmarshal(resultJSON, &res); err != nil {
			return models.Submission{}, fmt.Errorf("decode analysis result: %w", err)
		}
		sub.AnalysisResult = &res
	}
	if feedback.Valid {
		sub.TeacherFeedback = &feedback.String
	}
	if finalGrade.Valid {
		sub.FinalGrade = &finalGrade.String
	}
	if rejection.Valid {
		sub.RejectionReason = &rejection.String
	}
	if lastErr.Valid {
		sub.LastError = &lastErr.String
	}
	if analyzedAt.Valid {
		t := analyzedAt.Time
		sub.AnalyzedAt = &t
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		sub.ApprovedAt = &t
	}
	if rejectedAt.Valid {
		t := rejectedAt.Time
		sub.RejectedAt = &t
	}
	return sub, nil
}

func (s *PGStore) CreateSubmission(ctx context.Context, in SubmissionInput) (models.Submission, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	query := `
		INSERT INTO submissions (id, assignment_id, student_id, content_ref, content, subject, level, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING ` + submissionColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.AssignmentID, in.StudentID, in.ContentRef, in.Content, in.Subject, in.Level, string(state.Submitted))
	sub, err := scanSubmission(row)
	if err != nil {
		return models.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

func (s *PGStore) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id=$1`
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Submission{}, ErrNotFound
		}
		return models.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (s *PGStore) ApplyTransition(ctx context.Context, in TransitionInput) (models.Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Submission{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	lockQuery := `SELECT ` + submissionColumns + ` FROM submissions WHERE id=$1 FOR UPDATE`
	sub, err := scanSubmission(tx.QueryRowContext(ctx, lockQuery, in.SubmissionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Submission{}, ErrNotFound
		}
		return models.Submission{}, fmt.Errorf("lock submission: %w", err)
	}

	next, terr := state.Next(sub.State, in.Event)
	if terr != nil {
		// Rejected attempts are audited too, then the transaction commits
		// with the submission untouched.
		entry := models.TransitionLogEntry{
			SubmissionID: sub.ID,
			FromState:    sub.State,
			ToState:      sub.State,
			Event:        in.Event,
			Actor:        in.Actor,
			Accepted:     false,
			Reason:       terr.Error(),
		}
		if err := appendTransition(ctx, tx, entry); err != nil {
			return models.Submission{}, err
		}
		if err := tx.Commit(); err != nil {
			return models.Submission{}, fmt.Errorf("commit rejected transition: %w", err)
		}
		return sub, terr
	}

	query := `UPDATE submissions SET state=$3, updated_at=NOW()`
	args := []interface{}{in.SubmissionID, string(sub.State), string(next)}
	switch in.Event {
	case state.EventAnalysisSucceeded:
		if in.AnalysisResult == nil {
			return models.Submission{}, fmt.Errorf("analysis_succeeded requires a result")
		}
		resultJSON, err := json.Marshal(in.AnalysisResult)
		if err != nil {
			return models.Submission{}, fmt.Errorf("encode analysis result: %w", err)
		}
		query += `, analysis_result=$4, analyzed_at=NOW()`
		args = append(args, resultJSON)
	case state.EventAnalysisExhausted:
		query += `, last_error=$4`
		args = append(args, in.Reason)
	case state.EventTeacherApprove:
		query += `, approved_at=NOW()`
	case state.EventTeacherReject:
		query += `, rejected_at=NOW(), rejection_reason=$4`
		args = append(args, in.Reason)
	}
	// The WHERE clause re-checks the from-state even under the row lock, so a
	// lost update can never slip a transition through.
	query += ` WHERE id=$1 AND state=$2 RETURNING ` + submissionColumns

	updated, err := scanSubmission(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return models.Submission{}, fmt.Errorf("apply transition %s: %w", in.Event, err)
	}

	entry := models.TransitionLogEntry{
		SubmissionID: sub.ID,
		FromState:    sub.State,
		ToState:      next,
		Event:        in.Event,
		Actor:        in.Actor,
		Accepted:     true,
		Reason:       in.Reason,
	}
	if err := appendTransition(ctx, tx, entry); err != nil {
		return models.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Submission{}, fmt.Errorf("commit transition: %w", err)
	}
	return updated, nil
}

func (s *PGStore) IncrementAttempt(ctx context.Context, id string, max int) (int, error) {
	const query = `
		UPDATE submissions
		SET attempt_count = attempt_count + 1, updated_at=NOW()
		WHERE id=$1 AND attempt_count < $2
		RETURNING attempt_count
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, id, max).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Either missing or over budget; disambiguate for the caller.
			if _, gerr := s.GetSubmission(ctx, id); gerr != nil {
				return 0, gerr
			}
			return 0, ErrAttemptsExhausted
		}
		return 0, fmt.Errorf("increment attempt: %w", err)
	}
	return count, nil
}

func (s *PGStore) SetFeedback(ctx context.Context, id, actor, feedback string) (models.Submission, error) {
	return s.sideChannel(ctx, id, actor, state.EventFeedbackSet, "",
		`UPDATE submissions SET teacher_feedback=$2, updated_at=NOW() WHERE id=$1 RETURNING `+submissionColumns,
		feedback)
}

func (s *PGStore) SetGrade(ctx context.Context, id, actor, grade, reason string) (models.Submission, error) {
	return s.sideChannel(ctx, id, actor, state.EventGradeSet, reason,
		`UPDATE submissions SET final_grade=$2, updated_at=NOW() WHERE id=$1 RETURNING `+submissionColumns,
		grade)
}

// sideChannel applies a mutation that leaves state alone. The guard and the
// audit append share one transaction with the update.
func (s *PGStore) sideChannel(ctx context.Context, id, actor string, event state.Event, reason, query, value string) (models.Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Submission{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	lockQuery := `SELECT ` + submissionColumns + ` FROM submissions WHERE id=$1 FOR UPDATE`
	sub, err := scanSubmission(tx.QueryRowContext(ctx, lockQuery, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Submission{}, ErrNotFound
		}
		return models.Submission{}, fmt.Errorf("lock submission: %w", err)
	}

	if !state.AllowsSideChannel(sub.State) {
		terr := &state.InvalidTransitionError{From: sub.State, Event: event, Terminal: state.IsTerminal(sub.State)}
		entry := models.TransitionLogEntry{
			SubmissionID: sub.ID,
			FromState:    sub.State,
			ToState:      sub.State,
			Event:        event,
			Actor:        actor,
			Accepted:     false,
			Reason:       terr.Error(),
		}
		if err := appendTransition(ctx, tx, entry); err != nil {
			return models.Submission{}, err
		}
		if err := tx.Commit(); err != nil {
			return models.Submission{}, fmt.Errorf("commit rejected edit: %w", err)
		}
		return sub, terr
	}

	updated, err := scanSubmission(tx.QueryRowContext(ctx, query, id, value))
	if err != nil {
		return models.Submission{}, fmt.Errorf("apply %s: %w", event, err)
	}
	entry := models.TransitionLogEntry{
		SubmissionID: sub.ID,
		FromState:    sub.State,
		ToState:      sub.State,
		Event:        event,
		Actor:        actor,
		Accepted:     true,
		Reason:       reason,
	}
	if err := appendTransition(ctx, tx, entry); err != nil {
		return models.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Submission{}, fmt.Errorf("commit %s: %w", event, err)
	}
	return updated, nil
}

func appendTransition(ctx context.Context, tx *sql.Tx, entry models.TransitionLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO transition_log (id, submission_id, from_state, to_state, event, actor, accepted, reason, ts, stream_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),'pending')
	`
	if _, err := tx.ExecContext(ctx, query,
		entry.ID, entry.SubmissionID, string(entry.FromState), string(entry.ToState),
		string(entry.Event), entry.Actor, entry.Accepted, entry.Reason); err != nil {
		return fmt.Errorf("append transition log: %w", err)
	}
	return nil
}

const transitionColumns = `id, submission_id, from_state, to_state, event, actor, accepted, reason, ts`

func scanTransition(row rowScanner) (models.TransitionLogEntry, error) {
	var (
		entry  models.TransitionLogEntry
		from   string
		to     string
		event  string
		reason sql.NullString
	)
	if err := row.Scan(
		&entry.ID,
		&entry.SubmissionID,
		&from,
		&to,
		&event,
		&entry.Actor,
		&entry.Accepted,
		&reason,
		&entry.Ts,
	); err != nil {
		return models.TransitionLogEntry{}, err
	}
	entry.FromState = state.State(from)
	entry.ToState = state.State(to)
	entry.Event = state.Event(event)
	if reason.Valid {
		entry.Reason = reason.String
	}
	return entry, nil
}

func (s *PGStore) ListTransitions(ctx context.Context, id string) ([]models.TransitionLogEntry, error) {
	query := `SELECT ` + transitionColumns + ` FROM transition_log WHERE submission_id=$1 ORDER BY ts`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var entries []models.TransitionLogEntry
	for rows.Next() {
		entry, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return entries, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
