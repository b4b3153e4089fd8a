package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genassista/edu-pipeline/internal/models"
	"github.com/genassista/edu-pipeline/internal/state"
)

// MemoryStore implements Store for tests and sandbox mode. It enforces the
// same transition semantics as PGStore.
type MemoryStore struct {
	mu          sync.Mutex
	submissions map[string]models.Submission
	transitions map[string][]models.TransitionLogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		submissions: map[string]models.Submission{},
		transitions: map[string][]models.TransitionLogEntry{},
	}
}

func (m *MemoryStore) CreateSubmission(ctx context.Context, in SubmissionInput) (models.Submission, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sub := models.Submission{
		ID:           in.ID,
		AssignmentID: in.AssignmentID,
		StudentID:    in.StudentID,
		ContentRef:   in.ContentRef,
		Content:      in.Content,
		Subject:      in.Subject,
		Level:        in.Level,
		State:        state.Submitted,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[sub.ID] = sub
	return sub, nil
}

func (m *MemoryStore) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	return sub, nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, in TransitionInput) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.submissions[in.SubmissionID]
	if !ok {
		return models.Submission{}, ErrNotFound
	}

	next, terr := state.Next(sub.State, in.Event)
	if terr != nil {
		m.append(sub.ID, sub.State, sub.State, in.Event, in.Actor, false, terr.Error())
		return sub, terr
	}

	from := sub.State
	now := time.Now().UTC()
	sub.State = next
	sub.UpdatedAt = now
	switch in.Event {
	case state.EventAnalysisSucceeded:
		res := *in.AnalysisResult
		sub.AnalysisResult = &res
		sub.AnalyzedAt = &now
	case state.EventAnalysisExhausted:
		reason := in.Reason
		sub.LastError = &reason
	case state.EventTeacherApprove:
		sub.ApprovedAt = &now
	case state.EventTeacherReject:
		reason := in.Reason
		sub.RejectedAt = &now
		sub.RejectionReason = &reason
	}
	m.submissions[sub.ID] = sub
	m.append(sub.ID, from, next, in.Event, in.Actor, true, in.Reason)
	return sub, nil
}

func (m *MemoryStore) IncrementAttempt(ctx context.Context, id string, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return 0, ErrNotFound
	}
	if sub.AttemptCount >= max {
		return 0, ErrAttemptsExhausted
	}
	sub.AttemptCount++
	sub.UpdatedAt = time.Now().UTC()
	m.submissions[id] = sub
	return sub.AttemptCount, nil
}

func (m *MemoryStore) SetFeedback(ctx context.Context, id, actor, feedback string) (models.Submission, error) {
	return m.sideChannel(id, actor, state.EventFeedbackSet, "", func(sub *models.Submission) {
		sub.TeacherFeedback = &feedback
	})
}

func (m *MemoryStore) SetGrade(ctx context.Context, id, actor, grade, reason string) (models.Submission, error) {
	return m.sideChannel(id, actor, state.EventGradeSet, reason, func(sub *models.Submission) {
		sub.FinalGrade = &grade
	})
}

func (m *MemoryStore) sideChannel(id, actor string, event state.Event, reason string, apply func(*models.Submission)) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	if !state.AllowsSideChannel(sub.State) {
		terr := &state.InvalidTransitionError{From: sub.State, Event: event, Terminal: state.IsTerminal(sub.State)}
		m.append(sub.ID, sub.State, sub.State, event, actor, false, terr.Error())
		return sub, terr
	}
	apply(&sub)
	sub.UpdatedAt = time.Now().UTC()
	m.submissions[id] = sub
	m.append(sub.ID, sub.State, sub.State, event, actor, true, reason)
	return sub, nil
}

func (m *MemoryStore) append(id string, from, to state.State, event state.Event, actor string, accepted bool, reason string) {
	m.transitions[id] = append(m.transitions[id], models.TransitionLogEntry{
		ID:           uuid.NewString(),
		SubmissionID: id,
		FromState:    from,
		ToState:      to,
		Event:        event,
		Actor:        actor,
		Accepted:     accepted,
		Reason:       reason,
		Ts:           time.Now().UTC(),
		StreamStatus: "pending",
	})
}

func (m *MemoryStore) ListTransitions(ctx context.Context, id string) ([]models.TransitionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]models.TransitionLogEntry, len(m.transitions[id]))
	copy(entries, m.transitions[id])
	return entries, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
