// Package approval exposes the teacher-facing operations that drive the
// gating transitions. It talks only to the store; broker and orchestrator are
// out of reach.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/genassista/edu-pipeline/internal/analysis"
	"github.com/genassista/edu-pipeline/internal/models"
	"github.com/genassista/edu-pipeline/internal/state"
	"github.com/genassista/edu-pipeline/internal/store"
)

var (
	// ErrReasonRequired is returned by Reject when no reason is supplied.
	ErrReasonRequired = errors.New("rejection reason required")
	// ErrInvalidGrade is returned by SetGrade for a grade outside the scale.
	ErrInvalidGrade = errors.New("grade not in scale")
)

type Service struct {
	store store.Store
}

func New(st store.Store) *Service {
	return &Service{store: st}
}

// Approve requires pending_approval, performs teacher_approve and the
// publish auto-advance, and returns the published submission. Replaying an
// Approve that crashed between the two hops finds the submission in approved
// and completes the publish; a second Approve on a published submission fails
// with InvalidTransition.
func (s *Service) Approve(ctx context.Context, submissionID, actorID string) (models.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return models.Submission{}, err
	}
	if sub.State != state.Approved {
		sub, err = s.store.ApplyTransition(ctx, store.TransitionInput{
			SubmissionID: submissionID,
			Event:        state.EventTeacherApprove,
			Actor:        actorID,
		})
		if err != nil {
			return sub, err
		}
	}
	sub, err = s.store.ApplyTransition(ctx, store.TransitionInput{
		SubmissionID: submissionID,
		Event:        state.EventAutoAdvance,
		Actor:        actorID,
	})
	if err != nil {
		return sub, fmt.Errorf("publish approved submission: %w", err)
	}
	return sub, nil
}

// Reject requires pending_approval and a non-empty reason.
func (s *Service) Reject(ctx context.Context, submissionID, actorID, reason string) (models.Submission, error) {
	if strings.TrimSpace(reason) == "" {
		return models.Submission{}, ErrReasonRequired
	}
	return s.store.ApplyTransition(ctx, store.TransitionInput{
		SubmissionID: submissionID,
		Event:        state.EventTeacherReject,
		Actor:        actorID,
		Reason:       reason,
	})
}

// SetFeedback records teacher feedback without changing state; permitted from
// pending_approval onward.
func (s *Service) SetFeedback(ctx context.Context, submissionID, actorID, text string) (models.Submission, error) {
	return s.store.SetFeedback(ctx, submissionID, actorID, text)
}

// SetGrade records the final grade; the grade must be one of the fixed
// ordinal set and is rejected, not clamped, otherwise.
func (s *Service) SetGrade(ctx context.Context, submissionID, actorID, grade, adjustmentReason string) (models.Submission, error) {
	if !analysis.Grades[grade] {
		return models.Submission{}, fmt.Errorf("%w: %q", ErrInvalidGrade, grade)
	}
	return s.store.SetGrade(ctx, submissionID, actorID, grade, adjustmentReason)
}

// History returns the append-only transition trail for a submission.
func (s *Service) History(ctx context.Context, submissionID string) ([]models.TransitionLogEntry, error) {
	if _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, submissionID)
}

// Get returns the submission as the portal sees it.
func (s *Service) Get(ctx context.Context, submissionID string) (models.Submission, error) {
	return s.store.GetSubmission(ctx, submissionID)
}
