// Package orchestrator drives a submission through the external analysis call
// with bounded retries and encodes the outcome as a state transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/genassista/edu-pipeline/internal/alert"
	"github.com/genassista/edu-pipeline/internal/analysis"
	"github.com/genassista/edu-pipeline/internal/models"
	"github.com/genassista/edu-pipeline/internal/retry"
	"github.com/genassista/edu-pipeline/internal/state"
	"github.com/genassista/edu-pipeline/internal/store"
)

// ErrAlreadyProcessed signals that the submission is past submitted and no
// analysis was attempted. The subscriber treats this as a duplicate delivery
// and acknowledges.
var ErrAlreadyProcessed = errors.New("submission already processed")

type Config struct {
	// MaxAttempts bounds analysis attempts per submission. Default 3.
	MaxAttempts int
	Policy      retry.Policy
}

type Orchestrator struct {
	store       store.Store
	client      analysis.Client
	reporter    alert.Reporter
	policy      retry.Policy
	maxAttempts int
}

func New(st store.Store, client analysis.Client, reporter alert.Reporter, cfg Config) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = cfg.MaxAttempts
	}
	if reporter == nil {
		reporter = alert.NewLogReporter()
	}
	return &Orchestrator{
		store:       st,
		client:      client,
		reporter:    reporter,
		policy:      cfg.Policy,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Analyze performs the bounded-retry analysis for one submission and persists
// exactly one terminal transition: success advances to ai_analyzed then
// pending_approval; exhausted or permanent failure marks analysis_failed and
// reports it. A nil error means the outcome (either one) is durably recorded,
// so the caller may acknowledge the triggering event. A non-nil error is an
// infrastructure problem: nothing terminal was recorded and redelivery is the
// correct response.
func (o *Orchestrator) Analyze(ctx context.Context, submissionID string) (models.Submission, error) {
	sub, err := o.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return models.Submission{}, err
	}
	if sub.State == state.AIAnalyzed {
		// A crash between recording the analysis and advancing left the
		// result invisible to the approval gate; redelivery finishes the hop.
		return o.advance(ctx, sub.ID)
	}
	if sub.State != state.Submitted {
		return sub, ErrAlreadyProcessed
	}

	req := analysis.Request{
		SubmissionID: sub.ID,
		AssignmentID: sub.AssignmentID,
		StudentID:    sub.StudentID,
		Content:      sub.Content,
		Subject:      sub.Subject,
		Level:        sub.Level,
	}

	var result analysis.Result
	callErr := o.policy.Do(ctx, analysis.IsTransient, func(ctx context.Context, n int) error {
		// The attempt start is recorded before the call so a crash between
		// here and the ack causes redelivery, not a lost or uncounted attempt.
		count, err := o.store.IncrementAttempt(ctx, sub.ID, o.maxAttempts)
		if err != nil {
			// A spent budget (left over from an earlier delivery) is not
			// retryable; it falls through to the failure transition below.
			return err
		}
		log.Printf("[orchestrator] submission %s analysis attempt %d/%d", sub.ID, count, o.maxAttempts)

		res, err := o.client.Analyze(ctx, req)
		if err != nil {
			return err
		}
		if err := res.Validate(); err != nil {
			return err
		}
		result = res
		return nil
	})

	if callErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-flight: leave the submission in submitted for
			// redelivery.
			return sub, ctx.Err()
		}
		if !isAnalysisOutcome(callErr) {
			// Store failure, not an analysis verdict: no terminal transition,
			// let the event redeliver.
			return sub, callErr
		}
		return o.fail(ctx, sub, callErr)
	}
	return o.succeed(ctx, sub, result)
}

// isAnalysisOutcome reports whether err is a verdict about the analysis
// itself (and should transition the submission) rather than an infrastructure
// failure around it.
func isAnalysisOutcome(err error) bool {
	if errors.Is(err, store.ErrAttemptsExhausted) {
		return true
	}
	var (
		te *analysis.TransportError
		se *analysis.ServerError
		ce *analysis.ClientError
		me *analysis.MalformedError
	)
	return errors.As(err, &te) || errors.As(err, &se) || errors.As(err, &ce) || errors.As(err, &me)
}

func (o *Orchestrator) succeed(ctx context.Context, sub models.Submission, res analysis.Result) (models.Submission, error) {
	updated, err := o.store.ApplyTransition(ctx, store.TransitionInput{
		SubmissionID: sub.ID,
		Event:        state.EventAnalysisSucceeded,
		Actor:        models.SystemActor,
		AnalysisResult: &models.AnalysisResult{
			Summary:          res.Summary,
			GradeSuggestion:  res.GradeSuggestion,
			Strengths:        res.Strengths,
			ImprovementAreas: res.ImprovementAreas,
			ProcessedAt:      res.ProcessedAt,
		},
	})
	if err != nil {
		var ite *state.InvalidTransitionError
		if errors.As(err, &ite) {
			// Lost the race against a concurrent duplicate; its outcome stands.
			return updated, ErrAlreadyProcessed
		}
		return updated, fmt.Errorf("record analysis success: %w", err)
	}
	return o.advance(ctx, sub.ID)
}

// advance performs the ai_analyzed -> pending_approval hop. It runs after a
// recorded success and again on redelivery when a crash separated the hops.
func (o *Orchestrator) advance(ctx context.Context, submissionID string) (models.Submission, error) {
	updated, err := o.store.ApplyTransition(ctx, store.TransitionInput{
		SubmissionID: submissionID,
		Event:        state.EventAutoAdvance,
		Actor:        models.SystemActor,
	})
	if err != nil {
		var ite *state.InvalidTransitionError
		if errors.As(err, &ite) {
			// A concurrent delivery advanced it first.
			return updated, ErrAlreadyProcessed
		}
		return updated, fmt.Errorf("advance to pending approval: %w", err)
	}
	log.Printf("[orchestrator] submission %s analyzed, pending approval", submissionID)
	return updated, nil
}

func (o *Orchestrator) fail(ctx context.Context, sub models.Submission, cause error) (models.Submission, error) {
	kind := "permanent"
	if analysis.IsTransient(cause) || errors.Is(cause, store.ErrAttemptsExhausted) {
		kind = "exhausted"
	}
	updated, err := o.store.ApplyTransition(ctx, store.TransitionInput{
		SubmissionID: sub.ID,
		Event:        state.EventAnalysisExhausted,
		Actor:        models.SystemActor,
		Reason:       cause.Error(),
	})
	if err != nil {
		var ite *state.InvalidTransitionError
		if errors.As(err, &ite) {
			return updated, ErrAlreadyProcessed
		}
		return updated, fmt.Errorf("record analysis failure: %w", err)
	}
	o.reporter.Error("submission analysis failed",
		"submissionId", sub.ID,
		"assignmentId", sub.AssignmentID,
		"kind", kind,
		"attempts", updated.AttemptCount,
		"cause", cause.Error(),
	)
	return updated, nil
}
