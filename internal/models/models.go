package models

import (
	"time"

	"github.com/genassista/edu-pipeline/internal/state"
)

// Submission is one learner's attempt at one assignment. State is only ever
// written through the store's transition function.
type Submission struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignmentId"`
	StudentID    string `json:"studentId"`

	// ContentRef points at the stored upload (owned by the upload service);
	// Content is the extracted text snapshot sent to the analysis engine.
	ContentRef string `json:"contentRef,omitempty"`
	Content    string `json:"content,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Level      string `json:"level,omitempty"`

	State state.State `json:"state"`

	AnalysisResult  *AnalysisResult `json:"analysisResult,omitempty"`
	TeacherFeedback *string         `json:"teacherFeedback,omitempty"`
	FinalGrade      *string         `json:"finalGrade,omitempty"`
	RejectionReason *string         `json:"rejectionReason,omitempty"`

	AttemptCount int     `json:"attemptCount"`
	LastError    *string `json:"lastError,omitempty"`

	SubmittedAt time.Time  `json:"submittedAt"`
	AnalyzedAt  *time.Time `json:"analyzedAt,omitempty"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	RejectedAt  *time.Time `json:"rejectedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// AnalysisResult is the structured payload returned by the analysis engine.
// The pipeline validates required fields but otherwise treats it as opaque.
type AnalysisResult struct {
	Summary          string    `json:"summary"`
	GradeSuggestion  string    `json:"grade_suggestion,omitempty"`
	Strengths        []string  `json:"strengths,omitempty"`
	ImprovementAreas []string  `json:"improvement_areas"`
	ProcessedAt      time.Time `json:"processed_at,omitempty"`
}

// InboundEvent is the at-least-once delivery envelope for submission.created.
type InboundEvent struct {
	EventID       string `json:"eventId"`
	SubmissionID  string `json:"submissionId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// TransitionLogEntry is an immutable audit record of a transition attempt.
// Rejected attempts are recorded with Accepted=false and leave the submission
// untouched. Entries are appended DB-first and streamed to Kafka afterwards;
// StreamStatus tracks that delivery (pending -> in_progress -> done/failed).
type TransitionLogEntry struct {
	ID           string      `json:"id"`
	SubmissionID string      `json:"submissionId"`
	FromState    state.State `json:"fromState"`
	ToState      state.State `json:"toState"`
	Event        state.Event `json:"event"`
	Actor        string      `json:"actor"`
	Accepted     bool        `json:"accepted"`
	Reason       string      `json:"reason,omitempty"`
	Ts           time.Time   `json:"ts"`

	StreamStatus    string     `json:"streamStatus,omitempty"`
	StreamAttempts  int        `json:"streamAttempts,omitempty"`
	StreamedAt      *time.Time `json:"streamedAt,omitempty"`
	ArchivedKey     *string    `json:"archivedKey,omitempty"`
	LastStreamError *string    `json:"lastStreamError,omitempty"`
}

// SystemActor is recorded on transitions driven by the pipeline itself rather
// than a teacher.
const SystemActor = "system"
