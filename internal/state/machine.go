// Package state defines the authoritative submission state machine: the
// closed set of states, the events that move between them, and the total
// transition function shared by the orchestrator and the approval engine.
package state

import "fmt"

// State is a submission lifecycle state. The zero value is not a valid state.
type State string

const (
	Submitted          State = "submitted"
	AIAnalyzed         State = "ai_analyzed"
	PendingApproval    State = "pending_approval"
	Approved           State = "approved"
	PublishedToStudent State = "published_to_student"
	Rejected           State = "rejected"
	AnalysisFailed     State = "analysis_failed"
)

// Event is a trigger for a state transition.
type Event string

const (
	// EventAnalysisSucceeded fires when the analysis engine returned a valid result.
	EventAnalysisSucceeded Event = "analysis_succeeded"
	// EventAnalysisExhausted fires when the retry budget is spent or the
	// failure is permanent.
	EventAnalysisExhausted Event = "analysis_exhausted"
	// EventTeacherApprove and EventTeacherReject are the gating transitions,
	// only valid from pending_approval.
	EventTeacherApprove Event = "teacher_approve"
	EventTeacherReject  Event = "teacher_reject"
	// EventAutoAdvance moves ai_analyzed -> pending_approval and
	// approved -> published_to_student. Both intermediate states stay
	// observable so the audit trail records each hop.
	EventAutoAdvance Event = "auto_advance"

	// EventFeedbackSet and EventGradeSet are side-channel mutations: they do
	// not change state but are appended to the audit trail. They never appear
	// in the transition table.
	EventFeedbackSet Event = "feedback_set"
	EventGradeSet    Event = "grade_set"
)

type transitionKey struct {
	from  State
	event Event
}

var transitions = map[transitionKey]State{
	{Submitted, EventAnalysisSucceeded}:    AIAnalyzed,
	{AIAnalyzed, EventAutoAdvance}:         PendingApproval,
	{Submitted, EventAnalysisExhausted}:    AnalysisFailed,
	{PendingApproval, EventTeacherApprove}: Approved,
	{Approved, EventAutoAdvance}:           PublishedToStudent,
	{PendingApproval, EventTeacherReject}:  Rejected,
}

// rank orders states along the pipeline so callers can assert forward-only
// movement. Terminal branches share the highest rank.
var rank = map[State]int{
	Submitted:          0,
	AIAnalyzed:         1,
	PendingApproval:    2,
	Approved:           3,
	PublishedToStudent: 4,
	Rejected:           4,
	AnalysisFailed:     4,
}

// InvalidTransitionError is returned when an event is not legal for the
// current state. Terminal distinguishes "already in a terminal state" from
// "never reached the state the event requires".
type InvalidTransitionError struct {
	From     State
	Event    Event
	Terminal bool
}

func (e *InvalidTransitionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("invalid transition: event %q on %q: submission already in terminal state", e.Event, e.From)
	}
	return fmt.Sprintf("invalid transition: event %q requires a state it has not reached (current %q)", e.Event, e.From)
}

// Next is the total transition function. An event that is not legal for the
// current state returns an *InvalidTransitionError and leaves the caller to
// keep the submission unchanged. This is what makes duplicate event delivery
// safe: a redelivered submission.created finds the state already advanced and
// the transition is rejected.
func Next(from State, event Event) (State, error) {
	if to, ok := transitions[transitionKey{from, event}]; ok {
		return to, nil
	}
	return "", &InvalidTransitionError{From: from, Event: event, Terminal: IsTerminal(from)}
}

// IsTerminal reports whether no event can move the submission further.
func IsTerminal(s State) bool {
	switch s {
	case PublishedToStudent, Rejected, AnalysisFailed:
		return true
	}
	return false
}

// Valid reports whether s is a member of the closed state set.
func Valid(s State) bool {
	_, ok := rank[s]
	return ok
}

// Rank returns the pipeline position of s; higher never moves to lower.
func Rank(s State) int {
	return rank[s]
}

// AllowsSideChannel reports whether feedback/grade edits are permitted: the
// submission must have reached pending_approval or later.
func AllowsSideChannel(s State) bool {
	switch s {
	case PendingApproval, Approved, PublishedToStudent, Rejected:
		return true
	}
	return false
}

// HasAnalysisResult reports whether the invariant requires analysis_result to
// be present in state s.
func HasAnalysisResult(s State) bool {
	switch s {
	case AIAnalyzed, PendingApproval, Approved, Rejected, PublishedToStudent:
		return true
	}
	return false
}
