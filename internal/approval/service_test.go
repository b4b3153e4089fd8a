package approval_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genassista/edu-pipeline/internal/approval"
	"github.com/genassista/edu-pipeline/internal/models"
	"github.com/genassista/edu-pipeline/internal/state"
	"github.com/genassista/edu-pipeline/internal/store"
)

// pendingSubmission seeds a submission and walks it to pending_approval the
// way the pipeline would.
func pendingSubmission(t *testing.T, st store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := st.CreateSubmission(ctx, store.SubmissionInput{
		ID:           id,
		AssignmentID: "assignment-1",
		StudentID:    "student-1",
		Content:      "a short essay",
	})
	require.NoError(t, err)
	_, err = st.ApplyTransition(ctx, store.TransitionInput{
		SubmissionID: id,
		Event:        state.EventAnalysisSucceeded,
		Actor:        models.SystemActor,
		AnalysisResult: &models.AnalysisResult{
			Summary:          "coherent argument",
			GradeSuggestion:  "B",
			ImprovementAreas: []string{},
		},
	})
	require.NoError(t, err)
	_, err = st.ApplyTransition(ctx, store.TransitionInput{
		SubmissionID: id,
		Event:        state.EventAutoAdvance,
		Actor:        models.SystemActor,
	})
	require.NoError(t, err)
}

func TestApprove_PublishesToStudent(t *testing.T) {
	st := store.NewMemoryStore()
	pendingSubmission(t, st, "S1")
	svc := approval.New(st)

	sub, err := svc.Approve(context.Background(), "S1", "teacher-7")
	require.NoError(t, err)
	assert.Equal(t, state.PublishedToStudent, sub.State)
	assert.NotNil(t, sub.ApprovedAt)
	require.NotNil(t, sub.AnalysisResult, "result survives the gate")

	entries, err := svc.History(context.Background(), "S1")
	require.NoError(t, err)
	// analysis_succeeded, auto_advance, teacher_approve, auto_advance
	require.Len(t, entries, 4)
	assert.Equal(t, state.EventTeacherApprove, entries[2].Event)
	assert.Equal(t, "teacher-7", entries[2].Actor)
	assert.Equal(t, state.PublishedToStudent, entries[3].ToState)
}

func TestApprove_SecondApproveFailsTerminal(t *testing.T) {
	st := store.NewMemoryStore()
	pendingSubmission(t, st, "S2")
	svc := approval.New(st)

	_, err := svc.Approve(context.Background(), "S2", "teacher-7")
	require.NoError(t, err)

	_, err = svc.Approve(context.Background(), "S2", "teacher-7")
	var ite *state.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.True(t, ite.Terminal)
	assert.Equal(t, state.PublishedToStudent, ite.From)
}

func TestApprove_ResumesFromApproved(t *testing.T) {
	st := store.NewMemoryStore()
	pendingSubmission(t, st, "S3")
	ctx := context.Background()

	// Simulate a crash after teacher_approve but before the publish hop.
	_, err := st.ApplyTransition(ctx, store.TransitionInput{
		SubmissionID: "S3",
		Event:        state.EventTeacherApprove,
		Actor:        "teacher-7",
	})
	require.NoError(t, err)

	sub, err := approval.New(st).Approve(ctx, "S3", "teacher-7")
	require.NoError(t, err)
	assert.Equal(t, state.PublishedToStudent, sub.State)
}

func TestApprove_FromSubmittedIsRejected(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.CreateSubmission(context.Background(), store.SubmissionInput{
		ID: "S4", AssignmentID: "a", StudentID: "s", Content: "c",
	})
	require.NoError(t, err)

	_, err = approval.New(st).Approve(context.Background(), "S4", "teacher-7")
	var ite *state.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, state.Submitted, ite.From)
	assert.False(t, ite.Terminal)

	// The refusal itself is on the record.
	entries, lerr := st.ListTransitions(context.Background(), "S4")
	require.NoError(t, lerr)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Accepted)
}

func TestReject_RequiresReason(t *testing.T) {
	st := store.NewMemoryStore()
	pendingSubmission(t, st, "S5")
	svc := approval.New(st)

	_, err := svc.Reject(context.Background(), "S5", "teacher-7", "   ")
	assert.ErrorIs(t, err, approval.ErrReasonRequired)

	sub, err := svc.Reject(context.Background(), "S5", "teacher-7", "plagiarised sections")
	require.NoError(t, err)
	assert.Equal(t, state.Rejected, sub.State)
	require.NotNil(t, sub.RejectionReason)
	assert.Equal(t, "plagiarised sections", *sub.RejectionReason)
	assert.NotNil(t, sub.RejectedAt)
}

func TestReject_ThenApproveFails(t *testing.T) {
	st := store.NewMemoryStore()
	pendingSubmission(t, st, "S6")
	svc := approval.New(st)

	_, err := svc.Reject(context.Background(), "S6", "teacher-7", "off topic")
	require.NoError(t, err)

	_, err = svc.Approve(context.Background(), "S6", "teacher-7")
	var ite *state.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.True(t, ite.Terminal)
}

func TestSetFeedback_BeforePendingApprovalFails(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.CreateSubmission(context.Background(), store.SubmissionInput{
		ID: "S7", AssignmentID: "a", StudentID: "s", Content: "c",
	})
	require.NoError(t, err)
	svc := approval.New(st)

	_, err = svc.SetFeedback(context.Background(), "S7", "teacher-7", "good start")
	var ite *state.InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}

func TestSetFeedbackAndGrade_AfterPublish(t *testing.T) {
	st := store.NewMemoryStore()
	pendingSubmission(t, st, "S8")
	svc := approval.New(st)
	ctx := context.Background()

	_, err := svc.SetFeedback(ctx, "S8", "teacher-7", "clean structure, weak close")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, "S8", "teacher-7")
	require.NoError(t, err)

	// Grade adjustment remains open after publication.
	sub, err := svc.SetGrade(ctx, "S8", "teacher-7", "A", "re-marked against rubric")
	require.NoError(t, err)
	require.NotNil(t, sub.FinalGrade)
	assert.Equal(t, "A", *sub.FinalGrade)
	assert.Equal(t, state.PublishedToStudent, sub.State, "side channel never moves state")
}

func TestSetGrade_RejectsOffScale(t *testing.T) {
	st := store.NewMemoryStore()
	pendingSubmission(t, st, "S9")
	svc := approval.New(st)

	for _, grade := range []string{"F", "a", "", "A+"} {
		_, err := svc.SetGrade(context.Background(), "S9", "teacher-7", grade, "")
		assert.ErrorIs(t, err, approval.ErrInvalidGrade, "grade %q", grade)
	}
}

func TestHistory_UnknownSubmission(t *testing.T) {
	svc := approval.New(store.NewMemoryStore())
	_, err := svc.History(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
