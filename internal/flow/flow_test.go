package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dialog-sync/internal/dialog"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		projectType string
		firstFeat   string
	}{
		{"api", "Build a payments API", "api", "REST endpoints"},
		{"web", "A web site for recipes", "web", "Responsive UI"},
		{"cli", "a CLI to rename photos", "cli", "Argument parsing"},
		{"todo overrides features", "todo list web app", "web", "Create items"},
		{"fallback", "something vague", "api", "Core module"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Parse(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.projectType, req.ProjectType)
			assert.Equal(t, tt.firstFeat, req.Features[0])
			assert.Equal(t, "go", req.TechStack["runtime"])
		})
	}
}

func TestParseRejectsEmptyText(t *testing.T) {
	_, err := Parse("   ")
	assert.ErrorIs(t, err, ErrEmptyRequirement)

	_, err = Start("s-1", "")
	assert.ErrorIs(t, err, ErrEmptyRequirement)
}

func TestStartGeneratesQuestions(t *testing.T) {
	f, err := Start("s-1", "Build a payments API")
	require.NoError(t, err)

	st := f.Status()
	assert.Equal(t, dialog.StateConfirming, st.State)
	// project type, stack, features, database, deployment
	assert.Equal(t, 5, st.DialogSummary.TotalQuestions)
	assert.Equal(t, 5, st.UnansweredCount)
	assert.Equal(t, 5, f.Submitted().QuestionsCount)

	q := f.Current()
	require.NotNil(t, q)
	assert.Equal(t, dialog.KindConfirm, q.Kind)
	assert.Equal(t, true, q.Default)
	assert.NotEmpty(t, q.ID)
}

func TestCLIProjectSkipsDatabaseQuestion(t *testing.T) {
	f, err := Start("s-1", "a CLI to rename photos")
	require.NoError(t, err)
	assert.Equal(t, 4, f.Status().DialogSummary.TotalQuestions)
}

func answerAll(t *testing.T, f *Flow) {
	t.Helper()
	for q := f.Current(); q != nil; q = f.Current() {
		var value any = true
		if q.Kind == dialog.KindChoice {
			value = q.Options[1]
		}
		_, err := f.Answer(q.ID, value)
		require.NoError(t, err)
	}
}

func TestAnswerWalkthroughReachesRefining(t *testing.T) {
	f, err := Start("s-1", "Build a payments API")
	require.NoError(t, err)

	answerAll(t, f)

	st := f.Status()
	assert.Equal(t, dialog.StateRefining, st.State)
	assert.Equal(t, 5, st.DialogSummary.AnsweredQuestions)
	assert.Equal(t, 5, st.DialogSummary.TotalTurns)
	assert.Zero(t, st.UnansweredCount)
	assert.Equal(t, "postgresql", st.Requirement["database_type"])
	assert.Equal(t, "local", st.Requirement["deployment_type"])
	assert.Len(t, f.Changes(), 2)
	assert.Len(t, f.History(), 5)
	assert.Nil(t, f.Current())
}

func TestAnswerValidation(t *testing.T) {
	f, err := Start("s-1", "Build a payments API")
	require.NoError(t, err)
	q := f.Current()

	_, err = f.Answer(q.ID, "yes")
	assert.ErrorIs(t, err, dialog.ErrInvalidAnswer)

	_, err = f.Answer("other", true)
	assert.ErrorIs(t, err, ErrQuestionMismatch)

	res, err := f.Answer("", true)
	require.NoError(t, err)
	assert.Equal(t, dialog.StateConfirming, res.State)
	require.NotNil(t, res.NextQuestion)
	assert.NotEqual(t, q.ID, res.NextQuestion.ID)
}

func TestRejectedStackRecordsChange(t *testing.T) {
	f, err := Start("s-1", "a CLI to rename photos")
	require.NoError(t, err)

	_, err = f.Answer("", true)
	require.NoError(t, err)
	_, err = f.Answer("", false)
	require.NoError(t, err)

	changes := f.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, "tech_stack_confirmed", changes[0].Field)
	assert.Nil(t, changes[0].Old)
	assert.Equal(t, false, changes[0].New)
}

func TestApproveRequiresAllAnswers(t *testing.T) {
	f, err := Start("s-1", "Build a payments API")
	require.NoError(t, err)

	_, err = f.Approve()
	assert.ErrorIs(t, err, ErrUnanswered)
	assert.ErrorContains(t, err, "5 left")

	answerAll(t, f)
	res, err := f.Approve()
	require.NoError(t, err)
	assert.Equal(t, dialog.StateApproved, res.State)
	assert.True(t, f.Status().DialogSummary.IsApproved)

	_, err = f.Answer("", true)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = f.Approve()
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = f.Cancel("late")
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestModifyRecordsChangeWithOldValue(t *testing.T) {
	f, err := Start("s-1", "Build a payments API")
	require.NoError(t, err)

	res, err := f.Modify("tech_stack.database", "postgresql", "needs concurrency")
	require.NoError(t, err)
	// Questions still pending keep the dialog confirming.
	assert.Equal(t, dialog.StateConfirming, res.State)

	changes := f.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, "sqlite", changes[0].Old)
	assert.Equal(t, "postgresql", changes[0].New)

	stack, ok := res.Requirement["tech_stack"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "postgresql", stack["database"])

	answerAll(t, f)
	res, err = f.Modify("priority", "high", "")
	require.NoError(t, err)
	assert.Equal(t, dialog.StateRefining, res.State)

	for _, field := range []string{"", "a..b", "a.", ".a"} {
		_, err = f.Modify(field, 1, "")
		assert.ErrorIs(t, err, dialog.ErrEmptyField, field)
	}
	assert.NotContains(t, f.Requirement(), "")
}

func TestRequirementCopiesAreIndependent(t *testing.T) {
	f, err := Start("s-1", "Build a payments API")
	require.NoError(t, err)

	doc := f.Requirement()
	doc["tech_stack"].(map[string]any)["database"] = "oracle"

	stack := f.Requirement()["tech_stack"].(map[string]any)
	assert.Equal(t, "sqlite", stack["database"])
}

func TestCancelIsTerminal(t *testing.T) {
	f, err := Start("s-1", "Build a payments API")
	require.NoError(t, err)

	res, err := f.Cancel("changed my mind")
	require.NoError(t, err)
	assert.Equal(t, dialog.StateCancelled, res.State)
	assert.Equal(t, "changed my mind", res.Reason)
	assert.True(t, f.Status().DialogSummary.IsCancelled)

	_, err = f.Modify("priority", "high", "")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	f, err := Start("s-1", "Build a payments API")
	require.NoError(t, err)

	r.Put(f)
	got, ok := r.Get("s-1")
	require.True(t, ok)
	assert.Same(t, f, got)
	assert.Equal(t, 1, r.Len())

	r.Remove("s-1")
	_, ok = r.Get("s-1")
	assert.False(t, ok)
}
