package dialog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirming(t *testing.T, q *Question, total, answered int) *Dialog {
	t.Helper()
	d := New()
	require.NoError(t, d.BeginParsing())
	_, err := d.ApplyStatus(Status{State: StateConfirming, Total: total, Answered: answered})
	require.NoError(t, err)
	d.ApplyQuestion(q)
	return d
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 25, Progress(1, 4))
	assert.Equal(t, 0, Progress(0, 0))
	assert.Equal(t, 0, Progress(3, 0))
	assert.Equal(t, 33, Progress(1, 3))
	assert.Equal(t, 67, Progress(2, 3))
	assert.Equal(t, 100, Progress(5, 5))
}

func TestProgressIsNotMonotonic(t *testing.T) {
	d := confirming(t, nil, 4, 3)
	assert.Equal(t, 75, d.Progress())

	_, err := d.ApplyStatus(Status{State: StateConfirming, Total: 4, Answered: 1})
	require.NoError(t, err)
	assert.Equal(t, 25, d.Progress())
}

func TestAnswerRejectedOnIdleDialog(t *testing.T) {
	d := New()

	_, err := d.RecordAnswer("", "yes")

	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, err, ErrNoPendingQuestion)
	assert.Equal(t, StateIdle, rej.State)
	assert.Equal(t, StateIdle, d.State())
	assert.Empty(t, d.History())
}

func TestAnswerAppendsTurnAndClearsPending(t *testing.T) {
	q := &Question{ID: "q1", Kind: KindConfirm, Prompt: "Project type is api?"}
	d := confirming(t, q, 1, 0)

	turn, err := d.RecordAnswer("q1", true)
	require.NoError(t, err)

	assert.Equal(t, "q1", turn.Question.ID)
	assert.Equal(t, true, turn.Answer)
	assert.False(t, turn.At.IsZero())
	assert.Nil(t, d.Pending())
	assert.Len(t, d.History(), 1)
}

func TestAnswerRejectsMismatchedQuestion(t *testing.T) {
	d := confirming(t, &Question{ID: "q1", Kind: KindConfirm}, 2, 0)

	_, err := d.RecordAnswer("q2", true)

	assert.ErrorIs(t, err, ErrQuestionMismatch)
	assert.NotNil(t, d.Pending())
	assert.Empty(t, d.History())
}

func TestAnswerRejectsInvalidValue(t *testing.T) {
	d := confirming(t, &Question{ID: "q1", Kind: KindConfirm}, 1, 0)

	err := d.CheckAnswer("q1", "yes")
	assert.ErrorIs(t, err, ErrInvalidAnswer)

	_, err = d.RecordAnswer("q1", "yes")
	assert.ErrorIs(t, err, ErrInvalidAnswer)
	assert.Empty(t, d.History())
}

func TestCancelFromConfirmingIsTerminal(t *testing.T) {
	d := confirming(t, &Question{ID: "q1", Kind: KindConfirm}, 1, 0)

	require.NoError(t, d.MarkCancelled("changed my mind"))
	assert.Equal(t, StateCancelled, d.State())
	assert.Equal(t, "changed my mind", d.Snapshot().CancelReason)

	_, err := d.RecordAnswer("q1", true)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Empty(t, d.History())

	assert.ErrorIs(t, d.MarkCancelled(""), ErrTerminal)
	assert.ErrorIs(t, d.MarkApproved(), ErrTerminal)
	_, err = d.RecordChange("database_type", "postgresql", "")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestCancelRequiresConfirmingOrClarifying(t *testing.T) {
	d := New()
	assert.ErrorIs(t, d.MarkCancelled(""), ErrInvalidTransition)

	d = confirming(t, nil, 1, 1)
	_, err := d.ApplyStatus(Status{State: StateRefining, Total: 1, Answered: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, d.CheckCancel(), ErrInvalidTransition)

	d = confirming(t, nil, 1, 0)
	_, err = d.ApplyStatus(Status{State: StateClarifying, Total: 1, Answered: 0})
	require.NoError(t, err)
	assert.NoError(t, d.CheckCancel())
}

func TestApproveRequiresNoPendingQuestion(t *testing.T) {
	d := confirming(t, &Question{ID: "q1", Kind: KindConfirm}, 1, 0)
	assert.ErrorIs(t, d.MarkApproved(), ErrPendingQuestion)

	d.ApplyQuestion(nil)
	require.NoError(t, d.MarkApproved())
	assert.Equal(t, StateApproved, d.State())
}

func TestApproveRequiresLiveDialog(t *testing.T) {
	d := New()
	assert.ErrorIs(t, d.CheckApprove(), ErrInvalidTransition)
	assert.ErrorIs(t, d.MarkApproved(), ErrInvalidTransition)
	assert.Equal(t, StateIdle, d.State())

	require.NoError(t, d.BeginParsing())
	assert.ErrorIs(t, d.MarkApproved(), ErrInvalidTransition)
	assert.Equal(t, StateParsing, d.State())

	for _, state := range []State{StateConfirming, StateClarifying, StateRefining} {
		d := confirming(t, nil, 1, 1)
		_, err := d.ApplyStatus(Status{State: state, Total: 1, Answered: 1})
		require.NoError(t, err)
		assert.NoError(t, d.CheckApprove(), state)
	}
}

func TestBeginParsingOnlyFromIdle(t *testing.T) {
	d := New()
	require.NoError(t, d.BeginParsing())
	assert.Equal(t, StateParsing, d.State())
	assert.ErrorIs(t, d.BeginParsing(), ErrInvalidTransition)

	d.ParseFailed()
	assert.Equal(t, StateIdle, d.State())
}

func TestRecordChangeTracksOldValueAndMovesToRefining(t *testing.T) {
	d := New()
	require.NoError(t, d.BeginParsing())
	_, err := d.ApplyStatus(Status{
		State:       StateClarifying,
		Total:       2,
		Answered:    2,
		Requirement: map[string]any{"tech_stack": map[string]any{"runtime": "python"}},
	})
	require.NoError(t, err)

	rec, err := d.RecordChange("tech_stack.runtime", "go", "team preference")
	require.NoError(t, err)

	assert.Equal(t, "python", rec.Old)
	assert.Equal(t, "go", rec.New)
	assert.Equal(t, "team preference", rec.Reason)
	assert.Equal(t, StateRefining, d.State())
	assert.Equal(t, "go", d.Snapshot().Requirement["tech_stack"].(map[string]any)["runtime"])
	assert.Len(t, d.Changes(), 1)

	for _, field := range []string{" ", "a..b", "a.", ".a"} {
		_, err = d.RecordChange(field, "x", "")
		assert.ErrorIs(t, err, ErrEmptyField, field)
	}
	assert.NotContains(t, d.Snapshot().Requirement, "")
	assert.NotContains(t, d.Snapshot().Requirement, "a")
	assert.Len(t, d.Changes(), 1)
}

func TestApplyStatusKeepsTerminalStateSticky(t *testing.T) {
	d := confirming(t, nil, 2, 2)
	require.NoError(t, d.MarkApproved())

	tr, err := d.ApplyStatus(Status{State: StateConfirming, Total: 3, Answered: 1})
	require.NoError(t, err)

	assert.Equal(t, Transition{From: StateApproved, To: StateConfirming}, tr)
	assert.Equal(t, StateApproved, d.State())
	assert.Equal(t, 100, d.Progress())

	d.ApplyQuestion(&Question{ID: "late", Kind: KindText})
	assert.Nil(t, d.Pending())
}

func TestApplyStatusToTerminalClearsPending(t *testing.T) {
	d := confirming(t, &Question{ID: "q1", Kind: KindConfirm}, 1, 0)

	tr, err := d.ApplyStatus(Status{State: StateApproved, Total: 1, Answered: 1})
	require.NoError(t, err)

	assert.True(t, tr.Changed())
	assert.Nil(t, d.Pending())
	assert.Equal(t, 100, d.Progress())
}

func TestApplyStatusRejectsUnknownState(t *testing.T) {
	d := New()
	_, err := d.ApplyStatus(Status{State: "exploding"})
	assert.True(t, errors.Is(err, ErrUnknownState))
	assert.Equal(t, StateIdle, d.State())
}

func TestSnapshotIsACopy(t *testing.T) {
	d := confirming(t, &Question{ID: "q1", Kind: KindChoice, Options: []string{"a", "b"}}, 1, 0)
	v := d.Snapshot()
	v.Pending.ID = "mutated"
	v.Pending.Options[0] = "zzz"
	v.Requirement["x"] = 1

	assert.Equal(t, "q1", d.Pending().ID)
	assert.Equal(t, []string{"a", "b"}, d.Pending().Options)
	assert.NotContains(t, d.Snapshot().Requirement, "x")

	p := d.Pending()
	p.Options[1] = "yyy"
	assert.Equal(t, []string{"a", "b"}, d.Snapshot().Pending.Options)
}

func TestSnapshotDoesNotShareNestedRequirement(t *testing.T) {
	d := New()
	require.NoError(t, d.BeginParsing())
	_, err := d.ApplyStatus(Status{
		State:       StateRefining,
		Total:       1,
		Answered:    1,
		Requirement: map[string]any{"tech_stack": map[string]any{"backend": "go"}},
	})
	require.NoError(t, err)

	before := d.Snapshot()
	_, err = d.RecordChange("tech_stack.backend", "rust", "")
	require.NoError(t, err)

	assert.Equal(t, "go", before.Requirement["tech_stack"].(map[string]any)["backend"])
	assert.Equal(t, "rust", d.Snapshot().Requirement["tech_stack"].(map[string]any)["backend"])

	before.Requirement["tech_stack"].(map[string]any)["backend"] = "zig"
	assert.Equal(t, "rust", d.Snapshot().Requirement["tech_stack"].(map[string]any)["backend"])
}

func TestApplyCopiesCallerData(t *testing.T) {
	d := New()
	require.NoError(t, d.BeginParsing())
	stack := map[string]any{"backend": "go"}
	_, err := d.ApplyStatus(Status{State: StateConfirming, Total: 1, Requirement: map[string]any{"tech_stack": stack}})
	require.NoError(t, err)
	stack["backend"] = "rust"
	assert.Equal(t, "go", d.Snapshot().Requirement["tech_stack"].(map[string]any)["backend"])

	lower := 1.0
	q := &Question{ID: "q1", Kind: KindNumber, Options: []string{"a"}, Min: &lower}
	d.ApplyQuestion(q)
	q.Options[0] = "zzz"
	lower = 50

	pending := d.Pending()
	assert.Equal(t, []string{"a"}, pending.Options)
	assert.Equal(t, 1.0, *pending.Min)

	turn, err := d.RecordAnswer("q1", 5)
	require.NoError(t, err)
	turn.Question.Options[0] = "changed"
	assert.Equal(t, []string{"a"}, d.History()[0].Question.Options)
}
