package coordinator

import (
	"context"

	"github.com/ashureev/dialog-sync/internal/backend"
	"github.com/ashureev/dialog-sync/internal/dialog"
)

type pullSet uint8

const (
	wantStatus pullSet = 1 << iota
	wantQuestion
	wantQuestionIfStale
	wantTasks
	wantJobs
)

const (
	pullStatus = wantStatus
	pullDialog = wantStatus | wantQuestionIfStale
	pullAll    = wantStatus | wantQuestion | wantTasks
	pullTasks  = wantTasks
	pullJobs   = wantJobs
)

// origin records what asked for a pull.
type origin int

const (
	originAction origin = iota
	originPush
	originResync
)

type result struct {
	origin         origin
	status         *dialog.Status
	questionPulled bool
	question       *dialog.Question
	tasksPulled    bool
	tasks          []backend.Task
	jobsPulled     bool
	jobs           []backend.Job
	deployment     *backend.Deployment
}

// pull fetches what set asks for and applies it. Nothing is applied when
// any fetch fails.
func (c *Coordinator) pull(ctx context.Context, set pullSet, o origin) error {
	sid, err := c.boundSession()
	if err != nil {
		return err
	}
	r := result{origin: o}

	if set&wantStatus != 0 {
		st, err := c.backend.Status(ctx, sid)
		if err != nil {
			return err
		}
		r.status = &st
	}

	needQuestion := set&wantQuestion != 0
	if set&wantQuestionIfStale != 0 {
		view := c.dialog.Snapshot()
		needQuestion = view.Pending == nil || (r.status != nil && r.status.Answered != view.Answered)
	}
	if needQuestion && (r.status == nil || !r.status.State.Terminal()) {
		q, err := c.backend.Question(ctx, sid)
		if err != nil {
			return err
		}
		r.question, r.questionPulled = q, true
	}

	if set&wantTasks != 0 {
		tasks, err := c.backend.Tasks(ctx, sid)
		if err != nil {
			return err
		}
		r.tasks, r.tasksPulled = tasks, true
	}
	if set&wantJobs != 0 {
		jobs, err := c.backend.CodegenJobs(ctx, sid)
		if err != nil {
			return err
		}
		r.jobs, r.jobsPulled = jobs, true
	}

	c.apply(r)
	return nil
}

// apply is the single place pull results reach the Dialog. Results apply
// in completion order, so the last completed pull wins.
func (c *Coordinator) apply(r result) {
	c.applyMu.Lock()
	var u Update
	if r.status != nil {
		tr, err := c.dialog.ApplyStatus(*r.status)
		if err != nil {
			c.logger.Warn("Ignoring status pull", "session_id", c.SessionID(), "error", err)
		} else {
			u.Transition = tr
			u.Discrepancy = r.origin == originResync && tr.From.Active() && tr.To.Terminal()
		}
	}
	if r.questionPulled {
		c.dialog.ApplyQuestion(r.question)
	}
	if r.tasksPulled {
		c.tasks = append([]backend.Task(nil), r.tasks...)
	}
	if r.jobsPulled {
		c.jobs = append([]backend.Job(nil), r.jobs...)
	}
	c.applied++

	u.Applied = c.applied
	u.View = c.dialog.Snapshot()
	u.Tasks = append([]backend.Task(nil), c.tasks...)
	u.Jobs = append([]backend.Job(nil), c.jobs...)
	u.Deployment = r.deployment
	c.applyMu.Unlock()

	if u.Discrepancy {
		c.logger.Warn("Server reports dialog ended while out of sync",
			"session_id", c.SessionID(),
			"local_state", u.Transition.From,
			"server_state", u.Transition.To)
	}
	c.notify(u)
}
