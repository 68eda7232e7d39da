// Package coordinator reconciles a session's Dialog with the server. Push
// notifications never mutate the Dialog directly: they trigger pulls, and
// every pull result (event-triggered, scheduled or following a user action)
// goes through one apply path where the last completed pull wins.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/dialog-sync/internal/backend"
	"github.com/ashureev/dialog-sync/internal/dialog"
	"github.com/ashureev/dialog-sync/internal/events"
)

// DefaultRefreshInterval is the period of the scheduled refresh.
const DefaultRefreshInterval = 15 * time.Second

// ErrNoSession is returned by actions that need a bound session.
var ErrNoSession = errors.New("no session bound")

// Backend is the request/response collaborator. *backend.Client
// implements it.
type Backend interface {
	Submit(ctx context.Context, text, sessionID string) (backend.SubmitResult, error)
	Status(ctx context.Context, sessionID string) (dialog.Status, error)
	Question(ctx context.Context, sessionID string) (*dialog.Question, error)
	Answer(ctx context.Context, sessionID, questionID string, value any) (backend.AnswerResult, error)
	Approve(ctx context.Context, sessionID string) (backend.ApproveResult, error)
	Modify(ctx context.Context, sessionID, field string, value any, reason string) (backend.ModifyResult, error)
	Cancel(ctx context.Context, sessionID, reason string) (backend.CancelResult, error)
	Tasks(ctx context.Context, sessionID string) ([]backend.Task, error)
	CodegenJobs(ctx context.Context, sessionID string) ([]backend.Job, error)
	Deployment(ctx context.Context, deploymentID string) (backend.Deployment, error)
}

// Channel is the realtime side the coordinator drives. *realtime.Channel
// implements it.
type Channel interface {
	Open(sessionID string)
	Send(v any)
}

// Hint is progress or message data carried by a push notification. It is
// informational only.
type Hint struct {
	Type     events.EventType
	Ref      string
	Status   string
	Progress *int
	Level    string
	Message  string
}

// Connectivity is the realtime channel's state as reported to observers.
// Exhausted means the channel gave up reconnecting; the dialog then only
// moves through scheduled refresh and user actions.
type Connectivity struct {
	Status    string
	Attempts  int
	Exhausted bool
}

// Update is delivered to observers after every applied pull and every hint.
type Update struct {
	Applied    uint64
	View       dialog.View
	Transition dialog.Transition
	// Discrepancy is set when a dialog the client was following ended on
	// the server and the client only learned of it from a resync pull,
	// e.g. after a reconnect.
	Discrepancy bool
	Tasks       []backend.Task
	Jobs        []backend.Job
	Deployment  *backend.Deployment
	Hint        *Hint
	// Connectivity is set on updates caused by a channel status change.
	Connectivity *Connectivity
}

// Options configures a Coordinator.
type Options struct {
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// Coordinator owns the reconciliation of one session.
type Coordinator struct {
	dialog     *dialog.Dialog
	backend    Backend
	channel    Channel
	dispatcher *events.Dispatcher
	interval   time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sessionID string
	closed    bool
	observers []func(Update)
	subs      []subscription

	// applyMu serializes apply so each result lands whole.
	applyMu sync.Mutex
	applied uint64
	tasks   []backend.Task
	jobs    []backend.Job

	startOnce sync.Once
	closeOnce sync.Once
}

type subscription struct {
	t  events.EventType
	id events.SubscriptionID
}

// New wires a coordinator to its collaborators and subscribes it to the
// dispatcher. channel may be nil for pull-only use.
func New(d *dialog.Dialog, b Backend, ch Channel, disp *events.Dispatcher, opts Options) *Coordinator {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		dialog:     d,
		backend:    b,
		channel:    ch,
		dispatcher: disp,
		interval:   opts.RefreshInterval,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	if disp != nil {
		c.subscribe(events.TypeConnected, c.onConnected)
		c.subscribe(events.TypeDialogUpdate, c.onDialogUpdate)
		c.subscribe(events.TypeTaskUpdate, c.onTaskUpdate)
		c.subscribe(events.TypeCodegenProgress, c.onCodegenProgress)
		c.subscribe(events.TypeDeploymentStatus, c.onDeploymentStatus)
		c.subscribe(events.TypeSystem, c.onSystem)
	}
	return c
}

func (c *Coordinator) subscribe(t events.EventType, h events.Handler) {
	id := c.dispatcher.Subscribe(t, h)
	c.subs = append(c.subs, subscription{t: t, id: id})
}

// Dialog returns the dialog this coordinator maintains.
func (c *Coordinator) Dialog() *dialog.Dialog {
	return c.dialog
}

// SessionID returns the bound session, or "" before submission.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Applied returns how many pull results have been applied.
func (c *Coordinator) Applied() uint64 {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return c.applied
}

// Tasks returns the last pulled task list.
func (c *Coordinator) Tasks() []backend.Task {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return append([]backend.Task(nil), c.tasks...)
}

// OnUpdate registers an observer. Observers run on the goroutine that
// applied the result and must not block.
func (c *Coordinator) OnUpdate(fn func(Update)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Start begins the scheduled refresh. Subsequent calls are no-ops.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.wg.Add(1)
		c.mu.Unlock()
		go c.refreshLoop()
	})
}

func (c *Coordinator) refreshLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.SessionID() == "" {
				continue
			}
			if err := c.pull(c.ctx, pullAll, originResync); err != nil && c.ctx.Err() == nil {
				c.logger.Warn("Scheduled refresh failed", "session_id", c.SessionID(), "error", err)
			}
		}
	}
}

// Close stops the scheduled refresh, unsubscribes from the dispatcher and
// waits for in-flight triggered pulls. Safe to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		if c.dispatcher != nil {
			for _, s := range c.subs {
				c.dispatcher.Unsubscribe(s.t, s.id)
			}
		}
		c.wg.Wait()
	})
}

// Bind attaches the coordinator to an existing server session, opens the
// channel and refreshes. Used to resume after a restart.
func (c *Coordinator) Bind(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	c.setSession(sessionID)
	if c.channel != nil {
		c.channel.Open(sessionID)
	}
	return c.pull(ctx, pullAll, originAction)
}

// Submit sends a requirement, binds the session the server created and
// refreshes. The dialog passes through parsing; a failed submission returns
// it to idle.
func (c *Coordinator) Submit(ctx context.Context, text string) (string, error) {
	if err := c.dialog.BeginParsing(); err != nil {
		return "", err
	}
	res, err := c.backend.Submit(ctx, text, c.SessionID())
	if err != nil {
		c.dialog.ParseFailed()
		return "", err
	}
	c.setSession(res.SessionID)
	c.logger.Info("Requirement submitted",
		"session_id", res.SessionID,
		"project_type", res.ProjectType,
		"questions", res.QuestionsCount)

	if c.channel != nil {
		c.channel.Open(res.SessionID)
	}
	return res.SessionID, c.pull(ctx, pullAll, originAction)
}

// Answer answers the pending question. An empty questionID answers whatever
// is pending.
func (c *Coordinator) Answer(ctx context.Context, questionID string, value any) (dialog.Turn, error) {
	sid, err := c.boundSession()
	if err != nil {
		return dialog.Turn{}, err
	}
	if err := c.dialog.CheckAnswer(questionID, value); err != nil {
		return dialog.Turn{}, err
	}
	pending := c.dialog.Pending()
	if pending == nil {
		return dialog.Turn{}, &dialog.RejectionError{Op: "answer", State: c.dialog.State(), Err: dialog.ErrNoPendingQuestion}
	}
	normalized, err := pending.Normalize(value)
	if err != nil {
		return dialog.Turn{}, err
	}
	if _, err := c.backend.Answer(ctx, sid, pending.ID, normalized); err != nil {
		return dialog.Turn{}, err
	}
	turn, err := c.dialog.RecordAnswer(pending.ID, normalized)
	if err != nil {
		// A pull replaced the pending question while the request was in
		// flight; the server has the answer, the refresh below catches up.
		c.logger.Warn("Answer accepted remotely but not recorded locally", "session_id", sid, "error", err)
	}
	return turn, c.pull(ctx, pullAll, originAction)
}

// Modify changes one requirement field.
func (c *Coordinator) Modify(ctx context.Context, field string, value any, reason string) (dialog.ChangeRecord, error) {
	sid, err := c.boundSession()
	if err != nil {
		return dialog.ChangeRecord{}, err
	}
	if err := c.dialog.CheckModify(field); err != nil {
		return dialog.ChangeRecord{}, err
	}
	if _, err := c.backend.Modify(ctx, sid, field, value, reason); err != nil {
		return dialog.ChangeRecord{}, err
	}
	rec, err := c.dialog.RecordChange(field, value, reason)
	if err != nil {
		return dialog.ChangeRecord{}, err
	}
	return rec, c.pull(ctx, pullAll, originAction)
}

// Approve approves the requirement.
func (c *Coordinator) Approve(ctx context.Context) error {
	sid, err := c.boundSession()
	if err != nil {
		return err
	}
	if err := c.dialog.CheckApprove(); err != nil {
		return err
	}
	res, err := c.backend.Approve(ctx, sid)
	if err != nil {
		return err
	}
	if err := c.dialog.MarkApproved(); err != nil {
		c.logger.Warn("Approval accepted remotely but not applied locally", "session_id", sid, "error", err)
	}
	c.logger.Info("Requirement approved", "session_id", sid, "tasks", len(res.TaskIDs))
	return c.pull(ctx, pullAll, originAction)
}

// Cancel abandons the dialog. Irreversible.
func (c *Coordinator) Cancel(ctx context.Context, reason string) error {
	sid, err := c.boundSession()
	if err != nil {
		return err
	}
	if err := c.dialog.CheckCancel(); err != nil {
		return err
	}
	if _, err := c.backend.Cancel(ctx, sid, reason); err != nil {
		return err
	}
	if err := c.dialog.MarkCancelled(reason); err != nil {
		c.logger.Warn("Cancellation accepted remotely but not applied locally", "session_id", sid, "error", err)
	}
	c.logger.Info("Dialog cancelled", "session_id", sid, "reason", reason)
	return c.pull(ctx, pullAll, originAction)
}

// Refresh pulls status, question and tasks and applies them.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if _, err := c.boundSession(); err != nil {
		return err
	}
	return c.pull(ctx, pullAll, originAction)
}

func (c *Coordinator) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *Coordinator) boundSession() (string, error) {
	sid := c.SessionID()
	if sid == "" {
		return "", ErrNoSession
	}
	return sid, nil
}

// forSession reports whether a notification concerns this coordinator's
// session. Notifications without a session id are accepted.
func (c *Coordinator) forSession(n events.Notification) bool {
	sid := c.SessionID()
	return sid != "" && (n.SessionID == "" || n.SessionID == sid)
}

// trigger runs fn on a tracked goroutine unless the coordinator is closed.
func (c *Coordinator) trigger(reason events.EventType, fn func(ctx context.Context) error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := fn(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("Triggered refresh failed", "session_id", c.SessionID(), "trigger", reason, "error", err)
		}
	}()
}

func (c *Coordinator) onConnected(n events.Notification) {
	if !c.forSession(n) {
		return
	}
	// Subscriptions do not survive a reconnect.
	if c.channel != nil {
		c.channel.Send(events.NewSubscribe(
			events.TypeDialogUpdate,
			events.TypeTaskUpdate,
			events.TypeCodegenProgress,
			events.TypeDeploymentStatus,
			events.TypeSystem,
		))
	}
	c.trigger(n.Type, func(ctx context.Context) error {
		return c.pull(ctx, pullAll, originResync)
	})
}

func (c *Coordinator) onDialogUpdate(n events.Notification) {
	if !c.forSession(n) {
		return
	}
	c.trigger(n.Type, func(ctx context.Context) error {
		return c.pull(ctx, pullDialog, originPush)
	})
}

func (c *Coordinator) onTaskUpdate(n events.Notification) {
	if !c.forSession(n) {
		return
	}
	if tu, ok := n.Payload.(events.TaskUpdate); ok {
		c.hint(Hint{Type: n.Type, Ref: tu.TaskID, Status: tu.Status, Progress: tu.Progress})
	}
	c.trigger(n.Type, func(ctx context.Context) error {
		return c.pull(ctx, pullTasks, originPush)
	})
}

func (c *Coordinator) onCodegenProgress(n events.Notification) {
	if !c.forSession(n) {
		return
	}
	if cp, ok := n.Payload.(events.CodegenProgress); ok {
		progress := cp.Progress
		c.hint(Hint{Type: n.Type, Progress: &progress, Message: cp.Message})
	}
	c.trigger(n.Type, func(ctx context.Context) error {
		return c.pull(ctx, pullJobs, originPush)
	})
}

func (c *Coordinator) onDeploymentStatus(n events.Notification) {
	if !c.forSession(n) {
		return
	}
	ds, ok := n.Payload.(events.DeploymentStatus)
	if !ok {
		return
	}
	c.hint(Hint{Type: n.Type, Ref: ds.DeploymentID, Status: ds.Status, Message: ds.Message})
	if ds.DeploymentID == "" {
		return
	}
	c.trigger(n.Type, func(ctx context.Context) error {
		dep, err := c.backend.Deployment(ctx, ds.DeploymentID)
		if err != nil {
			return err
		}
		c.apply(result{deployment: &dep})
		return nil
	})
}

func (c *Coordinator) onSystem(n events.Notification) {
	if c.SessionID() == "" {
		return
	}
	if sb, ok := n.Payload.(events.SystemBroadcast); ok {
		c.hint(Hint{Type: n.Type, Level: sb.Level, Message: sb.Message})
	}
	c.trigger(n.Type, func(ctx context.Context) error {
		return c.pull(ctx, pullStatus, originPush)
	})
}

// ReportConnectivity forwards a channel status change to observers. It is
// a no-op once the coordinator is closed.
func (c *Coordinator) ReportConnectivity(conn Connectivity) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if conn.Exhausted {
		c.logger.Warn("Realtime channel gave up, relying on scheduled refresh",
			"session_id", c.SessionID(),
			"attempts", conn.Attempts)
	}
	c.notify(Update{View: c.dialog.Snapshot(), Applied: c.Applied(), Connectivity: &conn})
}

func (c *Coordinator) hint(h Hint) {
	c.notify(Update{View: c.dialog.Snapshot(), Hint: &h, Applied: c.Applied()})
}

func (c *Coordinator) notify(u Update) {
	c.mu.Lock()
	observers := append([]func(Update){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(u)
	}
}
