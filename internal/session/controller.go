package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rahul/steward/internal/agent"
	"github.com/rahul/steward/internal/engine"
	"github.com/rahul/steward/internal/governance"
	"github.com/rahul/steward/internal/plan"
	"github.com/rahul/steward/internal/retry"
	"github.com/rahul/steward/internal/store"
	"github.com/rahul/steward/internal/telemetry"
	"github.com/rahul/steward/internal/tools"
)

var (
	ErrSessionExists = errors.New("session already exists")
	ErrShuttingDown  = errors.New("controller is shutting down")
	ErrInvalidEdit   = errors.New("invalid plan edit")
	ErrBadCommand    = errors.New("invalid command")
)

// ActionRun is returned with a confirmed session whose plan is now running.
const ActionRun = "run"

// Command is an inbound request from the chat or API layer.
type Command struct {
	Message             string            `json:"message"`
	UserID              string            `json:"user_id"`
	SessionID           string            `json:"session_id,omitempty"`
	ProjectID           string            `json:"project_id,omitempty"`
	WorkspaceID         string            `json:"workspace_id,omitempty"`
	UserRoles           []string          `json:"user_roles,omitempty"`
	ConversationHistory []string          `json:"conversation_history,omitempty"`
	UserConfirmations   []string          `json:"user_confirmations,omitempty"`
	Channel             map[string]string `json:"channel,omitempty"`
}

// Actor is the user acting on an existing session.
type Actor struct {
	UserID  string            `json:"user_id"`
	Roles   []string          `json:"user_roles,omitempty"`
	Channel map[string]string `json:"channel,omitempty"`
}

// Draft is a freshly created session and its preview.
type Draft struct {
	Session *store.Session `json:"session"`
	Preview plan.Preview   `json:"preview"`
}

// Ack acknowledges a confirmation.
type Ack struct {
	Session *store.Session `json:"session"`
	Action  string         `json:"action"`
}

// Options wires optional collaborators. Zero values take defaults.
type Options struct {
	Policy    governance.PolicyEngine
	Telemetry *telemetry.Aggregator
	History   store.HistoryStore
	Retry     retry.Policy
	Logger    *slog.Logger
}

type liveRun struct {
	runID string
	stop  chan struct{}
	once  sync.Once
	done  chan struct{}
}

func (r *liveRun) cancel() { r.once.Do(func() { close(r.stop) }) }

// Controller owns the process-scoped session state: the live session cache
// and the cancellation handles of running plans.
type Controller struct {
	Drafter   agent.Drafter
	Engine    *engine.Engine
	Gateway   store.Gateway
	Policy    governance.PolicyEngine
	Telemetry *telemetry.Aggregator
	History   store.HistoryStore
	Retry     retry.Policy

	logger *slog.Logger
	now    func() time.Time

	// runCtx outlives the requests that start runs.
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*store.Session
	runs     map[string]*liveRun
	closed   bool

	// saveMu serialises session writes so the last write carries the
	// latest state.
	saveMu sync.Mutex
}

func NewController(drafter agent.Drafter, eng *engine.Engine, gw store.Gateway, opts Options) *Controller {
	if opts.Policy == nil {
		opts.Policy = governance.NewDefaultPolicyEngine()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.DefaultPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		Drafter:   drafter,
		Engine:    eng,
		Gateway:   gw,
		Policy:    opts.Policy,
		Telemetry: opts.Telemetry,
		History:   opts.History,
		Retry:     opts.Retry,
		logger:    opts.Logger.With("component", "session"),
		now:       time.Now,
		runCtx:    ctx,
		runCancel: cancel,
		sessions:  map[string]*store.Session{},
		runs:      map[string]*liveRun{},
	}
}

// HandleNewRequest drafts a plan for cmd and opens a collecting session.
func (c *Controller) HandleNewRequest(ctx context.Context, cmd Command) (*Draft, error) {
	received := c.now()
	if cmd.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrBadCommand)
	}

	drafted, err := c.Drafter.Draft(ctx, agent.Request{
		Text:      cmd.Message,
		UserID:    cmd.UserID,
		SessionID: cmd.SessionID,
		ProjectID: cmd.ProjectID,
		ChatID:    cmd.Channel["chat_id"],
		Roles:     cmd.UserRoles,
		History:   cmd.ConversationHistory,
	})
	if err != nil {
		if !errors.Is(err, agent.ErrUnsupportedIntent) {
			err = fmt.Errorf("%w: %v", agent.ErrUnsupportedIntent, err)
		}
		return nil, err
	}

	// The session owns a private copy of the plan.
	p := drafted.Clone()
	p.ID = plan.NewID("plan")
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrUnsupportedIntent, err)
	}

	id := cmd.SessionID
	if id == "" {
		id = plan.NewID("sess")
	}
	s := &store.Session{
		ID:          id,
		ProjectID:   cmd.ProjectID,
		UserID:      cmd.UserID,
		WorkspaceID: cmd.WorkspaceID,
		Status:      store.SessionCollecting,
		Plan:        p,
		RequestedAt: received,
		CreatedAt:   c.now(),
	}
	s.UpdatedAt = s.CreatedAt

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	c.mu.Unlock()
	if cmd.SessionID != "" {
		if _, err := c.Gateway.GetSession(ctx, id); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
		}
	}

	if err := c.Gateway.AddSession(ctx, s.Clone()); err != nil {
		return nil, fmt.Errorf("%w: create session: %v", store.ErrPersistence, err)
	}
	c.mu.Lock()
	c.sessions[id] = s
	snap := s.Clone()
	c.mu.Unlock()

	if c.Telemetry != nil {
		c.Telemetry.Mark(p.ID, telemetry.RequestSent, received)
	}
	c.audit(ctx, s.ID, s.UserID, store.ActionSessionCreated, string(s.Status), p.Title, "")
	c.logger.Info("session created", "session_id", id, "plan_id", p.ID, "steps", len(p.Steps))

	return &Draft{Session: snap, Preview: plan.BuildPreview(snap.Plan, "pending")}, nil
}

// HandleConfirm checks role coverage, moves the session to running and
// starts its plan in the background. It returns before the plan finishes.
func (c *Controller) HandleConfirm(ctx context.Context, sessionID string, actor Actor) (*Ack, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if err := checkOwner(s, actor); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if !s.Status.CanTransition(store.SessionConfirmed) {
		status := s.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot confirm a %s session", store.ErrInvalidTransition, status)
	}
	p := s.Plan.Clone()
	c.mu.Unlock()

	// Role coverage is checked before any state change.
	if _, err := governance.CheckPlan(ctx, c.Policy, p, actor.UserID, actor.Roles); err != nil {
		return nil, err
	}

	now := c.now()
	run := store.NewToolRun(s.ID, p.ID, now)
	lr := &liveRun{runID: run.ID, stop: make(chan struct{}), done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if err := s.Transition(store.SessionConfirmed, now); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if err := s.Transition(store.SessionRunning, now); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	s.ToolRunID = run.ID
	p = s.Plan.Clone()
	snap := s.Clone()
	c.runs[s.ID] = lr
	c.wg.Add(1)
	c.mu.Unlock()

	c.audit(ctx, s.ID, actor.UserID, store.ActionSessionConfirmed, string(store.SessionConfirmed), p.Title, "")
	c.save(ctx, s.ID)
	if err := c.Retry.Do(ctx, nil, func() error { return c.Gateway.AddToolRun(ctx, run.Clone()) }); err != nil {
		c.logger.Error("failed to record queued tool run", "session_id", s.ID, "run_id", run.ID, "error", err)
	}

	ec := tools.ExecutionContext{
		UserID:      s.UserID,
		WorkspaceID: s.WorkspaceID,
		ProjectID:   s.ProjectID,
		SessionID:   s.ID,
		PlanID:      p.ID,
		UserRoles:   append([]string(nil), actor.Roles...),
		Channel:     actor.Channel,
		Stop:        lr.stop,
	}
	go c.execute(ec, p, run, lr)

	c.logger.Info("session confirmed", "session_id", s.ID, "run_id", run.ID)
	return &Ack{Session: snap, Action: ActionRun}, nil
}

func (c *Controller) execute(ec tools.ExecutionContext, p *plan.Plan, run *store.ToolRun, lr *liveRun) {
	defer c.wg.Done()
	defer close(lr.done)

	final, err := c.Engine.Execute(c.runCtx, ec, p, run)
	c.complete(ec.SessionID, final, err)
}

// complete maps the finished run onto the session.
func (c *Controller) complete(sessionID string, run *store.ToolRun, runErr error) {
	ctx := c.runCtx
	now := c.now()

	to := store.SessionFailed
	var msg string
	switch {
	case runErr != nil:
		msg = runErr.Error()
	case run.Status == store.RunSucceeded:
		to = store.SessionSucceeded
	case run.Status == store.RunCancelled:
		to = store.SessionCancelled
		msg = run.Error
	default:
		msg = run.Error
	}

	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	changed := false
	if ok && !s.Status.Terminal() {
		if err := s.Transition(to, now); err == nil {
			s.Error = msg
			changed = true
		}
	}
	c.mu.Unlock()

	if runErr != nil {
		c.logger.Error("run ended with an error", "session_id", sessionID, "error", runErr)
		c.audit(ctx, sessionID, "", store.ActionPlanFailed, string(store.SessionFailed), "run could not be recorded", runErr.Error())
	}
	if changed {
		c.save(ctx, sessionID)
		c.logger.Info("session finished", "session_id", sessionID, "status", to)
	}

	c.mu.Lock()
	delete(c.runs, sessionID)
	c.mu.Unlock()
}

// HandleCancel cancels a non-terminal session. A running plan stops at the
// next step boundary.
func (c *Controller) HandleCancel(ctx context.Context, sessionID string, actor Actor) (*store.Session, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := checkOwner(s, actor); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if err := s.Transition(store.SessionCancelled, c.now()); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	lr := c.runs[sessionID]
	snap := s.Clone()
	c.mu.Unlock()

	if lr != nil {
		lr.cancel()
	} else if c.Telemetry != nil && snap.Plan != nil {
		// A plan cancelled before it ran never reaches the engine.
		c.Telemetry.Forget(snap.Plan.ID)
	}
	c.audit(ctx, sessionID, actor.UserID, store.ActionSessionCancelled, string(store.SessionCancelled), "cancelled by user", "")
	c.save(ctx, sessionID)
	return snap, nil
}

// HandleEdit applies patch to the session's plan copy while collecting. The
// edit is rejected if the acting user could no longer run every step.
func (c *Controller) HandleEdit(ctx context.Context, sessionID string, actor Actor, patch plan.Patch) (*plan.Preview, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := checkOwner(s, actor); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if s.Status != store.SessionCollecting {
		status := s.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot edit a %s session", store.ErrInvalidTransition, status)
	}
	edited := s.Plan.Clone()
	c.mu.Unlock()

	if err := patch.Apply(edited); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEdit, err)
	}
	verdicts, err := governance.CheckPlan(ctx, c.Policy, edited, actor.UserID, actor.Roles)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if s.Status != store.SessionCollecting {
		status := s.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot edit a %s session", store.ErrInvalidTransition, status)
	}
	s.Plan = edited
	s.UpdatedAt = c.now()
	c.mu.Unlock()

	c.audit(ctx, sessionID, actor.UserID, store.ActionSessionEdited, string(store.SessionCollecting), fmt.Sprintf("plan now has %d steps", len(edited.Steps)), "")
	c.save(ctx, sessionID)

	pv := plan.BuildPreview(edited, "pending")
	applyVerdicts(&pv, verdicts)
	return &pv, nil
}

// HandleReply records a clarification answer on a collecting session.
func (c *Controller) HandleReply(ctx context.Context, sessionID string, actor Actor, text string) (*store.Session, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := checkOwner(s, actor); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if s.Status != store.SessionCollecting {
		status := s.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot reply to a %s session", store.ErrInvalidTransition, status)
	}
	now := c.now()
	s.Replies = append(s.Replies, store.Reply{Text: text, CreatedAt: now})
	s.UpdatedAt = now
	c.mu.Unlock()

	if c.History != nil {
		if err := c.History.AddMessage(sessionID, "human", text); err != nil {
			c.logger.Warn("failed to store reply in history", "session_id", sessionID, "error", err)
		}
	}
	c.save(ctx, sessionID)
	return c.snapshot(sessionID), nil
}

// HandleDryRun previews the plan with a policy verdict per step. Nothing is
// executed and the session is unchanged.
func (c *Controller) HandleDryRun(ctx context.Context, sessionID string, actor Actor) (*plan.Preview, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if err := checkOwner(s, actor); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	p := s.Plan.Clone()
	status := s.Status
	c.mu.Unlock()

	verdicts, err := governance.CheckPlan(ctx, c.Policy, p, actor.UserID, actor.Roles)
	if err != nil && len(verdicts) != len(p.Steps) {
		return nil, err
	}
	pv := plan.BuildPreview(p, string(status))
	applyVerdicts(&pv, verdicts)
	return &pv, nil
}

func applyVerdicts(pv *plan.Preview, verdicts []governance.Verdict) {
	byStep := make(map[string]governance.Verdict, len(verdicts))
	for _, v := range verdicts {
		byStep[v.StepID] = v
	}
	for i := range pv.Steps {
		v, ok := byStep[pv.Steps[i].ID]
		if !ok {
			continue
		}
		if v.Effect == governance.EffectAllow {
			pv.Steps[i].Verdict = string(governance.EffectAllow)
		} else {
			pv.Steps[i].Verdict = string(governance.EffectDeny) + ": " + v.Reason
		}
	}
}

// Get returns a copy of the session.
func (c *Controller) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.Clone(), nil
}

// AuditTrail returns the persisted history of a session.
func (c *Controller) AuditTrail(ctx context.Context, sessionID string) ([]store.AuditEvent, error) {
	return c.Gateway.GetAuditEventsBySession(ctx, sessionID)
}

// ToolRuns returns the persisted runs of a session.
func (c *Controller) ToolRuns(ctx context.Context, sessionID string) ([]*store.ToolRun, error) {
	return c.Gateway.GetToolRunsBySession(ctx, sessionID)
}

// Active returns the number of plans currently running.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// Recover fails sessions a previous process left confirmed or running; their
// in-memory progression is gone. It returns how many were recovered.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	stale, err := c.Gateway.ListSessionsByStatus(ctx, store.SessionConfirmed, store.SessionRunning)
	if err != nil {
		return 0, fmt.Errorf("list interrupted sessions: %w", err)
	}
	n := 0
	for _, s := range stale {
		now := c.now()
		if err := s.Transition(store.SessionFailed, now); err != nil {
			continue
		}
		s.Error = "execution interrupted by restart"

		runs, err := c.Gateway.GetToolRunsBySession(ctx, s.ID)
		if err != nil {
			c.logger.Warn("failed to load tool runs for recovery", "session_id", s.ID, "error", err)
		}
		for _, run := range runs {
			if run.Status.Terminal() {
				continue
			}
			run.Status = store.RunFailed
			run.FinishedAt = &now
			run.UpdatedAt = now
			run.Error = s.Error
			if err := c.Gateway.AddToolRun(ctx, run); err != nil {
				c.logger.Warn("failed to close interrupted tool run", "run_id", run.ID, "error", err)
			}
		}

		if err := c.Gateway.AddSession(ctx, s); err != nil {
			return n, fmt.Errorf("%w: recover session %s: %v", store.ErrPersistence, s.ID, err)
		}
		c.audit(ctx, s.ID, s.UserID, store.ActionExecutionInterrupted, string(store.SessionFailed), s.Error, "")
		n++
	}
	if n > 0 {
		c.logger.Warn("recovered interrupted sessions", "count", n)
	}
	return n, nil
}

// Shutdown stops accepting work, asks every live run to stop at its next
// step boundary and waits for them. If ctx expires first, the runs are
// abandoned and ctx's error is returned.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	live := make([]*liveRun, 0, len(c.runs))
	for _, lr := range c.runs {
		live = append(live, lr)
	}
	c.mu.Unlock()

	for _, lr := range live {
		lr.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.runCancel()
		return nil
	case <-ctx.Done():
		c.runCancel()
		return ctx.Err()
	}
}

// Wait blocks until the session's live run, if any, has finished.
func (c *Controller) Wait(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	lr := c.runs[sessionID]
	c.mu.Unlock()
	if lr == nil {
		return nil
	}
	select {
	case <-lr.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session returns the cached session, loading it from the gateway once.
// Terminal sessions are served from the gateway and never cached.
func (c *Controller) session(ctx context.Context, id string) (*store.Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if ok {
		return s, nil
	}

	loaded, err := c.Gateway.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if loaded.Status.Terminal() {
		return loaded, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		return s, nil
	}
	c.sessions[id] = loaded
	return loaded, nil
}

func (c *Controller) snapshot(id string) *store.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id].Clone()
}

// save persists the current state of the session, retrying on failure.
// In-memory state stays authoritative when the write fails. A terminal
// session leaves the cache once its final state is stored.
func (c *Controller) save(ctx context.Context, id string) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	snap := c.snapshot(id)
	if snap == nil {
		return
	}
	if err := c.Retry.Do(ctx, nil, func() error { return c.Gateway.AddSession(ctx, snap) }); err != nil {
		c.logger.Error("failed to persist session", "session_id", id, "status", snap.Status, "error", err)
		return
	}
	if snap.Status.Terminal() {
		c.mu.Lock()
		delete(c.sessions, id)
		c.mu.Unlock()
	}
}

func (c *Controller) audit(ctx context.Context, sessionID, userID, action, status, msg, errMsg string) {
	ev := store.AuditEvent{
		SessionID: sessionID,
		UserID:    userID,
		Action:    action,
		Status:    status,
		Message:   msg,
		Error:     errMsg,
		Timestamp: c.now(),
	}
	if err := c.Retry.Do(ctx, nil, func() error { return c.Gateway.AddAuditEvent(ctx, ev) }); err != nil {
		c.logger.Error("failed to write audit event", "session_id", sessionID, "action", action, "error", err)
	}
}

func checkOwner(s *store.Session, actor Actor) error {
	if actor.UserID == "" {
		return fmt.Errorf("%w: an acting user is required", governance.ErrPolicyDenied)
	}
	if actor.UserID != s.UserID {
		return fmt.Errorf("%w: session %s belongs to another user", governance.ErrPolicyDenied, s.ID)
	}
	return nil
}
