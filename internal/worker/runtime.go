package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/mailbox"
	"caseline/internal/router"
	"caseline/internal/store"
)

// Runtime states reported in heartbeats.
const (
	StateIdle         = "idle"
	StateAssessing    = "assessing"
	StateWorking      = "working"
	StateReporting    = "reporting"
	StateTransferring = "transferring"
)

// Runtime drives one worker: it drains the worker's inbox, self-assesses
// assignments, executes accepted ones and reports outcomes to the
// supervisor. The registry row is the durable identity; a Runtime is just
// the live handle around it.
type Runtime struct {
	ID           string
	SupervisorID string
	Inbox        *mailbox.Inbox
	Router       router.Router
	Store        store.Store
	Executor     Executor
	Config       *config.Config
	Log          *zap.Logger

	mu    sync.Mutex
	state string
	load  int
}

func NewRuntime(id string, inbox *mailbox.Inbox, rt router.Router, st store.Store, ex Executor, cfg *config.Config, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		ID:           id,
		SupervisorID: cfg.Supervisor.ID,
		Inbox:        inbox,
		Router:       rt,
		Store:        st,
		Executor:     ex,
		Config:       cfg,
		Log:          log.With(zap.String("worker", id)),
		state:        StateIdle,
	}
}

// State returns the runtime's current lifecycle state.
func (r *Runtime) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s string) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run processes the inbox until the context is cancelled. The heartbeat
// ticker fires regardless of what the work loop is doing, so a long
// execution never silences liveness.
func (r *Runtime) Run(ctx context.Context) error {
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go r.heartbeatLoop(hbCtx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-r.Inbox.C():
			if !ok {
				return nil
			}
			r.handle(ctx, m)
		}
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.Config.Heartbeat.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			payload := domain.HeartbeatPayload{Status: r.state, Load: r.load}
			r.mu.Unlock()
			if _, err := r.Router.Send(ctx, router.SendOptions{
				SenderID:    r.ID,
				RecipientID: r.SupervisorID,
				Type:        domain.MsgHeartbeat,
				Payload:     payload,
			}); err != nil {
				r.Log.Warn("heartbeat send failed", zap.Error(err))
			}
		}
	}
}

func (r *Runtime) handle(ctx context.Context, m domain.Message) {
	switch m.Type {
	case domain.MsgAssignment:
		var a domain.AssignmentPayload
		if err := json.Unmarshal([]byte(m.Payload), &a); err != nil {
			r.Log.Error("bad assignment payload", zap.String("message", m.ID), zap.Error(err))
			return
		}
		r.runAssignment(ctx, m, a)
	case domain.MsgApprovalResponse, domain.MsgTransfer:
		// Addressed to supervisors; a worker receiving one just logs it.
		r.Log.Warn("unexpected message type", zap.String("type", m.Type), zap.String("message", m.ID))
	default:
		r.Log.Debug("ignoring message", zap.String("type", m.Type), zap.String("message", m.ID))
	}
}

func (r *Runtime) runAssignment(ctx context.Context, m domain.Message, a domain.AssignmentPayload) {
	r.setState(StateAssessing)
	defer r.setState(StateIdle)

	assessCtx, cancel := context.WithTimeout(ctx, r.Config.Worker.AssessTimeout.Std())
	assessment, err := r.Executor.Assess(assessCtx, a)
	cancel()
	if err != nil || assessment.Confidence < r.Config.Worker.ConfidenceThreshold {
		reason := assessment.Reason
		if err != nil {
			reason = err.Error()
		}
		if reason == "" {
			reason = "confidence below threshold"
		}
		r.transferBack(ctx, m, a, reason, assessment.SuggestedWorker)
		return
	}

	if _, err := r.Store.Transition(ctx, store.TransitionOptions{
		CaseID:   a.CaseID,
		ToStatus: domain.CaseInProgress,
		ActorID:  r.ID,
	}); err != nil {
		r.Log.Error("cannot start case", zap.String("case", a.CaseID), zap.Error(err))
		r.transferBack(ctx, m, a, "cannot start: "+err.Error(), "")
		return
	}
	r.mu.Lock()
	r.load += domain.PriorityWeight(a.Priority)
	r.state = StateWorking
	r.mu.Unlock()

	outcome, err := r.Executor.Execute(ctx, a)
	r.mu.Lock()
	r.load -= domain.PriorityWeight(a.Priority)
	r.state = StateReporting
	r.mu.Unlock()

	report := domain.ReportPayload{CaseID: a.CaseID, Detail: outcome.Detail}
	switch {
	case err != nil:
		report.Outcome = "failed"
		report.Detail = err.Error()
	case outcome.Resolved:
		report.Outcome = "resolved"
	default:
		report.Outcome = "failed"
	}
	if _, err := r.Router.Send(ctx, router.SendOptions{
		SenderID:    r.ID,
		RecipientID: r.SupervisorID,
		Type:        domain.MsgReport,
		Payload:     report,
		ReplyTo:     m.ID,
	}); err != nil {
		r.Log.Error("report send failed", zap.String("case", a.CaseID), zap.Error(err))
	}
}

// transferBack declines an assignment the worker cannot confidently handle.
// A non-empty suggestion names a peer the assessor considers better placed.
func (r *Runtime) transferBack(ctx context.Context, m domain.Message, a domain.AssignmentPayload, reason, suggested string) {
	r.setState(StateTransferring)
	r.Log.Info("transferring assignment back",
		zap.String("case", a.CaseID),
		zap.String("reason", reason))
	if _, err := r.Router.Send(ctx, router.SendOptions{
		SenderID:    r.ID,
		RecipientID: r.SupervisorID,
		Type:        domain.MsgTransfer,
		Payload:     domain.TransferPayload{CaseID: a.CaseID, Reason: reason, SuggestedWorker: suggested},
		ReplyTo:     m.ID,
	}); err != nil {
		r.Log.Error("transfer send failed", zap.String("case", a.CaseID), zap.Error(err))
	}
}
