package supervisor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"caseline/internal/compliance"
	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/mailbox"
	"caseline/internal/registry"
	"caseline/internal/router"
	"caseline/internal/store"
)

// Coordinator is the supervisory loop: it routes new cases, rebalances
// unstarted ones, watches worker heartbeats, enforces SLAs and approval
// timeouts, and turns worker reports into case transitions. One coordinator
// runs per deployment.
type Coordinator struct {
	ID         string
	Store      store.Store
	Registry   registry.Registry
	Hub        *mailbox.Hub
	Router     router.Router
	Inbox      *mailbox.Inbox
	Config     *config.Config
	Compliance compliance.Validator
	Log        *zap.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config, hub *mailbox.Hub, rt router.Router, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		ID:         cfg.Supervisor.ID,
		Store:      store.New(db, cfg),
		Registry:   registry.New(db),
		Hub:        hub,
		Router:     rt,
		Inbox:      hub.Attach(cfg.Supervisor.ID),
		Config:     cfg,
		Compliance: compliance.New(cfg),
		Log:        log.With(zap.String("supervisor", cfg.Supervisor.ID)),
		Now:        time.Now,
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run drives the coordination loops until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	route := time.NewTicker(c.Config.Routing.SweepInterval.Std())
	defer route.Stop()
	rebalance := time.NewTicker(c.Config.Load.RebalanceInterval.Std())
	defer rebalance.Stop()
	health := time.NewTicker(c.Config.Heartbeat.Interval.Std())
	defer health.Stop()
	sla := time.NewTicker(c.Config.SLA.SweepInterval.Std())
	defer sla.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-c.Inbox.C():
			if !ok {
				return nil
			}
			c.handle(ctx, m)
		case <-route.C:
			if err := c.RouteOnce(ctx); err != nil {
				c.Log.Error("routing sweep failed", zap.Error(err))
			}
		case <-rebalance.C:
			if err := c.RebalanceOnce(ctx); err != nil {
				c.Log.Error("rebalance sweep failed", zap.Error(err))
			}
		case <-health.C:
			if err := c.CheckHealthOnce(ctx); err != nil {
				c.Log.Error("health sweep failed", zap.Error(err))
			}
		case <-sla.C:
			if err := c.SweepSLAOnce(ctx); err != nil {
				c.Log.Error("sla sweep failed", zap.Error(err))
			}
		}
	}
}

// RouteOnce assigns queued cases to the best capable workers. Cases nobody
// can ever take are escalated; cases that merely have to wait for capacity
// stay queued for the next sweep.
func (c *Coordinator) RouteOnce(ctx context.Context) error {
	cases, err := c.Store.Repo.UnroutedCases(ctx, c.Config.Routing.BatchLimit)
	if err != nil {
		return err
	}
	for _, cs := range cases {
		if err := c.routeCase(ctx, cs, "", ""); err != nil {
			c.Log.Warn("case not routed", zap.String("case", cs.ID), zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) routeCase(ctx context.Context, cs domain.Case, excludeWorker, preferWorker string) error {
	candidates, err := c.Registry.FindCapable(ctx, cs.Domain, cs.Skill, cs.Complexity)
	var rfe registry.RoutingFailureError
	if errors.As(err, &rfe) {
		c.Log.Warn("no capable worker, escalating", zap.String("case", cs.ID))
		_, escErr := c.Store.Escalate(ctx, cs.ID, c.ID, "no capable worker registered")
		return escErr
	}
	var full registry.CapacityExceededError
	if errors.As(err, &full) {
		c.Log.Info("all capable workers at capacity", zap.String("case", cs.ID))
		return nil
	}
	if err != nil {
		return err
	}
	// A transfer may name an alternate; honor it when it is a live candidate.
	if preferWorker != "" && preferWorker != excludeWorker {
		for _, cand := range candidates {
			if cand.Worker.ID == preferWorker {
				return c.assignTo(ctx, cs, cand.Worker.ID)
			}
		}
	}
	for _, cand := range candidates {
		if cand.Worker.ID == excludeWorker {
			continue
		}
		return c.assignTo(ctx, cs, cand.Worker.ID)
	}
	if excludeWorker != "" {
		// The only capable worker is the one that bounced it.
		_, err := c.Store.Escalate(ctx, cs.ID, c.ID, "no alternative worker for transferred case")
		return err
	}
	return nil
}

func (c *Coordinator) assignTo(ctx context.Context, cs domain.Case, workerID string) error {
	assigned, err := c.Store.Assign(ctx, cs.ID, workerID, c.ID)
	if err != nil {
		return err
	}
	_, err = c.Router.Send(ctx, router.SendOptions{
		SenderID:    c.ID,
		RecipientID: workerID,
		Type:        domain.MsgAssignment,
		Payload: domain.AssignmentPayload{
			CaseID:     assigned.ID,
			Goal:       assigned.Goal,
			Domain:     assigned.Domain,
			Skill:      assigned.Skill,
			Complexity: assigned.Complexity,
			Priority:   assigned.Priority,
		},
	})
	if err != nil {
		// Undo the assignment so the next sweep can retry. The rejection is
		// already journaled by the router.
		if _, reqErr := c.Store.Requeue(ctx, assigned.ID, c.ID, "assignment delivery failed", true); reqErr != nil {
			return reqErr
		}
		return err
	}
	return nil
}

// RebalanceOnce moves unstarted cases off overloaded workers. Only assigned
// cases move; work in progress is never interrupted, and at most
// load.max_moves cases move per sweep.
func (c *Coordinator) RebalanceOnce(ctx context.Context) error {
	if c.Config.Load.MaxMoves == 0 {
		return nil
	}
	workers, err := c.Registry.ListWorkers(ctx)
	if err != nil {
		return err
	}
	minLoad := -1
	for _, w := range workers {
		if w.Liveness == domain.LivenessUnresponsive {
			continue
		}
		if minLoad < 0 || w.Load < minLoad {
			minLoad = w.Load
		}
	}
	if minLoad < 0 {
		return nil
	}
	moves := 0
	for _, w := range workers {
		if moves >= c.Config.Load.MaxMoves {
			break
		}
		overloaded := w.Load > w.Capacity || w.Load-minLoad >= c.Config.Load.SpreadThreshold
		if !overloaded {
			continue
		}
		cases, err := c.Store.Repo.CasesOwnedBy(ctx, w.ID, domain.CaseAssigned)
		if err != nil {
			return err
		}
		for _, cs := range cases {
			if moves >= c.Config.Load.MaxMoves {
				break
			}
			candidates, err := c.Registry.FindCapable(ctx, cs.Domain, cs.Skill, cs.Complexity)
			if err != nil {
				continue
			}
			for _, cand := range candidates {
				if cand.Worker.ID == w.ID {
					continue
				}
				if cand.Worker.Load >= w.Load {
					break
				}
				if _, err := c.Store.Reroute(ctx, cs.ID, cand.Worker.ID, c.ID, "load rebalance"); err != nil {
					c.Log.Warn("reroute failed", zap.String("case", cs.ID), zap.Error(err))
					break
				}
				if _, err := c.Router.Send(ctx, router.SendOptions{
					SenderID:    c.ID,
					RecipientID: cand.Worker.ID,
					Type:        domain.MsgAssignment,
					Payload: domain.AssignmentPayload{
						CaseID:     cs.ID,
						Goal:       cs.Goal,
						Domain:     cs.Domain,
						Skill:      cs.Skill,
						Complexity: cs.Complexity,
						Priority:   cs.Priority,
					},
				}); err != nil {
					c.Log.Warn("rebalanced assignment delivery failed", zap.String("case", cs.ID), zap.Error(err))
				}
				moves++
				break
			}
		}
	}
	return nil
}

// CheckHealthOnce marks workers with overdue heartbeats unresponsive and
// pulls their active cases back into the routing queue.
func (c *Coordinator) CheckHealthOnce(ctx context.Context) error {
	cutoff := c.now().Add(-c.Config.Heartbeat.Timeout.Std())
	stale, err := c.Registry.StaleWorkers(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, w := range stale {
		c.Log.Warn("worker heartbeat timed out", zap.String("worker", w.ID))
		if err := c.Registry.MarkUnresponsive(ctx, w.ID); err != nil {
			return err
		}
		cases, err := c.Store.Repo.CasesOwnedBy(ctx, w.ID)
		if err != nil {
			return err
		}
		for _, cs := range cases {
			if _, err := c.Store.ForceReassign(ctx, cs.ID, c.ID, "owner heartbeat timeout"); err != nil {
				c.Log.Error("forced reassignment failed", zap.String("case", cs.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// SweepSLAOnce escalates cases stuck past the SLA and approvals nobody
// answered. A timed-out approval escalates; it never auto-approves.
func (c *Coordinator) SweepSLAOnce(ctx context.Context) error {
	now := c.now()
	approvalCutoff := now.Add(-c.Config.Approvals.Timeout.Std()).UTC().Format(time.RFC3339)
	pending, err := c.Store.Repo.ApprovalsPendingSince(ctx, approvalCutoff)
	if err != nil {
		return err
	}
	for _, cs := range pending {
		c.Log.Warn("approval timed out", zap.String("case", cs.ID))
		if _, err := c.Store.Escalate(ctx, cs.ID, c.ID, "approval timeout"); err != nil {
			c.Log.Error("escalation failed", zap.String("case", cs.ID), zap.Error(err))
		}
	}

	// Each priority has its own staleness budget.
	for _, priority := range []string{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		cutoff := now.Add(-c.Config.SLA.StaleAfter.ForPriority(priority).Std()).UTC().Format(time.RFC3339)
		stale, err := c.Store.Repo.StaleCases(ctx, priority, cutoff)
		if err != nil {
			return err
		}
		for _, cs := range stale {
			if cs.Status == domain.CaseWaitingOnApproval {
				continue
			}
			c.Log.Warn("case exceeded sla", zap.String("case", cs.ID), zap.String("status", cs.Status))
			if _, err := c.Store.Escalate(ctx, cs.ID, c.ID, "sla exceeded"); err != nil {
				c.Log.Error("escalation failed", zap.String("case", cs.ID), zap.Error(err))
			}
		}
	}
	return nil
}

func (c *Coordinator) handle(ctx context.Context, m domain.Message) {
	switch m.Type {
	case domain.MsgHeartbeat:
		if err := c.Registry.Heartbeat(ctx, m.SenderID); err != nil {
			c.Log.Warn("heartbeat from unknown worker", zap.String("worker", m.SenderID), zap.Error(err))
		}
	case domain.MsgReport:
		var p domain.ReportPayload
		if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
			c.Log.Error("bad report payload", zap.String("message", m.ID), zap.Error(err))
			return
		}
		c.handleReport(ctx, m.SenderID, p)
	case domain.MsgTransfer:
		var p domain.TransferPayload
		if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
			c.Log.Error("bad transfer payload", zap.String("message", m.ID), zap.Error(err))
			return
		}
		c.handleTransfer(ctx, m.SenderID, p)
	case domain.MsgApprovalResponse:
		var p domain.ApprovalResponsePayload
		if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
			c.Log.Error("bad approval payload", zap.String("message", m.ID), zap.Error(err))
			return
		}
		if err := c.RespondApproval(ctx, p.CaseID, p.Approved, p.Note, m.SenderID); err != nil {
			c.Log.Error("approval response failed", zap.String("case", p.CaseID), zap.Error(err))
		}
	default:
		c.Log.Debug("ignoring message", zap.String("type", m.Type), zap.String("message", m.ID))
	}
}

// handleReport turns a worker's outcome report into the case transition.
// Gated outcomes park at waiting_on_approval inside the store.
func (c *Coordinator) handleReport(ctx context.Context, workerID string, p domain.ReportPayload) {
	var to string
	switch p.Outcome {
	case "resolved":
		to = domain.CaseResolved
	case "failed":
		to = domain.CaseFailed
	case "blocked":
		to = domain.CaseWaitingOnAgent
	default:
		c.Log.Error("unknown report outcome", zap.String("case", p.CaseID), zap.String("outcome", p.Outcome))
		return
	}
	if _, err := c.Store.Transition(ctx, store.TransitionOptions{
		CaseID:   p.CaseID,
		ToStatus: to,
		ActorID:  workerID,
		Reason:   p.Detail,
	}); err != nil {
		c.Log.Error("report transition failed",
			zap.String("case", p.CaseID),
			zap.String("worker", workerID),
			zap.Error(err))
	}
}

// handleTransfer re-routes a declined assignment to another capable worker,
// skipping the one that bounced it. Only the owning worker may bounce a case;
// anyone else gets a Conflict from the store and the case stays put.
func (c *Coordinator) handleTransfer(ctx context.Context, workerID string, p domain.TransferPayload) {
	cs, err := c.Store.Requeue(ctx, p.CaseID, workerID, p.Reason, false)
	if err != nil {
		c.Log.Error("transfer requeue failed", zap.String("case", p.CaseID), zap.Error(err))
		return
	}
	if err := c.routeCase(ctx, cs, workerID, p.SuggestedWorker); err != nil {
		c.Log.Warn("transfer reroute failed", zap.String("case", p.CaseID), zap.Error(err))
	}
}

// RespondApproval completes a gated transition. Approval completes the
// transition the request asked for; denial fails the case. Also reachable
// over the HTTP API.
func (c *Coordinator) RespondApproval(ctx context.Context, caseID string, approved bool, note, actorID string) error {
	if err := c.Compliance.Check(actorID, compliance.ActionApprove); err != nil {
		return err
	}
	to := domain.CaseFailed
	if approved {
		requested, err := c.Store.PendingApprovalStatus(ctx, caseID)
		if err != nil {
			return err
		}
		to = requested
	}
	_, err := c.Store.Transition(ctx, store.TransitionOptions{
		CaseID:   caseID,
		ToStatus: to,
		ActorID:  actorID,
		Reason:   note,
		Force:    true,
	})
	return err
}
