package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/compliance"
	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/repo"
)

// ErrConflict is returned when an actor mutates a case it does not own.
var ErrConflict = errors.New("case owned by another actor")

// ErrDuplicateGoal is returned when an idempotency key is reused with a
// different goal.
var ErrDuplicateGoal = errors.New("idempotency key already used for a different goal")

// InvalidTransitionError reports a status edge the lifecycle does not allow.
type InvalidTransitionError struct {
	CaseID string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("case %s: transition %s -> %s not allowed", e.CaseID, e.From, e.To)
}

type Store struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Compliance compliance.Validator
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Store {
	return Store{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Compliance: compliance.New(cfg),
		Now:        time.Now,
	}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateCaseOptions are parameters for creating a case.
type CreateCaseOptions struct {
	Goal           string
	RequesterID    string
	Domain         string
	Skill          string
	Complexity     int
	Priority       string
	IdempotencyKey string
	Scope          []string
	ActorID        string
}

// CreateCase records a new case in status created together with its security
// context, or returns the existing case when the idempotency key was already
// used for the same goal.
func (s Store) CreateCase(ctx context.Context, opts CreateCaseOptions) (domain.Case, error) {
	if opts.Goal == "" {
		return domain.Case{}, errors.New("goal is required")
	}
	if opts.RequesterID == "" {
		return domain.Case{}, errors.New("requester is required")
	}
	if opts.Domain == "" || opts.Skill == "" {
		return domain.Case{}, errors.New("domain and skill are required")
	}
	if opts.Complexity <= 0 {
		opts.Complexity = 1
	}
	switch opts.Priority {
	case domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow:
	case "":
		opts.Priority = domain.PriorityNormal
	default:
		return domain.Case{}, fmt.Errorf("unknown priority %q", opts.Priority)
	}
	actor := opts.ActorID
	if actor == "" {
		actor = opts.RequesterID
	}
	if err := s.Compliance.Check(actor, compliance.ActionCreateCase); err != nil {
		return domain.Case{}, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	if opts.IdempotencyKey != "" {
		existing, err := s.Repo.GetCaseByIdempotencyKey(ctx, tx, opts.IdempotencyKey)
		if err == nil {
			if existing.Goal != opts.Goal {
				return domain.Case{}, ErrDuplicateGoal
			}
			return existing, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Case{}, err
		}
	}

	now := s.now().UTC().Format(time.RFC3339)
	id := uuid.New().String()
	if opts.IdempotencyKey != "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("case|"+opts.IdempotencyKey)).String()
	}
	c := domain.Case{
		ID:          id,
		Goal:        opts.Goal,
		Status:      domain.CaseCreated,
		Priority:    opts.Priority,
		RequesterID: opts.RequesterID,
		Domain:      opts.Domain,
		Skill:       opts.Skill,
		Complexity:  opts.Complexity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.IdempotencyKey != "" {
		key := opts.IdempotencyKey
		c.IdempotencyKey = &key
	}
	if err := s.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	if err := s.Repo.InsertSecurityContext(ctx, tx, domain.SecurityContext{
		CaseID:      c.ID,
		RequesterID: c.RequesterID,
		Scope:       opts.Scope,
		CreatedAt:   now,
	}); err != nil {
		return domain.Case{}, fmt.Errorf("insert security context: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "case.created", c.ID, actor, events.EventPayload{
		"goal": c.Goal, "domain": c.Domain, "skill": c.Skill, "priority": c.Priority,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// ensureCaseTransition enforces the status lifecycle. The single backward
// edge is assigned -> created, used when an assignment is bounced back to
// the routing queue. Force lets the supervisor act on a case it does not
// own; it never unlocks edges the lifecycle forbids.
func ensureCaseTransition(c domain.Case, to string) error {
	from := c.Status
	allowed := false
	switch from {
	case domain.CaseCreated:
		allowed = to == domain.CaseAssigned
	case domain.CaseAssigned:
		allowed = to == domain.CaseInProgress || to == domain.CaseCreated
	case domain.CaseInProgress:
		allowed = to == domain.CaseWaitingOnAgent || to == domain.CaseWaitingOnApproval ||
			to == domain.CaseResolved || to == domain.CaseFailed
	case domain.CaseWaitingOnAgent:
		allowed = to == domain.CaseInProgress || to == domain.CaseFailed
	case domain.CaseWaitingOnApproval:
		allowed = to == domain.CaseResolved || to == domain.CaseFailed
	}
	if to == domain.CaseEscalated && !c.Terminal() {
		allowed = true
	}
	if !allowed {
		return InvalidTransitionError{CaseID: c.ID, From: from, To: to}
	}
	return nil
}

// TransitionOptions are parameters for a status transition.
type TransitionOptions struct {
	CaseID   string
	ToStatus string
	ActorID  string
	Reason   string
	// Force bypasses the ownership check, for supervisor actions.
	Force bool
}

// Transition moves a case along the lifecycle. Only the owner may move a
// case; anyone else gets ErrConflict unless Force is set. Transitions into a
// gated status are parked at waiting_on_approval instead, to be completed by
// an approval response.
func (s Store) Transition(ctx context.Context, opts TransitionOptions) (domain.Case, error) {
	if err := s.Compliance.Check(opts.ActorID, compliance.ActionTransition); err != nil {
		return domain.Case{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := s.Repo.GetCaseTx(ctx, tx, opts.CaseID)
	if err != nil {
		return domain.Case{}, err
	}
	if err := s.requireOwnerOrForce(c, opts.ActorID, opts.Force); err != nil {
		return domain.Case{}, err
	}

	to := opts.ToStatus
	gated := s.transitionGated(to) && c.Status != domain.CaseWaitingOnApproval
	if gated {
		to = domain.CaseWaitingOnApproval
	}
	if err := ensureCaseTransition(c, to); err != nil {
		return domain.Case{}, err
	}

	now := s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.UpdateCaseStatus(ctx, tx, c.ID, to, c.OwnerID, now); err != nil {
		return domain.Case{}, err
	}
	if err := s.settleOwnerCounters(ctx, tx, c, to, now); err != nil {
		return domain.Case{}, err
	}

	evtType := "case.transition"
	payload := events.EventPayload{"from": c.Status, "to": to}
	if opts.Reason != "" {
		payload["reason"] = opts.Reason
	}
	if gated {
		evtType = "case.approval_requested"
		payload["requested_status"] = opts.ToStatus
	}
	if err := s.Events.Append(ctx, tx, evtType, c.ID, opts.ActorID, payload); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	c.Status = to
	c.UpdatedAt = now
	return c, nil
}

func (s Store) transitionGated(to string) bool {
	if s.Config == nil {
		return false
	}
	for _, g := range s.Config.Approvals.GatedTransitions {
		if g == to {
			return true
		}
	}
	return false
}

// PendingApprovalStatus returns the status the parked approval request asked
// for, read from the most recent case.approval_requested event.
func (s Store) PendingApprovalStatus(ctx context.Context, caseID string) (string, error) {
	evts, err := s.Repo.CaseEvents(ctx, caseID)
	if err != nil {
		return "", err
	}
	for i := len(evts) - 1; i >= 0; i-- {
		if evts[i].Type != "case.approval_requested" {
			continue
		}
		var p struct {
			RequestedStatus string `json:"requested_status"`
		}
		if err := json.Unmarshal([]byte(evts[i].Payload), &p); err != nil {
			return "", fmt.Errorf("parse approval request for case %s: %w", caseID, err)
		}
		if p.RequestedStatus == "" {
			break
		}
		return p.RequestedStatus, nil
	}
	return "", fmt.Errorf("case %s has no pending approval request", caseID)
}

func (s Store) requireOwnerOrForce(c domain.Case, actorID string, force bool) error {
	if force {
		return nil
	}
	if c.OwnerID == "" || c.OwnerID == actorID {
		return nil
	}
	return fmt.Errorf("%w: case %s owned by %s", ErrConflict, c.ID, c.OwnerID)
}

// settleOwnerCounters releases the owner's load when a case leaves active
// ownership and records the outcome on resolution or failure. Escalation
// frees load without touching the success counters.
func (s Store) settleOwnerCounters(ctx context.Context, tx *sql.Tx, c domain.Case, to, now string) error {
	owner := c.OwnerID
	if owner == "" || !s.isWorkerOwner(owner) {
		return nil
	}
	weight := domain.PriorityWeight(c.Priority)
	switch to {
	case domain.CaseResolved:
		if err := s.Repo.AdjustLoad(ctx, tx, owner, -weight, now); err != nil {
			return err
		}
		return s.Repo.RecordOutcome(ctx, tx, owner, true, now)
	case domain.CaseFailed:
		if err := s.Repo.AdjustLoad(ctx, tx, owner, -weight, now); err != nil {
			return err
		}
		return s.Repo.RecordOutcome(ctx, tx, owner, false, now)
	case domain.CaseEscalated:
		return s.Repo.AdjustLoad(ctx, tx, owner, -weight, now)
	}
	return nil
}

func (s Store) isWorkerOwner(ownerID string) bool {
	return s.Config == nil || ownerID != s.Config.Supervisor.ID
}

// Assign hands a created case to a worker and charges the worker's load.
func (s Store) Assign(ctx context.Context, caseID, workerID, actorID string) (domain.Case, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := s.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if err := ensureCaseTransition(c, domain.CaseAssigned); err != nil {
		return domain.Case{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.UpdateCaseStatus(ctx, tx, c.ID, domain.CaseAssigned, workerID, now); err != nil {
		return domain.Case{}, err
	}
	if err := s.Repo.AdjustLoad(ctx, tx, workerID, domain.PriorityWeight(c.Priority), now); err != nil {
		return domain.Case{}, err
	}
	if err := s.Events.Append(ctx, tx, "case.assigned", c.ID, actorID, events.EventPayload{
		"worker_id": workerID, "priority": c.Priority,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	c.Status = domain.CaseAssigned
	c.OwnerID = workerID
	c.UpdatedAt = now
	return c, nil
}

// Requeue bounces an assigned case back to created, releasing the assignee's
// load. Used when a worker declines or a rejected assignment bounces. Only
// the owner may bounce its own case; supervisor paths set force.
func (s Store) Requeue(ctx context.Context, caseID, actorID, reason string, force bool) (domain.Case, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := s.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if err := s.requireOwnerOrForce(c, actorID, force); err != nil {
		return domain.Case{}, err
	}
	if err := ensureCaseTransition(c, domain.CaseCreated); err != nil {
		return domain.Case{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.UpdateCaseStatus(ctx, tx, c.ID, domain.CaseCreated, "", now); err != nil {
		return domain.Case{}, err
	}
	if c.OwnerID != "" && s.isWorkerOwner(c.OwnerID) {
		if err := s.Repo.AdjustLoad(ctx, tx, c.OwnerID, -domain.PriorityWeight(c.Priority), now); err != nil {
			return domain.Case{}, err
		}
	}
	if err := s.Events.Append(ctx, tx, "case.requeued", c.ID, actorID, events.EventPayload{
		"previous_owner": c.OwnerID, "reason": reason,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	c.Status = domain.CaseCreated
	c.OwnerID = ""
	c.UpdatedAt = now
	return c, nil
}

// Reroute moves an assigned case from one worker to another without passing
// back through the routing queue. Only unstarted cases may move.
func (s Store) Reroute(ctx context.Context, caseID, toWorkerID, actorID, reason string) (domain.Case, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := s.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if c.Status != domain.CaseAssigned {
		return domain.Case{}, InvalidTransitionError{CaseID: c.ID, From: c.Status, To: domain.CaseAssigned}
	}
	if c.OwnerID == toWorkerID {
		return c, nil
	}
	now := s.now().UTC().Format(time.RFC3339)
	weight := domain.PriorityWeight(c.Priority)
	if c.OwnerID != "" && s.isWorkerOwner(c.OwnerID) {
		if err := s.Repo.AdjustLoad(ctx, tx, c.OwnerID, -weight, now); err != nil {
			return domain.Case{}, err
		}
	}
	if err := s.Repo.AdjustLoad(ctx, tx, toWorkerID, weight, now); err != nil {
		return domain.Case{}, err
	}
	if err := s.Repo.UpdateCaseStatus(ctx, tx, c.ID, domain.CaseAssigned, toWorkerID, now); err != nil {
		return domain.Case{}, err
	}
	if err := s.Events.Append(ctx, tx, "case.rerouted", c.ID, actorID, events.EventPayload{
		"from_worker": c.OwnerID, "to_worker": toWorkerID, "reason": reason,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	c.OwnerID = toWorkerID
	c.UpdatedAt = now
	return c, nil
}

// ForceReassign pulls a case from an unresponsive owner back to created so
// the next routing sweep can place it elsewhere. Terminal cases are left
// alone.
func (s Store) ForceReassign(ctx context.Context, caseID, actorID, reason string) (domain.Case, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := s.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if c.Terminal() {
		return domain.Case{}, InvalidTransitionError{CaseID: c.ID, From: c.Status, To: domain.CaseCreated}
	}
	now := s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.UpdateCaseStatus(ctx, tx, c.ID, domain.CaseCreated, "", now); err != nil {
		return domain.Case{}, err
	}
	if c.OwnerID != "" && s.isWorkerOwner(c.OwnerID) {
		if err := s.Repo.AdjustLoad(ctx, tx, c.OwnerID, -domain.PriorityWeight(c.Priority), now); err != nil {
			return domain.Case{}, err
		}
	}
	if err := s.Events.Append(ctx, tx, "case.forced_reassignment", c.ID, actorID, events.EventPayload{
		"previous_owner": c.OwnerID, "previous_status": c.Status, "reason": reason,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	c.Status = domain.CaseCreated
	c.OwnerID = ""
	c.UpdatedAt = now
	return c, nil
}

// Escalate marks a case escalated and returns the escalation record with the
// complete event history attached, ready to hand to an outside authority.
func (s Store) Escalate(ctx context.Context, caseID, actorID, reason string) (domain.Escalation, error) {
	if err := s.Compliance.Check(actorID, compliance.ActionEscalate); err != nil {
		return domain.Escalation{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()

	c, err := s.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Escalation{}, err
	}
	if err := ensureCaseTransition(c, domain.CaseEscalated); err != nil {
		return domain.Escalation{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	if err := s.Repo.UpdateCaseStatus(ctx, tx, c.ID, domain.CaseEscalated, c.OwnerID, now); err != nil {
		return domain.Escalation{}, err
	}
	if err := s.settleOwnerCounters(ctx, tx, c, domain.CaseEscalated, now); err != nil {
		return domain.Escalation{}, err
	}
	if err := s.Events.Append(ctx, tx, "case.escalated", c.ID, actorID, events.EventPayload{
		"reason": reason, "status_at_escalation": c.Status,
	}); err != nil {
		return domain.Escalation{}, err
	}
	history, err := s.Repo.CaseEventsTx(ctx, tx, c.ID)
	if err != nil {
		return domain.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escalation{}, err
	}
	return domain.Escalation{CaseID: c.ID, Reason: reason, TS: now, History: history}, nil
}

func (s Store) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return s.Repo.GetCase(ctx, id)
}

func (s Store) ListCases(ctx context.Context, f repo.CaseFilters) ([]domain.Case, error) {
	return s.Repo.ListCases(ctx, f)
}

// CaseHistory returns the full ordered event history of a case.
func (s Store) CaseHistory(ctx context.Context, caseID string) ([]domain.CaseEvent, error) {
	if _, err := s.Repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.Repo.CaseEvents(ctx, caseID)
}
