package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/repo"
)

// RoutingFailureError means no registered worker can take the case at all.
type RoutingFailureError struct {
	Domain     string
	Skill      string
	Complexity int
}

func (e RoutingFailureError) Error() string {
	return fmt.Sprintf("no worker capable of %s/%s at complexity %d", e.Domain, e.Skill, e.Complexity)
}

// CapacityExceededError means capable workers exist but all are full.
type CapacityExceededError struct {
	Domain string
	Skill  string
}

func (e CapacityExceededError) Error() string {
	return fmt.Sprintf("all workers capable of %s/%s are at capacity", e.Domain, e.Skill)
}

// Registry tracks workers, their declared capabilities and their load. All
// state lives in SQLite; the registry itself is stateless and safe to share.
type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Registry {
	return Registry{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (r Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RegisterOptions are parameters for registering a worker.
type RegisterOptions struct {
	WorkerID     string
	Capacity     int
	Capabilities []domain.Capability
}

// Register adds a worker or refreshes an existing one. Re-registering an
// unresponsive worker brings it back into routing consideration.
func (r Registry) Register(ctx context.Context, opts RegisterOptions) (domain.Worker, error) {
	if opts.WorkerID == "" {
		return domain.Worker{}, errors.New("worker id required")
	}
	if opts.Capacity <= 0 {
		return domain.Worker{}, errors.New("capacity must be positive")
	}
	if len(opts.Capabilities) == 0 {
		return domain.Worker{}, errors.New("at least one capability required")
	}
	for _, c := range opts.Capabilities {
		if c.Domain == "" || c.Skill == "" {
			return domain.Worker{}, errors.New("capability domain and skill required")
		}
		if c.MaxComplexity <= 0 {
			return domain.Worker{}, errors.New("capability max_complexity must be positive")
		}
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Worker{}, err
	}
	defer tx.Rollback()

	now := r.now().UTC().Format(time.RFC3339)
	w := domain.Worker{
		ID:           opts.WorkerID,
		Capabilities: opts.Capabilities,
		Capacity:     opts.Capacity,
		Liveness:     domain.LivenessAlive,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := r.Repo.UpsertWorker(ctx, tx, w); err != nil {
		return domain.Worker{}, fmt.Errorf("upsert worker: %w", err)
	}
	if err := r.Repo.ReplaceCapabilities(ctx, tx, w.ID, opts.Capabilities); err != nil {
		return domain.Worker{}, fmt.Errorf("replace capabilities: %w", err)
	}
	if err := r.Events.Append(ctx, tx, "worker.registered", "", w.ID, events.EventPayload{
		"capacity": w.Capacity, "capabilities": len(w.Capabilities),
	}); err != nil {
		return domain.Worker{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Worker{}, err
	}
	return r.Repo.GetWorker(ctx, w.ID)
}

// Heartbeat records a liveness signal from a worker.
func (r Registry) Heartbeat(ctx context.Context, workerID string) error {
	ts := r.now().UTC().Format(time.RFC3339)
	return r.Repo.TouchHeartbeat(ctx, workerID, domain.LivenessAlive, ts)
}

// MarkUnresponsive flags a worker whose heartbeats stopped. The worker is
// skipped by FindCapable until it registers again.
func (r Registry) MarkUnresponsive(ctx context.Context, workerID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.SetLiveness(ctx, tx, workerID, domain.LivenessUnresponsive, now); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, "worker.unresponsive", "", workerID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Candidate pairs a worker with its capability match for one routing request.
type Candidate struct {
	Worker     domain.Worker
	MatchCount int
}

// FindCapable returns workers able to take a case of the given shape, best
// first. Ranking is by number of matching capability tuples, then lower
// load, then higher success rate, then worker id, so repeated calls over the
// same registry state always agree.
func (r Registry) FindCapable(ctx context.Context, caseDomain, skill string, complexity int) ([]Candidate, error) {
	workers, err := r.Repo.ListWorkers(ctx, repo.WorkerFilters{Domain: caseDomain, Skill: skill})
	if err != nil {
		return nil, err
	}
	var capable []Candidate
	anyMatch := false
	for _, w := range workers {
		match := 0
		for _, c := range w.Capabilities {
			if c.Domain == caseDomain && c.Skill == skill && c.MaxComplexity >= complexity {
				match++
			}
		}
		if match == 0 {
			continue
		}
		// Unresponsive workers are out of routing entirely until they
		// re-register; they must not mask a routing failure as a capacity wait.
		if w.Liveness == domain.LivenessUnresponsive {
			continue
		}
		anyMatch = true
		if w.Load >= w.Capacity {
			continue
		}
		capable = append(capable, Candidate{Worker: w, MatchCount: match})
	}
	if len(capable) == 0 {
		if anyMatch {
			return nil, CapacityExceededError{Domain: caseDomain, Skill: skill}
		}
		return nil, RoutingFailureError{Domain: caseDomain, Skill: skill, Complexity: complexity}
	}
	sort.SliceStable(capable, func(i, j int) bool {
		a, b := capable[i], capable[j]
		if a.MatchCount != b.MatchCount {
			return a.MatchCount > b.MatchCount
		}
		if a.Worker.Load != b.Worker.Load {
			return a.Worker.Load < b.Worker.Load
		}
		ra, rb := a.Worker.SuccessRate(), b.Worker.SuccessRate()
		if ra != rb {
			return ra > rb
		}
		return a.Worker.ID < b.Worker.ID
	})
	return capable, nil
}

func (r Registry) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	return r.Repo.GetWorker(ctx, id)
}

func (r Registry) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	return r.Repo.ListWorkers(ctx, repo.WorkerFilters{})
}

// StaleWorkers returns workers whose last heartbeat predates the cutoff.
func (r Registry) StaleWorkers(ctx context.Context, cutoff time.Time) ([]domain.Worker, error) {
	return r.Repo.StaleWorkers(ctx, cutoff.UTC().Format(time.RFC3339))
}
