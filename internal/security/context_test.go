package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/store"
)

func newTestGuard(t *testing.T) (Guard, store.Store) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	g := New(conn, nil)
	g.Now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return g, store.New(conn, config.Default())
}

func createCase(t *testing.T, s store.Store, goal string, scope ...string) domain.Case {
	t.Helper()
	c, err := s.CreateCase(context.Background(), store.CreateCaseOptions{
		Goal:        goal,
		RequesterID: "requester-1",
		Domain:      "billing",
		Skill:       "reconcile",
		Scope:       scope,
		ActorID:     "requester-1",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func TestContextBoundAtCreation(t *testing.T) {
	g, s := newTestGuard(t)
	c := createCase(t, s, "reconcile ledger", "ledger:read")

	sc, err := g.ContextFor(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("context for: %v", err)
	}
	if sc.CaseID != c.ID {
		t.Fatalf("context case = %s, want %s", sc.CaseID, c.ID)
	}
	if sc.RequesterID != "requester-1" {
		t.Fatalf("requester = %s", sc.RequesterID)
	}
	if len(sc.Scope) != 1 || sc.Scope[0] != "ledger:read" {
		t.Fatalf("scope = %v", sc.Scope)
	}
}

func TestAuthorizeSameCaseGrantedAndAudited(t *testing.T) {
	g, s := newTestGuard(t)
	c := createCase(t, s, "reconcile ledger")
	ctx := context.Background()

	sc, err := g.ContextFor(ctx, c.ID)
	if err != nil {
		t.Fatalf("context for: %v", err)
	}
	if err := g.Authorize(ctx, sc, c.ID, "w1", "case:update"); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	log, err := g.AccessLog(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("access log has %d records, want 1", len(log))
	}
	if log[0].Outcome != "granted" || log[0].ActorID != "w1" || log[0].Resource != "case:update" {
		t.Fatalf("record = %+v", log[0])
	}
}

func TestAuthorizeCrossCaseDeniedAndAudited(t *testing.T) {
	g, s := newTestGuard(t)
	a := createCase(t, s, "reconcile ledger a")
	b := createCase(t, s, "reconcile ledger b")
	ctx := context.Background()

	sc, err := g.ContextFor(ctx, a.ID)
	if err != nil {
		t.Fatalf("context for: %v", err)
	}
	err = g.Authorize(ctx, sc, b.ID, "w1", "case:update")
	var violation ContextViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected ContextViolationError, got %v", err)
	}
	if violation.ContextCaseID != a.ID || violation.TargetCaseID != b.ID || violation.ActorID != "w1" {
		t.Fatalf("violation = %+v", violation)
	}

	// The denial is audited under the context's case.
	log, err := g.AccessLog(ctx, a.ID, 10)
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	if len(log) != 1 || log[0].Outcome != "denied" {
		t.Fatalf("log = %+v, want one denied record", log)
	}
}
