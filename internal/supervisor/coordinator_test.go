package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/compliance"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/mailbox"
	"caseline/internal/migrate"
	"caseline/internal/registry"
	"caseline/internal/router"
	"caseline/internal/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	hub := mailbox.NewHub(cfg, nil)
	rt := router.New(conn, hub, compliance.New(cfg), nil)
	return New(conn, cfg, hub, rt, nil)
}

func registerWorker(t *testing.T, c *Coordinator, id string, capacity int) {
	t.Helper()
	_, err := c.Registry.Register(context.Background(), registry.RegisterOptions{
		WorkerID: id,
		Capacity: capacity,
		Capabilities: []domain.Capability{
			{Domain: "billing", Skill: "reconcile", MaxComplexity: 5},
		},
	})
	require.NoError(t, err)
}

func createCase(t *testing.T, c *Coordinator, priority string) domain.Case {
	t.Helper()
	cs, err := c.Store.CreateCase(context.Background(), store.CreateCaseOptions{
		Goal:        "reconcile ledger",
		RequesterID: "requester-1",
		Domain:      "billing",
		Skill:       "reconcile",
		Complexity:  2,
		Priority:    priority,
		ActorID:     "requester-1",
	})
	require.NoError(t, err)
	return cs
}

func expectAssignment(t *testing.T, in *mailbox.Inbox, caseID string) {
	t.Helper()
	select {
	case m := <-in.C():
		assert.Equal(t, domain.MsgAssignment, m.Type)
		assert.Contains(t, m.Payload, caseID)
	case <-time.After(5 * time.Second):
		t.Fatalf("no assignment delivered for case %s", caseID)
	}
}

func TestRouteOnceAssignsCapableWorker(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	registerWorker(t, c, "w1", 10)
	in := c.Hub.Attach("w1")
	cs := createCase(t, c, domain.PriorityNormal)

	require.NoError(t, c.RouteOnce(ctx))

	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseAssigned, got.Status)
	assert.Equal(t, "w1", got.OwnerID)
	expectAssignment(t, in, cs.ID)

	w, err := c.Registry.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityWeight(domain.PriorityNormal), w.Load)
}

func TestRouteOnceEscalatesWhenNobodyCapable(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	cs := createCase(t, c, domain.PriorityNormal)

	require.NoError(t, c.RouteOnce(ctx))

	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseEscalated, got.Status)
}

func TestRouteOnceWaitsForCapacity(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	registerWorker(t, c, "w1", 2)
	now := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, c.Store.Repo.AdjustLoad(ctx, nil, "w1", 2, now))
	cs := createCase(t, c, domain.PriorityNormal)

	require.NoError(t, c.RouteOnce(ctx))

	// Full workers are not a dead end; the case just waits.
	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseCreated, got.Status)
	assert.Empty(t, got.OwnerID)
}

func TestRouteOnceRequeuesOnDeliveryFailure(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	// Registered but never attached, so delivery is rejected.
	registerWorker(t, c, "w1", 10)
	cs := createCase(t, c, domain.PriorityNormal)

	require.NoError(t, c.RouteOnce(ctx))

	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseCreated, got.Status)
	assert.Empty(t, got.OwnerID)

	w, err := c.Registry.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, w.Load)
}

func TestCheckHealthOnceReclaimsSilentWorker(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	registerWorker(t, c, "w1", 10)
	cs := createCase(t, c, domain.PriorityHigh)
	_, err := c.Store.Assign(ctx, cs.ID, "w1", c.ID)
	require.NoError(t, err)

	require.NoError(t, c.CheckHealthOnce(ctx))

	w, err := c.Registry.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.LivenessUnresponsive, w.Liveness)
	assert.Zero(t, w.Load)

	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseCreated, got.Status)
	assert.Empty(t, got.OwnerID)
}

func TestHeartbeatKeepsWorkerAlive(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	registerWorker(t, c, "w1", 10)

	c.handle(ctx, domain.Message{Type: domain.MsgHeartbeat, SenderID: "w1"})

	stale, err := c.Registry.StaleWorkers(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestSweepSLAOnceEscalatesStaleCase(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	cs := createCase(t, c, domain.PriorityNormal)

	// Push the clock past the SLA window.
	c.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	require.NoError(t, c.SweepSLAOnce(ctx))

	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseEscalated, got.Status)
}

func TestSweepSLARespectsPriorityBudgets(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	urgent := createCase(t, c, domain.PriorityHigh)
	relaxed := createCase(t, c, domain.PriorityLow)

	// Past the high budget but well inside the low one.
	c.Now = func() time.Time { return time.Now().Add(7 * time.Minute) }
	require.NoError(t, c.SweepSLAOnce(ctx))

	got, err := c.Store.GetCase(ctx, urgent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseEscalated, got.Status)

	got, err = c.Store.GetCase(ctx, relaxed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseCreated, got.Status)
}

func TestSweepSLAOnceEscalatesTimedOutApproval(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	registerWorker(t, c, "w1", 10)
	cs := createCase(t, c, domain.PriorityNormal)
	_, err := c.Store.Assign(ctx, cs.ID, "w1", c.ID)
	require.NoError(t, err)
	_, err = c.Store.Transition(ctx, store.TransitionOptions{CaseID: cs.ID, ToStatus: domain.CaseInProgress, ActorID: "w1"})
	require.NoError(t, err)
	// Resolution is gated, so this parks the case.
	parked, err := c.Store.Transition(ctx, store.TransitionOptions{CaseID: cs.ID, ToStatus: domain.CaseResolved, ActorID: "w1"})
	require.NoError(t, err)
	require.Equal(t, domain.CaseWaitingOnApproval, parked.Status)

	c.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	require.NoError(t, c.SweepSLAOnce(ctx))

	// Nobody answered, so the case escalates rather than auto-approving.
	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseEscalated, got.Status)
}

func TestReportDrivesApprovalRoundTrip(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	registerWorker(t, c, "w1", 10)
	cs := createCase(t, c, domain.PriorityNormal)
	_, err := c.Store.Assign(ctx, cs.ID, "w1", c.ID)
	require.NoError(t, err)
	_, err = c.Store.Transition(ctx, store.TransitionOptions{CaseID: cs.ID, ToStatus: domain.CaseInProgress, ActorID: "w1"})
	require.NoError(t, err)

	c.handleReport(ctx, "w1", domain.ReportPayload{CaseID: cs.ID, Outcome: "resolved", Detail: "done"})

	parked, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CaseWaitingOnApproval, parked.Status)
	assert.Equal(t, "w1", parked.OwnerID)

	require.NoError(t, c.RespondApproval(ctx, cs.ID, true, "looks right", "approver-1"))

	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseResolved, got.Status)

	w, err := c.Registry.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, w.Load)
	assert.Equal(t, 1, w.Attempted)
	assert.Equal(t, 1, w.Succeeded)
}

func TestApprovalCompletesRequestedStatus(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	// Gate failure instead of resolution, so approving must land the case
	// on failed, not on a hardcoded resolved.
	c.Config.Approvals.GatedTransitions = []string{domain.CaseFailed}
	registerWorker(t, c, "w1", 10)
	cs := createCase(t, c, domain.PriorityNormal)
	_, err := c.Store.Assign(ctx, cs.ID, "w1", c.ID)
	require.NoError(t, err)
	_, err = c.Store.Transition(ctx, store.TransitionOptions{CaseID: cs.ID, ToStatus: domain.CaseInProgress, ActorID: "w1"})
	require.NoError(t, err)

	c.handleReport(ctx, "w1", domain.ReportPayload{CaseID: cs.ID, Outcome: "failed", Detail: "no ledger access"})

	parked, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CaseWaitingOnApproval, parked.Status)

	require.NoError(t, c.RespondApproval(ctx, cs.ID, true, "confirmed dead end", "approver-1"))

	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseFailed, got.Status)

	w, err := c.Registry.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.Attempted)
	assert.Zero(t, w.Succeeded)
}

func TestFailedReportSkipsApproval(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	registerWorker(t, c, "w1", 10)
	cs := createCase(t, c, domain.PriorityNormal)
	_, err := c.Store.Assign(ctx, cs.ID, "w1", c.ID)
	require.NoError(t, err)
	_, err = c.Store.Transition(ctx, store.TransitionOptions{CaseID: cs.ID, ToStatus: domain.CaseInProgress, ActorID: "w1"})
	require.NoError(t, err)

	c.handleReport(ctx, "w1", domain.ReportPayload{CaseID: cs.ID, Outcome: "failed", Detail: "no ledger access"})

	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseFailed, got.Status)

	w, err := c.Registry.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.Attempted)
	assert.Zero(t, w.Succeeded)
}

func TestTransferExcludesBouncingWorker(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	registerWorker(t, c, "w1", 10)
	registerWorker(t, c, "w2", 10)
	in2 := c.Hub.Attach("w2")
	cs := createCase(t, c, domain.PriorityNormal)
	_, err := c.Store.Assign(ctx, cs.ID, "w1", c.ID)
	require.NoError(t, err)

	c.handleTransfer(ctx, "w1", domain.TransferPayload{CaseID: cs.ID, Reason: "outside my depth"})

	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseAssigned, got.Status)
	assert.Equal(t, "w2", got.OwnerID)
	expectAssignment(t, in2, cs.ID)
}

func TestTransferHonorsSuggestedWorker(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	registerWorker(t, c, "w1", 10)
	registerWorker(t, c, "w2", 10)
	registerWorker(t, c, "w3", 10)
	c.Hub.Attach("w2")
	in3 := c.Hub.Attach("w3")
	// Ranking alone would pick w2; the transfer names w3 instead.
	now := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, c.Store.Repo.AdjustLoad(ctx, nil, "w3", 3, now))
	cs := createCase(t, c, domain.PriorityNormal)
	_, err := c.Store.Assign(ctx, cs.ID, "w1", c.ID)
	require.NoError(t, err)

	c.handleTransfer(ctx, "w1", domain.TransferPayload{
		CaseID:          cs.ID,
		Reason:          "outside my depth",
		SuggestedWorker: "w3",
	})

	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, "w3", got.OwnerID)
	expectAssignment(t, in3, cs.ID)
}

func TestTransferWithNoAlternativeEscalates(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	registerWorker(t, c, "w1", 10)
	cs := createCase(t, c, domain.PriorityNormal)
	_, err := c.Store.Assign(ctx, cs.ID, "w1", c.ID)
	require.NoError(t, err)

	c.handleTransfer(ctx, "w1", domain.TransferPayload{CaseID: cs.ID, Reason: "outside my depth"})

	got, err := c.Store.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseEscalated, got.Status)
}

func TestRebalanceOnceMovesUnstartedCases(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	c.Config.Load.MaxMoves = 1
	c.Config.Load.SpreadThreshold = 4
	registerWorker(t, c, "w-busy", 10)
	registerWorker(t, c, "w-idle", 10)
	in := c.Hub.Attach("w-idle")

	var cases []domain.Case
	for i := 0; i < 3; i++ {
		cs := createCase(t, c, domain.PriorityNormal)
		_, err := c.Store.Assign(ctx, cs.ID, "w-busy", c.ID)
		require.NoError(t, err)
		cases = append(cases, cs)
	}

	require.NoError(t, c.RebalanceOnce(ctx))

	moved := 0
	for _, cs := range cases {
		got, err := c.Store.GetCase(ctx, cs.ID)
		require.NoError(t, err)
		if got.OwnerID == "w-idle" {
			moved++
			expectAssignment(t, in, cs.ID)
		}
	}
	assert.Equal(t, 1, moved)

	busy, err := c.Registry.GetWorker(ctx, "w-busy")
	require.NoError(t, err)
	idle, err := c.Registry.GetWorker(ctx, "w-idle")
	require.NoError(t, err)
	assert.Equal(t, 4, busy.Load)
	assert.Equal(t, 2, idle.Load)
}
