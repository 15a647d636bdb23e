package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/compliance"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/mailbox"
	"caseline/internal/migrate"
	"caseline/internal/repo"
)

func newTestRouter(t *testing.T, cfg *config.Config) (Router, *mailbox.Hub) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	if cfg == nil {
		cfg = config.Default()
	}
	hub := mailbox.NewHub(cfg, nil)
	return New(conn, hub, compliance.New(cfg), nil), hub
}

func TestSendDeliversAndJournals(t *testing.T) {
	rt, hub := newTestRouter(t, nil)
	in := hub.Attach("w1")

	m, err := rt.Send(context.Background(), SendOptions{
		SenderID:    "supervisor",
		RecipientID: "w1",
		Type:        domain.MsgAssignment,
		Payload:     domain.AssignmentPayload{CaseID: "c1", Goal: "do it"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DispositionDelivered, m.Disposition)

	got := <-in.C()
	assert.Equal(t, m.ID, got.ID)

	journal, err := rt.Journal(context.Background(), repo.MessageFilters{RecipientID: "w1"})
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, domain.DispositionDelivered, journal[0].Disposition)
}

func TestSendUnknownRecipientJournaledAsRejected(t *testing.T) {
	rt, _ := newTestRouter(t, nil)

	_, err := rt.Send(context.Background(), SendOptions{
		SenderID:    "supervisor",
		RecipientID: "ghost",
		Type:        domain.MsgAssignment,
	})
	var rejected mailbox.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, mailbox.RejectNoRecipient, rejected.Reason)

	journal, err := rt.Journal(context.Background(), repo.MessageFilters{Disposition: domain.DispositionRejected})
	require.NoError(t, err)
	require.Len(t, journal, 1)
	require.NotNil(t, journal[0].RejectReason)
	assert.Equal(t, mailbox.RejectNoRecipient, *journal[0].RejectReason)
}

func TestSendPolicyRejectionJournaled(t *testing.T) {
	cfg := config.Default()
	cfg.Mailbox.Blocklist = []string{"spammer"}
	rt, hub := newTestRouter(t, cfg)
	hub.Attach("w1")

	_, err := rt.Send(context.Background(), SendOptions{
		SenderID:    "spammer",
		RecipientID: "w1",
		Type:        domain.MsgAssignment,
	})
	var rejected mailbox.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, mailbox.RejectBlockedSender, rejected.Reason)

	journal, err := rt.Journal(context.Background(), repo.MessageFilters{SenderID: "spammer"})
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, domain.DispositionRejected, journal[0].Disposition)
}

func TestSendStructuralValidation(t *testing.T) {
	rt, _ := newTestRouter(t, nil)
	ctx := context.Background()

	var verr ValidationError
	_, err := rt.Send(ctx, SendOptions{RecipientID: "w1", Type: domain.MsgReport})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "sender_id", verr.Field)

	_, err = rt.Send(ctx, SendOptions{SenderID: "s", Type: domain.MsgReport})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "recipient_id", verr.Field)

	_, err = rt.Send(ctx, SendOptions{SenderID: "s", RecipientID: "w1", Type: "gossip"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "type", verr.Field)

	// Structurally invalid messages never reach the journal.
	journal, err := rt.Journal(ctx, repo.MessageFilters{})
	require.NoError(t, err)
	assert.Empty(t, journal)
}

func TestSendComplianceDenied(t *testing.T) {
	cfg := config.Default()
	cfg.Compliance.Rules = []config.ComplianceRule{
		{ID: "no-intern-messages", Effect: "deny", Actors: []string{"intern"}, Actions: []string{compliance.ActionSendMessage}, Suggestion: "ask your supervisor"},
	}
	rt, hub := newTestRouter(t, cfg)
	hub.Attach("w1")

	_, err := rt.Send(context.Background(), SendOptions{
		SenderID:    "intern",
		RecipientID: "w1",
		Type:        domain.MsgReport,
	})
	var denied compliance.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "no-intern-messages", denied.Rule)
	assert.Equal(t, "ask your supervisor", denied.Suggestion)
}
