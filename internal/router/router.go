package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"caseline/internal/compliance"
	"caseline/internal/domain"
	"caseline/internal/mailbox"
	"caseline/internal/repo"
)

// ValidationError reports a structurally invalid message. Content beyond
// structure is the receiver's business.
type ValidationError struct {
	Field  string
	Detail string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Detail)
}

var knownTypes = map[string]bool{
	domain.MsgAssignment:       true,
	domain.MsgReport:           true,
	domain.MsgTransfer:         true,
	domain.MsgApprovalRequest:  true,
	domain.MsgApprovalResponse: true,
	domain.MsgHeartbeat:        true,
}

// Router validates and delivers messages. It keeps no state between calls;
// the hub owns the recipient directory and the journal is plain storage.
// Every message, delivered or rejected, lands in the journal.
type Router struct {
	Repo       repo.Repo
	Hub        *mailbox.Hub
	Compliance compliance.Validator
	Log        *zap.Logger
	Now        func() time.Time
}

func New(db *sql.DB, hub *mailbox.Hub, v compliance.Validator, log *zap.Logger) Router {
	if log == nil {
		log = zap.NewNop()
	}
	return Router{
		Repo:       repo.Repo{DB: db},
		Hub:        hub,
		Compliance: v,
		Log:        log,
		Now:        time.Now,
	}
}

func (r Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// SendOptions are parameters for sending one message.
type SendOptions struct {
	SenderID    string
	RecipientID string
	Type        string
	Payload     any
	ReplyTo     string
}

// Send validates, journals and delivers a message to the recipient's inbox.
// Receiver-side policy rejections come back as mailbox.RejectedError with the
// rejection recorded in the journal; nothing is dropped silently.
func (r Router) Send(ctx context.Context, opts SendOptions) (domain.Message, error) {
	if opts.SenderID == "" {
		return domain.Message{}, ValidationError{Field: "sender_id", Detail: "required"}
	}
	if opts.RecipientID == "" {
		return domain.Message{}, ValidationError{Field: "recipient_id", Detail: "required"}
	}
	if !knownTypes[opts.Type] {
		return domain.Message{}, ValidationError{Field: "type", Detail: fmt.Sprintf("unknown type %q", opts.Type)}
	}
	if err := r.Compliance.Check(opts.SenderID, compliance.ActionSendMessage); err != nil {
		return domain.Message{}, err
	}
	payload := "{}"
	if opts.Payload != nil {
		data, err := json.Marshal(opts.Payload)
		if err != nil {
			return domain.Message{}, ValidationError{Field: "payload", Detail: err.Error()}
		}
		payload = string(data)
	}

	m := domain.Message{
		ID:          uuid.New().String(),
		SenderID:    opts.SenderID,
		RecipientID: opts.RecipientID,
		Type:        opts.Type,
		Payload:     payload,
		TS:          r.now().UTC().Format(time.RFC3339),
	}
	if opts.ReplyTo != "" {
		m.ReplyTo = &opts.ReplyTo
	}

	deliverErr := r.deliver(m)
	if deliverErr == nil {
		m.Disposition = domain.DispositionDelivered
	} else {
		m.Disposition = domain.DispositionRejected
		reason := rejectReason(deliverErr)
		m.RejectReason = &reason
	}
	if err := r.Repo.InsertMessage(ctx, m); err != nil {
		return domain.Message{}, fmt.Errorf("journal message: %w", err)
	}
	if deliverErr != nil {
		return m, deliverErr
	}
	r.Log.Debug("message delivered",
		zap.String("id", m.ID),
		zap.String("sender", m.SenderID),
		zap.String("recipient", m.RecipientID),
		zap.String("type", m.Type))
	return m, nil
}

func (r Router) deliver(m domain.Message) error {
	in, ok := r.Hub.Lookup(m.RecipientID)
	if !ok {
		return mailbox.RejectedError{Recipient: m.RecipientID, Reason: mailbox.RejectNoRecipient}
	}
	return in.Offer(m)
}

func rejectReason(err error) string {
	var rej mailbox.RejectedError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return err.Error()
}

// Journal returns journaled messages matching the filters.
func (r Router) Journal(ctx context.Context, f repo.MessageFilters) ([]domain.Message, error) {
	return r.Repo.ListMessages(ctx, f)
}
