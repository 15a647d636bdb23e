package mailbox

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"caseline/internal/config"
	"caseline/internal/domain"
)

// Rejection reasons recorded in the message journal.
const (
	RejectBlockedSender  = "sender_blocked"
	RejectRateLimited    = "rate_limited"
	RejectDuplicate      = "duplicate"
	RejectUnacceptedType = "type_not_accepted"
	RejectInboxFull      = "inbox_full"
	RejectNoRecipient    = "recipient_unknown"
)

// RejectedError reports why an inbox declined a message.
type RejectedError struct {
	Recipient string
	Reason    string
}

func (e RejectedError) Error() string {
	return fmt.Sprintf("inbox %s rejected message: %s", e.Recipient, e.Reason)
}

// Inbox is a bounded FIFO queue with receiver-side acceptance policy. The
// owning unit drains C; everyone else goes through Offer.
type Inbox struct {
	Owner string

	mu       sync.Mutex
	ch       chan domain.Message
	closed   bool
	blocked  map[string]bool
	limiters map[string]*rate.Limiter
	perRate  rate.Limit
	burst    int
	accepted map[string]bool
	seen     []string
	seenSet  map[string]bool
	seenCap  int
	log      *zap.Logger
}

func newInbox(owner string, cfg *config.Config, log *zap.Logger) *Inbox {
	in := &Inbox{
		Owner:    owner,
		ch:       make(chan domain.Message, cfg.Mailbox.BufferSize),
		blocked:  map[string]bool{},
		limiters: map[string]*rate.Limiter{},
		perRate:  rate.Limit(cfg.Mailbox.RatePerSecond),
		burst:    cfg.Mailbox.RateBurst,
		accepted: map[string]bool{},
		seenSet:  map[string]bool{},
		seenCap:  cfg.Mailbox.DedupeWindow,
		log:      log,
	}
	for _, s := range cfg.Mailbox.Blocklist {
		in.blocked[s] = true
	}
	for _, t := range cfg.Mailbox.AcceptedTypes {
		in.accepted[t] = true
	}
	return in
}

// C is the receive side of the inbox, FIFO in arrival order.
func (in *Inbox) C() <-chan domain.Message {
	return in.ch
}

// Block adds a sender to this inbox's blocklist.
func (in *Inbox) Block(senderID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.blocked[senderID] = true
}

// Offer applies the acceptance policy and enqueues the message. A full inbox
// rejects rather than blocks, so a stuck consumer cannot stall its senders.
func (in *Inbox) Offer(m domain.Message) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return RejectedError{Recipient: in.Owner, Reason: RejectNoRecipient}
	}
	if in.blocked[m.SenderID] {
		return in.reject(m, RejectBlockedSender)
	}
	if len(in.accepted) > 0 && !in.accepted[m.Type] {
		return in.reject(m, RejectUnacceptedType)
	}
	if in.seenCap > 0 && in.seenSet[m.ID] {
		return in.reject(m, RejectDuplicate)
	}
	lim, ok := in.limiters[m.SenderID]
	if !ok {
		lim = rate.NewLimiter(in.perRate, in.burst)
		in.limiters[m.SenderID] = lim
	}
	if !lim.Allow() {
		return in.reject(m, RejectRateLimited)
	}
	select {
	case in.ch <- m:
	default:
		return in.reject(m, RejectInboxFull)
	}
	if in.seenCap > 0 {
		in.remember(m.ID)
	}
	return nil
}

func (in *Inbox) reject(m domain.Message, reason string) error {
	in.log.Warn("message rejected",
		zap.String("recipient", in.Owner),
		zap.String("sender", m.SenderID),
		zap.String("type", m.Type),
		zap.String("reason", reason))
	return RejectedError{Recipient: in.Owner, Reason: reason}
}

func (in *Inbox) remember(id string) {
	if in.seenSet[id] {
		return
	}
	in.seen = append(in.seen, id)
	in.seenSet[id] = true
	if len(in.seen) > in.seenCap {
		old := in.seen[0]
		in.seen = in.seen[1:]
		delete(in.seenSet, old)
	}
}

func (in *Inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.closed {
		in.closed = true
		close(in.ch)
	}
}

// Hub is the directory of live inboxes. The router consults it for delivery;
// it holds no message state of its own.
type Hub struct {
	mu      sync.RWMutex
	inboxes map[string]*Inbox
	cfg     *config.Config
	log     *zap.Logger
}

func NewHub(cfg *config.Config, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{inboxes: map[string]*Inbox{}, cfg: cfg, log: log}
}

// Attach creates (or returns) the inbox for a unit.
func (h *Hub) Attach(owner string) *Inbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	if in, ok := h.inboxes[owner]; ok {
		return in
	}
	in := newInbox(owner, h.cfg, h.log.With(zap.String("inbox", owner)))
	h.inboxes[owner] = in
	return in
}

// Detach closes and removes a unit's inbox.
func (h *Hub) Detach(owner string) {
	h.mu.Lock()
	in, ok := h.inboxes[owner]
	if ok {
		delete(h.inboxes, owner)
	}
	h.mu.Unlock()
	if ok {
		in.close()
	}
}

// Lookup returns the inbox for a unit, if attached.
func (h *Hub) Lookup(owner string) (*Inbox, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	in, ok := h.inboxes[owner]
	return in, ok
}
