package domain

// Case statuses. Terminal statuses are resolved, failed and escalated.
const (
	CaseCreated           = "created"
	CaseAssigned          = "assigned"
	CaseInProgress        = "in_progress"
	CaseWaitingOnAgent    = "waiting_on_agent"
	CaseWaitingOnApproval = "waiting_on_approval"
	CaseResolved          = "resolved"
	CaseFailed            = "failed"
	CaseEscalated         = "escalated"
)

// Case priorities, ordered high to low.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// PriorityWeight returns the load weight a case of the given priority
// contributes to its owner. Unknown priorities weigh as normal.
func PriorityWeight(priority string) int {
	switch priority {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

type Case struct {
	ID             string  `json:"id"`
	Goal           string  `json:"goal"`
	Status         string  `json:"status" enum:"created,assigned,in_progress,waiting_on_agent,waiting_on_approval,resolved,failed,escalated"`
	OwnerID        string  `json:"owner_id"`
	Priority       string  `json:"priority" enum:"high,normal,low"`
	RequesterID    string  `json:"requester_id"`
	Domain         string  `json:"domain"`
	Skill          string  `json:"skill"`
	Complexity     int     `json:"complexity"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further transitions are possible.
func (c Case) Terminal() bool {
	return c.Status == CaseResolved || c.Status == CaseFailed || c.Status == CaseEscalated
}

// CaseEvent is one row of a case's append-only history.
type CaseEvent struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	CaseID  string `json:"case_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// Capability is one (domain, skill, complexity ceiling) tuple a worker declares.
type Capability struct {
	Domain        string `json:"domain"`
	Skill         string `json:"skill"`
	MaxComplexity int    `json:"max_complexity"`
}

// Worker liveness states.
const (
	LivenessUnknown      = "unknown"
	LivenessAlive        = "alive"
	LivenessStuck        = "stuck"
	LivenessUnresponsive = "unresponsive"
)

type Worker struct {
	ID            string       `json:"id"`
	Capabilities  []Capability `json:"capabilities"`
	Capacity      int          `json:"capacity"`
	Load          int          `json:"load"`
	Liveness      string       `json:"liveness" enum:"unknown,alive,stuck,unresponsive"`
	LastHeartbeat string       `json:"last_heartbeat,omitempty" format:"date-time"`
	Attempted     int          `json:"attempted"`
	Succeeded     int          `json:"succeeded"`
	RegisteredAt  string       `json:"registered_at" format:"date-time"`
	UpdatedAt     string       `json:"updated_at" format:"date-time"`
}

// SuccessRate is succeeded/attempted. Workers with no history rank as 1.0
// so that new workers are not starved of assignments.
func (w Worker) SuccessRate() float64 {
	if w.Attempted == 0 {
		return 1.0
	}
	return float64(w.Succeeded) / float64(w.Attempted)
}

// Message types carried between units.
const (
	MsgAssignment       = "assignment"
	MsgReport           = "report"
	MsgTransfer         = "transfer"
	MsgApprovalRequest  = "approval_request"
	MsgApprovalResponse = "approval_response"
	MsgHeartbeat        = "heartbeat"
)

// Message dispositions recorded in the journal.
const (
	DispositionDelivered = "delivered"
	DispositionRejected  = "rejected"
)

// Message is immutable once created; the journal is append-only.
type Message struct {
	ID           string  `json:"id"`
	SenderID     string  `json:"sender_id"`
	RecipientID  string  `json:"recipient_id"`
	Type         string  `json:"type" enum:"assignment,report,transfer,approval_request,approval_response,heartbeat"`
	Payload      string  `json:"payload_json"`
	ReplyTo      *string `json:"reply_to,omitempty"`
	TS           string  `json:"ts" format:"date-time"`
	Disposition  string  `json:"disposition,omitempty" enum:"delivered,rejected"`
	RejectReason *string `json:"reject_reason,omitempty"`
}

// AssignmentPayload is the body of an assignment message.
type AssignmentPayload struct {
	CaseID     string `json:"case_id"`
	Goal       string `json:"goal"`
	Domain     string `json:"domain"`
	Skill      string `json:"skill"`
	Complexity int    `json:"complexity"`
	Priority   string `json:"priority"`
}

// ReportPayload is the body of a report message.
type ReportPayload struct {
	CaseID  string `json:"case_id"`
	Outcome string `json:"outcome" enum:"resolved,failed,blocked"`
	Detail  string `json:"detail,omitempty"`
}

// TransferPayload is the body of a transfer message.
type TransferPayload struct {
	CaseID          string `json:"case_id"`
	Reason          string `json:"reason"`
	SuggestedWorker string `json:"suggested_worker,omitempty"`
}

// ApprovalRequestPayload asks an external authority to approve a gated transition.
type ApprovalRequestPayload struct {
	CaseID   string `json:"case_id"`
	ToStatus string `json:"to_status"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalResponsePayload answers a prior approval request.
type ApprovalResponsePayload struct {
	CaseID   string `json:"case_id"`
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

// HeartbeatPayload carries a worker's liveness signal.
type HeartbeatPayload struct {
	Status string `json:"status" enum:"idle,assessing,working,reporting,transferring"`
	Load   int    `json:"load"`
}

// SecurityContext is bound to exactly one case and never shared.
type SecurityContext struct {
	CaseID      string   `json:"case_id"`
	RequesterID string   `json:"requester_id"`
	Scope       []string `json:"scope"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// AccessRecord is one audited resource access attempt under a security context.
type AccessRecord struct {
	ID       int64  `json:"id"`
	CaseID   string `json:"case_id"`
	ActorID  string `json:"actor_id"`
	Resource string `json:"resource"`
	Outcome  string `json:"outcome" enum:"granted,denied"`
	TS       string `json:"ts" format:"date-time"`
}

// Escalation is handed to the outside authority with full history attached.
type Escalation struct {
	CaseID  string      `json:"case_id"`
	Reason  string      `json:"reason"`
	TS      string      `json:"ts" format:"date-time"`
	History []CaseEvent `json:"history"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
