package server

import (
	"caseline/internal/domain"
)

// Request payloads

type CreateCaseRequest struct {
	Goal           string   `json:"goal"`
	Domain         string   `json:"domain"`
	Skill          string   `json:"skill"`
	Complexity     int      `json:"complexity,omitempty"`
	Priority       string   `json:"priority,omitempty" enum:"high,normal,low"`
	IdempotencyKey *string  `json:"idempotency_key,omitempty"`
	Scope          []string `json:"scope,omitempty"`
}

type TransitionRequest struct {
	Status string `json:"status" enum:"assigned,in_progress,waiting_on_agent,waiting_on_approval,resolved,failed,escalated"`
	Reason string `json:"reason,omitempty"`
}

type EscalateRequest struct {
	Reason string `json:"reason"`
}

type ApprovalRequest struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

type RegisterWorkerRequest struct {
	ID           string              `json:"id"`
	Capacity     int                 `json:"capacity"`
	Capabilities []domain.Capability `json:"capabilities"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type CaseResponse struct {
	ID          string `json:"id"`
	Goal        string `json:"goal"`
	Status      string `json:"status"`
	OwnerID     string `json:"owner_id,omitempty"`
	Priority    string `json:"priority"`
	RequesterID string `json:"requester_id"`
	Domain      string `json:"domain"`
	Skill       string `json:"skill"`
	Complexity  int    `json:"complexity"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func caseResponse(c domain.Case) CaseResponse {
	return CaseResponse{
		ID:          c.ID,
		Goal:        c.Goal,
		Status:      c.Status,
		OwnerID:     c.OwnerID,
		Priority:    c.Priority,
		RequesterID: c.RequesterID,
		Domain:      c.Domain,
		Skill:       c.Skill,
		Complexity:  c.Complexity,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func mapCases(items []domain.Case) []CaseResponse {
	res := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		res = append(res, caseResponse(c))
	}
	return res
}

type WorkerResponse struct {
	ID            string              `json:"id"`
	Capabilities  []domain.Capability `json:"capabilities"`
	Capacity      int                 `json:"capacity"`
	Load          int                 `json:"load"`
	Liveness      string              `json:"liveness"`
	LastHeartbeat string              `json:"last_heartbeat,omitempty"`
	Attempted     int                 `json:"attempted"`
	Succeeded     int                 `json:"succeeded"`
	SuccessRate   float64             `json:"success_rate"`
	RegisteredAt  string              `json:"registered_at"`
}

func workerResponse(w domain.Worker) WorkerResponse {
	return WorkerResponse{
		ID:            w.ID,
		Capabilities:  w.Capabilities,
		Capacity:      w.Capacity,
		Load:          w.Load,
		Liveness:      w.Liveness,
		LastHeartbeat: w.LastHeartbeat,
		Attempted:     w.Attempted,
		Succeeded:     w.Succeeded,
		SuccessRate:   w.SuccessRate(),
		RegisteredAt:  w.RegisteredAt,
	}
}

func mapWorkers(items []domain.Worker) []WorkerResponse {
	res := make([]WorkerResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workerResponse(w))
	}
	return res
}

type EventResponse struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	CaseID  string `json:"case_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

func eventResponse(e domain.CaseEvent) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		CaseID:  e.CaseID,
		ActorID: e.ActorID,
		Payload: e.Payload,
	}
}

func mapEvents(items []domain.CaseEvent) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

type MessageResponse struct {
	ID           string `json:"id"`
	SenderID     string `json:"sender_id"`
	RecipientID  string `json:"recipient_id"`
	Type         string `json:"type"`
	Payload      string `json:"payload_json"`
	TS           string `json:"ts"`
	Disposition  string `json:"disposition"`
	RejectReason string `json:"reject_reason,omitempty"`
}

func messageResponse(m domain.Message) MessageResponse {
	res := MessageResponse{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Type:        m.Type,
		Payload:     m.Payload,
		TS:          m.TS,
		Disposition: m.Disposition,
	}
	if m.RejectReason != nil {
		res.RejectReason = *m.RejectReason
	}
	return res
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

type AccessRecordResponse struct {
	ID       int64  `json:"id"`
	CaseID   string `json:"case_id"`
	ActorID  string `json:"actor_id"`
	Resource string `json:"resource"`
	Outcome  string `json:"outcome"`
	TS       string `json:"ts"`
}

func mapAccessRecords(items []domain.AccessRecord) []AccessRecordResponse {
	res := make([]AccessRecordResponse, 0, len(items))
	for _, a := range items {
		res = append(res, AccessRecordResponse{
			ID:       a.ID,
			CaseID:   a.CaseID,
			ActorID:  a.ActorID,
			Resource: a.Resource,
			Outcome:  a.Outcome,
			TS:       a.TS,
		})
	}
	return res
}

type EscalationResponse struct {
	CaseID  string          `json:"case_id"`
	Reason  string          `json:"reason"`
	TS      string          `json:"ts"`
	History []EventResponse `json:"history"`
}

func escalationResponse(e domain.Escalation) EscalationResponse {
	return EscalationResponse{
		CaseID:  e.CaseID,
		Reason:  e.Reason,
		TS:      e.TS,
		History: mapEvents(e.History),
	}
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

type paginatedCases struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
