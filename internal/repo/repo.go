package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"caseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const caseColumns = `id,goal,status,owner_id,priority,requester_id,domain,skill,complexity,idempotency_key,created_at,updated_at`

func scanCase(scan func(dest ...any) error) (domain.Case, error) {
	var c domain.Case
	var idemKey sql.NullString
	err := scan(&c.ID, &c.Goal, &c.Status, &c.OwnerID, &c.Priority, &c.RequesterID,
		&c.Domain, &c.Skill, &c.Complexity, &idemKey, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if idemKey.Valid {
		c.IdempotencyKey = &idemKey.String
	}
	return c, err
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Goal, c.Status, c.OwnerID, c.Priority, c.RequesterID,
		c.Domain, c.Skill, c.Complexity, nullableStringPtr(c.IdempotencyKey), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

func (r Repo) GetCaseByIdempotencyKey(ctx context.Context, tx *sql.Tx, key string) (domain.Case, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE idempotency_key=?`, key)
	return scanCase(row.Scan)
}

func (r Repo) UpdateCaseStatus(ctx context.Context, tx *sql.Tx, id, status, ownerID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, owner_id=?, updated_at=? WHERE id=?`,
		status, ownerID, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CaseFilters struct {
	Status          string
	OwnerID         string
	RequesterID     string
	Domain          string
	Active          bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.Domain != "" {
		clauses = append(clauses, "domain=?")
		args = append(args, f.Domain)
	}
	if f.Active {
		clauses = append(clauses, "status NOT IN ('resolved','failed','escalated')")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CasesOwnedBy returns the active cases held by a worker, oldest first, so
// forced reassignment and rebalancing process them in a stable order.
func (r Repo) CasesOwnedBy(ctx context.Context, ownerID string, statuses ...string) ([]domain.Case, error) {
	clauses := []string{"owner_id=?"}
	args := []any{ownerID}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	} else {
		clauses = append(clauses, "status NOT IN ('resolved','failed','escalated')")
	}
	query := `SELECT ` + caseColumns + ` FROM cases WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UnroutedCases returns created cases with no owner, oldest first.
func (r Repo) UnroutedCases(ctx context.Context, limit int) ([]domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE status='created' ORDER BY
		CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
		created_at ASC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// StaleCases returns non-terminal cases of one priority not updated since
// the cutoff. Priorities carry different SLA budgets, so callers sweep one
// tier at a time.
func (r Repo) StaleCases(ctx context.Context, priority, cutoff string) ([]domain.Case, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE status NOT IN ('resolved','failed','escalated') AND priority=? AND updated_at < ?
		ORDER BY updated_at ASC, id ASC`, priority, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ApprovalsPendingSince returns cases waiting on approval whose last update
// is older than the cutoff.
func (r Repo) ApprovalsPendingSince(ctx context.Context, cutoff string) ([]domain.Case, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE status='waiting_on_approval' AND updated_at < ?
		ORDER BY updated_at ASC, id ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CaseEvents(ctx context.Context, caseID string) ([]domain.CaseEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,case_id,actor_id,payload_json FROM case_events WHERE case_id=? ORDER BY id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r Repo) CaseEventsTx(ctx context.Context, tx *sql.Tx, caseID string) ([]domain.CaseEvent, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,ts,type,case_id,actor_id,payload_json FROM case_events WHERE case_id=? ORDER BY id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r Repo) LatestEvents(ctx context.Context, limit int, caseID, evtType string) ([]domain.CaseEvent, error) {
	return r.LatestEventsFrom(ctx, limit, 0, caseID, evtType)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, caseID, evtType string) ([]domain.CaseEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if caseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, caseID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,case_id,actor_id,payload_json FROM case_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, evtType string) ([]domain.CaseEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,case_id,actor_id,payload_json FROM case_events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM case_events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func collectEvents(rows *sql.Rows) ([]domain.CaseEvent, error) {
	var res []domain.CaseEvent
	for rows.Next() {
		var e domain.CaseEvent
		var caseID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &caseID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if caseID.Valid {
			e.CaseID = caseID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertMessage(ctx context.Context, m domain.Message) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO messages(id,sender_id,recipient_id,type,payload_json,reply_to,ts,disposition,reject_reason) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.SenderID, m.RecipientID, m.Type, m.Payload, nullableStringPtr(m.ReplyTo), m.TS, m.Disposition, nullableStringPtr(m.RejectReason))
	return err
}

type MessageFilters struct {
	SenderID    string
	RecipientID string
	Type        string
	Disposition string
	Limit       int
}

func (r Repo) ListMessages(ctx context.Context, f MessageFilters) ([]domain.Message, error) {
	var clauses []string
	var args []any
	if f.SenderID != "" {
		clauses = append(clauses, "sender_id=?")
		args = append(args, f.SenderID)
	}
	if f.RecipientID != "" {
		clauses = append(clauses, "recipient_id=?")
		args = append(args, f.RecipientID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Disposition != "" {
		clauses = append(clauses, "disposition=?")
		args = append(args, f.Disposition)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,sender_id,recipient_id,type,payload_json,reply_to,ts,disposition,reject_reason FROM messages ` + where + ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var replyTo, rejectReason sql.NullString
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Type, &m.Payload, &replyTo, &m.TS, &m.Disposition, &rejectReason); err != nil {
			return nil, err
		}
		if replyTo.Valid {
			m.ReplyTo = &replyTo.String
		}
		if rejectReason.Valid {
			m.RejectReason = &rejectReason.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
