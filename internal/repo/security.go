package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"caseline/internal/domain"
)

func (r Repo) InsertSecurityContext(ctx context.Context, tx *sql.Tx, sc domain.SecurityContext) error {
	scope, err := json.Marshal(sc.Scope)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO security_contexts(case_id,requester_id,scope_json,created_at) VALUES (?,?,?,?)`,
		sc.CaseID, sc.RequesterID, string(scope), sc.CreatedAt)
	return err
}

func (r Repo) GetSecurityContext(ctx context.Context, caseID string) (domain.SecurityContext, error) {
	var sc domain.SecurityContext
	var scope string
	err := r.DB.QueryRowContext(ctx, `SELECT case_id,requester_id,scope_json,created_at FROM security_contexts WHERE case_id=?`, caseID).
		Scan(&sc.CaseID, &sc.RequesterID, &scope, &sc.CreatedAt)
	if err == sql.ErrNoRows {
		return sc, ErrNotFound
	}
	if err != nil {
		return sc, err
	}
	err = json.Unmarshal([]byte(scope), &sc.Scope)
	return sc, err
}

func (r Repo) InsertAccessRecord(ctx context.Context, rec domain.AccessRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO case_access_log(case_id,actor_id,resource,outcome,ts) VALUES (?,?,?,?,?)`,
		rec.CaseID, rec.ActorID, rec.Resource, rec.Outcome, rec.TS)
	return err
}

func (r Repo) AccessLog(ctx context.Context, caseID string, limit int) ([]domain.AccessRecord, error) {
	query := `SELECT id,case_id,actor_id,resource,outcome,ts FROM case_access_log WHERE case_id=? ORDER BY id DESC`
	args := []any{caseID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AccessRecord
	for rows.Next() {
		var rec domain.AccessRecord
		if err := rows.Scan(&rec.ID, &rec.CaseID, &rec.ActorID, &rec.Resource, &rec.Outcome, &rec.TS); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
