package repo

import (
	"context"
	"database/sql"
	"strings"

	"caseline/internal/domain"
)

func (r Repo) UpsertWorker(ctx context.Context, tx *sql.Tx, w domain.Worker) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workers(id,capacity,load,liveness,last_heartbeat,attempted,succeeded,registered_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET capacity=excluded.capacity, liveness=excluded.liveness, updated_at=excluded.updated_at`,
		w.ID, w.Capacity, w.Load, w.Liveness, nullable(w.LastHeartbeat), w.Attempted, w.Succeeded, w.RegisteredAt, w.UpdatedAt)
	return err
}

func (r Repo) ReplaceCapabilities(ctx context.Context, tx *sql.Tx, workerID string, caps []domain.Capability) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM worker_capabilities WHERE worker_id=?`, workerID); err != nil {
		return err
	}
	for _, c := range caps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO worker_capabilities(worker_id,domain,skill,max_complexity) VALUES (?,?,?,?)`,
			workerID, c.Domain, c.Skill, c.MaxComplexity); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	var w domain.Worker
	var hb sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,capacity,load,liveness,last_heartbeat,attempted,succeeded,registered_at,updated_at FROM workers WHERE id=?`, id).
		Scan(&w.ID, &w.Capacity, &w.Load, &w.Liveness, &hb, &w.Attempted, &w.Succeeded, &w.RegisteredAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if hb.Valid {
		w.LastHeartbeat = hb.String
	}
	w.Capabilities, err = r.WorkerCapabilities(ctx, id)
	return w, err
}

func (r Repo) WorkerCapabilities(ctx context.Context, workerID string) ([]domain.Capability, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT domain,skill,max_complexity FROM worker_capabilities WHERE worker_id=? ORDER BY domain, skill`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caps []domain.Capability
	for rows.Next() {
		var c domain.Capability
		if err := rows.Scan(&c.Domain, &c.Skill, &c.MaxComplexity); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

type WorkerFilters struct {
	Liveness string
	Domain   string
	Skill    string
}

func (r Repo) ListWorkers(ctx context.Context, f WorkerFilters) ([]domain.Worker, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Liveness != "" {
		clauses = append(clauses, "liveness=?")
		args = append(args, f.Liveness)
	}
	if f.Domain != "" && f.Skill != "" {
		clauses = append(clauses, `EXISTS (SELECT 1 FROM worker_capabilities wc WHERE wc.worker_id=workers.id AND wc.domain=? AND wc.skill=?)`)
		args = append(args, f.Domain, f.Skill)
	}
	query := `SELECT id,capacity,load,liveness,last_heartbeat,attempted,succeeded,registered_at,updated_at FROM workers WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		var w domain.Worker
		var hb sql.NullString
		if err := rows.Scan(&w.ID, &w.Capacity, &w.Load, &w.Liveness, &hb, &w.Attempted, &w.Succeeded, &w.RegisteredAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		if hb.Valid {
			w.LastHeartbeat = hb.String
		}
		res = append(res, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		caps, err := r.WorkerCapabilities(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Capabilities = caps
	}
	return res, nil
}

// exec runs a statement inside tx when one is open, otherwise directly.
func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.DB.ExecContext(ctx, query, args...)
}

// AdjustLoad applies a delta to a worker's load counter in one statement so
// concurrent routing decisions never lose an update.
func (r Repo) AdjustLoad(ctx context.Context, tx *sql.Tx, workerID string, delta int, updatedAt string) error {
	res, err := r.exec(ctx, tx, `UPDATE workers SET load=MAX(0, load+?), updated_at=? WHERE id=?`, delta, updatedAt, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOutcome bumps the attempted counter and, on success, the succeeded
// counter, in one statement.
func (r Repo) RecordOutcome(ctx context.Context, tx *sql.Tx, workerID string, succeeded bool, updatedAt string) error {
	inc := 0
	if succeeded {
		inc = 1
	}
	res, err := r.exec(ctx, tx, `UPDATE workers SET attempted=attempted+1, succeeded=succeeded+?, updated_at=? WHERE id=?`,
		inc, updatedAt, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) TouchHeartbeat(ctx context.Context, workerID, liveness, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workers SET last_heartbeat=?, liveness=?, updated_at=? WHERE id=?`,
		ts, liveness, ts, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetLiveness(ctx context.Context, tx *sql.Tx, workerID, liveness, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workers SET liveness=?, updated_at=? WHERE id=?`, liveness, updatedAt, workerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StaleWorkers returns workers considered alive or stuck whose last heartbeat
// is older than the cutoff, plus workers that never sent one.
func (r Repo) StaleWorkers(ctx context.Context, cutoff string) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,capacity,load,liveness,last_heartbeat,attempted,succeeded,registered_at,updated_at FROM workers
		WHERE liveness IN ('alive','stuck','unknown') AND (last_heartbeat IS NULL OR last_heartbeat < ?)
		ORDER BY id ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		var w domain.Worker
		var hb sql.NullString
		if err := rows.Scan(&w.ID, &w.Capacity, &w.Load, &w.Liveness, &hb, &w.Attempted, &w.Succeeded, &w.RegisteredAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		if hb.Valid {
			w.LastHeartbeat = hb.String
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
