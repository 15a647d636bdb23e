package security

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"caseline/internal/domain"
	"caseline/internal/repo"
)

// ContextViolationError is returned when work running under one case's
// security context touches a different case. This is always a hard failure;
// there is no force path around it.
type ContextViolationError struct {
	ContextCaseID string
	TargetCaseID  string
	ActorID       string
}

func (e ContextViolationError) Error() string {
	return fmt.Sprintf("actor %s under case %s attempted access to case %s",
		e.ActorID, e.ContextCaseID, e.TargetCaseID)
}

// Guard enforces per-case isolation. Every check, granted or denied, lands
// in the access log.
type Guard struct {
	DB   *sql.DB
	Repo repo.Repo
	Log  *zap.Logger
	Now  func() time.Time
}

func New(db *sql.DB, log *zap.Logger) Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return Guard{DB: db, Repo: repo.Repo{DB: db}, Log: log, Now: time.Now}
}

func (g Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// ContextFor loads the security context bound to a case.
func (g Guard) ContextFor(ctx context.Context, caseID string) (domain.SecurityContext, error) {
	return g.Repo.GetSecurityContext(ctx, caseID)
}

// Authorize checks that an actor holding the context of one case is touching
// that same case, and audits the attempt either way.
func (g Guard) Authorize(ctx context.Context, sc domain.SecurityContext, targetCaseID, actorID, resource string) error {
	ts := g.now().UTC().Format(time.RFC3339)
	if sc.CaseID != targetCaseID {
		rec := domain.AccessRecord{
			CaseID:   sc.CaseID,
			ActorID:  actorID,
			Resource: resource,
			Outcome:  "denied",
			TS:       ts,
		}
		if err := g.Repo.InsertAccessRecord(ctx, rec); err != nil {
			return err
		}
		g.Log.Warn("cross-case access denied",
			zap.String("context_case", sc.CaseID),
			zap.String("target_case", targetCaseID),
			zap.String("actor", actorID),
			zap.String("resource", resource))
		return ContextViolationError{ContextCaseID: sc.CaseID, TargetCaseID: targetCaseID, ActorID: actorID}
	}
	return g.Repo.InsertAccessRecord(ctx, domain.AccessRecord{
		CaseID:   sc.CaseID,
		ActorID:  actorID,
		Resource: resource,
		Outcome:  "granted",
		TS:       ts,
	})
}

// AccessLog returns the audit trail for a case, newest first.
func (g Guard) AccessLog(ctx context.Context, caseID string, limit int) ([]domain.AccessRecord, error) {
	return g.Repo.AccessLog(ctx, caseID, limit)
}
