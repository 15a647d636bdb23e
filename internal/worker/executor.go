package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"caseline/internal/domain"
)

// Assessment is a worker's bounded self-evaluation of an assignment before
// it commits to working on it.
type Assessment struct {
	Confidence float64
	Reason     string
	// SuggestedWorker optionally names a peer better suited to the case.
	// It rides along on the transfer when confidence is too low.
	SuggestedWorker string
}

// Outcome is the result of executing an assignment.
type Outcome struct {
	Resolved bool
	Detail   string
}

// Executor does the actual work of a case. The runtime owns the lifecycle
// around it; implementations only assess and execute.
type Executor interface {
	Assess(ctx context.Context, a domain.AssignmentPayload) (Assessment, error)
	Execute(ctx context.Context, a domain.AssignmentPayload) (Outcome, error)
}

// CommandExecutor shells out to an external program for each phase. The
// assignment is passed as arguments; a zero exit status from the execute
// command counts as resolved.
type CommandExecutor struct {
	AssessCmd  []string
	ExecuteCmd []string
}

func (e CommandExecutor) Assess(ctx context.Context, a domain.AssignmentPayload) (Assessment, error) {
	if len(e.AssessCmd) == 0 {
		return Assessment{Confidence: 1, Reason: "no assess command configured"}, nil
	}
	cmd := exec.CommandContext(ctx, e.AssessCmd[0], append(e.AssessCmd[1:], a.CaseID, a.Domain, a.Skill, fmt.Sprint(a.Complexity))...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Assessment{Confidence: 0, Reason: strings.TrimSpace(string(out))}, nil
	}
	var conf float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &conf); err != nil {
		return Assessment{}, fmt.Errorf("assess command output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return Assessment{Confidence: conf}, nil
}

func (e CommandExecutor) Execute(ctx context.Context, a domain.AssignmentPayload) (Outcome, error) {
	if len(e.ExecuteCmd) == 0 {
		return Outcome{}, fmt.Errorf("no execute command configured")
	}
	cmd := exec.CommandContext(ctx, e.ExecuteCmd[0], append(e.ExecuteCmd[1:], a.CaseID, a.Goal)...)
	out, err := cmd.CombinedOutput()
	detail := strings.TrimSpace(string(out))
	if err != nil {
		return Outcome{Resolved: false, Detail: detail}, nil
	}
	return Outcome{Resolved: true, Detail: detail}, nil
}

// FuncExecutor adapts plain functions, mainly for wiring and tests.
type FuncExecutor struct {
	AssessFn  func(ctx context.Context, a domain.AssignmentPayload) (Assessment, error)
	ExecuteFn func(ctx context.Context, a domain.AssignmentPayload) (Outcome, error)
}

func (e FuncExecutor) Assess(ctx context.Context, a domain.AssignmentPayload) (Assessment, error) {
	if e.AssessFn == nil {
		return Assessment{Confidence: 1}, nil
	}
	return e.AssessFn(ctx, a)
}

func (e FuncExecutor) Execute(ctx context.Context, a domain.AssignmentPayload) (Outcome, error) {
	if e.ExecuteFn == nil {
		return Outcome{Resolved: true}, nil
	}
	return e.ExecuteFn(ctx, a)
}
