// Package sched builds the fleet assignment problem from a store snapshot,
// hands it to the optimize capability and renders explained decisions.
package sched

import (
	"context"
	"fmt"
	"time"

	"railplan/internal/domain"
	"railplan/internal/solve"
	"railplan/internal/store"
)

// Result is one scheduling response: decisions in registry order, the same
// list re-sorted by rank score, preference conflicts, the solver status and
// the resolved parameter echo.
type Result struct {
	Schedule        []domain.Decision `json:"schedule"`
	Ranked          []domain.Decision `json:"ranked"`
	Conflicts       []domain.Conflict `json:"conflicts"`
	ObjectiveStatus string            `json:"objective_status"`
	Parameters      Resolved          `json:"parameters"`
}

// Engine wires the store snapshot to the solver. Requests are stateless;
// each call plans the next cycle only from the currently persisted snapshot.
type Engine struct {
	Store      *store.Store
	Solver     solve.Solver
	TimeBudget time.Duration
}

func New(st *store.Store) Engine {
	return Engine{Store: st, Solver: solve.BranchBound{}, TimeBudget: solve.DefaultTimeBudget}
}

// Schedule plans the next cycle: snapshot, build, bounded solve, explain.
// An infeasible model yields unassigned decisions with explanations intact,
// never a guessed assignment.
func (e Engine) Schedule(ctx context.Context, params Params) (Result, error) {
	if err := params.Validate(); err != nil {
		return Result{}, err
	}
	snap, err := e.Store.Snapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: %w", err)
	}
	trains := snap.TrainIDs()
	resolved := params.Resolve(len(trains))
	facts := deriveFacts(snap, resolved)
	problem := buildProblem(trains, facts, resolved)
	problem.TimeBudget = e.TimeBudget

	sol, err := e.Solver.Solve(ctx, problem)
	if err != nil {
		return Result{}, fmt.Errorf("solve: %w", err)
	}

	decisions, conflicts := explain(trains, facts, sol.Assignment, resolved)
	if conflicts == nil {
		conflicts = []domain.Conflict{}
	}
	if decisions == nil {
		decisions = []domain.Decision{}
	}
	return Result{
		Schedule:        decisions,
		Ranked:          rank(decisions),
		Conflicts:       conflicts,
		ObjectiveStatus: string(sol.Status),
		Parameters:      resolved,
	}, nil
}
