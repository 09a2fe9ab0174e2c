// Package solve hosts the optimize capability consumed by the scheduler: a
// finite assignment problem over train×state binary choices with per-train
// domain restrictions, counting constraints and a linear objective. Backends
// implement Solver; callers must work with optimal as well as best-found
// results under a time budget.
package solve

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type Status string

const (
	StatusOptimal    Status = "optimal"
	StatusFeasible   Status = "feasible"
	StatusInfeasible Status = "infeasible"
	StatusTimeout    Status = "timeout"
)

// DefaultTimeBudget bounds a solve when the problem carries none.
const DefaultTimeBudget = 10 * time.Second

// CountBound restricts how many trains of a subset may take one state.
// A nil Trains slice means the whole fleet. Max < 0 means unbounded above.
type CountBound struct {
	Name   string
	State  string
	Trains []string
	Min    int
	Max    int
}

// Problem is one train-to-state assignment instance. Exactly one state per
// train; Forced pins a train, Blocked removes states from its domain.
type Problem struct {
	Trains     []string
	States     []string
	Cost       map[string]map[string]float64
	Forced     map[string]string
	Blocked    map[string]map[string]bool
	Counts     []CountBound
	TimeBudget time.Duration
}

// Solution carries the assignment (possibly empty on infeasible/timeout).
type Solution struct {
	Status     Status
	Assignment map[string]string
	Objective  float64
}

// Solver is the optimize capability. Implementations must respect the
// problem's time budget and return rather than hang: on exceeding it they
// report the best solution found so far with StatusTimeout.
type Solver interface {
	Solve(ctx context.Context, p Problem) (Solution, error)
}

// BranchBound is the default backend: depth-first search over trains with
// cost-ordered state choice, counting-constraint pruning and an admissible
// remaining-cost bound. Complete searches prove optimality or infeasibility.
type BranchBound struct{}

const deadlineCheckInterval = 1024

func (BranchBound) Solve(ctx context.Context, p Problem) (Solution, error) {
	if len(p.States) == 0 {
		return Solution{}, fmt.Errorf("no states defined")
	}
	budget := p.TimeBudget
	if budget <= 0 {
		budget = DefaultTimeBudget
	}
	deadline := time.Now().Add(budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s := newSearch(p)
	if s.infeasible {
		return Solution{Status: StatusInfeasible}, nil
	}
	s.run(ctx, deadline)

	switch {
	case s.timedOut && s.found:
		return Solution{Status: StatusTimeout, Assignment: s.bestAssignment(), Objective: s.bestCost}, nil
	case s.timedOut:
		return Solution{Status: StatusTimeout}, nil
	case s.found:
		return Solution{Status: StatusOptimal, Assignment: s.bestAssignment(), Objective: s.bestCost}, nil
	default:
		return Solution{Status: StatusInfeasible}, nil
	}
}

type search struct {
	p          Problem
	order      []int       // train index processing order
	allowed    [][]int     // per order position: state indexes, cost ascending
	costs      [][]float64 // per train index per state index
	minSuffix  []float64   // admissible bound on remaining cost from position i
	member     [][]bool    // per count constraint per train index
	canSuffix  [][]int     // per constraint: members from position i that allow its state
	stateIdx   map[string]int
	counts     []int
	assign     []int // per train index, -1 unassigned
	best       []int
	found      bool
	bestCost   float64
	cost       float64
	nodes      int
	timedOut   bool
	infeasible bool
}

func newSearch(p Problem) *search {
	s := &search{p: p, stateIdx: map[string]int{}}
	for i, st := range p.States {
		s.stateIdx[st] = i
	}
	n := len(p.Trains)
	s.costs = make([][]float64, n)
	domains := make([][]int, n)
	for ti, train := range p.Trains {
		s.costs[ti] = make([]float64, len(p.States))
		for si, st := range p.States {
			s.costs[ti][si] = p.Cost[train][st]
		}
		var dom []int
		if forced, ok := p.Forced[train]; ok {
			if fi, ok := s.stateIdx[forced]; ok {
				dom = []int{fi}
			}
		} else {
			for si, st := range p.States {
				if !p.Blocked[train][st] {
					dom = append(dom, si)
				}
			}
		}
		if len(dom) == 0 {
			s.infeasible = true
			return s
		}
		domains[ti] = dom
	}

	// Most constrained trains first; greedy cheapest state first within each.
	s.order = make([]int, n)
	for i := range s.order {
		s.order[i] = i
	}
	sortOrder(s.order, domains)
	s.allowed = make([][]int, n)
	for pos, ti := range s.order {
		dom := append([]int(nil), domains[ti]...)
		sortByCost(dom, s.costs[ti])
		s.allowed[pos] = dom
	}

	s.minSuffix = make([]float64, n+1)
	for pos := n - 1; pos >= 0; pos-- {
		ti := s.order[pos]
		min := s.costs[ti][s.allowed[pos][0]]
		for _, si := range s.allowed[pos][1:] {
			if c := s.costs[ti][si]; c < min {
				min = c
			}
		}
		s.minSuffix[pos] = s.minSuffix[pos+1] + min
	}

	trainIdx := map[string]int{}
	for i, t := range p.Trains {
		trainIdx[t] = i
	}
	s.member = make([][]bool, len(p.Counts))
	s.canSuffix = make([][]int, len(p.Counts))
	for ci, cb := range p.Counts {
		mem := make([]bool, n)
		if cb.Trains == nil {
			for i := range mem {
				mem[i] = true
			}
		} else {
			for _, t := range cb.Trains {
				if i, ok := trainIdx[t]; ok {
					mem[i] = true
				}
			}
		}
		s.member[ci] = mem
		suffix := make([]int, n+1)
		si, hasState := s.stateIdx[cb.State]
		for pos := n - 1; pos >= 0; pos-- {
			suffix[pos] = suffix[pos+1]
			ti := s.order[pos]
			if mem[ti] && hasState && containsInt(s.allowed[pos], si) {
				suffix[pos]++
			}
		}
		s.canSuffix[ci] = suffix
	}

	s.counts = make([]int, len(p.Counts))
	s.assign = make([]int, n)
	for i := range s.assign {
		s.assign[i] = -1
	}
	return s
}

func (s *search) run(ctx context.Context, deadline time.Time) {
	s.dfs(ctx, 0, deadline)
}

func (s *search) dfs(ctx context.Context, pos int, deadline time.Time) {
	if s.timedOut {
		return
	}
	s.nodes++
	if s.nodes%deadlineCheckInterval == 0 {
		if time.Now().After(deadline) || ctx.Err() != nil {
			s.timedOut = true
			return
		}
	}
	if pos == len(s.order) {
		if !s.found || s.cost < s.bestCost {
			s.best = append(s.best[:0], s.assign...)
			s.found = true
			s.bestCost = s.cost
		}
		return
	}
	if s.found && s.cost+s.minSuffix[pos] >= s.bestCost {
		return
	}
	ti := s.order[pos]
	for _, si := range s.allowed[pos] {
		if !s.countsAdmit(pos, ti, si) {
			continue
		}
		s.place(ti, si)
		s.dfs(ctx, pos+1, deadline)
		s.unplace(ti, si)
		if s.timedOut {
			return
		}
	}
}

// countsAdmit checks every counting constraint: upper bounds immediately,
// lower bounds against what the remaining trains can still contribute.
func (s *search) countsAdmit(pos, ti, si int) bool {
	for ci, cb := range s.p.Counts {
		cSI, hasState := s.stateIdx[cb.State]
		contributes := hasState && s.member[ci][ti] && si == cSI
		count := s.counts[ci]
		if contributes {
			count++
		}
		if cb.Max >= 0 && count > cb.Max {
			return false
		}
		// Remaining members below this position that could still take the
		// state; the current train is settled by this choice.
		remaining := s.canSuffix[ci][pos+1]
		if count+remaining < cb.Min {
			return false
		}
	}
	return true
}

func (s *search) place(ti, si int) {
	s.assign[ti] = si
	s.cost += s.costs[ti][si]
	for ci, cb := range s.p.Counts {
		if cSI, ok := s.stateIdx[cb.State]; ok && s.member[ci][ti] && si == cSI {
			s.counts[ci]++
		}
	}
}

func (s *search) unplace(ti, si int) {
	s.assign[ti] = -1
	s.cost -= s.costs[ti][si]
	for ci, cb := range s.p.Counts {
		if cSI, ok := s.stateIdx[cb.State]; ok && s.member[ci][ti] && si == cSI {
			s.counts[ci]--
		}
	}
}

func (s *search) bestAssignment() map[string]string {
	if !s.found {
		return nil
	}
	res := make(map[string]string, len(s.best))
	for ti, si := range s.best {
		res[s.p.Trains[ti]] = s.p.States[si]
	}
	return res
}

func sortOrder(order []int, domains [][]int) {
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if len(domains[a]) != len(domains[b]) {
			return len(domains[a]) < len(domains[b])
		}
		return a < b
	})
}

func sortByCost(dom []int, costs []float64) {
	sort.Slice(dom, func(i, j int) bool {
		if costs[dom[i]] != costs[dom[j]] {
			return costs[dom[i]] < costs[dom[j]]
		}
		return dom[i] < dom[j]
	})
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
