package solve

import (
	"context"
	"testing"
	"time"
)

func costs(trains []string, perState map[string]float64) map[string]map[string]float64 {
	out := map[string]map[string]float64{}
	for _, t := range trains {
		m := map[string]float64{}
		for s, c := range perState {
			m[s] = c
		}
		out[t] = m
	}
	return out
}

func TestSolvePicksCheapestState(t *testing.T) {
	trains := []string{"T1", "T2"}
	p := Problem{
		Trains: trains,
		States: []string{"run", "standby"},
		Cost:   costs(trains, map[string]float64{"run": 1, "standby": 5}),
	}
	sol, err := BranchBound{}.Solve(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Status != StatusOptimal {
		t.Fatalf("status: %s", sol.Status)
	}
	for _, id := range trains {
		if sol.Assignment[id] != "run" {
			t.Fatalf("%s assigned %q", id, sol.Assignment[id])
		}
	}
	if sol.Objective != 2 {
		t.Fatalf("objective: %v", sol.Objective)
	}
}

func TestSolveHonorsForcedAndBlocked(t *testing.T) {
	trains := []string{"T1", "T2"}
	p := Problem{
		Trains:  trains,
		States:  []string{"run", "maintenance"},
		Cost:    costs(trains, map[string]float64{"run": 1, "maintenance": 10}),
		Forced:  map[string]string{"T1": "maintenance"},
		Blocked: map[string]map[string]bool{"T2": {"run": true}},
	}
	sol, err := BranchBound{}.Solve(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Status != StatusOptimal {
		t.Fatalf("status: %s", sol.Status)
	}
	if sol.Assignment["T1"] != "maintenance" {
		t.Fatalf("forced ignored: %q", sol.Assignment["T1"])
	}
	if sol.Assignment["T2"] != "maintenance" {
		t.Fatalf("blocked ignored: %q", sol.Assignment["T2"])
	}
}

func TestSolveMaxCount(t *testing.T) {
	trains := []string{"T1", "T2", "T3"}
	p := Problem{
		Trains: trains,
		States: []string{"run", "standby"},
		Cost:   costs(trains, map[string]float64{"run": 1, "standby": 2}),
		Counts: []CountBound{{Name: "run_cap", State: "run", Min: 0, Max: 1}},
	}
	sol, err := BranchBound{}.Solve(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Status != StatusOptimal {
		t.Fatalf("status: %s", sol.Status)
	}
	running := 0
	for _, s := range sol.Assignment {
		if s == "run" {
			running++
		}
	}
	if running != 1 {
		t.Fatalf("expected exactly one runner under cap, got %d", running)
	}
	if sol.Objective != 5 { // 1 run + 2 standby
		t.Fatalf("objective: %v", sol.Objective)
	}
}

func TestSolveMinCountOnSubset(t *testing.T) {
	trains := []string{"T1", "T2", "T3"}
	p := Problem{
		Trains: trains,
		States: []string{"run", "cleaning"},
		Cost:   costs(trains, map[string]float64{"run": 1, "cleaning": 9}),
		Counts: []CountBound{{Name: "clean_due", State: "cleaning", Trains: []string{"T2", "T3"}, Min: 1, Max: -1}},
	}
	sol, err := BranchBound{}.Solve(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Status != StatusOptimal {
		t.Fatalf("status: %s", sol.Status)
	}
	cleaned := 0
	for _, id := range []string{"T2", "T3"} {
		if sol.Assignment[id] == "cleaning" {
			cleaned++
		}
	}
	if cleaned != 1 {
		t.Fatalf("expected exactly one due train cleaning, got %d", cleaned)
	}
	if sol.Assignment["T1"] != "run" {
		t.Fatalf("subset bound leaked to T1: %q", sol.Assignment["T1"])
	}
}

func TestSolveInfeasible(t *testing.T) {
	trains := []string{"T1", "T2"}
	p := Problem{
		Trains: trains,
		States: []string{"run", "standby"},
		Cost:   costs(trains, map[string]float64{"run": 1, "standby": 1}),
		Counts: []CountBound{
			{Name: "run_min", State: "run", Min: 2, Max: -1},
			{Name: "standby_min", State: "standby", Min: 1, Max: -1},
		},
	}
	sol, err := BranchBound{}.Solve(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Status != StatusInfeasible {
		t.Fatalf("status: %s", sol.Status)
	}
	if len(sol.Assignment) != 0 {
		t.Fatalf("infeasible must not guess an assignment: %v", sol.Assignment)
	}
}

func TestSolveEmptyDomainIsInfeasible(t *testing.T) {
	p := Problem{
		Trains:  []string{"T1"},
		States:  []string{"run", "standby"},
		Cost:    costs([]string{"T1"}, map[string]float64{"run": 1, "standby": 1}),
		Blocked: map[string]map[string]bool{"T1": {"run": true, "standby": true}},
	}
	sol, err := BranchBound{}.Solve(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Status != StatusInfeasible {
		t.Fatalf("status: %s", sol.Status)
	}
}

func TestSolveEmptyFleetIsOptimal(t *testing.T) {
	p := Problem{States: []string{"run"}}
	sol, err := BranchBound{}.Solve(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Status != StatusOptimal || len(sol.Assignment) != 0 || sol.Objective != 0 {
		t.Fatalf("unexpected solution: %+v", sol)
	}
}

func TestSolveRespectsContextDeadline(t *testing.T) {
	// A fleet large enough that the expired deadline is noticed before the
	// search completes.
	var trains []string
	for c := 'A'; c <= 'Z'; c++ {
		for d := 'A'; d <= 'Z'; d++ {
			trains = append(trains, string(c)+string(d))
		}
	}
	p := Problem{
		Trains:     trains,
		States:     []string{"run", "standby", "maintenance", "cleaning"},
		Cost:       costs(trains, map[string]float64{"run": 1, "standby": 2, "maintenance": 3, "cleaning": 4}),
		Counts:     []CountBound{{Name: "run_cap", State: "run", Min: 0, Max: len(trains) / 2}},
		TimeBudget: time.Hour,
	}
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	sol, err := BranchBound{}.Solve(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Status != StatusTimeout {
		t.Fatalf("status: %s", sol.Status)
	}
}

func TestSolveGreedyOrderStillOptimal(t *testing.T) {
	// Cheapest-first per train is a trap here: the cap forces the globally
	// worse local choice for one train.
	p := Problem{
		Trains: []string{"T1", "T2"},
		States: []string{"run", "standby"},
		Cost: map[string]map[string]float64{
			"T1": {"run": 1, "standby": 2},
			"T2": {"run": 1, "standby": 100},
		},
		Counts: []CountBound{{Name: "run_cap", State: "run", Min: 0, Max: 1}},
	}
	sol, err := BranchBound{}.Solve(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Status != StatusOptimal {
		t.Fatalf("status: %s", sol.Status)
	}
	if sol.Assignment["T2"] != "run" || sol.Assignment["T1"] != "standby" {
		t.Fatalf("suboptimal assignment: %v", sol.Assignment)
	}
	if sol.Objective != 3 {
		t.Fatalf("objective: %v", sol.Objective)
	}
}
