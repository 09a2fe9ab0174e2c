package sched_test

import (
	"context"
	"testing"
	"time"

	"railplan/internal/db"
	"railplan/internal/domain"
	"railplan/internal/migrate"
	"railplan/internal/sched"
	"railplan/internal/store"
)

func newTestEngine(t *testing.T) (sched.Engine, *store.Store, context.Context) {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn)
	st.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return sched.New(st), st, context.Background()
}

func intPtr(v int) *int { return &v }

func int64Ptr(v int64) *int64 { return &v }

func floatPtr(v float64) *float64 { return &v }

func seed(t *testing.T, st *store.Store, ctx context.Context, aspect domain.Aspect, id string, fields domain.Fields) {
	t.Helper()
	if _, err := st.Upsert(ctx, aspect, id, fields, ""); err != nil {
		t.Fatalf("seed %s/%s: %v", aspect, id, err)
	}
}

func decisionFor(t *testing.T, res sched.Result, id string) domain.Decision {
	t.Helper()
	for _, d := range res.Schedule {
		if d.TrainID == id {
			return d
		}
	}
	t.Fatalf("no decision for %s", id)
	return domain.Decision{}
}

func hasExplanation(d domain.Decision, want string) bool {
	for _, e := range d.Explanation {
		if e == want {
			return true
		}
	}
	return false
}

func TestScheduleThreeTrainScenario(t *testing.T) {
	e, st, ctx := newTestEngine(t)
	seed(t, st, ctx, domain.AspectFitness, "T1", domain.Fields{Valid: int64Ptr(1), Score: floatPtr(0.95)})
	seed(t, st, ctx, domain.AspectMileage, "T1", domain.Fields{KM: floatPtr(12000)})
	seed(t, st, ctx, domain.AspectCleaning, "T1", domain.Fields{LastCleanedDays: floatPtr(1)})
	seed(t, st, ctx, domain.AspectJobcard, "T2", domain.Fields{Open: int64Ptr(1)})
	seed(t, st, ctx, domain.AspectCleaning, "T2", domain.Fields{LastCleanedDays: floatPtr(1)})
	seed(t, st, ctx, domain.AspectFitness, "T3", domain.Fields{Valid: int64Ptr(0), Score: floatPtr(0)})

	res, err := e.Schedule(ctx, sched.Params{MinRun: intPtr(1)})
	if err != nil {
		t.Fatal(err)
	}
	if res.ObjectiveStatus != "optimal" {
		t.Fatalf("status: %s", res.ObjectiveStatus)
	}
	if len(res.Schedule) != 3 {
		t.Fatalf("expected one decision per train, got %d", len(res.Schedule))
	}

	t1 := decisionFor(t, res, "T1")
	if t1.Assigned != domain.StateRun {
		t.Fatalf("T1 assigned %q", t1.Assigned)
	}
	t2 := decisionFor(t, res, "T2")
	if t2.Assigned != domain.StateMaintenance {
		t.Fatalf("T2 assigned %q", t2.Assigned)
	}
	if !hasExplanation(t2, "open job card") {
		t.Fatalf("T2 explanation: %v", t2.Explanation)
	}
	t3 := decisionFor(t, res, "T3")
	if t3.Assigned == domain.StateRun {
		t.Fatal("invalid fitness must never run")
	}
	if !hasExplanation(t3, "fitness expired") {
		t.Fatalf("T3 explanation: %v", t3.Explanation)
	}

	// Jobcard routing is intentional, only the fitness block is a conflict.
	if len(res.Conflicts) != 1 || res.Conflicts[0].TrainID != "T3" {
		t.Fatalf("conflicts: %+v", res.Conflicts)
	}
	if res.Conflicts[0].Reasons[0] != "fitness expired" {
		t.Fatalf("conflict reasons: %v", res.Conflicts[0].Reasons)
	}
}

func TestScheduleEveryTrainGetsOneState(t *testing.T) {
	e, st, ctx := newTestEngine(t)
	for _, id := range []string{"T1", "T2", "T3", "T4", "T5"} {
		seed(t, st, ctx, domain.AspectFitness, id, domain.Fields{Valid: int64Ptr(1), Score: floatPtr(0.9)})
		seed(t, st, ctx, domain.AspectCleaning, id, domain.Fields{LastCleanedDays: floatPtr(1)})
	}
	res, err := e.Schedule(ctx, sched.Params{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ObjectiveStatus != "optimal" {
		t.Fatalf("status: %s", res.ObjectiveStatus)
	}
	seen := map[string]bool{}
	for _, d := range res.Schedule {
		if !domain.ValidState(d.Assigned) {
			t.Fatalf("%s assigned invalid state %q", d.TrainID, d.Assigned)
		}
		if seen[d.TrainID] {
			t.Fatalf("duplicate decision for %s", d.TrainID)
		}
		seen[d.TrainID] = true
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 decisions, got %d", len(seen))
	}
}

func TestScheduleFailTrainConflict(t *testing.T) {
	e, st, ctx := newTestEngine(t)
	for _, id := range []string{"T1", "T2"} {
		seed(t, st, ctx, domain.AspectFitness, id, domain.Fields{Valid: int64Ptr(1), Score: floatPtr(1)})
	}
	res, err := e.Schedule(ctx, sched.Params{FailTrain: "t2"})
	if err != nil {
		t.Fatal(err)
	}
	if d := decisionFor(t, res, "T2"); d.Assigned == domain.StateRun {
		t.Fatal("failed train must not run")
	}
	found := false
	for _, c := range res.Conflicts {
		if c.TrainID == "T2" {
			found = true
			if c.Reasons[len(c.Reasons)-1] != "simulated failure" {
				t.Fatalf("reasons: %v", c.Reasons)
			}
		}
	}
	if !found {
		t.Fatalf("no conflict for failed train: %+v", res.Conflicts)
	}
	if res.Parameters.FailTrain != "T2" {
		t.Fatalf("fail train not normalized: %q", res.Parameters.FailTrain)
	}
}

func TestScheduleInfeasibleKeepsExplanations(t *testing.T) {
	e, st, ctx := newTestEngine(t)
	// Two trains, neither can run, but at least one must.
	seed(t, st, ctx, domain.AspectFitness, "T1", domain.Fields{Valid: int64Ptr(0)})
	seed(t, st, ctx, domain.AspectFitness, "T2", domain.Fields{Valid: int64Ptr(0)})
	res, err := e.Schedule(ctx, sched.Params{MinRun: intPtr(1)})
	if err != nil {
		t.Fatal(err)
	}
	if res.ObjectiveStatus != "infeasible" {
		t.Fatalf("status: %s", res.ObjectiveStatus)
	}
	if len(res.Schedule) != 2 {
		t.Fatalf("decisions must survive infeasibility: %d", len(res.Schedule))
	}
	for _, d := range res.Schedule {
		if d.Assigned != "" {
			t.Fatalf("infeasible result must not guess assignments: %+v", d)
		}
		if !hasExplanation(d, "fitness expired") {
			t.Fatalf("explanation lost: %v", d.Explanation)
		}
	}
}

func TestScheduleEmptyFleet(t *testing.T) {
	e, _, ctx := newTestEngine(t)
	res, err := e.Schedule(ctx, sched.Params{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ObjectiveStatus != "optimal" {
		t.Fatalf("status: %s", res.ObjectiveStatus)
	}
	if len(res.Schedule) != 0 || len(res.Ranked) != 0 || len(res.Conflicts) != 0 {
		t.Fatalf("empty fleet must produce empty lists: %+v", res)
	}
}

func TestScheduleCleaningCapacityAndDueMinimum(t *testing.T) {
	e, st, ctx := newTestEngine(t)
	// T1..T3 cleaned recently, T4 and T5 overdue.
	for _, id := range []string{"T1", "T2", "T3"} {
		seed(t, st, ctx, domain.AspectFitness, id, domain.Fields{Valid: int64Ptr(1), Score: floatPtr(1)})
		seed(t, st, ctx, domain.AspectCleaning, id, domain.Fields{LastCleanedDays: floatPtr(1)})
	}
	for _, id := range []string{"T4", "T5"} {
		seed(t, st, ctx, domain.AspectFitness, id, domain.Fields{Valid: int64Ptr(1), Score: floatPtr(1)})
		seed(t, st, ctx, domain.AspectCleaning, id, domain.Fields{LastCleanedDays: floatPtr(30)})
	}
	res, err := e.Schedule(ctx, sched.Params{
		CleaningCapacity: intPtr(1),
		MinCleanDue:      intPtr(1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ObjectiveStatus != "optimal" {
		t.Fatalf("status: %s", res.ObjectiveStatus)
	}
	cleaning := 0
	dueCleaned := 0
	for _, d := range res.Schedule {
		if d.Assigned == domain.StateCleaning {
			cleaning++
			if d.TrainID == "T4" || d.TrainID == "T5" {
				dueCleaned++
			}
		}
	}
	if cleaning != 1 {
		t.Fatalf("expected exactly one cleaning slot used, got %d", cleaning)
	}
	if dueCleaned != 1 {
		t.Fatalf("the cleaning slot must go to a due train: %+v", res.Schedule)
	}
}

func TestScheduleRankedOrderAndParameters(t *testing.T) {
	e, st, ctx := newTestEngine(t)
	seed(t, st, ctx, domain.AspectFitness, "T1", domain.Fields{Valid: int64Ptr(1), Score: floatPtr(0.6)})
	seed(t, st, ctx, domain.AspectFitness, "T2", domain.Fields{Valid: int64Ptr(1), Score: floatPtr(1)})
	seed(t, st, ctx, domain.AspectBranding, "T2", domain.Fields{Priority: floatPtr(2)})
	res, err := e.Schedule(ctx, sched.Params{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ranked) != 2 {
		t.Fatalf("ranked size: %d", len(res.Ranked))
	}
	if float64(res.Ranked[0].RankScore) > float64(res.Ranked[1].RankScore) {
		t.Fatalf("ranked not ascending: %v then %v", res.Ranked[0].RankScore, res.Ranked[1].RankScore)
	}
	// Defaults echoed for a fleet of two: 40% min run, 60% max standby.
	if res.Parameters.MinRun != 1 || res.Parameters.MaxStandby != 2 {
		t.Fatalf("parameter echo: %+v", res.Parameters)
	}
	if res.Parameters.CleaningCapacity != 3 || res.Parameters.CleaningDueThreshold != 7 {
		t.Fatalf("parameter defaults: %+v", res.Parameters)
	}
}

func TestScheduleRunCountMonotoneInMinRun(t *testing.T) {
	e, st, ctx := newTestEngine(t)
	ids := []string{"T1", "T2", "T3", "T4"}
	for _, id := range ids {
		seed(t, st, ctx, domain.AspectFitness, id, domain.Fields{Valid: int64Ptr(1), Score: floatPtr(0.8)})
		seed(t, st, ctx, domain.AspectCleaning, id, domain.Fields{LastCleanedDays: floatPtr(1)})
	}
	prev := 0
	for minRun := 0; minRun <= len(ids); minRun++ {
		res, err := e.Schedule(ctx, sched.Params{MinRun: intPtr(minRun)})
		if err != nil {
			t.Fatalf("schedule min_run=%d: %v", minRun, err)
		}
		if res.ObjectiveStatus != "optimal" {
			t.Fatalf("min_run=%d: status %s", minRun, res.ObjectiveStatus)
		}
		running := 0
		for _, d := range res.Schedule {
			if d.Assigned == domain.StateRun {
				running++
			}
		}
		if running < minRun {
			t.Fatalf("min_run=%d but only %d running", minRun, running)
		}
		if running < prev {
			t.Fatalf("run count dropped from %d to %d when min_run rose to %d", prev, running, minRun)
		}
		prev = running
	}
}

func TestScheduleRejectsNegativeParams(t *testing.T) {
	e, _, ctx := newTestEngine(t)
	if _, err := e.Schedule(ctx, sched.Params{MinRun: intPtr(-1)}); err == nil {
		t.Fatal("expected validation error")
	}
}
