package sched

import (
	"math"
	"sort"

	"railplan/internal/domain"
	"railplan/internal/solve"
)

// Facts is the per-train rule input derived once from a snapshot. The model
// builder and the explainer both read it, so explanations match the
// constraints regardless of what the solver returns.
type Facts struct {
	Valid             map[string]bool
	Score             map[string]float64
	BelowThreshold    map[string]bool
	JobcardOpen       map[string]bool
	Branding          map[string]float64
	MileageKM         map[string]float64
	NormMileage       map[string]float64
	CleaningDue       map[string]bool
	HasCleaningRecord map[string]bool
	Bay               map[string]string
	Model             map[string]string
}

// deriveFacts folds the snapshot into rule inputs. Missing or non-numeric
// values fall back to neutral defaults: fitness valid with score 1, branding
// priority 0, mileage 0; absent cleaning records count as due.
func deriveFacts(snap domain.Snapshot, r Resolved) Facts {
	f := Facts{
		Valid:             map[string]bool{},
		Score:             map[string]float64{},
		BelowThreshold:    map[string]bool{},
		JobcardOpen:       map[string]bool{},
		Branding:          map[string]float64{},
		MileageKM:         map[string]float64{},
		NormMileage:       map[string]float64{},
		CleaningDue:       map[string]bool{},
		HasCleaningRecord: map[string]bool{},
		Bay:               map[string]string{},
		Model:             map[string]string{},
	}
	maxKM := 0.0
	for _, id := range snap.TrainIDs() {
		f.Valid[id] = true
		f.Score[id] = 1.0
		if rec, ok := snap.Record(domain.AspectFitness, id); ok {
			if rec.Fields.Valid != nil && *rec.Fields.Valid == 0 {
				f.Valid[id] = false
			}
			if rec.Fields.Score != nil {
				f.Score[id] = safeFloat(*rec.Fields.Score, 1.0)
			}
		}
		f.BelowThreshold[id] = f.Score[id] < r.RunMinFitnessScore
		if rec, ok := snap.Record(domain.AspectJobcard, id); ok {
			f.JobcardOpen[id] = rec.Fields.Open != nil && *rec.Fields.Open == 1
		}
		if rec, ok := snap.Record(domain.AspectBranding, id); ok && rec.Fields.Priority != nil {
			f.Branding[id] = safeFloat(*rec.Fields.Priority, 0)
		}
		if rec, ok := snap.Record(domain.AspectMileage, id); ok && rec.Fields.KM != nil {
			f.MileageKM[id] = safeFloat(*rec.Fields.KM, 0)
		}
		if f.MileageKM[id] > maxKM {
			maxKM = f.MileageKM[id]
		}
		rec, ok := snap.Record(domain.AspectCleaning, id)
		f.HasCleaningRecord[id] = ok
		if !ok || rec.Fields.LastCleanedDays == nil {
			f.CleaningDue[id] = true
		} else {
			f.CleaningDue[id] = safeFloat(*rec.Fields.LastCleanedDays, r.CleaningDueThreshold) >= r.CleaningDueThreshold
		}
		if rec, ok := snap.Record(domain.AspectStabling, id); ok && rec.Fields.Bay != nil {
			f.Bay[id] = *rec.Fields.Bay
		}
		f.Model[id] = snap.Trains[id].Model
	}
	for id, km := range f.MileageKM {
		f.NormMileage[id] = km / math.Max(1, maxKM)
	}
	return f
}

// BrandedTrains returns, sorted, the trains with branding priority above zero.
func (f Facts) BrandedTrains() []string {
	var res []string
	for id, p := range f.Branding {
		if p > 0 {
			res = append(res, id)
		}
	}
	sort.Strings(res)
	return res
}

// DueTrains returns, sorted, the trains whose cleaning is due.
func (f Facts) DueTrains() []string {
	var res []string
	for id, due := range f.CleaningDue {
		if due {
			res = append(res, id)
		}
	}
	sort.Strings(res)
	return res
}

// buildProblem turns the facts into the assignment problem: per-train state
// restrictions, fleet-level counting constraints and the weighted objective.
func buildProblem(trains []string, f Facts, r Resolved) solve.Problem {
	p := solve.Problem{
		Trains:  trains,
		States:  stateNames(),
		Cost:    map[string]map[string]float64{},
		Forced:  map[string]string{},
		Blocked: map[string]map[string]bool{},
	}
	for _, id := range trains {
		blocked := map[string]bool{}
		if !f.Valid[id] {
			blocked[string(domain.StateRun)] = true
		}
		if f.BelowThreshold[id] {
			blocked[string(domain.StateRun)] = true
		}
		if r.FailTrain != "" && id == r.FailTrain {
			blocked[string(domain.StateRun)] = true
		}
		if len(blocked) > 0 {
			p.Blocked[id] = blocked
		}
		if f.JobcardOpen[id] {
			p.Forced[id] = string(domain.StateMaintenance)
		}
		p.Cost[id] = map[string]float64{
			string(domain.StateRun):         r.RiskWeight*(1-f.Score[id]) + r.MileageWeight*f.NormMileage[id] - r.BrandingWeight*f.Branding[id],
			string(domain.StateStandby):     r.StandbyWeight,
			string(domain.StateMaintenance): r.MaintenanceWeight,
			string(domain.StateCleaning):    r.CleaningWeight,
		}
	}

	p.Counts = append(p.Counts, solve.CountBound{
		Name: "clean_cap", State: string(domain.StateCleaning), Min: 0, Max: r.CleaningCapacity,
	})
	if due := f.DueTrains(); r.MinCleanDue > 0 && len(due) > 0 {
		p.Counts = append(p.Counts, solve.CountBound{
			Name: "clean_due_min", State: string(domain.StateCleaning), Trains: due,
			Min: minInt(r.MinCleanDue, len(due)), Max: -1,
		})
	}
	p.Counts = append(p.Counts, solve.CountBound{
		Name: "run_bounds", State: string(domain.StateRun), Min: r.MinRun, Max: r.MaxRun,
	})
	p.Counts = append(p.Counts, solve.CountBound{
		Name: "maint_cap", State: string(domain.StateMaintenance), Min: 0, Max: r.MaintenanceCapacity,
	})
	p.Counts = append(p.Counts, solve.CountBound{
		Name: "standby_bounds", State: string(domain.StateStandby), Min: r.MinStandby, Max: r.MaxStandby,
	})
	if branded := f.BrandedTrains(); r.MinBrandedRun > 0 && len(branded) > 0 {
		p.Counts = append(p.Counts, solve.CountBound{
			Name: "min_branded_run", State: string(domain.StateRun), Trains: branded,
			Min: minInt(r.MinBrandedRun, len(branded)), Max: -1,
		})
	}
	return p
}

func stateNames() []string {
	names := make([]string, len(domain.States))
	for i, s := range domain.States {
		names[i] = string(s)
	}
	return names
}

func safeFloat(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
