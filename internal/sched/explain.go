package sched

import (
	"fmt"
	"sort"

	"railplan/internal/domain"
)

const (
	reasonFitnessExpired   = "fitness expired"
	reasonOpenJobcard      = "open job card"
	reasonBelowThreshold   = "fitness below threshold"
	reasonSimulatedFailure = "simulated failure"
)

// explain reconstructs per-train decisions from the facts the builder used,
// independent of the solver output, so explanations stay correct on
// infeasible or timed-out results.
func explain(trains []string, f Facts, assignment map[string]string, r Resolved) ([]domain.Decision, []domain.Conflict) {
	var decisions []domain.Decision
	var conflicts []domain.Conflict
	for _, id := range trains {
		assigned := domain.State(assignment[id])
		var explanation []string
		var blocking []string
		if !f.Valid[id] {
			explanation = append(explanation, reasonFitnessExpired)
			blocking = append(blocking, reasonFitnessExpired)
		}
		if f.JobcardOpen[id] {
			explanation = append(explanation, reasonOpenJobcard)
		}
		if f.BelowThreshold[id] {
			explanation = append(explanation, fmt.Sprintf("fitness below run threshold %g", r.RunMinFitnessScore))
			blocking = append(blocking, reasonBelowThreshold)
		}
		if f.CleaningDue[id] && assigned == domain.StateCleaning {
			explanation = append(explanation, "cleaning due")
		}
		if r.FailTrain != "" && id == r.FailTrain && assigned != domain.StateRun {
			explanation = append(explanation, reasonSimulatedFailure)
			blocking = append(blocking, reasonSimulatedFailure)
		}
		if f.Branding[id] > 0 {
			explanation = append(explanation, fmt.Sprintf("branding priority:%g", f.Branding[id]))
		}

		// Jobcard and cleaning hard routes are intentional, not overrides of
		// a run preference, so they never count as conflicts.
		if assigned != domain.StateRun && len(blocking) > 0 {
			conflicts = append(conflicts, domain.Conflict{TrainID: id, Assigned: assigned, Reasons: blocking})
		}

		if explanation == nil {
			explanation = []string{}
		}
		jobcard := int64(0)
		if f.JobcardOpen[id] {
			jobcard = 1
		}
		valid := int64(0)
		if f.Valid[id] {
			valid = 1
		}
		due := int64(0)
		if f.CleaningDue[id] {
			due = 1
		}
		decisions = append(decisions, domain.Decision{
			TrainID:           id,
			Assigned:          assigned,
			Explanation:       explanation,
			MileageKM:         domain.JSONFloat(f.MileageKM[id]),
			FitnessScore:      domain.JSONFloat(f.Score[id]),
			FitnessValid:      valid,
			JobcardOpen:       jobcard,
			BrandingPriority:  domain.JSONFloat(f.Branding[id]),
			Model:             f.Model[id],
			StablingBay:       f.Bay[id],
			CleaningDue:       due,
			HasCleaningRecord: f.HasCleaningRecord[id],
			RankScore:         domain.JSONFloat(rankScore(id, assigned, f, r)),
		})
	}
	return decisions, conflicts
}

// rankScore combines the objective's per-train cost terms for explainability
// ordering; lower means more preferable to keep in its current bucket.
func rankScore(id string, assigned domain.State, f Facts, r Resolved) float64 {
	score := r.RiskWeight*(1-f.Score[id]) - r.BrandingWeight*f.Branding[id]
	switch assigned {
	case domain.StateRun:
		score += r.MileageWeight * f.NormMileage[id]
	case domain.StateStandby:
		score += r.StandbyWeight
	case domain.StateMaintenance:
		score += r.MaintenanceWeight
	case domain.StateCleaning:
		score += r.CleaningWeight
	}
	return score
}

// rank re-sorts decisions ascending by rank score, ties by train id.
func rank(decisions []domain.Decision) []domain.Decision {
	ranked := append([]domain.Decision(nil), decisions...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := float64(ranked[i].RankScore), float64(ranked[j].RankScore)
		if a != b {
			return a < b
		}
		return ranked[i].TrainID < ranked[j].TrainID
	})
	return ranked
}
