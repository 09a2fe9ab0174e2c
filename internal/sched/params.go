package sched

import (
	"fmt"
	"math"
	"strings"
)

// Default objective weights.
const (
	DefaultRiskWeight        = 50.0
	DefaultMileageWeight     = 1.0
	DefaultBrandingWeight    = 20.0
	DefaultStandbyWeight     = 6.0
	DefaultMaintenanceWeight = 2.0
	DefaultCleaningWeight    = 0.5
)

const (
	DefaultCleaningCapacity     = 3
	DefaultCleaningDueThreshold = 7.0
)

// Params is one scheduling request. Every option is optional; nil means the
// documented default, some of which depend on fleet size (see Resolve).
type Params struct {
	CleaningCapacity     *int     `json:"cleaning_capacity,omitempty"`
	CleaningDueThreshold *float64 `json:"cleaning_due_threshold,omitempty"`
	MinCleanDue          *int     `json:"min_clean_due,omitempty"`
	MinRun               *int     `json:"min_run,omitempty"`
	MaxRun               *int     `json:"max_run,omitempty"`
	MaintenanceCapacity  *int     `json:"maintenance_capacity,omitempty"`
	MinStandby           *int     `json:"min_standby,omitempty"`
	MaxStandby           *int     `json:"max_standby,omitempty"`
	MinBrandedRun        *int     `json:"min_branded_run,omitempty"`
	RunMinFitnessScore   *float64 `json:"run_min_fitness_score,omitempty"`
	FailTrain            string   `json:"fail_train,omitempty"`
	RiskWeight           *float64 `json:"risk_w,omitempty"`
	MileageWeight        *float64 `json:"mileage_w,omitempty"`
	BrandingWeight       *float64 `json:"branding_w,omitempty"`
	StandbyWeight        *float64 `json:"standby_w,omitempty"`
	MaintenanceWeight    *float64 `json:"maintenance_w,omitempty"`
	CleaningWeight       *float64 `json:"cleaning_w,omitempty"`
}

// Resolved echoes every effective parameter of a scheduling call, defaults
// applied and bounds clamped to the fleet.
type Resolved struct {
	CleaningCapacity     int     `json:"cleaning_capacity"`
	CleaningDueThreshold float64 `json:"cleaning_due_threshold"`
	MinCleanDue          int     `json:"min_clean_due"`
	MinRun               int     `json:"min_run"`
	MaxRun               int     `json:"max_run"`
	MaintenanceCapacity  int     `json:"maintenance_capacity"`
	MinStandby           int     `json:"min_standby"`
	MaxStandby           int     `json:"max_standby"`
	MinBrandedRun        int     `json:"min_branded_run"`
	RunMinFitnessScore   float64 `json:"run_min_fitness_score"`
	FailTrain            string  `json:"fail_train,omitempty"`
	RiskWeight           float64 `json:"risk_w"`
	MileageWeight        float64 `json:"mileage_w"`
	BrandingWeight       float64 `json:"branding_w"`
	StandbyWeight        float64 `json:"standby_w"`
	MaintenanceWeight    float64 `json:"maintenance_w"`
	CleaningWeight       float64 `json:"cleaning_w"`
}

// Validate rejects parameters no request should carry, before any store read.
func (p Params) Validate() error {
	for name, v := range map[string]*int{
		"cleaning_capacity":    p.CleaningCapacity,
		"min_clean_due":        p.MinCleanDue,
		"min_run":              p.MinRun,
		"max_run":              p.MaxRun,
		"maintenance_capacity": p.MaintenanceCapacity,
		"min_standby":          p.MinStandby,
		"max_standby":          p.MaxStandby,
		"min_branded_run":      p.MinBrandedRun,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("invalid %s: must not be negative", name)
		}
	}
	return nil
}

// Resolve applies defaults and fleet-size clamps. min_run defaults to 40% of
// the fleet rounded up, max_standby to 60% rounded up.
func (p Params) Resolve(fleetSize int) Resolved {
	r := Resolved{
		CleaningCapacity:     intOr(p.CleaningCapacity, DefaultCleaningCapacity),
		CleaningDueThreshold: floatOr(p.CleaningDueThreshold, DefaultCleaningDueThreshold),
		MinCleanDue:          intOr(p.MinCleanDue, 0),
		MinRun:               intOr(p.MinRun, int(math.Ceil(0.4*float64(fleetSize)))),
		MaxRun:               intOr(p.MaxRun, fleetSize),
		MaintenanceCapacity:  intOr(p.MaintenanceCapacity, fleetSize),
		MinStandby:           intOr(p.MinStandby, 0),
		MaxStandby:           intOr(p.MaxStandby, int(math.Ceil(0.6*float64(fleetSize)))),
		MinBrandedRun:        intOr(p.MinBrandedRun, 0),
		RunMinFitnessScore:   floatOr(p.RunMinFitnessScore, 0),
		FailTrain:            strings.ToUpper(strings.TrimSpace(p.FailTrain)),
		RiskWeight:           floatOr(p.RiskWeight, DefaultRiskWeight),
		MileageWeight:        floatOr(p.MileageWeight, DefaultMileageWeight),
		BrandingWeight:       floatOr(p.BrandingWeight, DefaultBrandingWeight),
		StandbyWeight:        floatOr(p.StandbyWeight, DefaultStandbyWeight),
		MaintenanceWeight:    floatOr(p.MaintenanceWeight, DefaultMaintenanceWeight),
		CleaningWeight:       floatOr(p.CleaningWeight, DefaultCleaningWeight),
	}
	r.MinRun = clamp(r.MinRun, 0, fleetSize)
	r.MaxRun = clamp(r.MaxRun, 0, fleetSize)
	r.MinStandby = clamp(r.MinStandby, 0, fleetSize)
	if r.MaxStandby < 0 {
		r.MaxStandby = 0
	}
	if r.MaintenanceCapacity < 0 {
		r.MaintenanceCapacity = 0
	}
	return r
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func floatOr(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
