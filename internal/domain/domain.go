package domain

import (
	"math"
	"sort"
	"strconv"
)

// Aspect identifies one independently updated record stream about a train.
type Aspect string

const (
	AspectFitness  Aspect = "fitness"
	AspectJobcard  Aspect = "jobcard"
	AspectBranding Aspect = "branding"
	AspectMileage  Aspect = "mileage"
	AspectCleaning Aspect = "cleaning"
	AspectStabling Aspect = "stabling"
)

// Aspects lists every aspect stream in a stable order.
var Aspects = []Aspect{AspectFitness, AspectJobcard, AspectBranding, AspectMileage, AspectCleaning, AspectStabling}

// State is one of the four mutually exclusive next-cycle operational states.
type State string

const (
	StateRun         State = "run"
	StateStandby     State = "standby"
	StateMaintenance State = "maintenance"
	StateCleaning    State = "cleaning"
)

// States lists the assignable states in a stable order.
var States = []State{StateRun, StateStandby, StateMaintenance, StateCleaning}

// ValidState reports whether s names an assignable state.
func ValidState(s State) bool {
	switch s {
	case StateRun, StateStandby, StateMaintenance, StateCleaning:
		return true
	}
	return false
}

// Fields holds the aspect-specific columns of a record. A nil pointer is a
// typed "unset", distinct from zero. Only the fields belonging to the
// record's aspect are ever populated.
type Fields struct {
	Valid           *int64   `json:"valid,omitempty"`             // fitness
	Score           *float64 `json:"score,omitempty"`             // fitness
	Open            *int64   `json:"open,omitempty"`              // jobcard
	Priority        *float64 `json:"priority,omitempty"`          // branding
	Notes           *string  `json:"notes,omitempty"`             // branding
	KM              *float64 `json:"km,omitempty"`                // mileage
	LastCleanedDays *float64 `json:"last_cleaned_days,omitempty"` // cleaning
	Bay             *string  `json:"bay,omitempty"`               // stabling
}

// AspectRecord is the current fact for one (aspect, train). Records are
// appended, never mutated; the latest timestamp wins, ties broken by write
// order, missing timestamps sorting after all real ones.
type AspectRecord struct {
	TrainID   string `json:"train_id"`
	Aspect    Aspect `json:"aspect"`
	Fields    Fields `json:"fields"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Train is a registry entry. Entries are auto-created the first time any
// aspect record references an unknown train id.
type Train struct {
	ID       string `json:"train_id"`
	Model    string `json:"model,omitempty"`
	Capacity *int64 `json:"capacity,omitempty"`
}

// Snapshot is one atomically consistent view of the registry plus the
// current record per (aspect, train).
type Snapshot struct {
	Trains  map[string]Train
	Aspects map[Aspect]map[string]AspectRecord
}

// Record returns the current record for (aspect, id) and whether one exists.
func (s Snapshot) Record(a Aspect, id string) (AspectRecord, bool) {
	rec, ok := s.Aspects[a][id]
	return rec, ok
}

// TrainIDs returns every registry id in sorted order.
func (s Snapshot) TrainIDs() []string {
	ids := make([]string, 0, len(s.Trains))
	for id := range s.Trains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entry is one extracted field-report line, as returned by the extraction
// service. Status may be empty when the report only carries notes.
type Entry struct {
	TrainID  string   `json:"train_id"`
	Status   string   `json:"status,omitempty"`
	Slot     string   `json:"slot,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Priority *float64 `json:"priority,omitempty"`
}

// Update describes one store upsert applied during ingestion, kept for the
// audit trail.
type Update struct {
	TrainID string `json:"train_id"`
	Action  string `json:"action"`
}

// AuditRecord is one append-only ingestion audit row.
type AuditRecord struct {
	ID           string `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Source       string `json:"source"`
	SizeBytes    int64  `json:"size_bytes"`
	ExtractModel string `json:"extract_model,omitempty"`
	ParsedJSON   string `json:"parsed_json"`
	UpdatesJSON  string `json:"updates_json"`
	RawExcerpt   string `json:"raw_excerpt,omitempty"`
}

// Decision is the per-train outcome of one scheduling call. Never persisted.
type Decision struct {
	TrainID           string    `json:"train_id"`
	Assigned          State     `json:"assigned,omitempty"`
	Explanation       []string  `json:"explanation"`
	MileageKM         JSONFloat `json:"mileage_km"`
	FitnessScore      JSONFloat `json:"fitness_score"`
	FitnessValid      int64     `json:"fitness_valid"`
	JobcardOpen       int64     `json:"jobcard_open"`
	BrandingPriority  JSONFloat `json:"branding_priority"`
	Model             string    `json:"model,omitempty"`
	StablingBay       string    `json:"stabling_bay,omitempty"`
	CleaningDue       int64     `json:"cleaning_due"`
	HasCleaningRecord bool      `json:"has_cleaning_record"`
	RankScore         JSONFloat `json:"rank_score"`
}

// Conflict marks a train whose assignment was driven by a hard blocking rule
// despite no structural necessity to keep it out of revenue service.
type Conflict struct {
	TrainID  string   `json:"train_id"`
	Assigned State    `json:"assigned,omitempty"`
	Reasons  []string `json:"reasons"`
}

// JSONFloat marshals NaN and infinities as null so responses stay valid JSON.
type JSONFloat float64

func (f JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}
