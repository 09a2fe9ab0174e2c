package server

import (
	"math"

	"railplan/internal/domain"
)

// Request payloads

type IngestEntriesRequest struct {
	Source  string         `json:"source,omitempty"`
	Entries []domain.Entry `json:"entries"`
}

// Response payloads

type IngestResponse struct {
	Parsed  []domain.Entry  `json:"parsed"`
	Updates []domain.Update `json:"updates"`
	Raw     string          `json:"raw,omitempty"`
}

// TrainRecord is the derived aggregate: the registry entry plus the current
// record per aspect for that train.
type TrainRecord struct {
	TrainID  string               `json:"train_id"`
	Model    string               `json:"model,omitempty"`
	Capacity *int64               `json:"capacity,omitempty"`
	Fitness  *domain.AspectRecord `json:"fitness,omitempty"`
	Jobcard  *domain.AspectRecord `json:"jobcard,omitempty"`
	Branding *domain.AspectRecord `json:"branding,omitempty"`
	Mileage  *domain.AspectRecord `json:"mileage,omitempty"`
	Cleaning *domain.AspectRecord `json:"cleaning,omitempty"`
	Stabling *domain.AspectRecord `json:"stabling,omitempty"`
}

func trainRecord(snap domain.Snapshot, id string) TrainRecord {
	t := snap.Trains[id]
	rec := TrainRecord{TrainID: id, Model: t.Model, Capacity: t.Capacity}
	assign := func(dst **domain.AspectRecord, aspect domain.Aspect) {
		if r, ok := snap.Record(aspect, id); ok {
			*dst = &r
		}
	}
	assign(&rec.Fitness, domain.AspectFitness)
	assign(&rec.Jobcard, domain.AspectJobcard)
	assign(&rec.Branding, domain.AspectBranding)
	assign(&rec.Mileage, domain.AspectMileage)
	assign(&rec.Cleaning, domain.AspectCleaning)
	assign(&rec.Stabling, domain.AspectStabling)
	return rec
}

// dataRow flattens one persisted aspect row for the data listing, replacing
// non-finite numerics with null for transport.
func dataRow(rec domain.AspectRecord) map[string]any {
	row := map[string]any{"train_id": rec.TrainID}
	if rec.Timestamp != "" {
		row["timestamp"] = rec.Timestamp
	}
	putInt := func(key string, v *int64) {
		if v != nil {
			row[key] = *v
		}
	}
	putFloat := func(key string, v *float64) {
		if v == nil {
			return
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			row[key] = nil
			return
		}
		row[key] = *v
	}
	putString := func(key string, v *string) {
		if v != nil {
			row[key] = *v
		}
	}
	putInt("valid", rec.Fields.Valid)
	putFloat("score", rec.Fields.Score)
	putInt("open", rec.Fields.Open)
	putFloat("priority", rec.Fields.Priority)
	putString("notes", rec.Fields.Notes)
	putFloat("km", rec.Fields.KM)
	putFloat("last_cleaned_days", rec.Fields.LastCleanedDays)
	putString("bay", rec.Fields.Bay)
	return row
}
