package store

import (
	"context"
	"database/sql"
	"fmt"

	"railplan/internal/domain"
)

// aspectColumns maps each aspect to its value columns, in table order.
var aspectColumns = map[domain.Aspect][]string{
	domain.AspectFitness:  {"valid", "score"},
	domain.AspectJobcard:  {"open"},
	domain.AspectBranding: {"priority", "notes"},
	domain.AspectMileage:  {"km"},
	domain.AspectCleaning: {"last_cleaned_days"},
	domain.AspectStabling: {"bay"},
}

// scanAspectRow scans one row of `SELECT id,train_id,<cols>,ts`.
func scanAspectRow(aspect domain.Aspect, rows *sql.Rows) (domain.AspectRecord, int64, error) {
	var (
		id      int64
		trainID string
		ts      sql.NullString
		rec     domain.AspectRecord
	)
	var err error
	switch aspect {
	case domain.AspectFitness:
		var valid sql.NullInt64
		var score sql.NullFloat64
		if err = rows.Scan(&id, &trainID, &valid, &score, &ts); err == nil {
			if valid.Valid {
				rec.Fields.Valid = &valid.Int64
			}
			if score.Valid {
				rec.Fields.Score = &score.Float64
			}
		}
	case domain.AspectJobcard:
		var open sql.NullInt64
		if err = rows.Scan(&id, &trainID, &open, &ts); err == nil && open.Valid {
			rec.Fields.Open = &open.Int64
		}
	case domain.AspectBranding:
		var priority sql.NullFloat64
		var notes sql.NullString
		if err = rows.Scan(&id, &trainID, &priority, &notes, &ts); err == nil {
			if priority.Valid {
				rec.Fields.Priority = &priority.Float64
			}
			if notes.Valid {
				rec.Fields.Notes = &notes.String
			}
		}
	case domain.AspectMileage:
		var km sql.NullFloat64
		if err = rows.Scan(&id, &trainID, &km, &ts); err == nil && km.Valid {
			rec.Fields.KM = &km.Float64
		}
	case domain.AspectCleaning:
		var days sql.NullFloat64
		if err = rows.Scan(&id, &trainID, &days, &ts); err == nil && days.Valid {
			rec.Fields.LastCleanedDays = &days.Float64
		}
	case domain.AspectStabling:
		var bay sql.NullString
		if err = rows.Scan(&id, &trainID, &bay, &ts); err == nil && bay.Valid {
			rec.Fields.Bay = &bay.String
		}
	default:
		err = fmt.Errorf("unknown aspect %q", aspect)
	}
	if err != nil {
		return domain.AspectRecord{}, 0, err
	}
	rec.TrainID = trainID
	rec.Aspect = aspect
	if ts.Valid {
		rec.Timestamp = ts.String
	}
	return rec, id, nil
}

func (s *Store) insertRecord(ctx context.Context, rec domain.AspectRecord) error {
	var err error
	switch rec.Aspect {
	case domain.AspectFitness:
		_, err = s.DB.ExecContext(ctx, `INSERT INTO fitness(train_id,valid,score,ts) VALUES (?,?,?,?)`,
			rec.TrainID, nullableInt64Ptr(rec.Fields.Valid), nullableFloatPtr(rec.Fields.Score), nullable(rec.Timestamp))
	case domain.AspectJobcard:
		_, err = s.DB.ExecContext(ctx, `INSERT INTO jobcard(train_id,open,ts) VALUES (?,?,?)`,
			rec.TrainID, nullableInt64Ptr(rec.Fields.Open), nullable(rec.Timestamp))
	case domain.AspectBranding:
		_, err = s.DB.ExecContext(ctx, `INSERT INTO branding(train_id,priority,notes,ts) VALUES (?,?,?,?)`,
			rec.TrainID, nullableFloatPtr(rec.Fields.Priority), nullableStringPtr(rec.Fields.Notes), nullable(rec.Timestamp))
	case domain.AspectMileage:
		_, err = s.DB.ExecContext(ctx, `INSERT INTO mileage(train_id,km,ts) VALUES (?,?,?)`,
			rec.TrainID, nullableFloatPtr(rec.Fields.KM), nullable(rec.Timestamp))
	case domain.AspectCleaning:
		_, err = s.DB.ExecContext(ctx, `INSERT INTO cleaning(train_id,last_cleaned_days,ts) VALUES (?,?,?)`,
			rec.TrainID, nullableFloatPtr(rec.Fields.LastCleanedDays), nullable(rec.Timestamp))
	case domain.AspectStabling:
		_, err = s.DB.ExecContext(ctx, `INSERT INTO stabling(train_id,bay,ts) VALUES (?,?,?)`,
			rec.TrainID, nullableStringPtr(rec.Fields.Bay), nullable(rec.Timestamp))
	default:
		err = fmt.Errorf("unknown aspect %q", rec.Aspect)
	}
	return err
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
