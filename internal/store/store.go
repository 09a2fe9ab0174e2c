package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"railplan/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is the entity state store: the latest known fact per train across
// independent aspect streams. Writes append a new merged row per upsert; the
// old versions stay in the table as an audit trail and only the current row
// is surfaced by Latest/Snapshot.
//
// A single RWMutex serializes writers and gives Snapshot a read-consistent
// view across aspect tables.
type Store struct {
	DB  *sql.DB
	Now func() time.Time

	mu sync.RWMutex
}

func New(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Timestamp formats t the way aspect rows persist it: ISO-8601 UTC, seconds.
func Timestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp reports the parsed time and whether the value was usable.
// Empty or unparseable timestamps sort after every real one, so the latest
// write with a missing timestamp supersedes dated records.
func parseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Upsert merges fields into the current record for (aspect, train) and
// appends the merged row. Explicit fields in the write override; fields
// absent from the write are backfilled from the prior current record. A
// timestamp is assigned when the write carries none. The train is
// auto-created in the registry on first reference.
func (s *Store) Upsert(ctx context.Context, aspect domain.Aspect, trainID string, fields domain.Fields, ts string) (domain.AspectRecord, error) {
	trainID = strings.TrimSpace(trainID)
	if trainID == "" {
		return domain.AspectRecord{}, errors.New("train id is required")
	}
	if _, ok := aspectColumns[aspect]; !ok {
		return domain.AspectRecord{}, fmt.Errorf("unknown aspect %q", aspect)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureTrainLocked(ctx, trainID, ""); err != nil {
		return domain.AspectRecord{}, err
	}
	current, err := s.latestLocked(ctx, aspect)
	if err != nil {
		return domain.AspectRecord{}, err
	}
	merged := mergeFields(aspect, current[trainID].Fields, fields)
	if ts == "" {
		ts = Timestamp(s.now())
	}
	rec := domain.AspectRecord{TrainID: trainID, Aspect: aspect, Fields: merged, Timestamp: ts}
	if err := s.insertRecord(ctx, rec); err != nil {
		return domain.AspectRecord{}, err
	}
	return rec, nil
}

// Latest returns, per train with at least one record in the aspect, the
// single current record.
func (s *Store) Latest(ctx context.Context, aspect domain.Aspect) (map[string]domain.AspectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestLocked(ctx, aspect)
}

// Snapshot returns the registry plus the current record per aspect and
// train, as one atomically consistent view.
func (s *Store) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := domain.Snapshot{
		Trains:  map[string]domain.Train{},
		Aspects: map[domain.Aspect]map[string]domain.AspectRecord{},
	}
	trains, err := s.listTrainsLocked(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	for _, t := range trains {
		snap.Trains[t.ID] = t
	}
	for _, aspect := range domain.Aspects {
		latest, err := s.latestLocked(ctx, aspect)
		if err != nil {
			return domain.Snapshot{}, err
		}
		snap.Aspects[aspect] = latest
		// Any train referenced by an aspect belongs to the fleet even if the
		// registry insert was bypassed by an external writer.
		for id := range latest {
			if _, ok := snap.Trains[id]; !ok {
				snap.Trains[id] = domain.Train{ID: id}
			}
		}
	}
	return snap, nil
}

// History returns every persisted row of an aspect in write order, current
// and superseded alike.
func (s *Store) History(ctx context.Context, aspect domain.Aspect) ([]domain.AspectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cols, ok := aspectColumns[aspect]
	if !ok {
		return nil, fmt.Errorf("unknown aspect %q", aspect)
	}
	query := fmt.Sprintf(`SELECT id,train_id,%s,ts FROM %s ORDER BY id`, strings.Join(cols, ","), aspect)
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AspectRecord
	for rows.Next() {
		rec, _, err := scanAspectRow(aspect, rows)
		if err != nil {
			log.Printf("store: skipping malformed %s row: %v", aspect, err)
			continue
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// EnsureTrain creates a registry entry if the id is unknown.
func (s *Store) EnsureTrain(ctx context.Context, trainID, model string) error {
	trainID = strings.TrimSpace(trainID)
	if trainID == "" {
		return errors.New("train id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureTrainLocked(ctx, trainID, model)
}

// UpsertTrain sets registry fields for a train, creating it if missing.
func (s *Store) UpsertTrain(ctx context.Context, t domain.Train) error {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return errors.New("train id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO trains(train_id,model,capacity,created_at) VALUES (?,?,?,?)
ON CONFLICT(train_id) DO UPDATE SET model=COALESCE(excluded.model,model), capacity=COALESCE(excluded.capacity,capacity)`,
		t.ID, nullable(t.Model), nullableInt64Ptr(t.Capacity), Timestamp(s.now()))
	return err
}

// ListTrains returns the registry sorted by id.
func (s *Store) ListTrains(ctx context.Context) ([]domain.Train, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTrainsLocked(ctx)
}

func (s *Store) ensureTrainLocked(ctx context.Context, trainID, model string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO trains(train_id,model,created_at) VALUES (?,?,?)`,
		trainID, nullable(model), Timestamp(s.now()))
	return err
}

func (s *Store) listTrainsLocked(ctx context.Context) ([]domain.Train, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT train_id,model,capacity FROM trains ORDER BY train_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Train
	for rows.Next() {
		var t domain.Train
		var model sql.NullString
		var capacity sql.NullInt64
		if err := rows.Scan(&t.ID, &model, &capacity); err != nil {
			log.Printf("store: skipping malformed registry row: %v", err)
			continue
		}
		if model.Valid {
			t.Model = model.String
		}
		if capacity.Valid {
			t.Capacity = &capacity.Int64
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// latestLocked surfaces the current record per train: the greatest parseable
// timestamp wins; rows with missing or unparseable timestamps sort after all
// dated ones; remaining ties go to write order.
func (s *Store) latestLocked(ctx context.Context, aspect domain.Aspect) (map[string]domain.AspectRecord, error) {
	cols, ok := aspectColumns[aspect]
	if !ok {
		return nil, fmt.Errorf("unknown aspect %q", aspect)
	}
	query := fmt.Sprintf(`SELECT id,train_id,%s,ts FROM %s ORDER BY id`, strings.Join(cols, ","), aspect)
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type candidate struct {
		rec     domain.AspectRecord
		id      int64
		ts      time.Time
		dated   bool
		present bool
	}
	best := map[string]candidate{}
	for rows.Next() {
		rec, id, err := scanAspectRow(aspect, rows)
		if err != nil {
			log.Printf("store: skipping malformed %s row: %v", aspect, err)
			continue
		}
		if rec.TrainID == "" {
			log.Printf("store: skipping %s row %d with empty train id", aspect, id)
			continue
		}
		ts, dated := parseTimestamp(rec.Timestamp)
		cand := candidate{rec: rec, id: id, ts: ts, dated: dated, present: true}
		cur, ok := best[rec.TrainID]
		if !ok || supersedes(cand.dated, cand.ts, cand.id, cur.dated, cur.ts, cur.id) {
			best[rec.TrainID] = cand
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make(map[string]domain.AspectRecord, len(best))
	for id, c := range best {
		res[id] = c.rec
	}
	return res, nil
}

// supersedes reports whether a candidate row outranks the incumbent under
// the ordering (dated ascending by timestamp, then undated, then write order).
func supersedes(candDated bool, candTS time.Time, candID int64, curDated bool, curTS time.Time, curID int64) bool {
	if candDated != curDated {
		// Undated rows sort last, so an undated candidate wins.
		return !candDated
	}
	if candDated && !candTS.Equal(curTS) {
		return candTS.After(curTS)
	}
	return candID > curID
}

// mergeFields overlays explicit non-empty fields from next onto prior,
// restricted to the columns the aspect actually carries.
func mergeFields(aspect domain.Aspect, prior, next domain.Fields) domain.Fields {
	var out domain.Fields
	switch aspect {
	case domain.AspectFitness:
		out.Valid = pickInt(prior.Valid, next.Valid)
		out.Score = pickFloat(prior.Score, next.Score)
	case domain.AspectJobcard:
		out.Open = pickInt(prior.Open, next.Open)
	case domain.AspectBranding:
		out.Priority = pickFloat(prior.Priority, next.Priority)
		out.Notes = pickString(prior.Notes, next.Notes)
	case domain.AspectMileage:
		out.KM = pickFloat(prior.KM, next.KM)
	case domain.AspectCleaning:
		out.LastCleanedDays = pickFloat(prior.LastCleanedDays, next.LastCleanedDays)
	case domain.AspectStabling:
		out.Bay = pickString(prior.Bay, next.Bay)
	}
	return out
}

func pickInt(prior, next *int64) *int64 {
	if next != nil {
		v := *next
		return &v
	}
	return copyInt(prior)
}

func pickFloat(prior, next *float64) *float64 {
	if next != nil {
		v := *next
		return &v
	}
	return copyFloat(prior)
}

func pickString(prior, next *string) *string {
	if next != nil && *next != "" {
		v := *next
		return &v
	}
	return copyString(prior)
}

func copyInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
