// Package ingest folds extracted field-report entries into entity state
// store upserts. Text inference is best-effort and never authoritative:
// explicit fields always take precedence over substring cues.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"railplan/internal/domain"
	"railplan/internal/store"
)

const (
	maxNotesLen      = 160
	maxRawExcerptLen = 2000

	// forcedDueDays marks a cleaning record as overdue under any threshold.
	forcedDueDays = 999.0
)

type Normalizer struct {
	Store *store.Store
}

// Apply maps entries to aspect upserts and returns the applied updates for
// the audit trail. Entries with an empty train id or an unrecognized status
// are dropped with a warning; the rest of the batch proceeds. Store errors
// abort the batch but leave already committed upserts in place.
func (n Normalizer) Apply(ctx context.Context, entries []domain.Entry) ([]domain.Update, error) {
	updates := []domain.Update{}
	for _, e := range entries {
		id := strings.ToUpper(strings.TrimSpace(e.TrainID))
		if id == "" {
			log.Printf("ingest: dropping entry with empty train id")
			continue
		}
		status := strings.ToLower(strings.TrimSpace(e.Status))
		if status != "" && !domain.ValidState(domain.State(status)) {
			log.Printf("ingest: dropping entry for %s with unrecognized status %q", id, e.Status)
			continue
		}
		if err := n.Store.EnsureTrain(ctx, id, "unknown"); err != nil {
			return updates, fmt.Errorf("ensure train %s: %w", id, err)
		}
		applied, err := n.applyEntry(ctx, id, status, e)
		if err != nil {
			return updates, err
		}
		updates = append(updates, applied...)
	}
	return updates, nil
}

func (n Normalizer) applyEntry(ctx context.Context, id, status string, e domain.Entry) ([]domain.Update, error) {
	var updates []domain.Update
	upsert := func(aspect domain.Aspect, fields domain.Fields, action string) error {
		if _, err := n.Store.Upsert(ctx, aspect, id, fields, ""); err != nil {
			return fmt.Errorf("upsert %s for %s: %w", aspect, id, err)
		}
		updates = append(updates, domain.Update{TrainID: id, Action: action})
		return nil
	}

	switch domain.State(status) {
	case domain.StateMaintenance:
		if err := upsert(domain.AspectJobcard, domain.Fields{Open: int64Ptr(1)}, "jobcard.open=1"); err != nil {
			return updates, err
		}
	case domain.StateCleaning:
		if err := upsert(domain.AspectCleaning, domain.Fields{LastCleanedDays: floatPtr(forcedDueDays)}, "cleaning.due"); err != nil {
			return updates, err
		}
	case domain.StateRun:
		if err := upsert(domain.AspectFitness, domain.Fields{Valid: int64Ptr(1), Score: floatPtr(1.0)}, "fitness.valid=1,score=1.0"); err != nil {
			return updates, err
		}
	case domain.StateStandby:
		if err := upsert(domain.AspectFitness, domain.Fields{Valid: int64Ptr(1), Score: floatPtr(0.8)}, "fitness.valid=1,score=0.8"); err != nil {
			return updates, err
		}
	}

	if slot := strings.TrimSpace(e.Slot); slot != "" {
		if err := upsert(domain.AspectStabling, domain.Fields{Bay: strPtr(slot)}, "stabling.bay="+slot); err != nil {
			return updates, err
		}
	}

	notes := strings.TrimSpace(e.Notes)
	lower := strings.ToLower(notes)

	// Explicit priority beats the textual cue.
	priority := e.Priority
	if priority == nil && strings.Contains(lower, "brand") {
		priority = floatPtr(1)
	}
	if priority != nil || notes != "" {
		fields := domain.Fields{Priority: priority}
		action := "branding.notes"
		if notes != "" {
			fields.Notes = strPtr(truncate(notes, maxNotesLen))
		}
		if priority != nil {
			action = fmt.Sprintf("branding.priority=%g", *priority)
		}
		if err := upsert(domain.AspectBranding, fields, action); err != nil {
			return updates, err
		}
	}

	// Ordered best-effort overrides inferred from notes text.
	switch {
	case strings.Contains(lower, "cleaning due") || strings.Contains(lower, "overdue"):
		if err := upsert(domain.AspectCleaning, domain.Fields{LastCleanedDays: floatPtr(forcedDueDays)}, "cleaning.due"); err != nil {
			return updates, err
		}
	case strings.Contains(lower, "fitness expired") || strings.Contains(lower, "invalid") || strings.Contains(lower, "not valid"):
		if err := upsert(domain.AspectFitness, domain.Fields{Valid: int64Ptr(0), Score: floatPtr(0)}, "fitness.valid=0,score=0"); err != nil {
			return updates, err
		}
	case strings.Contains(lower, "fitness low"):
		if err := upsert(domain.AspectFitness, domain.Fields{Valid: int64Ptr(1), Score: floatPtr(0.3)}, "fitness.valid=1,score=0.3"); err != nil {
			return updates, err
		}
	}
	return updates, nil
}

// Record appends the audit row for one ingestion: what arrived, what the
// extraction produced and what was applied.
func (n Normalizer) Record(ctx context.Context, source string, size int64, extractModel string, entries []domain.Entry, updates []domain.Update, raw string) (domain.AuditRecord, error) {
	parsed, err := json.Marshal(entries)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("marshal parsed entries: %w", err)
	}
	applied, err := json.Marshal(updates)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("marshal updates: %w", err)
	}
	return n.Store.AppendAudit(ctx, domain.AuditRecord{
		Source:       source,
		SizeBytes:    size,
		ExtractModel: extractModel,
		ParsedJSON:   string(parsed),
		UpdatesJSON:  string(applied),
		RawExcerpt:   truncate(raw, maxRawExcerptLen),
	})
}

// truncate caps s at n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func int64Ptr(v int64) *int64 { return &v }

func floatPtr(v float64) *float64 { return &v }

func strPtr(v string) *string { return &v }
