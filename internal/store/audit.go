package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"railplan/internal/domain"
)

// AppendAudit writes one append-only ingestion audit row.
func (s *Store) AppendAudit(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.TS == "" {
		rec.TS = Timestamp(s.now())
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO ingest_audit(id,ts,source,size_bytes,extract_model,parsed_json,updates_json,raw_excerpt) VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TS, rec.Source, rec.SizeBytes, nullable(rec.ExtractModel), rec.ParsedJSON, rec.UpdatesJSON, nullable(rec.RawExcerpt))
	if err != nil {
		return domain.AuditRecord{}, err
	}
	return rec, nil
}

// ListAudit returns the most recent audit rows, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id,ts,source,size_bytes,extract_model,parsed_json,updates_json,raw_excerpt FROM ingest_audit ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var model, raw sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.Source, &rec.SizeBytes, &model, &rec.ParsedJSON, &rec.UpdatesJSON, &raw); err != nil {
			return nil, err
		}
		if model.Valid {
			rec.ExtractModel = model.String
		}
		if raw.Valid {
			rec.RawExcerpt = raw.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
