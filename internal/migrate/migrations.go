// Package migrate brings a railplan database up to the embedded schema.
// Revisions are numbered SQL files under sql/; the applied version lives in
// a schema_version table and pending revisions run in one transaction.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type revision struct {
	version int
	name    string
	up      string
}

func loadRevisions() ([]revision, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, fmt.Errorf("migrate: read embedded schema: %w", err)
	}
	revs := make([]revision, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migrate: revision file %s has no numeric prefix", name)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migrate: revision file %s: %w", name, err)
		}
		data, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", name, err)
		}
		revs = append(revs, revision{version: v, name: name, up: string(data)})
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].version < revs[j].version })
	return revs, nil
}

// Migrate applies every pending schema revision in a single transaction.
// Running it against an up-to-date database is a no-op.
func Migrate(db *sql.DB) error {
	revs, err := loadRevisions()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin: %w", err)
	}
	defer tx.Rollback()

	current, err := currentVersion(tx)
	if err != nil {
		return err
	}
	for _, r := range revs {
		if r.version <= current {
			continue
		}
		if _, err := tx.Exec(r.up); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", r.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, r.version); err != nil {
			return fmt.Errorf("migrate: record %s: %w", r.name, err)
		}
		current = r.version
	}
	return tx.Commit()
}

func currentVersion(tx *sql.Tx) (int, error) {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("migrate: ensure schema_version: %w", err)
	}
	var v int
	err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("migrate: init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("migrate: read schema_version: %w", err)
	}
	return v, nil
}
