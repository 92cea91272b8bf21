package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// IsFileProcessed reports whether an import already consumed this filename.
// The ledger is what makes re-running a directory import idempotent.
func (db *Database) IsFileProcessed(ctx context.Context, filename string) (bool, error) {
	ph := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf("SELECT COUNT(*) FROM processed_files WHERE filename = %s", ph())

	var n int
	if err := db.DB.QueryRowContext(ctx, query, filename).Scan(&n); err != nil {
		return false, fmt.Errorf("probe processed file: %w", err)
	}
	return n > 0, nil
}

// MarkFileProcessed appends a filename to the import ledger.  The
// target-less ON CONFLICT spelling is the one all five engines accept.
func (db *Database) MarkFileProcessed(ctx context.Context, filename string) error {
	ph := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(
		"INSERT INTO processed_files (filename, processed_at) VALUES (%s, %s) ON CONFLICT DO NOTHING",
		ph(), ph())

	if _, err := db.DB.ExecContext(ctx, query, filename, time.Now().Unix()); err != nil {
		return fmt.Errorf("mark file processed: %w", err)
	}
	return nil
}

// CountProcessedFiles reports how many files the ledger has seen.
func (db *Database) CountProcessedFiles(ctx context.Context) (int, error) {
	var n int
	if err := db.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM processed_files").Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed files: %w", err)
	}
	return n, nil
}

// EnsureActivityImported records an activity once.  Re-imports keep the
// original row, the same way re-visited tiles keep their first timestamp.
func (db *Database) EnsureActivityImported(ctx context.Context, act ActivityRecord) error {
	if act.ID == "" {
		return fmt.Errorf("activity id required")
	}
	if act.ImportedAt == 0 {
		act.ImportedAt = time.Now().Unix()
	}

	ph := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`
INSERT INTO imported_activities (id, name, distance_km, imported_at)
VALUES (%s, %s, %s, %s) ON CONFLICT DO NOTHING`, ph(), ph(), ph(), ph())

	if _, err := db.DB.ExecContext(ctx, query, act.ID, act.Name, act.DistanceKm, act.ImportedAt); err != nil {
		return fmt.Errorf("record activity %s: %w", act.ID, err)
	}
	return nil
}

// IsActivityImported reports whether an activity is already on record.
// Remote sync checks this before downloading streams, so known activities
// cost no API quota.
func (db *Database) IsActivityImported(ctx context.Context, id string) (bool, error) {
	ph := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf("SELECT COUNT(*) FROM imported_activities WHERE id = %s", ph())

	var n int
	if err := db.DB.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
		return false, fmt.Errorf("probe activity %s: %w", id, err)
	}
	return n > 0, nil
}

// CountActivities reports how many activities have been imported.
func (db *Database) CountActivities(ctx context.Context) (int, error) {
	var n int
	if err := db.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM imported_activities").Scan(&n); err != nil {
		return 0, fmt.Errorf("count activities: %w", err)
	}
	return n, nil
}

// TotalDistanceKm sums all imported activity distances, rounded to the same
// two decimals the per-activity distances carry.  SUM over an empty table
// is NULL, so the scan goes through sql.NullFloat64 rather than COALESCE,
// which Genji lacks.
func (db *Database) TotalDistanceKm(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	if err := db.DB.QueryRowContext(ctx, "SELECT SUM(distance_km) FROM imported_activities").Scan(&total); err != nil {
		return 0, fmt.Errorf("sum distances: %w", err)
	}
	return math.Round(total.Float64*100) / 100, nil
}

// ActivityDistances returns every activity's distance in kilometres.  The
// Eddington computation sorts its own copy, but a stable order keeps the
// output reproducible for everything else.
func (db *Database) ActivityDistances(ctx context.Context) ([]float64, error) {
	rows, err := db.DB.QueryContext(ctx, "SELECT distance_km FROM imported_activities ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query distances: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan distance: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distances: %w", err)
	}
	return out, nil
}

// Activities lists imported activities, newest first.
func (db *Database) Activities(ctx context.Context) ([]ActivityRecord, error) {
	rows, err := db.DB.QueryContext(ctx, `
SELECT id, name, distance_km, imported_at
FROM imported_activities ORDER BY imported_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var (
			act  ActivityRecord
			name sql.NullString
		)
		if err := rows.Scan(&act.ID, &name, &act.DistanceKm, &act.ImportedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		act.Name = name.String
		out = append(out, act)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return out, nil
}
