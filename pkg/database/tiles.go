package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	// upsertChunkSize keeps multi-row statements well under every
	// engine's placeholder limit (7 columns x 500 rows = 3500 marks).
	upsertChunkSize = 500

	// copyBatchThreshold switches PostgreSQL imports to COPY; below it a
	// plain multi-row INSERT wins on round-trip cost.
	copyBatchThreshold = 1000
)

// UpsertTileBatch writes one import's tiles atomically.  Re-visiting a tile
// keeps the earliest first_visited_at, and the provenance columns follow
// whichever timestamp won, so a tile always names the activity that first
// entered it.
func (db *Database) UpsertTileBatch(ctx context.Context, batch []TileRecord) error {
	merged := mergeTileBatch(batch)
	if len(merged) == 0 {
		return nil
	}

	switch db.Driver {
	case "genji", "duckdb":
		// DuckDB refuses to update indexed columns inside an ON CONFLICT
		// branch and Genji has no conflict-update clause at all, so both
		// engines merge row by row inside one transaction.
		return db.upsertTilesPerRow(ctx, merged)
	case "pgx":
		if len(merged) >= copyBatchThreshold {
			return db.upsertTilesPostgresCopy(ctx, merged)
		}
	}
	return db.upsertTilesMultiRow(ctx, merged)
}

// mergeTileBatch collapses duplicate coordinates before any SQL runs,
// keeping the record with the smallest timestamp.  PostgreSQL rejects an
// upsert that touches the same row twice in one statement, and pre-merging
// also keeps provenance attached to the timestamp that won.
func mergeTileBatch(batch []TileRecord) []TileRecord {
	if len(batch) == 0 {
		return nil
	}

	type key struct {
		x, y uint32
		z    int
	}
	best := make(map[key]TileRecord, len(batch))
	for _, rec := range batch {
		k := key{rec.X, rec.Y, rec.Z}
		prev, ok := best[k]
		if !ok || rec.FirstVisitedAt < prev.FirstVisitedAt {
			best[k] = rec
		}
	}

	merged := make([]TileRecord, 0, len(best))
	for _, rec := range best {
		merged = append(merged, rec)
	}
	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	return merged
}

func (db *Database) upsertTilesMultiRow(ctx context.Context, merged []TileRecord) error {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tile batch: %w", err)
	}

	for start := 0; start < len(merged); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(merged) {
			end = len(merged)
		}
		chunk := merged[start:end]

		stmt, args := buildTileUpsert(db.Driver, chunk)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert %d tiles: %w", len(chunk), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tile batch: %w", err)
	}
	return nil
}

// buildTileUpsert renders one chunk as a multi-row INSERT with an ON
// CONFLICT merge.  SQLite spells the scalar minimum MIN, PostgreSQL LEAST.
func buildTileUpsert(driver string, chunk []TileRecord) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO tiles (x, y, z, first_visited_at, activity_id, activity_title, source_file) VALUES ")

	ph := newPlaceholderGenerator(driver)
	args := make([]interface{}, 0, len(chunk)*7)
	for i, rec := range chunk {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for j := 0; j < 7; j++ {
			if j > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(ph())
		}
		sb.WriteString(")")
		args = append(args,
			int64(rec.X), int64(rec.Y), rec.Z, rec.FirstVisitedAt,
			rec.ActivityID, rec.ActivityTitle, rec.SourceFile)
	}

	earliest := "MIN"
	if driver == "pgx" {
		earliest = "LEAST"
	}
	fmt.Fprintf(&sb, `
ON CONFLICT (x, y, z) DO UPDATE SET
	first_visited_at = %s(tiles.first_visited_at, excluded.first_visited_at),
	activity_id = CASE WHEN excluded.first_visited_at < tiles.first_visited_at THEN excluded.activity_id ELSE tiles.activity_id END,
	activity_title = CASE WHEN excluded.first_visited_at < tiles.first_visited_at THEN excluded.activity_title ELSE tiles.activity_title END,
	source_file = CASE WHEN excluded.first_visited_at < tiles.first_visited_at THEN excluded.source_file ELSE tiles.source_file END`,
		earliest)

	return sb.String(), args
}

// upsertTilesPerRow is the portable merge used by the two engines that
// cannot run the conflict-update statement.  Both speak ? placeholders.
func (db *Database) upsertTilesPerRow(ctx context.Context, merged []TileRecord) error {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tile batch: %w", err)
	}

	for _, rec := range merged {
		var existing int64
		err := tx.QueryRowContext(ctx,
			"SELECT first_visited_at FROM tiles WHERE x = ? AND y = ? AND z = ?",
			int64(rec.X), int64(rec.Y), rec.Z).Scan(&existing)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
INSERT INTO tiles (x, y, z, first_visited_at, activity_id, activity_title, source_file)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
				int64(rec.X), int64(rec.Y), rec.Z, rec.FirstVisitedAt,
				rec.ActivityID, rec.ActivityTitle, rec.SourceFile); err != nil {
				tx.Rollback()
				return fmt.Errorf("insert tile (%d,%d,%d): %w", rec.X, rec.Y, rec.Z, err)
			}
		case err != nil:
			tx.Rollback()
			return fmt.Errorf("probe tile (%d,%d,%d): %w", rec.X, rec.Y, rec.Z, err)
		case rec.FirstVisitedAt < existing:
			if _, err := tx.ExecContext(ctx, `
UPDATE tiles SET first_visited_at = ?, activity_id = ?, activity_title = ?, source_file = ?
WHERE x = ? AND y = ? AND z = ?`,
				rec.FirstVisitedAt, rec.ActivityID, rec.ActivityTitle, rec.SourceFile,
				int64(rec.X), int64(rec.Y), rec.Z); err != nil {
				tx.Rollback()
				return fmt.Errorf("update tile (%d,%d,%d): %w", rec.X, rec.Y, rec.Z, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tile batch: %w", err)
	}
	return nil
}

// upsertTilesPostgresCopy streams a large batch through COPY into a temp
// table and merges it with a single statement.  Round-trips stop mattering
// at bulk-export sizes, which is exactly when this path is chosen.
func (db *Database) upsertTilesPostgresCopy(ctx context.Context, merged []TileRecord) error {
	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres conn: %w", err)
	}
	defer conn.Close()

	tempTable := fmt.Sprintf("temp_tiles_%d", time.Now().UnixNano())
	createStmt := fmt.Sprintf(`CREATE TEMP TABLE %s (
	x BIGINT, y BIGINT, z INTEGER, first_visited_at BIGINT,
	activity_id TEXT, activity_title TEXT, source_file TEXT)`, tempTable)
	if _, err := conn.ExecContext(ctx, createStmt); err != nil {
		return fmt.Errorf("create %s: %w", tempTable, err)
	}
	defer func() {
		// The parent ctx may already be cancelled; give the drop its own
		// short deadline so temp tables do not pile up.
		dropCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(dropCtx, "DROP TABLE IF EXISTS "+tempTable); err != nil {
			log.Printf("drop %s: %v", tempTable, err)
		}
	}()

	rows := make([][]interface{}, 0, len(merged))
	for _, rec := range merged {
		rows = append(rows, []interface{}{
			int64(rec.X), int64(rec.Y), rec.Z, rec.FirstVisitedAt,
			rec.ActivityID, rec.ActivityTitle, rec.SourceFile,
		})
	}

	err = conn.Raw(func(driverConn interface{}) error {
		stdConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		_, copyErr := stdConn.Conn().CopyFrom(ctx,
			pgx.Identifier{tempTable},
			[]string{"x", "y", "z", "first_visited_at", "activity_id", "activity_title", "source_file"},
			pgx.CopyFromRows(rows))
		return copyErr
	})
	if err != nil {
		return fmt.Errorf("copy into %s: %w", tempTable, err)
	}

	mergeStmt := fmt.Sprintf(`
INSERT INTO tiles (x, y, z, first_visited_at, activity_id, activity_title, source_file)
SELECT x, y, z, first_visited_at, activity_id, activity_title, source_file FROM %s
ON CONFLICT (x, y, z) DO UPDATE SET
	first_visited_at = LEAST(tiles.first_visited_at, excluded.first_visited_at),
	activity_id = CASE WHEN excluded.first_visited_at < tiles.first_visited_at THEN excluded.activity_id ELSE tiles.activity_id END,
	activity_title = CASE WHEN excluded.first_visited_at < tiles.first_visited_at THEN excluded.activity_title ELSE tiles.activity_title END,
	source_file = CASE WHEN excluded.first_visited_at < tiles.first_visited_at THEN excluded.source_file ELSE tiles.source_file END`,
		tempTable)
	if _, err := conn.ExecContext(ctx, mergeStmt); err != nil {
		return fmt.Errorf("merge %s: %w", tempTable, err)
	}
	return nil
}

// AllTiles returns every visited tile ordered by zoom then coordinates, so
// exports and API responses are stable across runs.
func (db *Database) AllTiles(ctx context.Context) ([]TileRecord, error) {
	rows, err := db.DB.QueryContext(ctx, `
SELECT x, y, z, first_visited_at, activity_id, activity_title, source_file
FROM tiles ORDER BY z, x, y`)
	if err != nil {
		return nil, fmt.Errorf("query tiles: %w", err)
	}
	defer rows.Close()

	var out []TileRecord
	for rows.Next() {
		rec, err := scanTileRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tiles: %w", err)
	}
	return out, nil
}

// scanTileRecord reads one tiles row.  The provenance columns can be NULL
// in databases written before those columns existed, so they scan through
// sql.NullString instead of relying on COALESCE, which Genji lacks.
func scanTileRecord(rows *sql.Rows) (TileRecord, error) {
	var (
		x, y, visited   int64
		z               int
		id, title, file sql.NullString
	)
	if err := rows.Scan(&x, &y, &z, &visited, &id, &title, &file); err != nil {
		return TileRecord{}, fmt.Errorf("scan tile: %w", err)
	}
	return TileRecord{
		X:              uint32(x),
		Y:              uint32(y),
		Z:              z,
		FirstVisitedAt: visited,
		ActivityID:     id.String,
		ActivityTitle:  title.String,
		SourceFile:     file.String,
	}, nil
}

// CountTiles reports how many distinct tiles have been visited.
func (db *Database) CountTiles(ctx context.Context) (int, error) {
	var n int
	if err := db.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM tiles").Scan(&n); err != nil {
		return 0, fmt.Errorf("count tiles: %w", err)
	}
	return n, nil
}
