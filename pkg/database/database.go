// Package database stores visited tiles and the bookkeeping around them:
// which files have been imported, which activities they came from, and the
// OAuth tokens used to fetch more.  One schema is maintained across five
// engines (SQLite, Chai, Genji, DuckDB, PostgreSQL), so every statement
// here is written portably or switched per driver.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"
)

// Database wraps the SQL handle together with the driver name, because
// several operations need to know which dialect they speak.
type Database struct {
	DB     *sql.DB
	Driver string
}

// Config contains everything needed to open a database connection.
type Config struct {
	DBType    string // sqlite | chai | genji | duckdb | pgx
	DBPath    string // directory for file-based engines
	DBConn    string // full DSN override, wins over host/port fields
	DBHost    string
	DBPort    int
	DBUser    string
	DBPass    string
	DBName    string
	PGSSLMode string
	Port      int // server port, used to keep per-instance DB files apart
}

// normalizeDBType maps aliases onto canonical driver names so the rest of
// the package can switch on a single spelling.
func normalizeDBType(dbType string) string {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "", "sqlite", "sqlite3":
		return "sqlite"
	case "chai", "chaisql":
		return "chai"
	case "genji":
		return "genji"
	case "duckdb":
		return "duckdb"
	case "pgx", "postgres", "postgresql":
		return "pgx"
	default:
		return strings.ToLower(strings.TrimSpace(dbType))
	}
}

// NewDatabase opens the configured engine and pings it before returning.
func NewDatabase(config Config) (*Database, error) {
	driver := normalizeDBType(config.DBType)

	var dsn string
	switch driver {
	case "pgx":
		if config.DBConn != "" {
			dsn = config.DBConn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				config.DBUser, config.DBPass, config.DBHost, config.DBPort,
				config.DBName, config.PGSSLMode)
		}
	default:
		// File-based engines get one file per server port so several
		// instances can run side by side from the same directory.
		path := config.DBPath
		if path == "" {
			path = "."
		}
		dsn = fmt.Sprintf("%s/tiles-%d.%s", strings.TrimRight(path, "/"), config.Port, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	// === CRITICAL: serialize file-based engines over a single connection ===
	// SQLite, Chai, Genji and DuckDB each guard one file.  A second pooled
	// connection buys nothing but "database is locked" errors.
	switch driver {
	case "sqlite":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if err := tuneSQLiteConnection(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("tune sqlite: %w", err)
		}
	case "chai", "genji":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		log.Printf("driver %s manages pragmas itself", driver)
	case "duckdb":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if err := tuneDuckDBConnection(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("tune duckdb: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	log.Printf("Using database driver: %s with DSN: %s", driver, dsn)
	return &Database{DB: db, Driver: driver}, nil
}

// tuneSQLiteConnection applies the pragmas that make a write-heavy import
// workload survive on SQLite.  Statements flow through a channel so a
// future version can fan them out; today one worker drains it.
func tuneSQLiteConnection(db *sql.DB) error {
	type pragma struct {
		stmt      string
		expectRow bool
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for p := range jobs {
			if p.expectRow {
				var mode string
				if err := db.QueryRow(p.stmt).Scan(&mode); err != nil {
					errs <- fmt.Errorf("%s: %w", p.stmt, err)
					return
				}
				continue
			}
			if _, err := db.Exec(p.stmt); err != nil {
				errs <- fmt.Errorf("%s: %w", p.stmt, err)
				return
			}
		}
		errs <- nil
	}()

	for _, p := range []pragma{
		{stmt: "PRAGMA journal_mode=WAL;", expectRow: true},
		{stmt: "PRAGMA synchronous=NORMAL;"},
		{stmt: "PRAGMA temp_store=MEMORY;"},
		{stmt: "PRAGMA cache_size=-20000;"},
		{stmt: "PRAGMA busy_timeout=5000;"},
	} {
		jobs <- p
	}
	close(jobs)

	return <-errs
}

// tuneDuckDBConnection raises DuckDB's thread count to the host CPU count
// and delays checkpoints so bulk tile inserts are not interrupted.
func tuneDuckDBConnection(db *sql.DB) error {
	jobs := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for stmt := range jobs {
			if _, err := db.Exec(stmt); err != nil {
				errs <- fmt.Errorf("%s: %w", stmt, err)
				return
			}
		}
		errs <- nil
	}()

	jobs <- fmt.Sprintf("SET threads TO %d;", runtime.NumCPU())
	jobs <- "SET checkpoint_threshold = '1GB';"
	close(jobs)

	return <-errs
}

// InitSchema creates all tables if they are missing and upgrades older
// tile tables that predate the provenance columns.
func (db *Database) InitSchema() error {
	var schema string

	switch db.Driver {
	case "pgx":
		schema = `
CREATE TABLE IF NOT EXISTS tiles (
	x BIGINT NOT NULL,
	y BIGINT NOT NULL,
	z INTEGER NOT NULL,
	first_visited_at BIGINT NOT NULL DEFAULT 0,
	activity_id TEXT NOT NULL DEFAULT '',
	activity_title TEXT NOT NULL DEFAULT '',
	source_file TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (x, y, z)
);
CREATE TABLE IF NOT EXISTS processed_files (
	filename TEXT PRIMARY KEY,
	processed_at BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS imported_activities (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
	imported_at BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS oauth_tokens (
	provider TEXT PRIMARY KEY,
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at BIGINT NOT NULL DEFAULT 0,
	athlete_id BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL DEFAULT 0
);`

	case "genji":
		// Genji's DDL has no column defaults worth relying on, so the
		// schema carries every column from day one and the lazy column
		// upgrade below skips this engine.
		schema = `
CREATE TABLE IF NOT EXISTS tiles (
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	z INTEGER NOT NULL,
	first_visited_at INTEGER,
	activity_id TEXT,
	activity_title TEXT,
	source_file TEXT,
	PRIMARY KEY (x, y, z)
);
CREATE TABLE IF NOT EXISTS processed_files (
	filename TEXT PRIMARY KEY,
	processed_at INTEGER
);
CREATE TABLE IF NOT EXISTS imported_activities (
	id TEXT PRIMARY KEY,
	name TEXT,
	distance_km DOUBLE,
	imported_at INTEGER
);
CREATE TABLE IF NOT EXISTS oauth_tokens (
	provider TEXT PRIMARY KEY,
	access_token TEXT,
	refresh_token TEXT,
	expires_at INTEGER,
	athlete_id INTEGER,
	updated_at INTEGER
);`

	case "duckdb":
		schema = `
CREATE TABLE IF NOT EXISTS tiles (
	x BIGINT NOT NULL,
	y BIGINT NOT NULL,
	z INTEGER NOT NULL,
	first_visited_at BIGINT NOT NULL DEFAULT 0,
	activity_id TEXT NOT NULL DEFAULT '',
	activity_title TEXT NOT NULL DEFAULT '',
	source_file TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (x, y, z)
);
CREATE TABLE IF NOT EXISTS processed_files (
	filename TEXT PRIMARY KEY,
	processed_at BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS imported_activities (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	distance_km DOUBLE NOT NULL DEFAULT 0,
	imported_at BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS oauth_tokens (
	provider TEXT PRIMARY KEY,
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at BIGINT NOT NULL DEFAULT 0,
	athlete_id BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL DEFAULT 0
);`

	default: // sqlite, chai
		schema = `
CREATE TABLE IF NOT EXISTS tiles (
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	z INTEGER NOT NULL,
	first_visited_at INTEGER NOT NULL DEFAULT 0,
	activity_id TEXT NOT NULL DEFAULT '',
	activity_title TEXT NOT NULL DEFAULT '',
	source_file TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (x, y, z)
);
CREATE TABLE IF NOT EXISTS processed_files (
	filename TEXT PRIMARY KEY,
	processed_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS imported_activities (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	distance_km REAL NOT NULL DEFAULT 0,
	imported_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS oauth_tokens (
	provider TEXT PRIMARY KEY,
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at INTEGER NOT NULL DEFAULT 0,
	athlete_id INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);`
	}

	if err := execStatements(db.DB, strings.Split(schema, ";")); err != nil {
		return err
	}
	return db.ensureTileProvenanceColumns()
}

// execStatements runs each non-empty statement in order, stopping at the
// first failure.
func execStatements(db *sql.DB, statements []string) error {
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// firstLine shortens a multi-line SQL statement for error messages.
func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i] + " ..."
	}
	return stmt
}

// ensureTileProvenanceColumns upgrades tile tables created before
// provenance tracking existed.  Older databases only carried coordinates
// and the first-visit timestamp.
func (db *Database) ensureTileProvenanceColumns() error {
	wanted := []struct {
		name string
		typ  string
	}{
		{"activity_id", "TEXT"},
		{"activity_title", "TEXT"},
		{"source_file", "TEXT"},
	}

	switch db.Driver {
	case "pgx", "duckdb":
		for _, col := range wanted {
			stmt := fmt.Sprintf("ALTER TABLE tiles ADD COLUMN IF NOT EXISTS %s %s DEFAULT ''", col.name, col.typ)
			if _, err := db.DB.Exec(stmt); err != nil {
				return fmt.Errorf("add column %s: %w", col.name, err)
			}
		}
		return nil

	case "genji":
		// Fresh Genji schemas already carry every column, and the engine
		// has no ALTER TABLE ADD COLUMN anyway.
		return nil

	default:
		rows, err := db.DB.Query("PRAGMA table_info(tiles);")
		if err != nil {
			return fmt.Errorf("table_info: %w", err)
		}
		existing := make(map[string]bool)
		for rows.Next() {
			var (
				cid     int
				name    string
				ctype   string
				notnull int
				dflt    sql.NullString
				pk      int
			)
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				rows.Close()
				return fmt.Errorf("scan table_info: %w", err)
			}
			existing[strings.ToLower(name)] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate table_info: %w", err)
		}
		rows.Close()

		for _, col := range wanted {
			if existing[col.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE tiles ADD COLUMN %s %s NOT NULL DEFAULT ''", col.name, col.typ)
			if _, err := db.DB.Exec(stmt); err != nil {
				return fmt.Errorf("add column %s: %w", col.name, err)
			}
		}
		return nil
	}
}

// indexSpec pairs an index name with the statement that creates it.
type indexSpec struct {
	name string
	stmt string
}

// desiredIndexes returns the indexes each engine should carry.  Genji gets
// the portable subset only; its planner ignores composite indexes.
func desiredIndexes(driver string) []indexSpec {
	shared := []indexSpec{
		{"idx_tiles_zoom", "CREATE INDEX IF NOT EXISTS idx_tiles_zoom ON tiles (z)"},
		{"idx_tiles_visited", "CREATE INDEX IF NOT EXISTS idx_tiles_visited ON tiles (first_visited_at)"},
		{"idx_tiles_activity", "CREATE INDEX IF NOT EXISTS idx_tiles_activity ON tiles (activity_id)"},
		{"idx_processed_files_at", "CREATE INDEX IF NOT EXISTS idx_processed_files_at ON processed_files (processed_at)"},
		{"idx_imported_activities_at", "CREATE INDEX IF NOT EXISTS idx_imported_activities_at ON imported_activities (imported_at)"},
	}
	if driver == "genji" {
		return shared
	}
	return append(shared, indexSpec{
		"idx_tiles_zoom_xy",
		"CREATE INDEX IF NOT EXISTS idx_tiles_zoom_xy ON tiles (z, x, y)",
	})
}

// EnsureIndexesAsync builds indexes in the background so server startup is
// not blocked by long CREATE INDEX runs on big tile tables.  Lock errors
// are retried with backoff; everything else is logged and skipped.
func (db *Database) EnsureIndexesAsync(ctx context.Context) {
	go func() {
		for _, idx := range desiredIndexes(db.Driver) {
			select {
			case <-ctx.Done():
				log.Printf("⏹️ index build stopped: %v", ctx.Err())
				return
			default:
			}

			log.Printf("⏳ ensuring index %s", idx.name)
			backoff := 50 * time.Millisecond

			for {
				log.Printf("▶️ %s", idx.stmt)
				_, err := db.DB.ExecContext(ctx, idx.stmt)
				if err == nil {
					log.Printf("✅ index %s ready", idx.name)
					break
				}

				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "already exists") ||
					strings.Contains(msg, "duplicate key value") ||
					strings.Contains(msg, "sqlstate 23505") {
					log.Printf("⏭️ index %s already exists", idx.name)
					break
				}
				if strings.Contains(msg, "database is locked") ||
					strings.Contains(msg, "sqlite_busy") ||
					strings.Contains(msg, "resource busy") ||
					strings.Contains(msg, "locked") {
					select {
					case <-ctx.Done():
						log.Printf("⏹️ index build stopped: %v", ctx.Err())
						return
					case <-time.After(backoff):
					}
					backoff *= 2
					if backoff > time.Second {
						backoff = time.Second
					}
					continue
				}

				log.Printf("❌ index %s failed: %v", idx.name, err)
				break
			}
		}
	}()
}

// Close releases the underlying pool.
func (db *Database) Close() error {
	return db.DB.Close()
}

// newPlaceholderGenerator returns a closure producing the next SQL
// placeholder for the driver: $1,$2,... for PostgreSQL, plain ? elsewhere.
func newPlaceholderGenerator(driver string) func() string {
	if driver == "pgx" {
		n := 0
		return func() string {
			n++
			return fmt.Sprintf("$%d", n)
		}
	}
	return func() string { return "?" }
}

// isConflictError reports whether an engine rejected a statement because of
// a unique-constraint collision.  The strings cover SQLite, Chai, Genji,
// PostgreSQL and DuckDB spellings.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint error") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "update the same row twice")
}
