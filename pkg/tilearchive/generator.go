// Package tilearchive maintains downloadable bulk exports of the visited
// tile table: a tar.gz bundle rebuilt in the background and a parquet
// rendition built per request.  Coordination runs over channels so there
// is no mutex between the HTTP handlers and the builder.
package tilearchive

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"explorer-tile-map/pkg/database"
	"explorer-tile-map/pkg/tiles"
)

// Info describes the current archive snapshot.  Handlers get the on-disk
// path so they can stream straight from disk instead of buffering the
// whole tarball.
type Info struct {
	Path    string
	ModTime time.Time
}

// Generator keeps a tiles.tar.gz bundle fresh: a ticker rebuilds it
// periodically, imports nudge it through Refresh, and Fetch blocks until
// at least one snapshot exists.
type Generator struct {
	requests chan chan result
	rebuild  chan struct{}
	done     chan struct{}
}

type result struct {
	info Info
	err  error
}

// Start launches the builder and coordinator goroutines.  The first
// build is scheduled immediately but runs in the background, so startup
// stays fast on large databases; Fetch waits for it when a client asks
// before it lands.
func Start(
	ctx context.Context,
	db *database.Database,
	destPath string,
	refreshInterval time.Duration,
	logf func(string, ...any),
) *Generator {
	requests := make(chan chan result)
	rebuild := make(chan struct{}, 1)
	done := make(chan struct{})
	buildResults := make(chan result, 1)

	destPath = filepath.Clean(destPath)

	triggerBuild := func() {
		select {
		case rebuild <- struct{}{}:
		default:
		}
	}

	// Builder goroutine keeps disk and database work away from the
	// coordination loop so Fetch calls stay responsive.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-rebuild:
				res := runBuild(ctx, db, destPath)
				if logf != nil {
					if res.err != nil {
						logf("tile archive rebuild failed: %v", res.err)
					} else {
						logf("tile archive ready: %s", res.info.Path)
					}
				}
				select {
				case <-ctx.Done():
					return
				case buildResults <- res:
				}
			}
		}
	}()

	triggerBuild()

	// Coordinator multiplexes ticker events, refresh nudges and Fetch
	// requests over one current snapshot.
	go func() {
		defer close(done)

		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		current := result{}
		haveResult := false

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				triggerBuild()
			case res := <-buildResults:
				current = res
				haveResult = true
			case ch := <-requests:
				if !haveResult || current.err != nil {
					triggerBuild()
					select {
					case <-ctx.Done():
						ch <- result{err: ctx.Err()}
						close(ch)
						return
					case res := <-buildResults:
						current = res
						haveResult = true
					}
				}
				ch <- current
				close(ch)
			}
		}
	}()

	return &Generator{requests: requests, rebuild: rebuild, done: done}
}

// Refresh schedules a rebuild without blocking.  Imports call this so
// downloads pick up fresh tiles ahead of the ticker.
func (g *Generator) Refresh() {
	select {
	case g.rebuild <- struct{}{}:
	default:
	}
}

// Fetch returns the current archive info, building one on demand when no
// snapshot exists yet.
func (g *Generator) Fetch(ctx context.Context) (Info, error) {
	respCh := make(chan result, 1)

	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case <-g.done:
		return Info{}, fmt.Errorf("archive generator stopped")
	case g.requests <- respCh:
	}

	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case <-g.done:
		return Info{}, fmt.Errorf("archive generator stopped")
	case res := <-respCh:
		return res.info, res.err
	}
}

func runBuild(ctx context.Context, db *database.Database, destPath string) result {
	path, modTime, err := buildArchive(ctx, db, destPath)
	if err != nil {
		return result{err: err}
	}
	return result{info: Info{Path: path, ModTime: modTime}}
}

// buildArchive writes tiles.json and activities.json into a fresh tar.gz
// and atomically replaces the destination, so clients never observe a
// partial archive.
func buildArchive(ctx context.Context, db *database.Database, destPath string) (string, time.Time, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", time.Time{}, fmt.Errorf("create archive directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "tiles-*.tar.gz")
	if err != nil {
		return "", time.Time{}, fmt.Errorf("tmp archive: %w", err)
	}

	cleanup := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
	}

	gz := gzip.NewWriter(tmpFile)
	tarw := tar.NewWriter(gz)

	fail := func(err error) (string, time.Time, error) {
		tarw.Close()
		gz.Close()
		cleanup()
		return "", time.Time{}, err
	}

	if err := appendTilesEntry(ctx, tarw, db); err != nil {
		return fail(err)
	}
	if err := appendActivitiesEntry(ctx, tarw, db); err != nil {
		return fail(err)
	}

	if err := tarw.Close(); err != nil {
		gz.Close()
		cleanup()
		return "", time.Time{}, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		cleanup()
		return "", time.Time{}, fmt.Errorf("close gzip: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		cleanup()
		return "", time.Time{}, fmt.Errorf("close archive file: %w", err)
	}

	if err := replaceFile(tmpFile.Name(), destPath); err != nil {
		cleanup()
		return "", time.Time{}, err
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("stat archive: %w", err)
	}
	return destPath, info.ModTime(), nil
}

// appendTilesEntry streams the tile table into a temporary tiles.json and
// copies it into the tar.  Streaming through a temp file keeps memory
// flat however many tiles exist, and gives the tar header its size.
func appendTilesEntry(ctx context.Context, tw *tar.Writer, db *database.Database) error {
	tmp, err := os.CreateTemp("", "tiles-*.json")
	if err != nil {
		return fmt.Errorf("tmp tiles entry: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	latest, err := writeTilesJSON(ctx, db, w)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write tiles entry: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush tiles entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tiles entry: %w", err)
	}

	return copyEntry(tw, tmpPath, "tiles.json", latest)
}

// writeTilesJSON streams tile rows into the JSON document one by one and
// returns the newest visit time so the tar entry can mirror it.
func writeTilesJSON(ctx context.Context, db *database.Database, w *bufio.Writer) (time.Time, error) {
	if _, err := fmt.Fprintf(w, "{\n  \"zoom\": %d,\n  \"tiles\": [", tiles.DefaultZoom); err != nil {
		return time.Time{}, err
	}

	rows, errCh := db.StreamTiles(ctx)
	latest := time.Time{}
	count := 0
	for rec := range rows {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return time.Time{}, fmt.Errorf("marshal tile %d/%d: %w", rec.X, rec.Y, err)
		}

		prefix := "\n    "
		if count > 0 {
			prefix = ",\n    "
		}
		if _, err := w.WriteString(prefix); err != nil {
			return time.Time{}, err
		}
		if _, err := w.Write(encoded); err != nil {
			return time.Time{}, err
		}

		if when := time.Unix(rec.FirstVisitedAt, 0); rec.FirstVisitedAt > 0 && when.After(latest) {
			latest = when
		}
		count++
	}
	if err := <-errCh; err != nil {
		return time.Time{}, err
	}

	tail := "],\n"
	if count > 0 {
		tail = "\n  ],\n"
	}
	if _, err := w.WriteString(tail); err != nil {
		return time.Time{}, err
	}
	if _, err := fmt.Fprintf(w, "  \"totalCount\": %d\n}\n", count); err != nil {
		return time.Time{}, err
	}
	return latest, nil
}

// appendActivitiesEntry adds the activity ledger.  The list is small, so
// it is marshalled in one piece instead of streamed.
func appendActivitiesEntry(ctx context.Context, tw *tar.Writer, db *database.Database) error {
	acts, err := db.Activities(ctx)
	if err != nil {
		return err
	}
	if acts == nil {
		acts = []database.ActivityRecord{}
	}
	encoded, err := json.MarshalIndent(acts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal activities: %w", err)
	}

	latest := time.Time{}
	for _, act := range acts {
		if when := time.Unix(act.ImportedAt, 0); act.ImportedAt > 0 && when.After(latest) {
			latest = when
		}
	}
	if latest.IsZero() {
		latest = time.Now()
	}

	header := &tar.Header{
		Name:    "activities.json",
		Mode:    0o644,
		Size:    int64(len(encoded)) + 1,
		ModTime: latest,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("tar header activities: %w", err)
	}
	if _, err := tw.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("tar copy activities: %w", err)
	}
	return nil
}

// copyEntry puts one finished temp file into the tar under the given
// name.
func copyEntry(tw *tar.Writer, path, name string, modTime time.Time) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}

	if modTime.IsZero() {
		modTime = info.ModTime()
	}
	header := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		file.Close()
		return fmt.Errorf("tar header %s: %w", name, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		file.Close()
		return fmt.Errorf("tar copy %s: %w", name, err)
	}
	return file.Close()
}

// replaceFile atomically replaces the destination with the temporary
// file, removing a stale destination when the platform refuses to rename
// over it.
func replaceFile(tmpPath, destPath string) error {
	if err := os.Rename(tmpPath, destPath); err != nil {
		if removeErr := os.Remove(destPath); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove old archive: %w", removeErr)
		}
		if err := os.Rename(tmpPath, destPath); err != nil {
			return fmt.Errorf("replace archive: %w", err)
		}
	}
	return nil
}
