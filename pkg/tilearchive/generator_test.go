package tilearchive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"explorer-tile-map/pkg/database"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.NewDatabase(database.Config{DBType: "sqlite", DBPath: t.TempDir()})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

type tilesDoc struct {
	Zoom       int                   `json:"zoom"`
	Tiles      []database.TileRecord `json:"tiles"`
	TotalCount int                   `json:"totalCount"`
}

func readArchive(t *testing.T, path string) (tilesDoc, []database.ActivityRecord) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	tr := tar.NewReader(gz)

	var doc tilesDoc
	var acts []database.ActivityRecord
	seen := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		seen[hdr.Name] = true
		switch hdr.Name {
		case "tiles.json":
			if err := json.NewDecoder(tr).Decode(&doc); err != nil {
				t.Fatalf("decode tiles.json: %v", err)
			}
		case "activities.json":
			if err := json.NewDecoder(tr).Decode(&acts); err != nil {
				t.Fatalf("decode activities.json: %v", err)
			}
		default:
			t.Errorf("unexpected archive entry %q", hdr.Name)
		}
	}
	if !seen["tiles.json"] || !seen["activities.json"] {
		t.Fatalf("archive entries = %v, want tiles.json and activities.json", seen)
	}
	return doc, acts
}

// TestGeneratorBuildsAndRefreshes fetches the first snapshot, verifies
// both archive entries, then adds a tile, nudges the generator and waits
// for the rebuilt archive to pick it up.
func TestGeneratorBuildsAndRefreshes(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.UpsertTileBatch(ctx, []database.TileRecord{
		{X: 8647, Y: 7692, Z: 14, FirstVisitedAt: 1686832245, ActivityID: "11", ActivityTitle: "Morning Ride", SourceFile: "activity_11.gpx"},
		{X: 8660, Y: 7692, Z: 14, FirstVisitedAt: 1686832250, ActivityID: "11", ActivityTitle: "Morning Ride", SourceFile: "activity_11.gpx"},
	}); err != nil {
		t.Fatalf("seed tiles: %v", err)
	}
	if err := db.EnsureActivityImported(ctx, database.ActivityRecord{
		ID: "11", Name: "Morning Ride", DistanceKm: 34.68, ImportedAt: 1686832300,
	}); err != nil {
		t.Fatalf("seed activity: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "tiles.tar.gz")
	g := Start(ctx, db, dest, time.Hour, t.Logf)

	info, err := g.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if info.Path != dest {
		t.Fatalf("Fetch path = %q, want %q", info.Path, dest)
	}

	doc, acts := readArchive(t, info.Path)
	if doc.Zoom != 14 || doc.TotalCount != 2 || len(doc.Tiles) != 2 {
		t.Fatalf("tiles.json = zoom %d, total %d, %d rows; want 14, 2, 2",
			doc.Zoom, doc.TotalCount, len(doc.Tiles))
	}
	if doc.Tiles[0].X != 8647 || doc.Tiles[0].ActivityTitle != "Morning Ride" {
		t.Errorf("first tile = %+v", doc.Tiles[0])
	}
	if len(acts) != 1 || acts[0].ID != "11" || acts[0].DistanceKm != 34.68 {
		t.Errorf("activities.json = %+v", acts)
	}

	if err := db.UpsertTileBatch(ctx, []database.TileRecord{
		{X: 9000, Y: 7700, Z: 14, FirstVisitedAt: 1686900000, ActivityID: "12", ActivityTitle: "Evening Spin", SourceFile: "activity_12.gpx"},
	}); err != nil {
		t.Fatalf("add tile: %v", err)
	}
	g.Refresh()

	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := g.Fetch(ctx)
		if err != nil {
			t.Fatalf("Fetch after refresh: %v", err)
		}
		doc, _ := readArchive(t, info.Path)
		if doc.TotalCount == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archive never picked up the new tile, still %d", doc.TotalCount)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestGeneratorEmptyStore still produces a well-formed archive with empty
// collections rather than failing or omitting entries.
func TestGeneratorEmptyStore(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := Start(ctx, db, filepath.Join(t.TempDir(), "tiles.tar.gz"), time.Hour, nil)
	info, err := g.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	doc, acts := readArchive(t, info.Path)
	if doc.TotalCount != 0 || len(doc.Tiles) != 0 {
		t.Errorf("tiles.json = %+v, want empty", doc)
	}
	if len(acts) != 0 {
		t.Errorf("activities.json = %+v, want empty", acts)
	}
}

// TestGeneratorStops verifies Fetch fails fast once the context ends
// instead of blocking forever on a dead coordinator.
func TestGeneratorStops(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())

	g := Start(ctx, db, filepath.Join(t.TempDir(), "tiles.tar.gz"), time.Hour, nil)
	if _, err := g.Fetch(ctx); err != nil {
		t.Fatalf("Fetch before cancel: %v", err)
	}

	cancel()
	fetchCtx, fetchCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer fetchCancel()
	if _, err := g.Fetch(fetchCtx); err == nil {
		t.Fatal("Fetch after cancel should fail")
	}
}
