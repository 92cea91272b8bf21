package database

import (
	"context"
	"strings"
	"testing"
)

// TestUpsertTileBatchKeepsEarliestVisit exercises the rule the whole store
// is built around: first_visited_at only ever moves backwards in time, and
// the provenance columns travel with the timestamp that won.
func TestUpsertTileBatchKeepsEarliestVisit(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)
	ctx := context.Background()

	first := []TileRecord{
		{X: 8800, Y: 5370, Z: 14, FirstVisitedAt: 2000, ActivityID: "11", ActivityTitle: "Morning Ride", SourceFile: "activity_11.gpx"},
		{X: 8801, Y: 5370, Z: 14, FirstVisitedAt: 2000, ActivityID: "11", ActivityTitle: "Morning Ride", SourceFile: "activity_11.gpx"},
	}
	if err := db.UpsertTileBatch(ctx, first); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	later := []TileRecord{
		{X: 8800, Y: 5370, Z: 14, FirstVisitedAt: 3000, ActivityID: "22", ActivityTitle: "Evening Ride", SourceFile: "activity_22.gpx"},
	}
	if err := db.UpsertTileBatch(ctx, later); err != nil {
		t.Fatalf("later batch: %v", err)
	}

	earlier := []TileRecord{
		{X: 8801, Y: 5370, Z: 14, FirstVisitedAt: 1000, ActivityID: "33", ActivityTitle: "Old Tour", SourceFile: "activity_33.gpx"},
	}
	if err := db.UpsertTileBatch(ctx, earlier); err != nil {
		t.Fatalf("earlier batch: %v", err)
	}

	tiles, err := db.AllTiles(ctx)
	if err != nil {
		t.Fatalf("all tiles: %v", err)
	}
	if len(tiles) != 2 {
		t.Fatalf("got %d tiles, want 2", len(tiles))
	}

	kept := tiles[0]
	if kept.FirstVisitedAt != 2000 || kept.ActivityID != "11" {
		t.Errorf("later revisit rewrote tile: visited=%d activity=%q, want 2000/11",
			kept.FirstVisitedAt, kept.ActivityID)
	}
	moved := tiles[1]
	if moved.FirstVisitedAt != 1000 || moved.ActivityID != "33" || moved.ActivityTitle != "Old Tour" {
		t.Errorf("earlier visit not adopted: visited=%d activity=%q title=%q",
			moved.FirstVisitedAt, moved.ActivityID, moved.ActivityTitle)
	}

	if n, err := db.CountTiles(ctx); err != nil || n != 2 {
		t.Errorf("CountTiles = %d, %v, want 2, nil", n, err)
	}
}

// TestUpsertTileBatchTieKeepsFirstProvenance pins the tie rule: an equal
// timestamp from a later file must not steal the tile.  The CASE in the
// upsert compares with strictly-less, so the stored provenance survives.
func TestUpsertTileBatchTieKeepsFirstProvenance(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)
	ctx := context.Background()

	first := []TileRecord{
		{X: 700, Y: 800, Z: 14, FirstVisitedAt: 5000, ActivityID: "1", ActivityTitle: "First Ride", SourceFile: "activity_1.gpx"},
	}
	if err := db.UpsertTileBatch(ctx, first); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	sameTime := []TileRecord{
		{X: 700, Y: 800, Z: 14, FirstVisitedAt: 5000, ActivityID: "2", ActivityTitle: "Second Ride", SourceFile: "activity_2.gpx"},
	}
	if err := db.UpsertTileBatch(ctx, sameTime); err != nil {
		t.Fatalf("tie batch: %v", err)
	}

	tiles, err := db.AllTiles(ctx)
	if err != nil {
		t.Fatalf("all tiles: %v", err)
	}
	if len(tiles) != 1 {
		t.Fatalf("got %d tiles, want 1", len(tiles))
	}
	got := tiles[0]
	if got.FirstVisitedAt != 5000 || got.ActivityID != "1" || got.SourceFile != "activity_1.gpx" {
		t.Errorf("tie rewrote provenance: %+v, want activity 1 at 5000", got)
	}
}

// TestUpsertTileBatchMergesWithinBatch feeds the same coordinate three
// times in one call.  The pre-merge has to pick the earliest record before
// any SQL runs, or PostgreSQL would reject the statement outright.
func TestUpsertTileBatchMergesWithinBatch(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)
	ctx := context.Background()

	batch := []TileRecord{
		{X: 100, Y: 200, Z: 14, FirstVisitedAt: 500, ActivityID: "b"},
		{X: 100, Y: 200, Z: 14, FirstVisitedAt: 100, ActivityID: "a"},
		{X: 100, Y: 200, Z: 14, FirstVisitedAt: 300, ActivityID: "c"},
	}
	if err := db.UpsertTileBatch(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	tiles, err := db.AllTiles(ctx)
	if err != nil {
		t.Fatalf("all tiles: %v", err)
	}
	if len(tiles) != 1 {
		t.Fatalf("got %d tiles, want 1", len(tiles))
	}
	if tiles[0].FirstVisitedAt != 100 || tiles[0].ActivityID != "a" {
		t.Errorf("merged tile = %+v, want visited 100 from activity a", tiles[0])
	}
}

func TestMergeTileBatchOrdersAndDedupes(t *testing.T) {
	t.Parallel()

	in := []TileRecord{
		{X: 5, Y: 9, Z: 14, FirstVisitedAt: 70},
		{X: 5, Y: 2, Z: 14, FirstVisitedAt: 50, ActivityID: "first"},
		{X: 5, Y: 2, Z: 14, FirstVisitedAt: 50, ActivityID: "second"},
		{X: 5, Y: 9, Z: 14, FirstVisitedAt: 30, ActivityID: "winner"},
		{X: 1, Y: 1, Z: 11, FirstVisitedAt: 90},
	}
	want := []TileRecord{
		{X: 1, Y: 1, Z: 11, FirstVisitedAt: 90},
		{X: 5, Y: 2, Z: 14, FirstVisitedAt: 50, ActivityID: "first"},
		{X: 5, Y: 9, Z: 14, FirstVisitedAt: 30, ActivityID: "winner"},
	}

	got := mergeTileBatch(in)
	if len(got) != len(want) {
		t.Fatalf("merged %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("merged[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	if mergeTileBatch(nil) != nil {
		t.Error("empty batch should merge to nil")
	}
}

// TestBuildTileUpsertDialects pins the two statement shapes: numbered
// placeholders with LEAST for PostgreSQL, question marks with MIN for the
// SQLite family.
func TestBuildTileUpsertDialects(t *testing.T) {
	t.Parallel()

	chunk := []TileRecord{
		{X: 1, Y: 2, Z: 14, FirstVisitedAt: 10},
		{X: 3, Y: 4, Z: 14, FirstVisitedAt: 20},
	}

	stmt, args := buildTileUpsert("pgx", chunk)
	if len(args) != 14 {
		t.Fatalf("pgx args = %d, want 14", len(args))
	}
	if !strings.Contains(stmt, "$14") || strings.Contains(stmt, "?") {
		t.Errorf("pgx statement should number every placeholder:\n%s", stmt)
	}
	if !strings.Contains(stmt, "LEAST(") {
		t.Errorf("pgx statement should merge with LEAST:\n%s", stmt)
	}

	stmt, args = buildTileUpsert("sqlite", chunk)
	if len(args) != 14 {
		t.Fatalf("sqlite args = %d, want 14", len(args))
	}
	if strings.Count(stmt, "?") != 14 {
		t.Errorf("sqlite statement should carry 14 question marks:\n%s", stmt)
	}
	if !strings.Contains(stmt, "MIN(") {
		t.Errorf("sqlite statement should merge with MIN:\n%s", stmt)
	}
}

func TestStreamTilesDeliversAllRows(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)
	ctx := context.Background()

	batch := make([]TileRecord, 0, 25)
	for i := 0; i < 25; i++ {
		batch = append(batch, TileRecord{
			X: uint32(9000 + i), Y: 5000, Z: 14,
			FirstVisitedAt: int64(1000 + i), ActivityID: "11",
		})
	}
	if err := db.UpsertTileBatch(ctx, batch); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, errs := db.StreamTiles(ctx)
	var got []TileRecord
	for rec := range out {
		got = append(got, rec)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream: %v", err)
	}

	if len(got) != 25 {
		t.Fatalf("streamed %d tiles, want 25", len(got))
	}
	if got[0].X != 9000 || got[24].X != 9024 {
		t.Errorf("stream order: first X=%d last X=%d, want 9000 and 9024", got[0].X, got[24].X)
	}
}

// TestStreamTilesStopsOnCancel cancels before consuming anything, so the
// producer goroutine must bail out instead of blocking on its channel
// forever.
func TestStreamTilesStopsOnCancel(t *testing.T) {
	t.Parallel()

	db := newTestStore(t)
	seed := []TileRecord{
		{X: 1, Y: 1, Z: 14, FirstVisitedAt: 1},
		{X: 2, Y: 2, Z: 14, FirstVisitedAt: 2},
	}
	if err := db.UpsertTileBatch(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out, errs := db.StreamTiles(ctx)
	cancel()

	if err := <-errs; err == nil {
		t.Error("cancelled stream should report an error")
	}
	for range out {
		// drain so the producer can close up
	}
}
