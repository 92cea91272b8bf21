// Package ingest runs track files through the import pipeline: ledger
// check, point extraction, tile projection, batch storage, bookkeeping.
// Every file is processed independently, so one broken upload never stops
// its siblings.
package ingest

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"explorer-tile-map/pkg/database"
	"explorer-tile-map/pkg/logger"
	"explorer-tile-map/pkg/tiles"
	"explorer-tile-map/pkg/tilestream"
	"explorer-tile-map/pkg/trackfile"
)

// Service wires the import pipeline together.  Zero values pick the
// defaults: tolerant GPX scanning, binary FIT decoding, the standard zoom.
type Service struct {
	DB   *database.Database
	Bus  *tilestream.Bus     // optional live feed of freshly stored tiles
	GPX  trackfile.Extractor // defaults to the tolerant Scanner
	FIT  trackfile.Extractor // defaults to the binary decoder
	Zoom int                 // defaults to tiles.DefaultZoom
}

// Result summarises one processed file.
type Result struct {
	File       string  `json:"file"`
	ActivityID string  `json:"activityId,omitempty"`
	Name       string  `json:"name,omitempty"`
	TileCount  int     `json:"tileCount"`
	DistanceKm float64 `json:"distanceKm"`
	Skipped    bool    `json:"skipped,omitempty"`
}

func (s *Service) zoom() int {
	if s.Zoom != 0 {
		return s.Zoom
	}
	return tiles.DefaultZoom
}

// extractorFor routes a filename to its parser by extension.
func (s *Service) extractorFor(filename string) (trackfile.Extractor, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".gpx":
		if s.GPX != nil {
			return s.GPX, true
		}
		return trackfile.Scanner{}, true
	case ".fit":
		if s.FIT != nil {
			return s.FIT, true
		}
		return trackfile.FITExtractor{}, true
	}
	return nil, false
}

// Process imports one file's bytes.  A file already in the ledger returns
// Skipped without touching anything, which is what makes reruns cheap.
func (s *Service) Process(ctx context.Context, filename string, data []byte) (Result, error) {
	name := filepath.Base(filename)
	res := Result{File: name}

	done, err := s.DB.IsFileProcessed(ctx, name)
	if err != nil {
		return res, fmt.Errorf("ledger check %s: %w", name, err)
	}
	if done {
		res.Skipped = true
		return res, nil
	}

	extractor, ok := s.extractorFor(name)
	if !ok {
		return res, fmt.Errorf("unsupported file type %q", name)
	}

	importID := uuid.NewString()[:6]
	logger.Begin(importID)

	track, err := extractor.Extract(name, data)
	if err != nil {
		logger.FlushError(importID, err)
		return res, fmt.Errorf("extract %s: %w", name, err)
	}

	title := track.Name
	if title == "" {
		title = name
	}
	res.Name = title
	res.ActivityID = trackfile.ActivityID(name)

	pts := make([]tiles.LatLon, 0, len(track.Points))
	for _, p := range track.Points {
		pts = append(pts, tiles.LatLon{Lat: p.Lat, Lon: p.Lon})
	}
	res.DistanceKm = tiles.TrackDistanceKm(pts)

	// Project every point and keep the earliest time per tile, so a tile
	// crossed twice in one ride carries its first crossing.
	zoom := s.zoom()
	type gridKey struct{ x, y uint32 }
	earliest := make(map[gridKey]int64)
	for i, p := range track.Points {
		coord, err := tiles.FromLatLon(p.Lat, p.Lon, zoom)
		if err != nil {
			logger.Append(importID, fmt.Sprintf("[%s] skip point %d (%.5f,%.5f): %v", name, i, p.Lat, p.Lon, err))
			continue
		}
		k := gridKey{coord.X, coord.Y}
		if t, ok := earliest[k]; !ok || p.Time < t {
			earliest[k] = p.Time
		}
	}

	batch := make([]database.TileRecord, 0, len(earliest))
	for k, ts := range earliest {
		batch = append(batch, database.TileRecord{
			X: k.x, Y: k.y, Z: zoom,
			FirstVisitedAt: ts,
			ActivityID:     res.ActivityID,
			ActivityTitle:  title,
			SourceFile:     name,
		})
	}

	if err := s.DB.UpsertTileBatch(ctx, batch); err != nil {
		logger.FlushError(importID, err)
		return res, fmt.Errorf("store %s: %w", name, err)
	}
	res.TileCount = len(batch)

	// The ledger mark comes after the tiles are safely stored; crashing in
	// between leaves the file unmarked and the next run repairs it.
	if err := s.DB.MarkFileProcessed(ctx, name); err != nil {
		logger.FlushError(importID, err)
		return res, fmt.Errorf("mark %s processed: %w", name, err)
	}

	if err := s.DB.EnsureActivityImported(ctx, database.ActivityRecord{
		ID: res.ActivityID, Name: title, DistanceKm: res.DistanceKm,
	}); err != nil {
		// Tiles and ledger are already committed; a stats row failure is
		// not worth failing the whole import over.
		log.Printf("warning: record activity %s: %v", res.ActivityID, err)
	}

	if s.Bus != nil {
		for _, rec := range batch {
			s.Bus.Publish(rec)
		}
	}

	logger.Success(importID, fmt.Sprintf("%s: %d tiles, %.2f km", name, res.TileCount, res.DistanceKm))
	return res, nil
}
