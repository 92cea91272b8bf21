package ingest

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// DirectorySummary aggregates one directory import run.
type DirectorySummary struct {
	Files      int // matching files seen
	Imported   int // freshly processed this run
	Skipped    int // already in the ledger
	Failed     int
	TileCount  int
	DistanceKm float64
	Results    []Result
}

// ImportDirectory walks dir and imports every *.gpx and *.fit file in
// lexical order.  Per-file failures are logged and counted, never fatal;
// only a cancelled context or an unreadable directory stops the walk.
func (s *Service) ImportDirectory(ctx context.Context, dir string) (DirectorySummary, error) {
	var sum DirectorySummary

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".gpx", ".fit":
		default:
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sum.Files++

		data, err := os.ReadFile(path)
		if err != nil {
			sum.Failed++
			log.Printf("read %s: %v", path, err)
			return nil
		}

		res, err := s.Process(ctx, path, data)
		if err != nil {
			sum.Failed++
			log.Printf("import %s: %v", path, err)
			return nil
		}
		sum.Results = append(sum.Results, res)
		if res.Skipped {
			sum.Skipped++
			return nil
		}

		sum.Imported++
		sum.TileCount += res.TileCount
		sum.DistanceKm += res.DistanceKm
		return nil
	})
	return sum, err
}
