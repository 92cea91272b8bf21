package database

import (
	"context"
	"fmt"
)

// StreamTiles streams every visited tile row by row through a channel.
// Archive and parquet exports walk the whole table; streaming keeps them
// from holding millions of rows in memory, and the context stops the walk
// when the consumer goes away.
func (db *Database) StreamTiles(ctx context.Context) (<-chan TileRecord, <-chan error) {
	out := make(chan TileRecord)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		rows, err := db.DB.QueryContext(ctx, `
SELECT x, y, z, first_visited_at, activity_id, activity_title, source_file
FROM tiles ORDER BY z, x, y`)
		if err != nil {
			errCh <- fmt.Errorf("query tiles: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanTileRecord(rows)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("iterate tiles: %w", err)
		}
	}()

	return out, errCh
}
