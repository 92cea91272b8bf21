package tilearchive

import (
	"context"
	"fmt"

	parquetbuffer "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"explorer-tile-map/pkg/database"
)

type tileParquetRow struct {
	X              int64  `parquet:"name=x, type=INT64"`
	Y              int64  `parquet:"name=y, type=INT64"`
	Z              int32  `parquet:"name=z, type=INT32"`
	FirstVisitedAt int64  `parquet:"name=first_visited_at, type=INT64"`
	ActivityID     string `parquet:"name=activity_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ActivityTitle  string `parquet:"name=activity_title, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	SourceFile     string `parquet:"name=source_file, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
}

// BuildParquet renders the whole tile table as a Snappy-compressed
// parquet file in memory.  Tiles stream out of the database row by row;
// only the compressed column chunks accumulate.
func BuildParquet(ctx context.Context, db *database.Database) ([]byte, error) {
	fw := parquetbuffer.NewBufferFile()
	pw, err := writer.NewParquetWriter(fw, new(tileParquetRow), 4)
	if err != nil {
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	rows, errCh := db.StreamTiles(ctx)
	for rec := range rows {
		row := tileParquetRow{
			X:              int64(rec.X),
			Y:              int64(rec.Y),
			Z:              int32(rec.Z),
			FirstVisitedAt: rec.FirstVisitedAt,
			ActivityID:     rec.ActivityID,
			ActivityTitle:  rec.ActivityTitle,
			SourceFile:     rec.SourceFile,
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := <-errCh; err != nil {
		_ = pw.WriteStop()
		return nil, err
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("parquet finish: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("close parquet buffer: %w", err)
	}
	return append([]byte(nil), fw.Bytes()...), nil
}
