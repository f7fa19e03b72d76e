package journal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	EventID    string `parquet:"name=event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	DealID     int64  `parquet:"name=deal_id, type=INT64"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevHash   string `parquet:"name=prev_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash       string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAt int64  `parquet:"name=recorded_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// ExportParquet writes every entry with a sequence greater than after to a
// Parquet file at path and returns the number of rows written.
func (j *Journal) ExportParquet(path string, after uint64) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("journal: create export dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	cursor := after
	for {
		batch, err := j.List(cursor, 500)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return written, err
		}
		if len(batch) == 0 {
			break
		}
		for _, entry := range batch {
			row := &parquetRow{
				Seq:        int64(entry.Seq),
				EventID:    entry.EventID,
				Type:       entry.Type,
				DealID:     int64(entry.DealID),
				Attributes: entry.Attributes,
				PrevHash:   entry.PrevHash,
				Hash:       entry.Hash,
				RecordedAt: entry.RecordedAt,
			}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("journal: write parquet row: %w", err)
			}
			written++
			cursor = entry.Seq
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("journal: finalize parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("journal: close parquet: %w", err)
	}
	j.logger.Info("journal exported", "path", path, "rows", written)
	return written, nil
}
