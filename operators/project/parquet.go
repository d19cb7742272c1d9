package project

import (
	"context"
	"errors"
	"io"

	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
)

var (
	_ = (operators.Operator)(&ParquetSource{})

	ErrEmptyProjection = errors.New("no columns were provided for projection push down")
	ErrUnknownColumn   = errors.New("unknown column passed in for projection push down")
)

const parquetReadBatchSize = 1024

// ParquetSource reads record batches out of a parquet file, optionally
// projecting a subset of columns down into the file reader.
type ParquetSource struct {
	schema     *arrow.Schema
	fileReader *file.Reader
	reader     pqarrow.RecordReader
	done       bool
}

func NewParquetSource(r parquet.ReaderAtSeeker) (*ParquetSource, error) {
	return newParquetSource(r, nil)
}

// NewParquetSourcePushDown only materializes the named columns.
func NewParquetSourcePushDown(r parquet.ReaderAtSeeker, columns []string) (*ParquetSource, error) {
	if len(columns) == 0 {
		return nil, ErrEmptyProjection
	}
	return newParquetSource(r, columns)
}

func newParquetSource(r parquet.ReaderAtSeeker, columns []string) (*ParquetSource, error) {
	fileReader, err := file.NewParquetReader(r)
	if err != nil {
		return nil, err
	}
	arrowReader, err := pqarrow.NewFileReader(
		fileReader,
		pqarrow.ArrowReadProperties{Parallel: true, BatchSize: parquetReadBatchSize},
		memory.NewGoAllocator(),
	)
	if err != nil {
		fileReader.Close()
		return nil, err
	}

	var wantedIdx []int
	if columns != nil {
		s, err := arrowReader.Schema()
		if err != nil {
			fileReader.Close()
			return nil, err
		}
		for _, col := range columns {
			idxs := s.FieldIndices(col)
			if len(idxs) == 0 {
				fileReader.Close()
				return nil, ErrUnknownColumn
			}
			wantedIdx = append(wantedIdx, idxs...)
		}
	}

	rdr, err := arrowReader.GetRecordReader(context.TODO(), wantedIdx, nil)
	if err != nil {
		fileReader.Close()
		return nil, err
	}
	return &ParquetSource{
		schema:     rdr.Schema(),
		fileReader: fileReader,
		reader:     rdr,
	}, nil
}

func (ps *ParquetSource) Next(n uint16) (*operators.RecordBatch, error) {
	if ps.reader == nil || ps.done {
		return nil, io.EOF
	}

	columns := make([]arrow.Array, ps.schema.NumFields())
	rows := 0
	for rows < int(n) && ps.reader.Next() {
		if err := ps.reader.Err(); err != nil {
			return nil, err
		}
		record := ps.reader.Record()
		for colIdx := 0; colIdx < int(record.NumCols()); colIdx++ {
			batchCol := record.Column(colIdx)
			if columns[colIdx] == nil {
				batchCol.Retain()
				columns[colIdx] = batchCol
				continue
			}
			combined, err := array.Concatenate([]arrow.Array{columns[colIdx], batchCol}, memory.NewGoAllocator())
			if err != nil {
				return nil, err
			}
			columns[colIdx].Release()
			columns[colIdx] = combined
		}
		rows += int(record.NumRows())
	}
	if rows == 0 {
		ps.done = true
		return nil, io.EOF
	}
	return &operators.RecordBatch{
		Schema:   ps.schema,
		Columns:  columns,
		RowCount: uint64(rows),
	}, nil
}

func (ps *ParquetSource) Close() error {
	if ps.reader != nil {
		ps.reader.Release()
		ps.reader = nil
	}
	if ps.fileReader != nil {
		err := ps.fileReader.Close()
		ps.fileReader = nil
		return err
	}
	return nil
}

func (ps *ParquetSource) Schema() *arrow.Schema {
	return ps.schema
}
