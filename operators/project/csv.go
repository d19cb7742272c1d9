package project

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	_ = (operators.Operator)(&CSVSource{})
)

// CSVSource streams rows out of a csv file. The schema is inferred from the
// header plus the first data row; empty cells and the literal NULL map to
// null values.
type CSVSource struct {
	r            *csv.Reader
	schema       *arrow.Schema
	colPosition  map[string]int
	firstDataRow []string
	done         bool
}

func NewCSVSource(source io.Reader) (*CSVSource, error) {
	proj := &CSVSource{
		r:           csv.NewReader(source),
		colPosition: make(map[string]int),
	}
	var err error
	proj.schema, err = proj.parseHeader()
	return proj, err
}

func (csvS *CSVSource) Next(n uint16) (*operators.RecordBatch, error) {
	if csvS.done {
		return nil, io.EOF
	}

	builders := csvS.initBuilders()
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	rowsRead := uint16(0)

	// parseHeader consumed one data row for type inference, replay it first
	if csvS.firstDataRow != nil && rowsRead < n {
		if err := csvS.processRow(csvS.firstDataRow, builders); err != nil {
			return nil, err
		}
		csvS.firstDataRow = nil
		rowsRead++
	}

	for rowsRead < n {
		row, err := csvS.r.Read()
		if err == io.EOF {
			if rowsRead == 0 {
				csvS.done = true
				return nil, io.EOF
			}
			break
		}
		if err != nil {
			return nil, err
		}
		if err := csvS.processRow(row, builders); err != nil {
			return nil, err
		}
		rowsRead++
	}

	columns := make([]arrow.Array, len(builders))
	for i, b := range builders {
		columns[i] = b.NewArray()
	}
	return &operators.RecordBatch{
		Schema:   csvS.schema,
		Columns:  columns,
		RowCount: uint64(rowsRead),
	}, nil
}

func (csvS *CSVSource) Close() error {
	csvS.r = nil
	csvS.done = true
	return nil
}

func (csvS *CSVSource) Schema() *arrow.Schema {
	return csvS.schema
}

func (csvS *CSVSource) initBuilders() []array.Builder {
	fields := csvS.schema.Fields()
	builders := make([]array.Builder, len(fields))
	for i, f := range fields {
		builders[i] = array.NewBuilder(memory.DefaultAllocator, f.Type)
	}
	return builders
}

func isNullCell(cell string) bool {
	return cell == "" || strings.EqualFold(cell, "NULL")
}

func (csvS *CSVSource) processRow(content []string, builders []array.Builder) error {
	fields := csvS.schema.Fields()
	for i, f := range fields {
		cell := content[csvS.colPosition[f.Name]]
		if isNullCell(cell) {
			builders[i].AppendNull()
			continue
		}
		switch b := builders[i].(type) {
		case *array.Int64Builder:
			v, err := strconv.ParseInt(cell, 10, 64)
			if err != nil {
				b.AppendNull()
			} else {
				b.Append(v)
			}
		case *array.Float64Builder:
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				b.AppendNull()
			} else {
				b.Append(v)
			}
		case *array.StringBuilder:
			b.Append(cell)
		case *array.BooleanBuilder:
			b.Append(cell == "true")
		default:
			return fmt.Errorf("unsupported Arrow type: %s", f.Type)
		}
	}
	return nil
}

// parseHeader reads the header row and one data row to infer column types
func (csvS *CSVSource) parseHeader() (*arrow.Schema, error) {
	header, err := csvS.r.Read()
	if err != nil {
		return nil, err
	}
	firstDataRow, err := csvS.r.Read()
	if err != nil {
		return nil, err
	}
	csvS.firstDataRow = firstDataRow
	newFields := make([]arrow.Field, 0, len(header))
	for i, colName := range header {
		newFields = append(newFields, arrow.Field{
			Name:     colName,
			Type:     parseDataType(firstDataRow[i]),
			Nullable: true,
		})
		csvS.colPosition[colName] = i
	}
	return arrow.NewSchema(newFields, nil), nil
}

func parseDataType(sample string) arrow.DataType {
	sample = strings.TrimSpace(sample)

	if isNullCell(sample) {
		return arrow.BinaryTypes.String
	}
	if sample == "true" || sample == "false" {
		return arrow.FixedWidthTypes.Boolean
	}
	if _, err := strconv.Atoi(sample); err == nil {
		return arrow.PrimitiveTypes.Int64
	}
	if _, err := strconv.ParseFloat(sample, 64); err == nil {
		return arrow.PrimitiveTypes.Float64
	}
	return arrow.BinaryTypes.String
}
