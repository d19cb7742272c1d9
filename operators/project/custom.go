package project

import (
	"fmt"
	"io"

	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	_ = (operators.Operator)(&InMemorySource{})
)

// in memory source, mostly for tests and small local runs
// same as other sources, plain Go slices come in and arrow columns come out

var (
	ErrInvalidInMemoryDataType = func(Type any) error {
		return fmt.Errorf("%T is not a supported in memory dataType for InMemorySource", Type)
	}
	ErrEmptyColumnsToProject = fmt.Errorf("no columns were provided to project down to")
	ErrProjectColumnNotFound = fmt.Errorf("requested projection column does not exist in the schema")
)

type InMemorySource struct {
	schema        *arrow.Schema
	columns       []arrow.Array
	pos           uint16
	fieldToColIDx map[string]int
}

func NewInMemoryProjectExec(names []string, columns []any) (*InMemorySource, error) {
	if len(names) != len(columns) {
		return nil, operators.ErrInvalidSchema("number of column names and columns do not match")
	}
	fields := make([]arrow.Field, 0, len(names))
	arrays := make([]arrow.Array, 0, len(names))
	fieldToColIDx := make(map[string]int)
	for i, col := range columns {
		field, arr, err := unpackColumn(names[i], col)
		if err != nil {
			return nil, ErrInvalidInMemoryDataType(col)
		}
		fields = append(fields, field)
		arrays = append(arrays, arr)
		fieldToColIDx[field.Name] = i
	}
	return &InMemorySource{
		schema:        arrow.NewSchema(fields, nil),
		columns:       arrays,
		fieldToColIDx: fieldToColIDx,
	}, nil
}

// WithFields narrows the source down to the named columns, in the given order.
func (ms *InMemorySource) WithFields(names ...string) error {
	newSchema, cols, err := ProjectSchemaFilterDown(ms.schema, ms.columns, names...)
	if err != nil {
		return err
	}
	newMap := make(map[string]int)
	for i, f := range newSchema.Fields() {
		newMap[f.Name] = i
	}
	ms.schema = newSchema
	ms.fieldToColIDx = newMap
	ms.columns = cols
	return nil
}

func (ms *InMemorySource) Next(n uint16) (*operators.RecordBatch, error) {
	if len(ms.columns) == 0 || ms.pos >= uint16(ms.columns[0].Len()) {
		return nil, io.EOF
	}
	var currRows uint16 = 0
	outPutCols := make([]arrow.Array, len(ms.schema.Fields()))

	for i, field := range ms.schema.Fields() {
		col := ms.columns[ms.fieldToColIDx[field.Name]]
		colLen := uint16(col.Len())
		remaining := colLen - ms.pos
		toRead := n
		if remaining < n {
			toRead = remaining
		}
		slice := array.NewSlice(col, int64(ms.pos), int64(ms.pos+toRead))
		outPutCols[i] = slice
		currRows = toRead
	}
	ms.pos += currRows

	return &operators.RecordBatch{
		Schema:   ms.schema,
		Columns:  outPutCols,
		RowCount: uint64(currRows),
	}, nil
}

func (ms *InMemorySource) Close() error {
	for _, c := range ms.columns {
		c.Release()
	}
	return nil
}

func (ms *InMemorySource) Schema() *arrow.Schema {
	return ms.schema
}

func unpackColumn(name string, col any) (arrow.Field, arrow.Array, error) {
	var field arrow.Field
	field.Name = name
	field.Nullable = true // default to nullable
	switch colType := col.(type) {
	case []int:
		field.Type = arrow.PrimitiveTypes.Int64
		b := array.NewInt64Builder(memory.DefaultAllocator)
		defer b.Release()
		for _, v := range colType {
			b.Append(int64(v))
		}
		return field, b.NewArray(), nil
	case []int32:
		field.Type = arrow.PrimitiveTypes.Int32
		b := array.NewInt32Builder(memory.DefaultAllocator)
		defer b.Release()
		b.AppendValues(colType, nil)
		return field, b.NewArray(), nil
	case []int64:
		field.Type = arrow.PrimitiveTypes.Int64
		b := array.NewInt64Builder(memory.DefaultAllocator)
		defer b.Release()
		b.AppendValues(colType, nil)
		return field, b.NewArray(), nil
	case []float32:
		field.Type = arrow.PrimitiveTypes.Float32
		b := array.NewFloat32Builder(memory.DefaultAllocator)
		defer b.Release()
		b.AppendValues(colType, nil)
		return field, b.NewArray(), nil
	case []float64:
		field.Type = arrow.PrimitiveTypes.Float64
		b := array.NewFloat64Builder(memory.DefaultAllocator)
		defer b.Release()
		b.AppendValues(colType, nil)
		return field, b.NewArray(), nil
	case []string:
		field.Type = arrow.BinaryTypes.String
		b := array.NewStringBuilder(memory.DefaultAllocator)
		defer b.Release()
		b.AppendValues(colType, nil)
		return field, b.NewArray(), nil
	case []bool:
		field.Type = arrow.FixedWidthTypes.Boolean
		b := array.NewBooleanBuilder(memory.DefaultAllocator)
		defer b.Release()
		b.AppendValues(colType, nil)
		return field, b.NewArray(), nil
	}
	return arrow.Field{}, nil, fmt.Errorf("unsupported column type for column %s", name)
}

// handle keeping only the requested columns but make sure the schema and columns stay aligned
// returns an error if a column doesn't exist
func ProjectSchemaFilterDown(schema *arrow.Schema, cols []arrow.Array, keepCols ...string) (*arrow.Schema, []arrow.Array, error) {
	if len(keepCols) == 0 {
		return arrow.NewSchema([]arrow.Field{}, nil), nil, ErrEmptyColumnsToProject
	}

	fieldIndex := make(map[string]int)
	for i, f := range schema.Fields() {
		fieldIndex[f.Name] = i
	}

	newFields := make([]arrow.Field, 0, len(keepCols))
	newCols := make([]arrow.Array, 0, len(keepCols))

	// preserve order from keepCols, not schema order
	for _, name := range keepCols {
		idx, exists := fieldIndex[name]
		if !exists {
			return arrow.NewSchema([]arrow.Field{}, nil), []arrow.Array{}, ErrProjectColumnNotFound
		}

		newFields = append(newFields, schema.Field(idx))
		col := cols[idx]
		col.Retain()
		newCols = append(newCols, col)
	}

	newSchema := arrow.NewSchema(newFields, nil)
	return newSchema, newCols, nil
}
