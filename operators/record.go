package operators

import (
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	ErrInvalidSchema = func(info string) error {
		return fmt.Errorf("invalid schema was provided. context: %s", info)
	}
)

type Operator interface {
	Next(uint16) (*RecordBatch, error)
	Schema() *arrow.Schema
	// Call Operator.Close() after Next returns an io.EOF to clean up resources
	Close() error
}

type RecordBatch struct {
	Schema   *arrow.Schema
	Columns  []arrow.Array
	RowCount uint64
}

type SchemaBuilder struct {
	fields []arrow.Field
}

type RecordBatchBuilder struct {
	SchemaBuilder *SchemaBuilder
}

func NewRecordBatchBuilder() *RecordBatchBuilder {
	return &RecordBatchBuilder{
		SchemaBuilder: &SchemaBuilder{
			fields: make([]arrow.Field, 0, 10),
		},
	}
}

func (sb *SchemaBuilder) WithField(name string, dtype arrow.DataType, nullable bool) *SchemaBuilder {
	sb.fields = append(sb.fields, arrow.Field{
		Name:     name,
		Type:     dtype,
		Nullable: nullable,
	})
	return sb
}

func (sb *SchemaBuilder) WithoutField(names ...string) *SchemaBuilder {
	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}

	newFields := make([]arrow.Field, 0, len(sb.fields))
	for _, field := range sb.fields {
		_, found := nameSet[field.Name]
		if !found {
			newFields = append(newFields, field)
		}
	}
	sb.fields = newFields
	return sb
}

func (sb *SchemaBuilder) Build() *arrow.Schema {
	return arrow.NewSchema(sb.fields, nil)
}

func (rbb *RecordBatchBuilder) Schema() *arrow.Schema {
	return arrow.NewSchema(rbb.SchemaBuilder.fields, nil)
}

// schema is always right in case of type mismatches
func (rbb *RecordBatchBuilder) validate(schema *arrow.Schema, columns []arrow.Array) error {
	if len(schema.Fields()) != len(columns) {
		return ErrInvalidSchema("schema fields and column count do not match")
	}
	var errors []string
	for i := 0; i < len(columns); i++ {
		field := schema.Field(i)
		colType := columns[i].DataType()

		if !arrow.TypeEqual(colType, field.Type) {
			errors = append(errors,
				fmt.Sprintf("Type mismatch at position %d: column '%s' has type '%s', but schema expects '%s'.",
					i, field.Name, colType, field.Type))
		}
	}
	if len(errors) > 0 {
		return ErrInvalidSchema(strings.Join(errors, " "))
	}
	return nil
}

func (rbb *RecordBatchBuilder) NewRecordBatch(schema *arrow.Schema, columns []arrow.Array) (*RecordBatch, error) {
	if err := rbb.validate(schema, columns); err != nil {
		return nil, err
	}
	rows := uint64(0)
	if len(columns) > 0 {
		rows = uint64(columns[0].Len())
	}
	return &RecordBatch{
		Schema:   schema,
		Columns:  columns,
		RowCount: rows,
	}, nil
}

func (rb *RecordBatch) DeepEqual(other *RecordBatch) bool {
	if !rb.Schema.Equal(other.Schema) {
		return false
	}
	if len(rb.Columns) != len(other.Columns) {
		return false
	}
	for i := 0; i < len(rb.Columns); i++ {
		if !array.Equal(rb.Columns[i], other.Columns[i]) {
			return false
		}
	}
	return true
}

// Release drops the batch's column buffers back to the allocator.
func (rb *RecordBatch) Release() {
	for _, col := range rb.Columns {
		col.Release()
	}
	rb.Columns = nil
	rb.RowCount = 0
}

func (rbb *RecordBatchBuilder) GenIntArray(values ...int) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewInt32Builder(mem)
	defer builder.Release()
	for _, v := range values {
		builder.Append(int32(v))
	}
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenInt64Array(values ...int64) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewInt64Builder(mem)
	defer builder.Release()
	for _, v := range values {
		builder.Append(v)
	}
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenFloatArray(values ...float64) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewFloat64Builder(mem)
	defer builder.Release()
	for _, v := range values {
		builder.Append(v)
	}
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenFloat32Array(values ...float32) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewFloat32Builder(mem)
	defer builder.Release()
	for _, v := range values {
		builder.Append(v)
	}
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenStringArray(values ...string) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewStringBuilder(mem)
	defer builder.Release()
	for _, v := range values {
		builder.Append(v)
	}
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenBoolArray(values ...bool) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewBooleanBuilder(mem)
	defer builder.Release()
	for _, v := range values {
		builder.Append(v)
	}
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenBinaryArray(values ...[]byte) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer builder.Release()
	for _, v := range values {
		builder.Append(v)
	}
	return builder.NewArray()
}

// GenInt64ArrayWithNulls builds an Int64 array where valid[i]==false marks row i null.
func (rbb *RecordBatchBuilder) GenInt64ArrayWithNulls(values []int64, valid []bool) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewInt64Builder(mem)
	defer builder.Release()
	builder.AppendValues(values, valid)
	return builder.NewArray()
}

// GenIntArrayWithNulls builds an Int32 array where valid[i]==false marks row i null.
func (rbb *RecordBatchBuilder) GenIntArrayWithNulls(values []int32, valid []bool) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewInt32Builder(mem)
	defer builder.Release()
	builder.AppendValues(values, valid)
	return builder.NewArray()
}

// GenFloatArrayWithNulls builds a Float64 array where valid[i]==false marks row i null.
func (rbb *RecordBatchBuilder) GenFloatArrayWithNulls(values []float64, valid []bool) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewFloat64Builder(mem)
	defer builder.Release()
	builder.AppendValues(values, valid)
	return builder.NewArray()
}

// GenFloat32ArrayWithNulls builds a Float32 array where valid[i]==false marks row i null.
func (rbb *RecordBatchBuilder) GenFloat32ArrayWithNulls(values []float32, valid []bool) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewFloat32Builder(mem)
	defer builder.Release()
	builder.AppendValues(values, valid)
	return builder.NewArray()
}
