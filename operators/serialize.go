package operators

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

/*
Spill protocol for intermediate record batches.

Pipeline-breaking operators (aggregation, partial-state exchange) cannot assume
all records fit in RAM. Every batch written through one serializer shares the
same schema, so a file is one schema block followed by repeated column blocks:

Schema block
	uint32   numberOfFields
	per field: uint32 nameLen | name | uint32 typeLen | typeString | uint8 nullable

Column block (one per column, per batch)
	int64    arrayLength (rows)
	uint32   numBuffers
	per buffer: uint64 length | raw bytes   (length 0 = absent buffer)

The schema is written to disk only to validate against the in-memory schema on
read. Between reading each column, the in-memory schema supplies the data type
for decoding and tells the reader how many columns make up one batch.
*/

type Serializer struct {
	schema *arrow.Schema // schema is always attached to the serializer
}

// NewSerializer binds a serializer to the schema every batch must match.
// A struct implementing the protocol saves allocations over attaching it to
// RecordBatch directly when spilling repeatedly.
func NewSerializer(schema *arrow.Schema) (*Serializer, error) {
	return &Serializer{
		schema: schema,
	}, nil
}

func (s *Serializer) Schema() *arrow.Schema {
	return s.schema
}

func (ss *Serializer) SerializeBatchColumns(r RecordBatch) ([]byte, error) {
	if !ss.schema.Equal(r.Schema) {
		return nil, ErrInvalidSchema("serializer schema and record batch schema are not aligned")
	}
	return ss.columnsToDisk(r.Columns)
}

func (ss *Serializer) SerializeSchema(s *arrow.Schema) ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s.Fields()))); err != nil {
		return nil, err
	}

	for _, f := range s.Fields() {
		nameBytes := []byte(f.Name)
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(nameBytes))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(nameBytes); err != nil {
			return nil, err
		}

		typeBytes := []byte(f.Type.String())
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(typeBytes))); err != nil {
			return nil, err
		}
		if _, err := buf.Write(typeBytes); err != nil {
			return nil, err
		}

		var nullable uint8
		if f.Nullable {
			nullable = 1
		}
		if err := binary.Write(buf, binary.LittleEndian, nullable); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func (ss *Serializer) columnsToDisk(columns []arrow.Array) ([]byte, error) {
	buf := new(bytes.Buffer)

	for _, col := range columns {
		data := col.Data()

		if err := binary.Write(buf, binary.LittleEndian, int64(data.Len())); err != nil {
			return nil, err
		}

		buffers := data.Buffers()
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(buffers))); err != nil {
			return nil, err
		}

		for _, b := range buffers {
			if b == nil || b.Len() == 0 {
				if err := binary.Write(buf, binary.LittleEndian, uint64(0)); err != nil {
					return nil, err
				}
				continue
			}

			if err := binary.Write(buf, binary.LittleEndian, uint64(b.Len())); err != nil {
				return nil, err
			}
			if _, err := buf.Write(b.Bytes()); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// DeserializeSchema reads the leading schema block.
func (ss *Serializer) DeserializeSchema(data io.Reader) (*arrow.Schema, error) {
	return ss.schemaFromDisk(data)
}

// DeserializeNextColumn reads one column block. Call DeserializeSchema first.
func (ss *Serializer) DeserializeNextColumn(r io.Reader, dt arrow.DataType) (arrow.Array, error) {
	var length int64
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}

	var numBuffers uint32
	if err := binary.Read(r, binary.LittleEndian, &numBuffers); err != nil {
		return nil, err
	}

	buffers := make([]*memory.Buffer, numBuffers)

	for i := uint32(0); i < numBuffers; i++ {
		var size uint64
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, err
		}

		if size == 0 {
			buffers[i] = nil
			continue
		}

		raw := make([]byte, size)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}

		buffers[i] = memory.NewBufferBytes(raw)
	}

	arrData := array.NewData(
		dt,
		int(length),
		buffers,
		nil, // children (none for primitive)
		-1,  // null count, computed lazily
		0,   // offset
	)

	return array.MakeFromData(arrData), nil
}

// DecodeRecordBatch reads one batch worth of column blocks against the
// serializer's schema.
func (ss *Serializer) DecodeRecordBatch(r io.Reader, schema *arrow.Schema) ([]arrow.Array, error) {
	if !ss.schema.Equal(schema) {
		return nil, ErrInvalidSchema("serializer schema and provided schema do not match")
	}
	arrays := make([]arrow.Array, len(schema.Fields()))

	for i, field := range schema.Fields() {
		arr, err := ss.DeserializeNextColumn(r, field.Type)
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		arrays[i] = arr
	}

	return arrays, nil
}

func (ss *Serializer) schemaFromDisk(data io.Reader) (*arrow.Schema, error) {
	var num uint32
	if err := binary.Read(data, binary.LittleEndian, &num); err != nil {
		return nil, err
	}

	fields := make([]arrow.Field, 0, num)

	for i := uint32(0); i < num; i++ {
		var nameLen uint32
		if err := binary.Read(data, binary.LittleEndian, &nameLen); err != nil {
			return nil, err
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(data, nameBytes); err != nil {
			return nil, err
		}

		var typeLen uint32
		if err := binary.Read(data, binary.LittleEndian, &typeLen); err != nil {
			return nil, err
		}
		typeBytes := make([]byte, typeLen)
		if _, err := io.ReadFull(data, typeBytes); err != nil {
			return nil, err
		}
		typ, err := BasicArrowTypeFromString(string(typeBytes))
		if err != nil {
			return nil, err
		}

		var nullable uint8
		if err := binary.Read(data, binary.LittleEndian, &nullable); err != nil {
			return nil, err
		}

		fields = append(fields, arrow.Field{
			Name:     string(nameBytes),
			Type:     typ,
			Nullable: nullable == 1,
		})
	}

	return arrow.NewSchema(fields, nil), nil
}

func BasicArrowTypeFromString(s string) (arrow.DataType, error) {
	switch s {
	case "null":
		return arrow.Null, nil
	case "bool":
		return arrow.FixedWidthTypes.Boolean, nil

	case "int8":
		return arrow.PrimitiveTypes.Int8, nil
	case "int16":
		return arrow.PrimitiveTypes.Int16, nil
	case "int32":
		return arrow.PrimitiveTypes.Int32, nil
	case "int64":
		return arrow.PrimitiveTypes.Int64, nil

	case "uint8":
		return arrow.PrimitiveTypes.Uint8, nil
	case "uint16":
		return arrow.PrimitiveTypes.Uint16, nil
	case "uint32":
		return arrow.PrimitiveTypes.Uint32, nil
	case "uint64":
		return arrow.PrimitiveTypes.Uint64, nil

	case "float32":
		return arrow.PrimitiveTypes.Float32, nil
	case "float64":
		return arrow.PrimitiveTypes.Float64, nil

	case "string", "utf8":
		return arrow.BinaryTypes.String, nil
	case "large_string", "large_utf8":
		return arrow.BinaryTypes.LargeString, nil

	case "binary":
		return arrow.BinaryTypes.Binary, nil
	case "large_binary":
		return arrow.BinaryTypes.LargeBinary, nil
	}

	return nil, fmt.Errorf("unsupported arrow type: %s", s)
}
