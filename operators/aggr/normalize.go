package aggr

import (
	"context"
	"fmt"
	"math"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
)

var (
	ErrInvalidAggrColumnType = func(value any) error {
		return fmt.Errorf("%v of type %T cannot be cast to float64 so it is not a valid column type to aggregate on", value, value)
	}
)

// ValueKind identifies the numeric family of an input column. Samples are
// normalized to float64 internally and results are projected back to the
// kind of the column they came from.
type ValueKind uint8

const (
	KindInt64 ValueKind = iota
	KindInt32
	KindFloat32
	KindFloat64
)

func (k ValueKind) String() string {
	switch k {
	case KindInt64:
		return "int64"
	case KindInt32:
		return "int32"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// KindOfType maps an input column type to its value kind.
func KindOfType(dt arrow.DataType) (ValueKind, error) {
	switch dt.ID() {
	case arrow.INT64:
		return KindInt64, nil
	case arrow.INT32:
		return KindInt32, nil
	case arrow.FLOAT32:
		return KindFloat32, nil
	case arrow.FLOAT64:
		return KindFloat64, nil
	default:
		return 0, ErrInvalidAggrColumnType(dt)
	}
}

// ArrowType is the output column type for results of this kind.
func (k ValueKind) ArrowType() arrow.DataType {
	switch k {
	case KindInt64:
		return arrow.PrimitiveTypes.Int64
	case KindInt32:
		return arrow.PrimitiveTypes.Int32
	case KindFloat32:
		return arrow.PrimitiveTypes.Float32
	default:
		return arrow.PrimitiveTypes.Float64
	}
}

// AppendProjected writes one normalized result into a builder of this kind's
// arrow type. Interpolated quantiles over integer columns round half away
// from zero; float32 results truncate to single precision.
func (k ValueKind) AppendProjected(b array.Builder, v float64) {
	switch k {
	case KindInt64:
		b.(*array.Int64Builder).Append(int64(math.Round(v)))
	case KindInt32:
		b.(*array.Int32Builder).Append(int32(math.Round(v)))
	case KindFloat32:
		b.(*array.Float32Builder).Append(float32(v))
	default:
		b.(*array.Float64Builder).Append(v)
	}
}

func castArrayToFloat64(arr arrow.Array) (arrow.Array, error) {
	outDatum, err := compute.CastArray(context.TODO(), arr, compute.NewCastOptions(&arrow.Float64Type{}, true))
	if err != nil {
		return nil, err
	}

	return outDatum, nil
}

// normalizeColumn validates the column kind and hands back its float64 view.
// The null bitmap carries over through the cast.
func normalizeColumn(arr arrow.Array) (*array.Float64, ValueKind, error) {
	kind, err := KindOfType(arr.DataType())
	if err != nil {
		return nil, 0, err
	}
	cast, err := castArrayToFloat64(arr)
	if err != nil {
		return nil, 0, err
	}
	return cast.(*array.Float64), kind, nil
}
