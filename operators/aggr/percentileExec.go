package aggr

import (
	"errors"
	"io"

	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	_ = (operators.Operator)(&ApproxPercentileExec{})
)

// ===================
// Ungrouped Operator
// ===================
// handles approx_percentile without group by: drain the child into a single
// digest and emit one row
type ApproxPercentileExec struct {
	child       operators.Operator
	schema      *arrow.Schema
	valueIdx    int
	weightIdx   int // -1 when unweighted
	percentiles []float64
	state       *PercentileState
	done        bool
}

// NewApproxPercentileExec builds the exec. weightCol may be empty for the
// unweighted form. Bad percentiles or a bad accuracy fail here, before any
// input is consumed.
func NewApproxPercentileExec(child operators.Operator, valueCol, weightCol string, percentiles []float64, accuracy float64) (*ApproxPercentileExec, error) {
	if err := ValidatePercentiles(percentiles); err != nil {
		return nil, err
	}
	_, valueIdx, weightIdx, kind, err := resolveAggrColumns(child.Schema(), "", valueCol, weightCol)
	if err != nil {
		return nil, err
	}
	state, err := NewPercentileState(kind, accuracy)
	if err != nil {
		return nil, err
	}

	fields := []arrow.Field{percentileResultField(valueCol, kind, len(percentiles))}
	return &ApproxPercentileExec{
		child:       child,
		schema:      arrow.NewSchema(fields, nil),
		valueIdx:    valueIdx,
		weightIdx:   weightIdx,
		percentiles: percentiles,
		state:       state,
	}, nil
}

func (a *ApproxPercentileExec) Next(n uint16) (*operators.RecordBatch, error) {
	if a.done {
		return nil, io.EOF
	}
	for {
		childBatch, err := a.child.Next(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		values, _, err := normalizeColumn(childBatch.Columns[a.valueIdx])
		if err != nil {
			return nil, err
		}
		var weights *array.Float64
		if a.weightIdx >= 0 {
			weights, _, err = normalizeColumn(childBatch.Columns[a.weightIdx])
			if err != nil {
				return nil, err
			}
		}
		if err := a.state.AddBatch(values, weights); err != nil {
			return nil, err
		}
	}
	a.done = true

	mem := memory.NewGoAllocator()
	resultBuilder := array.NewBuilder(mem, a.schema.Field(0).Type)
	defer resultBuilder.Release()
	appendPercentileResult(resultBuilder, a.state, a.percentiles)

	return &operators.RecordBatch{
		Schema:   a.schema,
		Columns:  []arrow.Array{resultBuilder.NewArray()},
		RowCount: 1,
	}, nil
}

func (a *ApproxPercentileExec) Schema() *arrow.Schema {
	return a.schema
}

func (a *ApproxPercentileExec) Close() error {
	return a.child.Close()
}
