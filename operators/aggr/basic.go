package aggr

import (
	"errors"
	"fmt"
	"io"
	"math"

	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	ErrUnsupportedAggrFunc = func(aggr int) error {
		return fmt.Errorf("%d is an unsupported aggregate function", aggr)
	}
)

// AggrFunc represents the type of aggregation function to be performed.
type AggrFunc int

const (
	Min AggrFunc = iota
	Max
	Count
	Sum
	Avg
)

var (
	_ = (accumulator)(&MinAggrAccumulator{})
	_ = (accumulator)(&MaxAggrAccumulator{})
	_ = (accumulator)(&CountAggrAccumulator{})
	_ = (accumulator)(&SumAggrAccumulator{})
	_ = (accumulator)(&AvgAggrAccumulator{})
	_ = (operators.Operator)(&AggrExec{})
)

type accumulator interface {
	Update(value float64)
	// Finalize reports false when no value was ever seen; the exec projects
	// that as a null result
	Finalize() (float64, bool)
}

// totalOrderLess ranks NaN greater than every other value, +Inf included.
// The digest applies the same rule, so min/max/min_by/max_by and percentile
// queries agree on where NaN sits.
func totalOrderLess(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a < b
}

func newMinAggr() accumulator {
	return &MinAggrAccumulator{}
}

type MinAggrAccumulator struct {
	minV       float64
	firstValue bool
}

func (m *MinAggrAccumulator) Update(value float64) {
	if !m.firstValue {
		m.minV = value
		m.firstValue = true
		return
	}
	if totalOrderLess(value, m.minV) {
		m.minV = value
	}
}

func (m *MinAggrAccumulator) Finalize() (float64, bool) { return m.minV, m.firstValue }

func newMaxAggr() accumulator {
	return &MaxAggrAccumulator{}
}

type MaxAggrAccumulator struct {
	maxV       float64
	firstValue bool
}

func (m *MaxAggrAccumulator) Update(value float64) {
	if !m.firstValue {
		m.maxV = value
		m.firstValue = true
		return
	}
	if totalOrderLess(m.maxV, value) {
		m.maxV = value
	}
}

func (m *MaxAggrAccumulator) Finalize() (float64, bool) { return m.maxV, m.firstValue }

func NewCountAggr() accumulator {
	return &CountAggrAccumulator{}
}

type CountAggrAccumulator struct {
	count float64
}

func (c *CountAggrAccumulator) Update(_ float64) {
	c.count++
}

// count of an empty set is 0, not null
func (c *CountAggrAccumulator) Finalize() (float64, bool) { return c.count, true }

func NewSumAggr() accumulator {
	return &SumAggrAccumulator{}
}

type SumAggrAccumulator struct {
	summation float64
	used      bool
}

func (s *SumAggrAccumulator) Update(value float64) {
	s.used = true
	s.summation += value
}

func (s *SumAggrAccumulator) Finalize() (float64, bool) { return s.summation, s.used }

func newAvgAggr() accumulator {
	return &AvgAggrAccumulator{}
}

type AvgAggrAccumulator struct {
	used   bool
	values float64
	count  float64
}

func (a *AvgAggrAccumulator) Update(value float64) {
	a.used = true
	a.values += value
	a.count++
}

func (a *AvgAggrAccumulator) Finalize() (float64, bool) {
	if !a.used {
		return 0, false
	}
	return a.values / a.count, true
}

// AggregateColumn pairs a function with the column it runs over.
type AggregateColumn struct {
	AggrFunc AggrFunc
	Column   string
}

// ===================
// Aggregator Operator
// ===================
// handles global aggregations without group by
type AggrExec struct {
	child        operators.Operator
	schema       *arrow.Schema
	columnIdx    []int
	accumulators []accumulator
	done         bool
}

func NewGlobalAggrExec(child operators.Operator, aggs []AggregateColumn) (*AggrExec, error) {
	accs := make([]accumulator, len(aggs))
	idxs := make([]int, len(aggs))
	fields := make([]arrow.Field, len(aggs))
	for i, agg := range aggs {
		idx, err := fieldIndex(child.Schema(), agg.Column)
		if err != nil {
			return nil, err
		}
		if _, err := KindOfType(child.Schema().Field(idx).Type); err != nil {
			return nil, err
		}
		idxs[i] = idx

		var fieldName string
		switch agg.AggrFunc {
		case Min:
			fieldName = fmt.Sprintf("min_%s", agg.Column)
			accs[i] = newMinAggr()
		case Max:
			fieldName = fmt.Sprintf("max_%s", agg.Column)
			accs[i] = newMaxAggr()
		case Count:
			fieldName = fmt.Sprintf("count_%s", agg.Column)
			accs[i] = NewCountAggr()
		case Sum:
			fieldName = fmt.Sprintf("sum_%s", agg.Column)
			accs[i] = NewSumAggr()
		case Avg:
			fieldName = fmt.Sprintf("avg_%s", agg.Column)
			accs[i] = newAvgAggr()
		default:
			return nil, ErrUnsupportedAggrFunc(int(agg.AggrFunc))
		}
		fields[i] = arrow.Field{
			Name:     fieldName,
			Type:     arrow.PrimitiveTypes.Float64,
			Nullable: true,
		}
	}
	return &AggrExec{
		child:        child,
		schema:       arrow.NewSchema(fields, nil),
		columnIdx:    idxs,
		accumulators: accs,
	}, nil
}

// pipeline breaker: consume every child batch, then emit one row with every
// requested aggregate
func (a *AggrExec) Next(n uint16) (*operators.RecordBatch, error) {
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
		for i, idx := range a.columnIdx {
			values, _, err := normalizeColumn(childBatch.Columns[idx])
			if err != nil {
				return nil, err
			}
			acc := a.accumulators[i]
			for j := 0; j < values.Len(); j++ {
				if values.IsNull(j) {
					continue
				}
				acc.Update(values.Value(j))
			}
		}
	}
	a.done = true

	mem := memory.NewGoAllocator()
	resultColumns := make([]arrow.Array, len(a.accumulators))
	for i := range a.accumulators {
		b := array.NewFloat64Builder(mem)
		if v, ok := a.accumulators[i].Finalize(); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
		resultColumns[i] = b.NewArray()
		b.Release()
	}
	return &operators.RecordBatch{
		Schema:   a.schema,
		Columns:  resultColumns,
		RowCount: 1,
	}, nil
}

func (a *AggrExec) Schema() *arrow.Schema {
	return a.schema
}

func (a *AggrExec) Close() error {
	return a.child.Close()
}
