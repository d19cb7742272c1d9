package aggr

import (
	"errors"
	"fmt"
	"io"

	"approx-sql-go/digest"
	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	ErrInvalidStateColumn = func(dt arrow.DataType) error {
		return fmt.Errorf("state column must be binary, got %s", dt)
	}

	_ = (operators.Operator)(&PartialApproxPercentileExec{})
	_ = (operators.Operator)(&MergeApproxPercentileExec{})
)

// PartialStateSchema is the wire shape of shuffled partial aggregation rows.
func PartialStateSchema(groupCol string) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: groupCol, Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "state", Type: arrow.BinaryTypes.Binary, Nullable: false},
	}, nil)
}

// ===================
// Partial Operator
// ===================
// worker-side half of a distributed aggregation: ingest like the grouped
// exec, but stop at the intermediate step and emit (group_id, state) rows
// for shuffling instead of final percentiles
type PartialApproxPercentileExec struct {
	groupedIngest
	child  operators.Operator
	schema *arrow.Schema
	done   bool
}

func NewPartialApproxPercentileExec(child operators.Operator, groupCol, valueCol, weightCol string, accuracy float64) (*PartialApproxPercentileExec, error) {
	groupIdx, valueIdx, weightIdx, kind, err := resolveAggrColumns(child.Schema(), groupCol, valueCol, weightCol)
	if err != nil {
		return nil, err
	}
	if _, err := NewPercentileState(kind, accuracy); err != nil {
		return nil, err
	}
	return &PartialApproxPercentileExec{
		groupedIngest: groupedIngest{
			groupIdx:  groupIdx,
			valueIdx:  valueIdx,
			weightIdx: weightIdx,
			states:    newGroupedStates(kind, accuracy),
		},
		child:  child,
		schema: PartialStateSchema(groupCol),
	}, nil
}

func (p *PartialApproxPercentileExec) Next(n uint16) (*operators.RecordBatch, error) {
	if p.done {
		return nil, io.EOF
	}
	for {
		childBatch, err := p.child.Next(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if err := p.consume(childBatch); err != nil {
			return nil, err
		}
	}
	p.done = true

	mem := memory.NewGoAllocator()
	gidBuilder := array.NewInt64Builder(mem)
	defer gidBuilder.Release()
	stateBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer stateBuilder.Release()

	err := p.states.each(func(gid int64, st *PercentileState) error {
		raw, err := st.EvaluateIntermediate()
		if err != nil {
			return err
		}
		gidBuilder.Append(gid)
		stateBuilder.Append(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &operators.RecordBatch{
		Schema:   p.schema,
		Columns:  []arrow.Array{gidBuilder.NewArray(), stateBuilder.NewArray()},
		RowCount: uint64(p.states.len()),
	}, nil
}

func (p *PartialApproxPercentileExec) Schema() *arrow.Schema {
	return p.schema
}

func (p *PartialApproxPercentileExec) Close() error {
	return p.child.Close()
}

// ===================
// Merge Operator
// ===================
// coordinator-side half: consume (group_id, state) rows from any number of
// workers, combine per group, then finalize. Digest merging is commutative
// and associative within the accuracy bound, so worker order does not matter.
type MergeApproxPercentileExec struct {
	child       operators.Operator
	schema      *arrow.Schema
	valueCol    string
	percentiles []float64
	states      *groupedStates
	resolved    bool
	done        bool
}

func NewMergeApproxPercentileExec(child operators.Operator, valueCol string, percentiles []float64) (*MergeApproxPercentileExec, error) {
	if err := ValidatePercentiles(percentiles); err != nil {
		return nil, err
	}
	return &MergeApproxPercentileExec{
		child:       child,
		valueCol:    valueCol,
		percentiles: percentiles,
		states:      newGroupedStates(KindFloat64, digest.DefaultAccuracy),
	}, nil
}

func (m *MergeApproxPercentileExec) Next(n uint16) (*operators.RecordBatch, error) {
	if m.done {
		return nil, io.EOF
	}
	if m.child == nil {
		return nil, operators.ErrInvalidSchema("merge exec has no child; feed it with CombineBatch and call Finalize")
	}
	for {
		childBatch, err := m.child.Next(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if err := m.CombineBatch(childBatch); err != nil {
			return nil, err
		}
	}
	m.done = true
	return m.emit()
}

// CombineBatch folds one (group_id, state) batch in. The exchange client
// calls this directly when pulling streams outside the operator tree.
func (m *MergeApproxPercentileExec) CombineBatch(rb *operators.RecordBatch) error {
	gidCol, ok := rb.Columns[0].(*array.Int64)
	if !ok {
		return ErrInvalidGroupColumn(rb.Columns[0].DataType())
	}
	stateCol, ok := rb.Columns[1].(*array.Binary)
	if !ok {
		return ErrInvalidStateColumn(rb.Columns[1].DataType())
	}
	if gidCol.Len() != stateCol.Len() {
		return ErrColumnLengthMismatch(gidCol.Len(), stateCol.Len())
	}

	for i := 0; i < gidCol.Len(); i++ {
		if gidCol.IsNull(i) || stateCol.IsNull(i) {
			return ErrInvalidStateEncoding("null group id or state row")
		}
		st, err := UnmarshalPercentileState(stateCol.Value(i))
		if err != nil {
			return err
		}
		if !m.resolved {
			// result typing follows the first decoded state's kind
			m.states.kind = st.Kind()
			m.schema = arrow.NewSchema([]arrow.Field{
				{Name: "group_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
				percentileResultField(m.valueCol, st.Kind(), len(m.percentiles)),
			}, nil)
			m.resolved = true
		}
		if err := m.states.put(gidCol.Value(i), st); err != nil {
			return err
		}
	}
	return nil
}

// Finalize emits the combined result without pulling from a child. Used when
// batches were fed through CombineBatch.
func (m *MergeApproxPercentileExec) Finalize() (*operators.RecordBatch, error) {
	m.done = true
	return m.emit()
}

func (m *MergeApproxPercentileExec) emit() (*operators.RecordBatch, error) {
	if !m.resolved {
		// no worker shipped any state: no observed groups at all
		m.schema = arrow.NewSchema([]arrow.Field{
			{Name: "group_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
			percentileResultField(m.valueCol, KindFloat64, len(m.percentiles)),
		}, nil)
	}
	mem := memory.NewGoAllocator()
	gidBuilder := array.NewInt64Builder(mem)
	defer gidBuilder.Release()
	resultBuilder := array.NewBuilder(mem, m.schema.Field(1).Type)
	defer resultBuilder.Release()

	err := m.states.each(func(gid int64, st *PercentileState) error {
		gidBuilder.Append(gid)
		appendPercentileResult(resultBuilder, st, m.percentiles)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &operators.RecordBatch{
		Schema:   m.schema,
		Columns:  []arrow.Array{gidBuilder.NewArray(), resultBuilder.NewArray()},
		RowCount: uint64(m.states.len()),
	}, nil
}

func (m *MergeApproxPercentileExec) Schema() *arrow.Schema {
	if m.schema == nil {
		return PartialStateSchema("group_id")
	}
	return m.schema
}

func (m *MergeApproxPercentileExec) Close() error {
	if m.child == nil {
		return nil
	}
	return m.child.Close()
}
