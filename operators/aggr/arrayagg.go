package aggr

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	_ = (operators.Operator)(&GroupedArrayAggExec{})
)

// arrayAggState collects one group's values in arrival order. Null rows are
// kept as null elements, so the output array mirrors the group's input rows
// exactly instead of compacting them away.
type arrayAggState struct {
	values []float64
	valid  []bool
}

func (s *arrayAggState) append(v float64, isValid bool) {
	s.values = append(s.values, v)
	s.valid = append(s.valid, isValid)
}

// arrayAggStates pages sparse group ids the same way the percentile driver
// does: fixed-size pages allocated on first touch, visited in ascending id
// order at emit time.
type arrayAggStates struct {
	pages map[int64][]*arrayAggState
	count int
}

func newArrayAggStates() *arrayAggStates {
	return &arrayAggStates{pages: make(map[int64][]*arrayAggState)}
}

func (g *arrayAggStates) state(gid int64) (*arrayAggState, error) {
	if gid < 0 {
		return nil, ErrInvalidGroupID(gid)
	}
	pageID, slot := gid/statePageSize, gid%statePageSize
	page, ok := g.pages[pageID]
	if !ok {
		page = make([]*arrayAggState, statePageSize)
		g.pages[pageID] = page
	}
	if page[slot] == nil {
		page[slot] = &arrayAggState{}
		g.count++
	}
	return page[slot], nil
}

func (g *arrayAggStates) each(fn func(gid int64, st *arrayAggState)) {
	pageIDs := make([]int64, 0, len(g.pages))
	for id := range g.pages {
		pageIDs = append(pageIDs, id)
	}
	sort.Slice(pageIDs, func(i, j int) bool { return pageIDs[i] < pageIDs[j] })

	for _, pageID := range pageIDs {
		for slot, st := range g.pages[pageID] {
			if st == nil {
				continue
			}
			fn(pageID*statePageSize+int64(slot), st)
		}
	}
}

// ===================
// ArrayAgg Operator
// ===================
// pipeline breaker: collect every group's values into an array, one row per
// observed group ordered by group id. Unlike the other aggregates, null
// values are kept, as null elements of the group's array.
type GroupedArrayAggExec struct {
	child    operators.Operator
	schema   *arrow.Schema
	groupIdx int
	valueIdx int
	kind     ValueKind
	states   *arrayAggStates
	done     bool
}

func NewGroupedArrayAggExec(child operators.Operator, groupCol, valueCol string) (*GroupedArrayAggExec, error) {
	groupIdx, valueIdx, _, kind, err := resolveAggrColumns(child.Schema(), groupCol, valueCol, "")
	if err != nil {
		return nil, err
	}
	fields := []arrow.Field{
		{Name: groupCol, Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: fmt.Sprintf("array_agg_%s", valueCol), Type: arrow.ListOf(kind.ArrowType()), Nullable: true},
	}
	return &GroupedArrayAggExec{
		child:    child,
		schema:   arrow.NewSchema(fields, nil),
		groupIdx: groupIdx,
		valueIdx: valueIdx,
		kind:     kind,
		states:   newArrayAggStates(),
	}, nil
}

func (g *GroupedArrayAggExec) Next(n uint16) (*operators.RecordBatch, error) {
	if g.done {
		return nil, io.EOF
	}
	for {
		childBatch, err := g.child.Next(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if err := g.consume(childBatch); err != nil {
			return nil, err
		}
	}
	g.done = true
	return g.emit()
}

func (g *GroupedArrayAggExec) consume(rb *operators.RecordBatch) error {
	gidCol, ok := rb.Columns[g.groupIdx].(*array.Int64)
	if !ok {
		return ErrInvalidGroupColumn(rb.Columns[g.groupIdx].DataType())
	}
	values, _, err := normalizeColumn(rb.Columns[g.valueIdx])
	if err != nil {
		return err
	}
	for i := 0; i < gidCol.Len(); i++ {
		if gidCol.IsNull(i) {
			return ErrInvalidGroupID(-1)
		}
		st, err := g.states.state(gidCol.Value(i))
		if err != nil {
			return err
		}
		st.append(values.Value(i), !values.IsNull(i))
	}
	return nil
}

func (g *GroupedArrayAggExec) emit() (*operators.RecordBatch, error) {
	mem := memory.NewGoAllocator()
	gidBuilder := array.NewInt64Builder(mem)
	defer gidBuilder.Release()
	listBuilder := array.NewListBuilder(mem, g.kind.ArrowType())
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder()

	g.states.each(func(gid int64, st *arrayAggState) {
		gidBuilder.Append(gid)
		listBuilder.Append(true)
		for i, v := range st.values {
			if !st.valid[i] {
				valueBuilder.AppendNull()
				continue
			}
			g.kind.AppendProjected(valueBuilder, v)
		}
	})

	rows := g.states.count
	return &operators.RecordBatch{
		Schema:   g.schema,
		Columns:  []arrow.Array{gidBuilder.NewArray(), listBuilder.NewArray()},
		RowCount: uint64(rows),
	}, nil
}

func (g *GroupedArrayAggExec) Schema() *arrow.Schema {
	return g.schema
}

func (g *GroupedArrayAggExec) Close() error {
	return g.child.Close()
}
