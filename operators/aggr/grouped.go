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
	ErrInvalidGroupID = func(id int64) error {
		return fmt.Errorf("group id must be a non-negative int64, got %d", id)
	}
	ErrInvalidGroupColumn = func(dt arrow.DataType) error {
		return fmt.Errorf("group id column must be int64, got %s", dt)
	}

	_ = (operators.Operator)(&GroupedApproxPercentileExec{})
)

// groups are sparse, so states live in fixed-size pages allocated on first
// touch. Group id 7000000 costs one page, not seven million slots, and a
// query with 50k+ groups never rescans or reallocates a flat table.
const statePageSize = 1024

type groupedStates struct {
	kind     ValueKind
	accuracy float64
	pages    map[int64][]*PercentileState
	count    int
}

func newGroupedStates(kind ValueKind, accuracy float64) *groupedStates {
	return &groupedStates{
		kind:     kind,
		accuracy: accuracy,
		pages:    make(map[int64][]*PercentileState),
	}
}

// state returns the accumulator for a group, allocating its page and slot on
// first touch. Groups never share digests.
func (g *groupedStates) state(gid int64) (*PercentileState, error) {
	if gid < 0 {
		return nil, ErrInvalidGroupID(gid)
	}
	pageID, slot := gid/statePageSize, gid%statePageSize
	page, ok := g.pages[pageID]
	if !ok {
		page = make([]*PercentileState, statePageSize)
		g.pages[pageID] = page
	}
	if page[slot] == nil {
		st, err := NewPercentileState(g.kind, g.accuracy)
		if err != nil {
			return nil, err
		}
		page[slot] = st
		g.count++
	}
	return page[slot], nil
}

// put installs an externally built state, combining when the group exists.
func (g *groupedStates) put(gid int64, st *PercentileState) error {
	if gid < 0 {
		return ErrInvalidGroupID(gid)
	}
	pageID, slot := gid/statePageSize, gid%statePageSize
	page, ok := g.pages[pageID]
	if !ok {
		page = make([]*PercentileState, statePageSize)
		g.pages[pageID] = page
	}
	if page[slot] == nil {
		page[slot] = st
		g.count++
		return nil
	}
	return page[slot].Combine(st)
}

func (g *groupedStates) len() int {
	return g.count
}

// each visits every populated group in ascending group id order.
func (g *groupedStates) each(fn func(gid int64, st *PercentileState) error) error {
	pageIDs := make([]int64, 0, len(g.pages))
	for id := range g.pages {
		pageIDs = append(pageIDs, id)
	}
	sort.Slice(pageIDs, func(i, j int) bool { return pageIDs[i] < pageIDs[j] })

	for _, pageID := range pageIDs {
		page := g.pages[pageID]
		for slot, st := range page {
			if st == nil {
				continue
			}
			if err := fn(pageID*statePageSize+int64(slot), st); err != nil {
				return err
			}
		}
	}
	return nil
}

// groupedIngest is the shared row loop of the final and partial grouped
// execs: route each row's sample to its group's digest.
type groupedIngest struct {
	groupIdx  int
	valueIdx  int
	weightIdx int // -1 when unweighted
	states    *groupedStates
}

func (g *groupedIngest) consume(rb *operators.RecordBatch) error {
	gidCol, ok := rb.Columns[g.groupIdx].(*array.Int64)
	if !ok {
		return ErrInvalidGroupColumn(rb.Columns[g.groupIdx].DataType())
	}
	values, _, err := normalizeColumn(rb.Columns[g.valueIdx])
	if err != nil {
		return err
	}
	var weights *array.Float64
	if g.weightIdx >= 0 {
		weights, _, err = normalizeColumn(rb.Columns[g.weightIdx])
		if err != nil {
			return err
		}
		if values.Len() != weights.Len() {
			return ErrColumnLengthMismatch(values.Len(), weights.Len())
		}
	}

	for i := 0; i < gidCol.Len(); i++ {
		if gidCol.IsNull(i) {
			return ErrInvalidGroupID(-1)
		}
		st, err := g.states.state(gidCol.Value(i))
		if err != nil {
			return err
		}
		if values.IsNull(i) {
			continue
		}
		w := 1.0
		if weights != nil {
			if weights.IsNull(i) {
				continue
			}
			w = weights.Value(i)
		}
		if err := st.Add(values.Value(i), w); err != nil {
			return err
		}
	}
	return nil
}

// ===================
// Grouped Operator
// ===================
// pipeline breaker: drains the child, feeds per-group digests, then emits one
// row per observed group ordered by group id
type GroupedApproxPercentileExec struct {
	groupedIngest
	child       operators.Operator
	schema      *arrow.Schema
	percentiles []float64
	done        bool
}

func NewGroupedApproxPercentileExec(child operators.Operator, groupCol, valueCol, weightCol string, percentiles []float64, accuracy float64) (*GroupedApproxPercentileExec, error) {
	if err := ValidatePercentiles(percentiles); err != nil {
		return nil, err
	}
	groupIdx, valueIdx, weightIdx, kind, err := resolveAggrColumns(child.Schema(), groupCol, valueCol, weightCol)
	if err != nil {
		return nil, err
	}
	states := newGroupedStates(kind, accuracy)
	// fail a bad accuracy now, before any input is consumed
	if _, err := NewPercentileState(kind, accuracy); err != nil {
		return nil, err
	}

	fields := []arrow.Field{
		{Name: groupCol, Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		percentileResultField(valueCol, kind, len(percentiles)),
	}
	return &GroupedApproxPercentileExec{
		groupedIngest: groupedIngest{
			groupIdx:  groupIdx,
			valueIdx:  valueIdx,
			weightIdx: weightIdx,
			states:    states,
		},
		child:       child,
		schema:      arrow.NewSchema(fields, nil),
		percentiles: percentiles,
	}, nil
}

func (g *GroupedApproxPercentileExec) Next(n uint16) (*operators.RecordBatch, error) {
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

func (g *GroupedApproxPercentileExec) emit() (*operators.RecordBatch, error) {
	mem := memory.NewGoAllocator()
	gidBuilder := array.NewInt64Builder(mem)
	defer gidBuilder.Release()
	resultBuilder := array.NewBuilder(mem, g.schema.Field(1).Type)
	defer resultBuilder.Release()

	err := g.states.each(func(gid int64, st *PercentileState) error {
		gidBuilder.Append(gid)
		appendPercentileResult(resultBuilder, st, g.percentiles)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows := g.states.len()
	return &operators.RecordBatch{
		Schema:   g.schema,
		Columns:  []arrow.Array{gidBuilder.NewArray(), resultBuilder.NewArray()},
		RowCount: uint64(rows),
	}, nil
}

func (g *GroupedApproxPercentileExec) Schema() *arrow.Schema {
	return g.schema
}

func (g *GroupedApproxPercentileExec) Close() error {
	return g.child.Close()
}

// resolveAggrColumns finds the column positions by name and derives the value
// kind from the value column's type.
func resolveAggrColumns(schema *arrow.Schema, groupCol, valueCol, weightCol string) (groupIdx, valueIdx, weightIdx int, kind ValueKind, err error) {
	groupIdx = -1
	if groupCol != "" {
		if groupIdx, err = fieldIndex(schema, groupCol); err != nil {
			return
		}
		if schema.Field(groupIdx).Type.ID() != arrow.INT64 {
			err = ErrInvalidGroupColumn(schema.Field(groupIdx).Type)
			return
		}
	}
	if valueIdx, err = fieldIndex(schema, valueCol); err != nil {
		return
	}
	if kind, err = KindOfType(schema.Field(valueIdx).Type); err != nil {
		return
	}
	weightIdx = -1
	if weightCol != "" {
		weightIdx, err = fieldIndex(schema, weightCol)
	}
	return
}

func fieldIndex(schema *arrow.Schema, name string) (int, error) {
	indices := schema.FieldIndices(name)
	if len(indices) == 0 {
		return -1, operators.ErrInvalidSchema(fmt.Sprintf("column %q does not exist", name))
	}
	return indices[0], nil
}

// percentileResultField is scalar for a single percentile and list<input type>
// for a percentile array.
func percentileResultField(valueCol string, kind ValueKind, percentileCount int) arrow.Field {
	name := fmt.Sprintf("approx_percentile_%s", valueCol)
	if percentileCount == 1 {
		return arrow.Field{Name: name, Type: kind.ArrowType(), Nullable: true}
	}
	return arrow.Field{Name: name, Type: arrow.ListOf(kind.ArrowType()), Nullable: true}
}

// appendPercentileResult projects one group's answer into the result column,
// null when the group never saw a usable sample. Output order inside a list
// matches the request order exactly.
func appendPercentileResult(b array.Builder, st *PercentileState, percentiles []float64) {
	vs, ok := st.EvaluateFinal(percentiles)
	if !ok {
		b.AppendNull()
		return
	}
	if lb, isList := b.(*array.ListBuilder); isList {
		lb.Append(true)
		vb := lb.ValueBuilder()
		for _, v := range vs {
			st.Kind().AppendProjected(vb, v)
		}
		return
	}
	st.Kind().AppendProjected(b, vs[0])
}
