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
	ErrInvalidTopCount = func(n int) error {
		return fmt.Errorf("top count must be positive, got %d", n)
	}

	_ = (operators.Operator)(&MinMaxByExec{})
	_ = (operators.Operator)(&MinMaxByNExec{})
)

// minMaxByAccumulator tracks the value paired with the extreme key. Keys rank
// under the same total order as everywhere else, so max_by with a NaN key
// returns that row's value. Rows with a null key are skipped.
type minMaxByAccumulator struct {
	wantMax bool
	key     float64
	value   float64
	used    bool
}

func newMinByAggr() *minMaxByAccumulator { return &minMaxByAccumulator{} }
func newMaxByAggr() *minMaxByAccumulator { return &minMaxByAccumulator{wantMax: true} }

func (m *minMaxByAccumulator) UpdatePair(value, key float64) {
	if !m.used {
		m.key, m.value, m.used = key, value, true
		return
	}
	if m.wantMax {
		if totalOrderLess(m.key, key) {
			m.key, m.value = key, value
		}
		return
	}
	if totalOrderLess(key, m.key) {
		m.key, m.value = key, value
	}
}

func (m *minMaxByAccumulator) FinalizePair() (float64, bool) {
	return m.value, m.used
}

// ===================
// MinBy / MaxBy Operator
// ===================
// one value column, one key column: emit the value at the smallest or
// largest key
type MinMaxByExec struct {
	child     operators.Operator
	schema    *arrow.Schema
	valueIdx  int
	keyIdx    int
	valueKind ValueKind
	acc       *minMaxByAccumulator
	done      bool
}

func NewMinByExec(child operators.Operator, valueCol, keyCol string) (*MinMaxByExec, error) {
	return newMinMaxByExec(child, valueCol, keyCol, false)
}

func NewMaxByExec(child operators.Operator, valueCol, keyCol string) (*MinMaxByExec, error) {
	return newMinMaxByExec(child, valueCol, keyCol, true)
}

func newMinMaxByExec(child operators.Operator, valueCol, keyCol string, wantMax bool) (*MinMaxByExec, error) {
	valueIdx, err := fieldIndex(child.Schema(), valueCol)
	if err != nil {
		return nil, err
	}
	kind, err := KindOfType(child.Schema().Field(valueIdx).Type)
	if err != nil {
		return nil, err
	}
	keyIdx, err := fieldIndex(child.Schema(), keyCol)
	if err != nil {
		return nil, err
	}
	if _, err := KindOfType(child.Schema().Field(keyIdx).Type); err != nil {
		return nil, err
	}

	fn, acc := "min_by", newMinByAggr()
	if wantMax {
		fn, acc = "max_by", newMaxByAggr()
	}
	fields := []arrow.Field{{
		Name:     fmt.Sprintf("%s_%s_%s", fn, valueCol, keyCol),
		Type:     kind.ArrowType(),
		Nullable: true,
	}}
	return &MinMaxByExec{
		child:     child,
		schema:    arrow.NewSchema(fields, nil),
		valueIdx:  valueIdx,
		keyIdx:    keyIdx,
		valueKind: kind,
		acc:       acc,
	}, nil
}

func (m *MinMaxByExec) Next(n uint16) (*operators.RecordBatch, error) {
	if m.done {
		return nil, io.EOF
	}
	for {
		childBatch, err := m.child.Next(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		values, _, err := normalizeColumn(childBatch.Columns[m.valueIdx])
		if err != nil {
			return nil, err
		}
		keys, _, err := normalizeColumn(childBatch.Columns[m.keyIdx])
		if err != nil {
			return nil, err
		}
		if values.Len() != keys.Len() {
			return nil, ErrColumnLengthMismatch(values.Len(), keys.Len())
		}
		for j := 0; j < keys.Len(); j++ {
			if keys.IsNull(j) || values.IsNull(j) {
				continue
			}
			m.acc.UpdatePair(values.Value(j), keys.Value(j))
		}
	}
	m.done = true

	mem := memory.NewGoAllocator()
	b := array.NewBuilder(mem, m.schema.Field(0).Type)
	defer b.Release()
	if v, ok := m.acc.FinalizePair(); ok {
		m.valueKind.AppendProjected(b, v)
	} else {
		b.AppendNull()
	}
	return &operators.RecordBatch{
		Schema:   m.schema,
		Columns:  []arrow.Array{b.NewArray()},
		RowCount: 1,
	}, nil
}

func (m *MinMaxByExec) Schema() *arrow.Schema {
	return m.schema
}

func (m *MinMaxByExec) Close() error {
	return m.child.Close()
}

// minMaxByNAccumulator keeps the values paired with the n most extreme keys,
// best key first. Keys rank under the same total order as the scalar form.
type minMaxByNAccumulator struct {
	wantMax bool
	n       int
	keys    []float64
	values  []float64
}

func (m *minMaxByNAccumulator) UpdatePair(value, key float64) {
	// first slot whose key ranks worse than the new one; ties go after the
	// rows already kept
	pos := sort.Search(len(m.keys), func(i int) bool {
		if m.wantMax {
			return totalOrderLess(m.keys[i], key)
		}
		return totalOrderLess(key, m.keys[i])
	})
	if pos >= m.n {
		return
	}
	m.keys = append(m.keys, 0)
	m.values = append(m.values, 0)
	copy(m.keys[pos+1:], m.keys[pos:])
	copy(m.values[pos+1:], m.values[pos:])
	m.keys[pos], m.values[pos] = key, value
	if len(m.keys) > m.n {
		m.keys = m.keys[:m.n]
		m.values = m.values[:m.n]
	}
}

// FinalizePairs reports the kept values ordered by key rank, false when no
// usable row was ever seen.
func (m *minMaxByNAccumulator) FinalizePairs() ([]float64, bool) {
	return m.values, len(m.values) > 0
}

// ===================
// MinByN / MaxByN Operator
// ===================
// the array-returning variant: emit the values at the n smallest or largest
// keys, ordered by key
type MinMaxByNExec struct {
	child     operators.Operator
	schema    *arrow.Schema
	valueIdx  int
	keyIdx    int
	valueKind ValueKind
	acc       *minMaxByNAccumulator
	done      bool
}

func NewMinByNExec(child operators.Operator, valueCol, keyCol string, n int) (*MinMaxByNExec, error) {
	return newMinMaxByNExec(child, valueCol, keyCol, n, false)
}

func NewMaxByNExec(child operators.Operator, valueCol, keyCol string, n int) (*MinMaxByNExec, error) {
	return newMinMaxByNExec(child, valueCol, keyCol, n, true)
}

func newMinMaxByNExec(child operators.Operator, valueCol, keyCol string, n int, wantMax bool) (*MinMaxByNExec, error) {
	if n <= 0 {
		return nil, ErrInvalidTopCount(n)
	}
	valueIdx, err := fieldIndex(child.Schema(), valueCol)
	if err != nil {
		return nil, err
	}
	kind, err := KindOfType(child.Schema().Field(valueIdx).Type)
	if err != nil {
		return nil, err
	}
	keyIdx, err := fieldIndex(child.Schema(), keyCol)
	if err != nil {
		return nil, err
	}
	if _, err := KindOfType(child.Schema().Field(keyIdx).Type); err != nil {
		return nil, err
	}

	fn := "min_by"
	if wantMax {
		fn = "max_by"
	}
	fields := []arrow.Field{{
		Name:     fmt.Sprintf("%s_%s_%s", fn, valueCol, keyCol),
		Type:     arrow.ListOf(kind.ArrowType()),
		Nullable: true,
	}}
	return &MinMaxByNExec{
		child:     child,
		schema:    arrow.NewSchema(fields, nil),
		valueIdx:  valueIdx,
		keyIdx:    keyIdx,
		valueKind: kind,
		acc:       &minMaxByNAccumulator{wantMax: wantMax, n: n},
	}, nil
}

func (m *MinMaxByNExec) Next(n uint16) (*operators.RecordBatch, error) {
	if m.done {
		return nil, io.EOF
	}
	for {
		childBatch, err := m.child.Next(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		values, _, err := normalizeColumn(childBatch.Columns[m.valueIdx])
		if err != nil {
			return nil, err
		}
		keys, _, err := normalizeColumn(childBatch.Columns[m.keyIdx])
		if err != nil {
			return nil, err
		}
		if values.Len() != keys.Len() {
			return nil, ErrColumnLengthMismatch(values.Len(), keys.Len())
		}
		for j := 0; j < keys.Len(); j++ {
			if keys.IsNull(j) || values.IsNull(j) {
				continue
			}
			m.acc.UpdatePair(values.Value(j), keys.Value(j))
		}
	}
	m.done = true

	mem := memory.NewGoAllocator()
	lb := array.NewListBuilder(mem, m.valueKind.ArrowType())
	defer lb.Release()
	if vs, ok := m.acc.FinalizePairs(); ok {
		lb.Append(true)
		vb := lb.ValueBuilder()
		for _, v := range vs {
			m.valueKind.AppendProjected(vb, v)
		}
	} else {
		lb.AppendNull()
	}
	return &operators.RecordBatch{
		Schema:   m.schema,
		Columns:  []arrow.Array{lb.NewArray()},
		RowCount: 1,
	}, nil
}

func (m *MinMaxByNExec) Schema() *arrow.Schema {
	return m.schema
}

func (m *MinMaxByNExec) Close() error {
	return m.child.Close()
}
