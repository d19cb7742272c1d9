package aggr

import (
	"testing"

	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

func groupList(t *testing.T, col arrow.Array, row int) *array.Float64 {
	t.Helper()
	lst, ok := col.(*array.List)
	if !ok {
		t.Fatalf("expected list column, got %s", col.DataType())
	}
	vals := lst.ListValues().(*array.Float64)
	start, end := lst.ValueOffsets(row)
	return array.NewSlice(vals, start, end).(*array.Float64)
}

func TestGroupedArrayAggExec(t *testing.T) {
	t.Run("collects_per_group_in_arrival_order", func(t *testing.T) {
		rb := groupedBatch(t,
			[]int64{1, 0, 1, 0},
			[]float64{10, 1, 20, 2}, nil)
		exec, err := NewGroupedArrayAggExec(sourceFor(rb), "group_id", "latency_ms")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out := drainOne(t, exec)

		gids := out.Columns[0].(*array.Int64)
		if out.RowCount != 2 || gids.Value(0) != 0 || gids.Value(1) != 1 {
			t.Fatalf("expected groups [0 1], got %d rows", out.RowCount)
		}
		g0 := groupList(t, out.Columns[1], 0)
		if g0.Len() != 2 || g0.Value(0) != 1 || g0.Value(1) != 2 {
			t.Fatalf("group 0: expected [1 2], got %v", g0)
		}
		g1 := groupList(t, out.Columns[1], 1)
		if g1.Len() != 2 || g1.Value(0) != 10 || g1.Value(1) != 20 {
			t.Fatalf("group 1: expected [10 20], got %v", g1)
		}
	})
	t.Run("null_values_kept_as_null_elements", func(t *testing.T) {
		rb := groupedBatch(t,
			[]int64{0, 0, 0},
			[]float64{1, 0, 3}, []bool{true, false, true})
		exec, _ := NewGroupedArrayAggExec(sourceFor(rb), "group_id", "latency_ms")
		out := drainOne(t, exec)

		g0 := groupList(t, out.Columns[1], 0)
		if g0.Len() != 3 {
			t.Fatalf("null rows must stay in the array, got %d elements", g0.Len())
		}
		if g0.IsNull(0) || !g0.IsNull(1) || g0.IsNull(2) {
			t.Fatalf("null element misplaced")
		}
		if g0.Value(0) != 1 || g0.Value(2) != 3 {
			t.Fatalf("expected [1 null 3], got %v", g0)
		}
	})
	t.Run("order_survives_batch_boundaries", func(t *testing.T) {
		first := groupedBatch(t, []int64{4, 4}, []float64{1, 2}, nil)
		second := groupedBatch(t, []int64{4}, []float64{3}, nil)
		exec, _ := NewGroupedArrayAggExec(sourceFor(first, second), "group_id", "latency_ms")
		out := drainOne(t, exec)

		g := groupList(t, out.Columns[1], 0)
		if g.Len() != 3 || g.Value(0) != 1 || g.Value(1) != 2 || g.Value(2) != 3 {
			t.Fatalf("expected [1 2 3] across batches, got %v", g)
		}
	})
	t.Run("int64_input_keeps_int64_elements", func(t *testing.T) {
		rbb := operators.NewRecordBatchBuilder()
		rbb.SchemaBuilder.
			WithField("group_id", arrow.PrimitiveTypes.Int64, false).
			WithField("bytes_sent", arrow.PrimitiveTypes.Int64, true)
		rb, err := rbb.NewRecordBatch(rbb.Schema(), []arrow.Array{
			rbb.GenInt64Array(0, 0),
			rbb.GenInt64Array(100, 200),
		})
		if err != nil {
			t.Fatalf("building batch: %v", err)
		}
		exec, _ := NewGroupedArrayAggExec(sourceFor(rb), "group_id", "bytes_sent")
		if exec.Schema().Field(1).Name != "array_agg_bytes_sent" {
			t.Fatalf("unexpected field name %s", exec.Schema().Field(1).Name)
		}
		out := drainOne(t, exec)

		lst := out.Columns[1].(*array.List)
		vals, ok := lst.ListValues().(*array.Int64)
		if !ok {
			t.Fatalf("expected int64 elements, got %s", lst.ListValues().DataType())
		}
		start, end := lst.ValueOffsets(0)
		if end-start != 2 || vals.Value(int(start)) != 100 || vals.Value(int(start)+1) != 200 {
			t.Fatalf("expected [100 200], got offsets %d..%d", start, end)
		}
	})
	t.Run("sparse_group_ids_emit_ascending", func(t *testing.T) {
		rb := groupedBatch(t,
			[]int64{7_000_000, 255, 0},
			[]float64{3, 2, 1}, nil)
		exec, _ := NewGroupedArrayAggExec(sourceFor(rb), "group_id", "latency_ms")
		out := drainOne(t, exec)

		gids := out.Columns[0].(*array.Int64)
		want := []int64{0, 255, 7_000_000}
		for i := range want {
			if gids.Value(i) != want[i] {
				t.Fatalf("expected groups %v, got value %d at row %d", want, gids.Value(i), i)
			}
		}
	})
	t.Run("negative_group_id_fails", func(t *testing.T) {
		rb := groupedBatch(t, []int64{-1}, []float64{1}, nil)
		exec, _ := NewGroupedArrayAggExec(sourceFor(rb), "group_id", "latency_ms")
		if _, err := exec.Next(1024); err == nil {
			t.Fatalf("expected error for negative group id")
		}
	})
	t.Run("bad_columns_rejected", func(t *testing.T) {
		rb := groupedBatch(t, []int64{0}, []float64{1}, nil)
		if _, err := NewGroupedArrayAggExec(sourceFor(rb), "group_id", "no_such"); err == nil {
			t.Fatalf("expected unknown value column error")
		}
		if _, err := NewGroupedArrayAggExec(sourceFor(rb), "latency_ms", "latency_ms"); err == nil {
			t.Fatalf("expected group column type error")
		}
	})
}
