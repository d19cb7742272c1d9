package aggr

import (
	"errors"
	"io"
	"testing"

	"approx-sql-go/digest"
	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// batchSource replays prebuilt batches, for feeding execs with exact column
// content (null bitmaps included)
type batchSource struct {
	schema  *arrow.Schema
	batches []*operators.RecordBatch
	pos     int
}

func (s *batchSource) Next(uint16) (*operators.RecordBatch, error) {
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	rb := s.batches[s.pos]
	s.pos++
	return rb, nil
}

func (s *batchSource) Schema() *arrow.Schema { return s.schema }
func (s *batchSource) Close() error          { return nil }

func groupedBatch(t *testing.T, gids []int64, values []float64, valid []bool) *operators.RecordBatch {
	t.Helper()
	rbb := operators.NewRecordBatchBuilder()
	rbb.SchemaBuilder.
		WithField("group_id", arrow.PrimitiveTypes.Int64, false).
		WithField("latency_ms", arrow.PrimitiveTypes.Float64, true)
	rb, err := rbb.NewRecordBatch(rbb.Schema(), []arrow.Array{
		rbb.GenInt64Array(gids...),
		rbb.GenFloatArrayWithNulls(values, valid),
	})
	if err != nil {
		t.Fatalf("building batch: %v", err)
	}
	return rb
}

func sourceFor(batches ...*operators.RecordBatch) *batchSource {
	return &batchSource{schema: batches[0].Schema, batches: batches}
}

func drainOne(t *testing.T, op operators.Operator) *operators.RecordBatch {
	t.Helper()
	rb, err := op.Next(1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := op.Next(1024); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after the result batch, got %v", err)
	}
	return rb
}

func TestGroupedStatesPaging(t *testing.T) {
	t.Run("sparse_ids_touch_sparse_pages", func(t *testing.T) {
		g := newGroupedStates(KindFloat64, digest.DefaultAccuracy)
		for _, gid := range []int64{0, 255, 7_000_000} {
			if _, err := g.state(gid); err != nil {
				t.Fatalf("gid %d: %v", gid, err)
			}
		}
		if g.len() != 3 {
			t.Fatalf("expected 3 groups, got %d", g.len())
		}
		// 0 and 255 share a page, 7M sits alone
		if len(g.pages) != 2 {
			t.Fatalf("expected 2 pages, got %d", len(g.pages))
		}
	})
	t.Run("groups_never_share_state", func(t *testing.T) {
		g := newGroupedStates(KindFloat64, digest.DefaultAccuracy)
		a, _ := g.state(1)
		b, _ := g.state(2)
		if a == b {
			t.Fatalf("distinct groups handed the same accumulator")
		}
		a.Add(1, 1)
		if _, ok := b.EvaluateFinal([]float64{0.5}); ok {
			t.Fatalf("group 2 saw group 1's samples")
		}
	})
	t.Run("repeat_touch_returns_same_state", func(t *testing.T) {
		g := newGroupedStates(KindFloat64, digest.DefaultAccuracy)
		a, _ := g.state(42)
		b, _ := g.state(42)
		if a != b {
			t.Fatalf("same group returned different accumulators")
		}
		if g.len() != 1 {
			t.Fatalf("expected 1 group, got %d", g.len())
		}
	})
	t.Run("negative_id_rejected", func(t *testing.T) {
		g := newGroupedStates(KindFloat64, digest.DefaultAccuracy)
		if _, err := g.state(-1); err == nil {
			t.Fatalf("expected error for negative group id")
		}
	})
	t.Run("each_visits_in_ascending_order", func(t *testing.T) {
		g := newGroupedStates(KindFloat64, digest.DefaultAccuracy)
		for _, gid := range []int64{5000, 3, 1024, 0, 2047} {
			if _, err := g.state(gid); err != nil {
				t.Fatalf("gid %d: %v", gid, err)
			}
		}
		var seen []int64
		if err := g.each(func(gid int64, _ *PercentileState) error {
			seen = append(seen, gid)
			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := []int64{0, 3, 1024, 2047, 5000}
		for i := range want {
			if seen[i] != want[i] {
				t.Fatalf("visit order %v, want %v", seen, want)
			}
		}
	})
}

func TestGroupedApproxPercentileExec(t *testing.T) {
	t.Run("one_row_per_group_ordered", func(t *testing.T) {
		rb := groupedBatch(t,
			[]int64{255, 0, 255, 0, 255},
			[]float64{10, 1, 20, 3, 30}, nil)
		exec, err := NewGroupedApproxPercentileExec(sourceFor(rb), "group_id", "latency_ms", "", []float64{0.5}, digest.DefaultAccuracy)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out := drainOne(t, exec)

		gids := out.Columns[0].(*array.Int64)
		if gids.Len() != 2 || gids.Value(0) != 0 || gids.Value(1) != 255 {
			t.Fatalf("expected groups [0 255], got %v", gids)
		}
		medians := out.Columns[1].(*array.Float64)
		if medians.Value(0) != 2 {
			t.Fatalf("group 0 median of {1,3}: expected 2, got %v", medians.Value(0))
		}
		if medians.Value(1) != 20 {
			t.Fatalf("group 255 median: expected 20, got %v", medians.Value(1))
		}
	})
	t.Run("all_null_group_emits_null_row", func(t *testing.T) {
		rb := groupedBatch(t,
			[]int64{0, 1, 1},
			[]float64{5, 0, 0}, []bool{true, false, false})
		exec, _ := NewGroupedApproxPercentileExec(sourceFor(rb), "group_id", "latency_ms", "", []float64{0.5}, digest.DefaultAccuracy)
		out := drainOne(t, exec)

		if out.RowCount != 2 {
			t.Fatalf("group 1 was observed and must appear, got %d rows", out.RowCount)
		}
		results := out.Columns[1].(*array.Float64)
		if results.IsNull(0) {
			t.Fatalf("group 0 has samples, result must not be null")
		}
		if !results.IsNull(1) {
			t.Fatalf("group 1 never saw a usable sample, result must be null")
		}
	})
	t.Run("fifty_thousand_groups", func(t *testing.T) {
		const groups = 50_000
		mem := memory.NewGoAllocator()
		gb := array.NewInt64Builder(mem)
		vb := array.NewFloat64Builder(mem)
		for gid := 0; gid < groups; gid++ {
			gb.Append(int64(gid))
			vb.Append(float64(gid))
		}
		rbb := operators.NewRecordBatchBuilder()
		rbb.SchemaBuilder.
			WithField("group_id", arrow.PrimitiveTypes.Int64, false).
			WithField("latency_ms", arrow.PrimitiveTypes.Float64, true)
		rb, err := rbb.NewRecordBatch(rbb.Schema(), []arrow.Array{gb.NewArray(), vb.NewArray()})
		if err != nil {
			t.Fatalf("building batch: %v", err)
		}

		exec, _ := NewGroupedApproxPercentileExec(sourceFor(rb), "group_id", "latency_ms", "", []float64{0.5}, digest.DefaultAccuracy)
		out := drainOne(t, exec)

		if out.RowCount != groups {
			t.Fatalf("expected %d rows, got %d", groups, out.RowCount)
		}
		gids := out.Columns[0].(*array.Int64)
		results := out.Columns[1].(*array.Float64)
		for _, probe := range []int{0, 42, 49_999} {
			if gids.Value(probe) != int64(probe) {
				t.Fatalf("row %d: expected gid %d, got %d", probe, probe, gids.Value(probe))
			}
			if results.Value(probe) != float64(probe) {
				t.Fatalf("gid %d: single-sample median must be the sample, got %v", probe, results.Value(probe))
			}
		}
	})
	t.Run("weighted_grouped", func(t *testing.T) {
		rbb := operators.NewRecordBatchBuilder()
		rbb.SchemaBuilder.
			WithField("group_id", arrow.PrimitiveTypes.Int64, false).
			WithField("latency_ms", arrow.PrimitiveTypes.Float64, true).
			WithField("weight", arrow.PrimitiveTypes.Float64, true)
		rb, err := rbb.NewRecordBatch(rbb.Schema(), []arrow.Array{
			rbb.GenInt64Array(9, 9, 9),
			rbb.GenFloatArray(1, 2, 3),
			rbb.GenFloatArray(4, 2, 1),
		})
		if err != nil {
			t.Fatalf("building batch: %v", err)
		}
		src := &batchSource{schema: rb.Schema, batches: []*operators.RecordBatch{rb}}
		exec, err := NewGroupedApproxPercentileExec(src, "group_id", "latency_ms", "weight", []float64{0.5}, digest.DefaultAccuracy)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out := drainOne(t, exec)
		got := out.Columns[1].(*array.Float64).Value(0)
		if got != 1.5 {
			t.Fatalf("weighted median: expected 1.5, got %v", got)
		}
	})
	t.Run("negative_group_id_fails", func(t *testing.T) {
		rb := groupedBatch(t, []int64{0, -3}, []float64{1, 2}, nil)
		exec, _ := NewGroupedApproxPercentileExec(sourceFor(rb), "group_id", "latency_ms", "", []float64{0.5}, digest.DefaultAccuracy)
		if _, err := exec.Next(1024); err == nil {
			t.Fatalf("expected error for negative group id")
		}
	})
	t.Run("non_int64_group_column_rejected", func(t *testing.T) {
		rbb := operators.NewRecordBatchBuilder()
		rbb.SchemaBuilder.
			WithField("group_id", arrow.PrimitiveTypes.Int32, false).
			WithField("latency_ms", arrow.PrimitiveTypes.Float64, true)
		rb, err := rbb.NewRecordBatch(rbb.Schema(), []arrow.Array{
			rbb.GenIntArray(0, 1),
			rbb.GenFloatArray(1, 2),
		})
		if err != nil {
			t.Fatalf("building batch: %v", err)
		}
		src := &batchSource{schema: rb.Schema, batches: []*operators.RecordBatch{rb}}
		if _, err := NewGroupedApproxPercentileExec(src, "group_id", "latency_ms", "", []float64{0.5}, digest.DefaultAccuracy); err == nil {
			t.Fatalf("expected error for int32 group column")
		}
	})
	t.Run("invalid_percentiles_fail_before_input", func(t *testing.T) {
		rb := groupedBatch(t, []int64{0}, []float64{1}, nil)
		if _, err := NewGroupedApproxPercentileExec(sourceFor(rb), "group_id", "latency_ms", "", []float64{1.5}, digest.DefaultAccuracy); err == nil {
			t.Fatalf("expected percentile validation error")
		}
	})
}
