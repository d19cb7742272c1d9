package aggr

import (
	"math"
	"testing"

	"approx-sql-go/digest"
	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow/array"
)

func float64Col(t *testing.T, values []float64, valid []bool) *array.Float64 {
	t.Helper()
	rbb := operators.NewRecordBatchBuilder()
	var arr = rbb.GenFloatArrayWithNulls(values, valid)
	return arr.(*array.Float64)
}

func TestValidatePercentiles(t *testing.T) {
	t.Run("accepts_bounds", func(t *testing.T) {
		if err := ValidatePercentiles([]float64{0, 0.5, 1}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	t.Run("rejects_out_of_range", func(t *testing.T) {
		for _, ps := range [][]float64{
			{-0.1},
			{1.1},
			{0.5, 2},
			{math.NaN()},
			{},
		} {
			if err := ValidatePercentiles(ps); err == nil {
				t.Fatalf("expected error for %v", ps)
			}
		}
	})
}

func TestPercentileStateAdd(t *testing.T) {
	st, err := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("rejects_bad_weight", func(t *testing.T) {
		for _, w := range []float64{0, -1, math.NaN()} {
			if err := st.Add(1, w); err == nil {
				t.Fatalf("expected error for weight %v", w)
			}
		}
	})
	t.Run("rejects_bad_accuracy_upfront", func(t *testing.T) {
		for _, acc := range []float64{0, 1, -0.5, 2} {
			if _, err := NewPercentileState(KindFloat64, acc); err == nil {
				t.Fatalf("expected error for accuracy %v", acc)
			}
		}
	})
	t.Run("nan_value_is_a_sample", func(t *testing.T) {
		st, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		if err := st.Add(math.NaN(), 1); err != nil {
			t.Fatalf("NaN value must be accepted: %v", err)
		}
		vs, ok := st.EvaluateFinal([]float64{1})
		if !ok || !math.IsNaN(vs[0]) {
			t.Fatalf("expected NaN at p=1, got %v (ok=%v)", vs, ok)
		}
	})
}

func TestPercentileStateAddBatch(t *testing.T) {
	t.Run("skips_null_values_and_weights", func(t *testing.T) {
		st, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		values := float64Col(t, []float64{1, 2, 3, 4}, []bool{true, false, true, true})
		weights := float64Col(t, []float64{1, 1, 1, 1}, []bool{true, true, false, true})

		if err := st.AddBatch(values, weights); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// rows 1 (null value) and 2 (null weight) contribute nothing
		vs, ok := st.EvaluateFinal([]float64{0.5})
		if !ok {
			t.Fatalf("expected a result")
		}
		if vs[0] < 1 || vs[0] > 4 {
			t.Fatalf("unexpected median %v", vs[0])
		}
		if got := st.digest.TotalWeight(); got != 2 {
			t.Fatalf("expected 2 surviving samples, got %v", got)
		}
	})
	t.Run("length_mismatch", func(t *testing.T) {
		st, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		values := float64Col(t, []float64{1, 2, 3}, nil)
		weights := float64Col(t, []float64{1, 1}, nil)
		if err := st.AddBatch(values, weights); err == nil {
			t.Fatalf("expected length mismatch error")
		}
	})
	t.Run("non_positive_weight_fails_batch", func(t *testing.T) {
		st, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		values := float64Col(t, []float64{1, 2}, nil)
		weights := float64Col(t, []float64{1, -3}, nil)
		if err := st.AddBatch(values, weights); err == nil {
			t.Fatalf("expected weight error")
		}
	})
	t.Run("nil_weights_mean_unit_weight", func(t *testing.T) {
		st, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		if err := st.AddBatch(float64Col(t, []float64{1, 2, 3}, nil), nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		vs, ok := st.EvaluateFinal([]float64{0.5})
		if !ok || vs[0] != 2 {
			t.Fatalf("expected median 2, got %v (ok=%v)", vs, ok)
		}
	})
}

func TestPercentileStateCombine(t *testing.T) {
	t.Run("kind_mismatch", func(t *testing.T) {
		a, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		b, _ := NewPercentileState(KindInt64, digest.DefaultAccuracy)
		if err := a.Combine(b); err == nil {
			t.Fatalf("expected kind mismatch error")
		}
	})
	t.Run("combine_equals_union", func(t *testing.T) {
		a, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		b, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		whole, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		for i := 0; i < 100; i++ {
			v := float64(i)
			if i%2 == 0 {
				a.Add(v, 1)
			} else {
				b.Add(v, 1)
			}
			whole.Add(v, 1)
		}
		if err := a.Combine(b); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ := a.EvaluateFinal([]float64{0.5})
		want, _ := whole.EvaluateFinal([]float64{0.5})
		if math.Abs(got[0]-want[0]) > 2 {
			t.Fatalf("combined median %v too far from whole %v", got[0], want[0])
		}
	})
	t.Run("empty_state_is_noop", func(t *testing.T) {
		a, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		a.Add(5, 1)
		empty, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		if err := a.Combine(empty); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		vs, ok := a.EvaluateFinal([]float64{0.5})
		if !ok || vs[0] != 5 {
			t.Fatalf("expected 5, got %v (ok=%v)", vs, ok)
		}
	})
}

func TestPercentileStateIntermediate(t *testing.T) {
	t.Run("round_trip_across_kinds", func(t *testing.T) {
		for _, kind := range []ValueKind{KindInt64, KindInt32, KindFloat32, KindFloat64} {
			st, _ := NewPercentileState(kind, 0.005)
			for i := 0; i < 50; i++ {
				st.Add(float64(i), 1)
			}
			raw, err := st.EvaluateIntermediate()
			if err != nil {
				t.Fatalf("%s: marshal: %v", kind, err)
			}
			back, err := UnmarshalPercentileState(raw)
			if err != nil {
				t.Fatalf("%s: unmarshal: %v", kind, err)
			}
			if back.Kind() != kind {
				t.Fatalf("kind tag lost: sent %s, got %s", kind, back.Kind())
			}
			a, _ := st.EvaluateFinal([]float64{0.5})
			b, _ := back.EvaluateFinal([]float64{0.5})
			if a[0] != b[0] {
				t.Fatalf("%s: median changed across round-trip: %v vs %v", kind, a[0], b[0])
			}
		}
	})
	t.Run("empty_state_round_trip", func(t *testing.T) {
		st, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		raw, err := st.EvaluateIntermediate()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		back, err := UnmarshalPercentileState(raw)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if _, ok := back.EvaluateFinal([]float64{0.5}); ok {
			t.Fatalf("decoded empty state must stay unpopulated")
		}
	})
	t.Run("rejects_corruption", func(t *testing.T) {
		if _, err := UnmarshalPercentileState(nil); err == nil {
			t.Fatalf("expected error for empty payload")
		}
		if _, err := UnmarshalPercentileState([]byte{0xff, 0x01, 0x02}); err == nil {
			t.Fatalf("expected error for bad kind tag")
		}
		st, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		st.Add(1, 1)
		raw, _ := st.EvaluateIntermediate()
		if _, err := UnmarshalPercentileState(raw[:len(raw)/2]); err == nil {
			t.Fatalf("expected error for truncated payload")
		}
	})
}

func TestPercentileStateEvaluateFinal(t *testing.T) {
	t.Run("request_order_preserved", func(t *testing.T) {
		st, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		for _, v := range []float64{1, 2, 3} {
			st.Add(v, 1)
		}
		vs, ok := st.EvaluateFinal([]float64{0.99, 0.01, 0.5})
		if !ok {
			t.Fatalf("expected results")
		}
		if vs[0] != 3 || vs[1] != 1 || vs[2] != 2 {
			t.Fatalf("order not preserved: %v", vs)
		}
	})
	t.Run("unpopulated_state_is_null", func(t *testing.T) {
		st, _ := NewPercentileState(KindFloat64, digest.DefaultAccuracy)
		if _, ok := st.EvaluateFinal([]float64{0.5}); ok {
			t.Fatalf("unpopulated state must report no result")
		}
	})
}
