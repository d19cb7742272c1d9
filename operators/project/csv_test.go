package project

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

const latencyCSV = `group_id,latency_ms,region,healthy
0,12.5,us,true
0,14,us,false
1,NULL,eu,true
2,33,,true
3,8,eu,NULL
`

func TestCSVSourceSchemaInference(t *testing.T) {
	source, err := NewCSVSource(strings.NewReader(latencyCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	schema := source.Schema()

	want := []struct {
		name string
		id   arrow.Type
	}{
		{"group_id", arrow.INT64},
		{"latency_ms", arrow.FLOAT64},
		{"region", arrow.STRING},
		{"healthy", arrow.BOOL},
	}
	if schema.NumFields() != len(want) {
		t.Fatalf("expected %d fields, got %d", len(want), schema.NumFields())
	}
	for i, w := range want {
		f := schema.Field(i)
		if f.Name != w.name || f.Type.ID() != w.id {
			t.Errorf("field %d: expected %s %s, got %s %s", i, w.name, w.id, f.Name, f.Type.ID())
		}
		if !f.Nullable {
			t.Errorf("field %s: inferred columns are always nullable", f.Name)
		}
	}
}

func TestCSVSourceNext(t *testing.T) {
	t.Run("reads_values_and_nulls", func(t *testing.T) {
		source, err := NewCSVSource(strings.NewReader(latencyCSV))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		batch, err := source.Next(1024)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if batch.RowCount != 5 {
			t.Fatalf("expected 5 rows, got %d", batch.RowCount)
		}

		latency := batch.Columns[1].(*array.Float64)
		if latency.Value(0) != 12.5 {
			t.Errorf("row 0 latency: expected 12.5, got %v", latency.Value(0))
		}
		if !latency.IsNull(2) {
			t.Errorf("NULL cell must decode to null")
		}
		region := batch.Columns[2].(*array.String)
		if !region.IsNull(3) {
			t.Errorf("empty cell must decode to null")
		}
		healthy := batch.Columns[3].(*array.Boolean)
		if healthy.Value(0) != true || healthy.Value(1) != false {
			t.Errorf("boolean column decoded wrong: %v", healthy)
		}
		if !healthy.IsNull(4) {
			t.Errorf("NULL boolean must decode to null")
		}
	})
	t.Run("respects_batch_size", func(t *testing.T) {
		source, err := NewCSVSource(strings.NewReader(latencyCSV))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		first, err := source.Next(2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if first.RowCount != 2 {
			t.Fatalf("expected 2 rows, got %d", first.RowCount)
		}
		second, err := source.Next(2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// the inference row was replayed in the first batch, not dropped
		if second.Columns[0].(*array.Int64).Value(0) != 1 {
			t.Errorf("expected third data row first in second batch, got %v", second.Columns[0])
		}
	})
	t.Run("eof_after_exhaustion", func(t *testing.T) {
		source, err := NewCSVSource(strings.NewReader(latencyCSV))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for {
			if _, err := source.Next(2); err != nil {
				if !errors.Is(err, io.EOF) {
					t.Fatalf("unexpected error: %v", err)
				}
				break
			}
		}
		if _, err := source.Next(2); !errors.Is(err, io.EOF) {
			t.Errorf("expected EOF to be sticky, got %v", err)
		}
	})
	t.Run("header_only_input", func(t *testing.T) {
		if _, err := NewCSVSource(strings.NewReader("group_id,latency_ms\n")); err == nil {
			t.Errorf("expected error when no data row exists for inference")
		}
	})
	t.Run("unparseable_numeric_cell_is_null", func(t *testing.T) {
		source, err := NewCSVSource(strings.NewReader("v\n1\nnot-a-number\n"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		batch, err := source.Next(10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		col := batch.Columns[0].(*array.Int64)
		if !col.IsNull(1) {
			t.Errorf("unparseable cell must decode to null")
		}
	})
}
