package aggr

import (
	"fmt"
	"math"

	"approx-sql-go/digest"
	"approx-sql-go/metrics"

	"github.com/apache/arrow/go/v17/arrow/array"
)

var (
	ErrInvalidPercentile = func(p float64) error {
		return fmt.Errorf("percentile must be in [0, 1], got %v", p)
	}
	ErrInvalidWeight = func(w float64) error {
		return fmt.Errorf("weight must be > 0, got %v", w)
	}
	ErrColumnLengthMismatch = func(values, weights int) error {
		return fmt.Errorf("value column has %d rows but weight column has %d", values, weights)
	}
	ErrKindMismatch = func(a, b ValueKind) error {
		return fmt.Errorf("cannot combine %s state with %s state", a, b)
	}
	ErrInvalidStateEncoding = func(info string) error {
		return fmt.Errorf("invalid percentile state encoding: %s", info)
	}
)

// ValidatePercentiles rejects a request before any aggregation work starts.
func ValidatePercentiles(ps []float64) error {
	if len(ps) == 0 {
		return ErrInvalidPercentile(math.NaN())
	}
	for _, p := range ps {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return ErrInvalidPercentile(p)
		}
	}
	return nil
}

// PercentileState is the per-group accumulator: one digest plus the value
// kind of the column feeding it. The kind rides along so a final evaluation
// anywhere in the cluster projects results back to the input column type.
type PercentileState struct {
	kind      ValueKind
	digest    *digest.TDigest
	populated bool
}

func NewPercentileState(kind ValueKind, accuracy float64) (*PercentileState, error) {
	d, err := digest.NewWithAccuracy(accuracy)
	if err != nil {
		return nil, err
	}
	return &PercentileState{
		kind:   kind,
		digest: d,
	}, nil
}

func (s *PercentileState) Kind() ValueKind {
	return s.kind
}

// Add ingests one sample. A NaN value is a legal sample and lands in the
// digest's top bucket; a non-positive or NaN weight is a caller error.
func (s *PercentileState) Add(value, weight float64) error {
	if math.IsNaN(weight) || weight <= 0 {
		return ErrInvalidWeight(weight)
	}
	s.digest.Add(value, weight)
	s.populated = true
	metrics.SamplesIngested.Inc()
	return nil
}

// AddBatch ingests a value column with an optional weight column. Rows where
// the value or the weight is null are skipped. A present, non-null weight
// that is not positive fails the whole batch.
func (s *PercentileState) AddBatch(values *array.Float64, weights *array.Float64) error {
	if weights != nil && values.Len() != weights.Len() {
		return ErrColumnLengthMismatch(values.Len(), weights.Len())
	}
	for i := 0; i < values.Len(); i++ {
		if values.IsNull(i) {
			continue
		}
		w := 1.0
		if weights != nil {
			if weights.IsNull(i) {
				continue
			}
			w = weights.Value(i)
			if math.IsNaN(w) || w <= 0 {
				return ErrInvalidWeight(w)
			}
		}
		s.digest.Add(values.Value(i), w)
		s.populated = true
		metrics.SamplesIngested.Inc()
	}
	return nil
}

// Combine folds another group's state into this one.
func (s *PercentileState) Combine(other *PercentileState) error {
	if other == nil {
		return nil
	}
	if s.kind != other.kind {
		return ErrKindMismatch(s.kind, other.kind)
	}
	s.digest.Merge(other.digest)
	s.populated = s.populated || other.populated
	metrics.DigestMerges.Inc()
	return nil
}

// EvaluateIntermediate encodes the state for shipping to another worker:
// one kind tag byte followed by the digest encoding.
func (s *PercentileState) EvaluateIntermediate() ([]byte, error) {
	body, err := s.digest.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(s.kind))
	return append(out, body...), nil
}

// UnmarshalPercentileState decodes an intermediate state produced by
// EvaluateIntermediate, possibly by a different process.
func UnmarshalPercentileState(p []byte) (*PercentileState, error) {
	if len(p) < 1 {
		return nil, ErrInvalidStateEncoding("empty payload")
	}
	kind := ValueKind(p[0])
	if kind > KindFloat64 {
		return nil, ErrInvalidStateEncoding(fmt.Sprintf("unknown value kind tag %d", p[0]))
	}
	d := digest.New()
	if err := d.UnmarshalBinary(p[1:]); err != nil {
		return nil, err
	}
	return &PercentileState{
		kind:      kind,
		digest:    d,
		populated: d.TotalWeight() > 0,
	}, nil
}

// EvaluateFinal answers the requested percentiles in request order. The
// second return is false when the group never saw a usable sample, which
// the caller projects as a null result.
func (s *PercentileState) EvaluateFinal(ps []float64) ([]float64, bool) {
	if !s.populated {
		return nil, false
	}
	return s.digest.QuantileEach(ps)
}
