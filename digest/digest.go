package digest

import (
	"fmt"
	"math"
	"sort"
)

var (
	ErrInvalidAccuracy = func(accuracy float64) error {
		return fmt.Errorf("accuracy must be in (0, 1), got %v", accuracy)
	}
)

// DefaultAccuracy bounds the worst-case rank error of a quantile query when the
// caller does not supply one.
const DefaultAccuracy = 0.01

// Centroid is one cluster of ingested samples, summarized by its weighted mean.
type Centroid struct {
	Mean   float64
	Weight float64
}

func (c *Centroid) add(o Centroid) {
	c.Weight += o.Weight
	c.Mean += o.Weight * (o.Mean - c.Mean) / c.Weight
}

/*
TDigest is a mergeable summary of a weighted value distribution that answers
quantile queries within a configured rank-accuracy bound.

Samples are buffered unprocessed and periodically compacted into a sorted list
of centroids. Centroid capacity shrinks towards the distribution tails, so
extreme samples stay as single-sample centroids and boundary percentiles over
integer inputs come back exact at high accuracy.

NaN ordering rule: NaN is a value, not an error. It sorts greater than every
other value including +Inf. NaN samples are held in a separate bucket above the
centroid list; a quantile whose target rank lands strictly inside that bucket
returns NaN. The same total order is applied by the min/max style accumulators
in operators/aggr so the engine ranks NaN consistently everywhere.
*/
type TDigest struct {
	accuracy    float64
	compression float64

	maxProcessed   int
	maxUnprocessed int
	processed      []Centroid
	unprocessed    []Centroid

	processedWeight   float64
	unprocessedWeight float64
	nanWeight         float64
	min               float64
	max               float64
}

// New creates a digest with the default accuracy.
func New() *TDigest {
	t, _ := NewWithAccuracy(DefaultAccuracy)
	return t
}

// NewWithAccuracy creates a digest whose quantile answers are within the given
// rank accuracy. Lower accuracy values cost more memory per digest.
func NewWithAccuracy(accuracy float64) (*TDigest, error) {
	if math.IsNaN(accuracy) || accuracy <= 0 || accuracy >= 1 {
		return nil, ErrInvalidAccuracy(accuracy)
	}
	// The k1 scale gives centroids a rank capacity of about
	// 2*pi*sqrt(q(1-q))/compression of the total weight. Choosing
	// compression = 2*pi/accuracy caps that at accuracy*sqrt(q(1-q)),
	// which also keeps tail centroids as singletons.
	compression := math.Ceil(2 * math.Pi / accuracy)
	t := &TDigest{
		accuracy:       accuracy,
		compression:    compression,
		maxProcessed:   2 * int(compression),
		maxUnprocessed: 8 * int(compression),
		min:            math.Inf(1),
		max:            math.Inf(-1),
	}
	t.processed = make([]Centroid, 0, t.maxProcessed)
	t.unprocessed = make([]Centroid, 0, t.maxUnprocessed+1)
	return t, nil
}

// Accuracy returns the rank-accuracy bound fixed at creation time.
func (t *TDigest) Accuracy() float64 {
	return t.accuracy
}

// Add ingests one sample. Non-positive weights contribute nothing; the
// accumulator layer rejects them before they get here.
func (t *TDigest) Add(value, weight float64) {
	if weight <= 0 || math.IsNaN(weight) {
		return
	}
	if math.IsNaN(value) {
		t.nanWeight += weight
		return
	}
	t.addCentroid(Centroid{Mean: value, Weight: weight})
}

func (t *TDigest) addCentroid(c Centroid) {
	t.unprocessed = append(t.unprocessed, c)
	t.unprocessedWeight += c.Weight
	if len(t.unprocessed) > t.maxUnprocessed || len(t.processed) > t.maxProcessed {
		t.process()
	}
}

// Merge folds the other digest into this one. The result answers quantile
// queries as if this digest had ingested the union of both sample sets.
// Merging is commutative and associative up to the accuracy bound, which is
// what makes shipping partial digests between workers safe.
func (t *TDigest) Merge(other *TDigest) {
	if other == nil {
		return
	}
	other.process()
	for _, c := range other.processed {
		t.addCentroid(c)
	}
	t.nanWeight += other.nanWeight
}

// TotalWeight is the sum of all sample weights ever added, NaN samples included.
func (t *TDigest) TotalWeight() float64 {
	return t.processedWeight + t.unprocessedWeight + t.nanWeight
}

// Min returns the smallest non-NaN value seen, +Inf when none.
func (t *TDigest) Min() float64 {
	t.process()
	return t.min
}

// Max returns the largest non-NaN value seen, -Inf when none.
func (t *TDigest) Max() float64 {
	t.process()
	return t.max
}

// compact the unprocessed buffer into the centroid list. Cumulative weight is
// walked in ascending value order and a new centroid starts whenever the
// running total crosses the next k-cell boundary of the scale function.
func (t *TDigest) process() {
	if len(t.unprocessed) == 0 && len(t.processed) <= t.maxProcessed {
		return
	}
	t.unprocessed = append(t.unprocessed, t.processed...)
	sort.Slice(t.unprocessed, func(i, j int) bool {
		return t.unprocessed[i].Mean < t.unprocessed[j].Mean
	})

	t.processed = t.processed[:0]
	t.processedWeight += t.unprocessedWeight
	t.unprocessedWeight = 0

	t.processed = append(t.processed, t.unprocessed[0])
	soFar := t.unprocessed[0].Weight
	limit := t.processedWeight * integratedQ(1.0, t.compression)
	for _, c := range t.unprocessed[1:] {
		projected := soFar + c.Weight
		if projected <= limit {
			soFar = projected
			t.processed[len(t.processed)-1].add(c)
		} else {
			k1 := integratedLocation(soFar/t.processedWeight, t.compression)
			limit = t.processedWeight * integratedQ(k1+1.0, t.compression)
			soFar += c.Weight
			t.processed = append(t.processed, c)
		}
	}
	t.min = math.Min(t.min, t.processed[0].Mean)
	t.max = math.Max(t.max, t.processed[len(t.processed)-1].Mean)
	t.unprocessed = t.unprocessed[:0]
}

// Quantile estimates the value at rank q*TotalWeight, q in [0,1]. The second
// return is false when the digest holds no samples at all (the null case).
func (t *TDigest) Quantile(q float64) (float64, bool) {
	vs, ok := t.QuantileEach([]float64{q})
	if !ok {
		return math.NaN(), false
	}
	return vs[0], true
}

// QuantileEach answers one estimate per requested quantile, in the same order
// as requested. Quantiles are sorted internally so the centroid list is walked
// once, then results are mapped back to request positions. Duplicate and
// unsorted requests are fine.
func (t *TDigest) QuantileEach(qs []float64) ([]float64, bool) {
	t.process()
	total := t.TotalWeight()
	if total == 0 {
		return nil, false
	}

	order := make([]int, len(qs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return qs[order[a]] < qs[order[b]] })

	results := make([]float64, len(qs))
	var sc scanner
	sc.reset(t)
	for _, idx := range order {
		index := snapIndex(qs[idx]*total, total)
		if index > t.processedWeight {
			// target rank lands in the NaN bucket
			results[idx] = math.NaN()
			continue
		}
		results[idx] = t.valueAt(index, &sc)
	}
	return results, true
}

// valueAt resolves a rank against the processed centroid list. The scanner
// carries the cursor of the in-order walk; ranks must arrive non-decreasing.
func (t *TDigest) valueAt(index float64, sc *scanner) float64 {
	n := len(t.processed)
	if n == 0 {
		// only NaN samples were ever added
		return math.NaN()
	}
	if n == 1 {
		return t.processed[0].Mean
	}
	if index < 1 {
		return t.min
	}
	first := t.processed[0]
	if first.Weight > 1 && index < first.Weight/2 {
		return t.min + (index-1)/(first.Weight/2-1)*(first.Mean-t.min)
	}
	if index > t.processedWeight-1 {
		return t.max
	}
	last := t.processed[n-1]
	if last.Weight > 1 && t.processedWeight-index <= last.Weight/2 {
		return t.max - (t.processedWeight-index-1)/(last.Weight/2-1)*(t.max-last.Mean)
	}

	for sc.i < n-1 {
		left := t.processed[sc.i]
		right := t.processed[sc.i+1]
		dw := (left.Weight + right.Weight) / 2
		if sc.weightSoFar+dw > index {
			// centroids i and i+1 bracket the rank
			leftUnit := 0.0
			if left.Weight == 1 {
				if index-sc.weightSoFar < 0.5 {
					return left.Mean
				}
				leftUnit = 0.5
			}
			rightUnit := 0.0
			if right.Weight == 1 {
				if sc.weightSoFar+dw-index < 0.5 {
					return right.Mean
				}
				rightUnit = 0.5
			}
			z1 := index - sc.weightSoFar - leftUnit
			z2 := sc.weightSoFar + dw - index - rightUnit
			if z1 == 0 && z2 == 0 {
				// the rank sits exactly half a unit from two adjacent
				// singletons, as with the median of an even count
				return (left.Mean + right.Mean) / 2
			}
			return weightedAverage(left.Mean, z2, right.Mean, z1)
		}
		sc.weightSoFar += dw
		sc.i++
	}
	return t.max
}

type scanner struct {
	i           int
	weightSoFar float64
}

func (sc *scanner) reset(t *TDigest) {
	sc.i = 0
	if len(t.processed) > 0 {
		sc.weightSoFar = t.processed[0].Weight / 2
	}
}

// snapIndex pulls a rank sitting within one part in 1e11 of the total weight
// back onto the integer boundary it was aimed at, so that e.g. 0.99 * 10000
// resolves as rank 9900 despite the binary representation of 0.99.
func snapIndex(index, total float64) float64 {
	r := math.Round(index)
	if r != index && math.Abs(index-r) <= total*1e-11 {
		return r
	}
	return index
}

func weightedAverage(x1, w1, x2, w2 float64) float64 {
	if x1 <= x2 {
		return weightedAverageSorted(x1, w1, x2, w2)
	}
	return weightedAverageSorted(x2, w2, x1, w1)
}

func weightedAverageSorted(x1, w1, x2, w2 float64) float64 {
	x := (x1*w1 + x2*w2) / (w1 + w2)
	return math.Max(x1, math.Min(x, x2))
}

// k1 scale function, integrated forms.
func integratedQ(k, compression float64) float64 {
	return (math.Sin(math.Min(k, compression)*math.Pi/compression-math.Pi/2.0) + 1.0) / 2.0
}

func integratedLocation(q, compression float64) float64 {
	return compression * (math.Asin(2.0*q-1.0) + math.Pi/2.0) / math.Pi
}
