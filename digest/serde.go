package digest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	magic           = int16(0x7d16)
	encodingVersion = int32(1)
)

// MarshalBinary encodes the digest for shipping between workers. The layout is
// self-describing: header, accuracy, NaN bucket, min/max, then the compacted
// centroid list. Unprocessed samples are compacted first so no buffered state
// is lost.
func (t *TDigest) MarshalBinary() ([]byte, error) {
	t.process()
	buf := bytes.NewBuffer(nil)
	w := &binaryBufferWriter{buf: buf}
	w.writeValue(magic)
	w.writeValue(encodingVersion)
	w.writeValue(t.accuracy)
	w.writeValue(t.nanWeight)
	w.writeValue(t.min)
	w.writeValue(t.max)
	w.writeValue(int32(len(t.processed)))
	for _, c := range t.processed {
		w.writeValue(c.Weight)
		w.writeValue(c.Mean)
	}
	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary reconstructs a digest produced by MarshalBinary, validating
// the encoding along the way so a corrupted intermediate state is rejected
// instead of silently mis-answering quantile queries.
func (t *TDigest) UnmarshalBinary(p []byte) error {
	var (
		mv int16
		ev int32
		n  int32
	)
	r := &binaryReader{r: bytes.NewReader(p)}
	r.readValue(&mv)
	if r.err != nil {
		return r.err
	}
	if mv != magic {
		return fmt.Errorf("invalid digest encoding: bad header magic 0x%04x", mv)
	}
	r.readValue(&ev)
	if r.err != nil {
		return r.err
	}
	if ev != encodingVersion {
		return fmt.Errorf("invalid digest encoding: unknown version %d", ev)
	}

	var accuracy float64
	r.readValue(&accuracy)
	if r.err != nil {
		return r.err
	}
	fresh, err := NewWithAccuracy(accuracy)
	if err != nil {
		return fmt.Errorf("invalid digest encoding: %w", err)
	}
	*t = *fresh

	r.readValue(&t.nanWeight)
	r.readValue(&t.min)
	r.readValue(&t.max)
	r.readValue(&n)
	if r.err != nil {
		return r.err
	}
	if t.nanWeight < 0 {
		return fmt.Errorf("invalid digest encoding: negative NaN weight %v", t.nanWeight)
	}
	if n < 0 {
		return fmt.Errorf("invalid digest encoding: negative centroid count %d", n)
	}
	if n > 1<<24 {
		return fmt.Errorf("invalid digest encoding: centroid count %d too large", n)
	}
	for i := 0; i < int(n); i++ {
		var c Centroid
		r.readValue(&c.Weight)
		r.readValue(&c.Mean)
		if r.err != nil {
			return r.err
		}
		if c.Weight <= 0 {
			return fmt.Errorf("invalid digest encoding: centroid %d has non-positive weight %v", i, c.Weight)
		}
		if math.IsNaN(c.Mean) || math.IsInf(c.Mean, 0) {
			return fmt.Errorf("invalid digest encoding: centroid %d has non-finite mean", i)
		}
		if i > 0 && c.Mean < t.processed[i-1].Mean {
			return fmt.Errorf("invalid digest encoding: centroid %d out of order", i)
		}
		t.processed = append(t.processed, c)
		t.processedWeight += c.Weight
	}
	if rem := r.r.Len(); rem > 0 {
		return fmt.Errorf("invalid digest encoding: %d trailing bytes", rem)
	}
	return nil
}

type binaryBufferWriter struct {
	buf *bytes.Buffer
	err error
}

func (w *binaryBufferWriter) writeValue(v any) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.buf, binary.LittleEndian, v)
}

type binaryReader struct {
	r   *bytes.Reader
	err error
}

func (r *binaryReader) readValue(v any) {
	if r.err != nil {
		return
	}
	r.err = binary.Read(r.r, binary.LittleEndian, v)
	if r.err == io.EOF {
		r.err = io.ErrUnexpectedEOF
	}
}
