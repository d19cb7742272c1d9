package exchange

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"approx-sql-go/config"
	"approx-sql-go/metrics"
	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
)

// Spool buffers record batches on disk so a worker can hold partial states
// past its memory budget. Write batches, then Reader() replays them as an
// operator suitable for Register.
type Spool struct {
	schema *arrow.Schema
	ser    *operators.Serializer
	f      *os.File
	rows   uint64
	sealed bool
}

func NewSpool(schema *arrow.Schema) (*Spool, error) {
	ser, err := operators.NewSerializer(schema)
	if err != nil {
		return nil, err
	}
	dir := config.GetConfig().Batch.SpillDirectory
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("exchange-spill-%d", time.Now().UnixNano())))
	if err != nil {
		return nil, err
	}

	raw, err := ser.SerializeSchema(schema)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &Spool{schema: schema, ser: ser, f: f}, nil
}

func (sp *Spool) Write(rb *operators.RecordBatch) error {
	if sp.sealed {
		return fmt.Errorf("spool %s is already sealed for reading", sp.f.Name())
	}
	raw, err := sp.ser.SerializeBatchColumns(*rb)
	if err != nil {
		return err
	}
	if _, err := sp.f.Write(raw); err != nil {
		return err
	}
	sp.rows += rb.RowCount
	metrics.SpilledBatches.Inc()
	return nil
}

// Reader seals the spool and replays the spilled batches. The spool file is
// removed when the reader is closed.
func (sp *Spool) Reader() (operators.Operator, error) {
	sp.sealed = true
	if _, err := sp.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	diskSchema, err := sp.ser.DeserializeSchema(sp.f)
	if err != nil {
		return nil, err
	}
	if !diskSchema.Equal(sp.schema) {
		return nil, operators.ErrInvalidSchema("spool file schema does not match the spool's schema")
	}
	return &spoolReader{spool: sp}, nil
}

func (sp *Spool) discard() error {
	name := sp.f.Name()
	if err := sp.f.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Remove(name)
}

type spoolReader struct {
	spool *Spool
	done  bool
}

// Next replays one spilled batch per call; n is ignored since batches come
// back at the size they were written.
func (r *spoolReader) Next(_ uint16) (*operators.RecordBatch, error) {
	if r.done {
		return nil, io.EOF
	}
	columns, err := r.spool.ser.DecodeRecordBatch(r.spool.f, r.spool.schema)
	if err == io.EOF {
		r.done = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	rows := uint64(0)
	if len(columns) > 0 {
		rows = uint64(columns[0].Len())
	}
	return &operators.RecordBatch{
		Schema:   r.spool.schema,
		Columns:  columns,
		RowCount: rows,
	}, nil
}

func (r *spoolReader) Schema() *arrow.Schema {
	return r.spool.schema
}

func (r *spoolReader) Close() error {
	r.done = true
	return r.spool.discard()
}
