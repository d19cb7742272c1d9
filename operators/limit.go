package operators

import (
	"io"

	"github.com/apache/arrow/go/v17/arrow"
)

var (
	_ = (Operator)(&LimitExec{})
)

// LimitExec caps the number of rows pulled from its child.
type LimitExec struct {
	input     Operator
	schema    *arrow.Schema
	remaining uint16
}

func NewLimitExec(input Operator, count uint16) (*LimitExec, error) {
	return &LimitExec{
		input:     input,
		schema:    input.Schema(),
		remaining: count,
	}, nil
}

func (l *LimitExec) Next(n uint16) (*RecordBatch, error) {
	if n == 0 {
		return &RecordBatch{
			Schema:   l.schema,
			Columns:  []arrow.Array{},
			RowCount: 0,
		}, nil
	}
	if l.remaining == 0 {
		return nil, io.EOF
	}
	childN := n
	if n >= l.remaining {
		childN = l.remaining
	}
	l.remaining -= childN
	return l.input.Next(childN)
}

func (l *LimitExec) Schema() *arrow.Schema {
	return l.schema
}

func (l *LimitExec) Close() error {
	return l.input.Close()
}
