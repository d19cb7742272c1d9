package exchange

import (
	"context"

	"approx-sql-go/operators"
	"approx-sql-go/operators/aggr"

	"github.com/apache/arrow/go/v17/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
)

// Client pulls partial aggregation streams from a worker's exchange server.
type Client struct {
	fc flight.Client
}

func Dial(addr string) (*Client, error) {
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{fc: fc}, nil
}

func (c *Client) Close() error {
	return c.fc.Close()
}

// PullInto streams the named flight of (group_id, state) batches into the
// merge exec. Callers pull from every worker, then call Finalize on the exec.
func (c *Client) PullInto(ctx context.Context, stream string, merge *aggr.MergeApproxPercentileExec) error {
	ticket, err := proto.Marshal(&flight.FlightDescriptor{Path: []string{stream}})
	if err != nil {
		return err
	}
	fs, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: ticket})
	if err != nil {
		return err
	}
	rdr, err := flight.NewRecordReader(fs)
	if err != nil {
		return err
	}
	defer rdr.Release()

	for rdr.Next() {
		rec := rdr.Record()
		rb := &operators.RecordBatch{
			Schema:   rec.Schema(),
			Columns:  rec.Columns(),
			RowCount: uint64(rec.NumRows()),
		}
		if err := merge.CombineBatch(rb); err != nil {
			return err
		}
	}
	return rdr.Err()
}
