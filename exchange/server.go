package exchange

import (
	"errors"
	"io"
	"sync"

	"approx-sql-go/metrics"
	"approx-sql-go/operators"

	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/flight"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const streamBatchRows = 4096

// Server is the worker-side exchange endpoint. A partial aggregation operator
// is registered under a stream name; the coordinator pulls its
// (group_id, state) batches over Arrow Flight DoGet.
type Server struct {
	flight.BaseFlightServer

	mu      sync.Mutex
	streams map[string]operators.Operator

	srv flight.Server
}

func NewServer() *Server {
	return &Server{
		streams: make(map[string]operators.Operator),
	}
}

// Register makes op available under name. The operator is consumed by the
// first DoGet that asks for it.
func (s *Server) Register(name string, op operators.Operator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[name] = op
}

func (s *Server) take(name string) (operators.Operator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.streams[name]
	if ok {
		delete(s.streams, name)
	}
	return op, ok
}

func (s *Server) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	var desc flight.FlightDescriptor
	if err := proto.Unmarshal(tkt.GetTicket(), &desc); err != nil {
		return status.Error(codes.InvalidArgument, "ticket is not a flight descriptor")
	}
	if len(desc.Path) == 0 {
		return status.Error(codes.InvalidArgument, "flight descriptor has no stream path")
	}
	name := desc.Path[0]

	op, ok := s.take(name)
	if !ok {
		return status.Errorf(codes.NotFound, "unknown exchange stream %q", name)
	}
	defer op.Close()
	metrics.ExchangeRequests.WithLabelValues(name).Inc()

	w := flight.NewRecordWriter(fs, ipc.WithSchema(op.Schema()))
	defer w.Close()

	for {
		rb, err := op.Next(streamBatchRows)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		rec := array.NewRecord(rb.Schema, rb.Columns, int64(rb.RowCount))
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
}

// Start begins serving on addr (host:port, port 0 picks a free one) and
// returns the bound address.
func (s *Server) Start(addr string) (string, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return "", err
	}
	srv.RegisterFlightService(s)
	s.srv = srv
	go func() {
		_ = srv.Serve()
	}()
	return srv.Addr().String(), nil
}

func (s *Server) Shutdown() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
}
