package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SamplesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approxsql_samples_ingested_total",
		Help: "Samples folded into percentile digests.",
	})

	DigestMerges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approxsql_digest_merges_total",
		Help: "Per-group digest merges during distributed aggregation.",
	})

	ExchangeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approxsql_exchange_requests_total",
		Help: "DoGet requests served by the exchange, by stream name.",
	}, []string{"stream"})

	SpilledBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approxsql_spilled_batches_total",
		Help: "Record batches spilled to disk.",
	})
)

// Serve exposes /metrics. Blocks, so callers run it in a goroutine.
func Serve(host string, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
