package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"approx-sql-go/config"
	"approx-sql-go/exchange"
	"approx-sql-go/metrics"
)

func main() {
	if len(os.Args) > 1 {
		if err := config.Decode(os.Args[1]); err != nil {
			panic(err)
		}
	}
	config.LoadSecrets()
	cfg := config.GetConfig()

	if cfg.Metrics.EnableMetrics {
		go func() {
			if err := metrics.Serve(cfg.Metrics.MetricsHost, cfg.Metrics.MetricsPort); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	srv := exchange.NewServer()
	addr, err := srv.Start(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	if err != nil {
		panic(err)
	}
	log.Printf("exchange server listening on %s", addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	srv.Shutdown()
}
