package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	_ "go.uber.org/automaxprocs"

	"github.com/grafana/symbolicator/pkg/symbolicator"
	"github.com/grafana/symbolicator/pkg/util"
)

func main() {
	cfg, err := symbolicator.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ShowVersion {
		fmt.Println(version.Print("symbolicator"))
		return
	}

	w, flush := util.NewLogWriter(cfg.Log, os.Stderr)
	logger, err := util.NewLogger(cfg.Log, w)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed creating logger: %v\n", err)
		os.Exit(1)
	}
	prometheus.MustRegister(versioncollector.NewCollector("symbolicator"))

	if err = run(*cfg, logger); err != nil {
		level.Error(logger).Log("msg", "error running symbolicator", "err", err)
	}
	_ = flush.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg symbolicator.Config, logger log.Logger) error {
	s, err := symbolicator.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed creating symbolicator: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}
