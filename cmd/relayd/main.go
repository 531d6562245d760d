package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Plain().WithError(err).Fatal("invalid configuration")
	}

	logging.SetLevel(cfg.Log.Level)
	if cfg.Log.Pretty {
		logging.UsePretty()
	}
	logger := logging.New(cfg.AppName)
	logging.SetDefaultService(cfg.AppName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName, tracing.Options{
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		Disabled:    cfg.Tracing.Disabled,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	a, err := newApp(ctx, cfg, reg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("relay startup failed")
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		logger.Plain().WithError(err).Error("relay exited with error")
	}
}
