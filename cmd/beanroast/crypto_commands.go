package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/metrics"
	natspkg "github.com/brojonat/beanroast/service/nats"
	"github.com/brojonat/beanroast/service/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "Path to the ledger configuration (YAML)",
		EnvVars:  []string{"BEANROAST_CONFIG"},
		Required: true,
	}
}

func cryptoCommand() *cli.Command {
	return &cli.Command{
		Name:  "crypto",
		Usage: "Convert the configured addresses into beancount directives",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the ledger to this file instead of stdout",
			},
			&cli.BoolFlag{
				Name:  "no-prices",
				Usage: "Skip cost, price and price-directive enrichment",
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish every directive to NATS JetStream (requires NATS_URL)",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Serve Prometheus metrics on this address while converting",
				EnvVars: []string{"METRICS_ADDR"},
			},
		},
		Action: func(c *cli.Context) error {
			env, lc, logger, err := loadConfigs(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			var m *metrics.Metrics
			if addr := c.String("metrics-addr"); addr != "" {
				registry := prometheus.NewRegistry()
				m = metrics.NewMetrics(registry)
				shutdown := serveMetrics(addr, registry, logger)
				defer shutdown()
			}

			var publisher pipeline.Publisher
			if c.Bool("publish") {
				if env.NATSURL == "" {
					return fmt.Errorf("--publish requires NATS_URL to be set")
				}
				natsPublisher, err := natspkg.NewPublisher(env.NATSURL, m, logger)
				if err != nil {
					return err
				}
				defer natsPublisher.Close()
				publisher = natsPublisher
			}

			providers, err := pipeline.NewProviders(ctx, env, lc, c.Bool("no-prices"), m, logger)
			if err != nil {
				return err
			}
			defer providers.Close()

			conv, err := pipeline.New(providers.Options(lc, env, publisher), m, logger)
			if err != nil {
				return err
			}

			if path := c.String("output"); path != "" {
				return renderToFile(ctx, conv, path)
			}
			return conv.Render(ctx, c.App.Writer)
		},
	}
}

// loadConfigs reads the environment and the ledger file named by --config.
func loadConfigs(c *cli.Context) (*config.Config, *config.LedgerConfig, *slog.Logger, error) {
	logger := setupLogger(c.String("log-level"))

	lc, err := config.LoadLedger(c.String("config"))
	if err != nil {
		return nil, nil, nil, err
	}
	env, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	return env, lc, logger, nil
}

type renderer interface {
	Render(ctx context.Context, w io.Writer) error
}

// renderToFile writes the ledger next to path and renames it into place, so
// a failed conversion leaves the previous ledger untouched.
func renderToFile(ctx context.Context, r renderer, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".beanroast-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := r.Render(ctx, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// serveMetrics exposes registry over HTTP and returns a shutdown func.
func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) func() {
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("starting metrics HTTP server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}
}
