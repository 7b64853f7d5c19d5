package temporal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/brojonat/beanroast/service/aggregate"
	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/ledger"
	"github.com/brojonat/beanroast/service/metrics"
	"github.com/brojonat/beanroast/service/pipeline"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// ConvertLedgerInput contains the parameters for the ConvertLedger activity.
type ConvertLedgerInput struct {
	ConfigPath string `json:"config_path"`
	NoPrices   bool   `json:"no_prices"`
	Publish    bool   `json:"publish"`
}

// ConvertLedgerResult contains the rendered ledger and directive counts.
type ConvertLedgerResult struct {
	Ledger       string `json:"ledger"`
	Transactions int    `json:"transactions"`
	Balances     int    `json:"balances"`
	Prices       int    `json:"prices"`
}

// WriteLedgerInput contains the parameters for the WriteLedger activity.
type WriteLedgerInput struct {
	Path   string `json:"path"`
	Ledger string `json:"ledger"`
}

// WriteLedgerResult reports what was written.
type WriteLedgerResult struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// LedgerConverter runs one conversion.
type LedgerConverter interface {
	Run(ctx context.Context) (*pipeline.Result, error)
}

// ConverterFactory builds a converter for a ledger config file. The
// returned release func frees the providers it opened.
type ConverterFactory interface {
	NewConverter(ctx context.Context, input ConvertLedgerInput, publisher pipeline.Publisher) (LedgerConverter, func(), error)
}

// EnvFactory builds converters from environment configuration.
type EnvFactory struct {
	Env     *config.Config
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewConverter loads the ledger config at input.ConfigPath and wires its providers.
func (f *EnvFactory) NewConverter(ctx context.Context, input ConvertLedgerInput, publisher pipeline.Publisher) (LedgerConverter, func(), error) {
	lc, err := config.LoadLedger(input.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	providers, err := pipeline.NewProviders(ctx, f.Env, lc, input.NoPrices, f.Metrics, f.Logger)
	if err != nil {
		return nil, nil, err
	}
	conv, err := pipeline.New(providers.Options(lc, f.Env, publisher), f.Metrics, f.Logger)
	if err != nil {
		providers.Close()
		return nil, nil, err
	}
	return conv, providers.Close, nil
}

// Activities holds the dependencies for conversion activities.
type Activities struct {
	factory   ConverterFactory
	publisher pipeline.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance. The publisher is optional
// and only used by conversions that ask to publish.
func NewActivities(factory ConverterFactory, publisher pipeline.Publisher, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Activities{
		factory:   factory,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// ConvertLedger runs a full conversion and returns the rendered ledger.
// Configuration and integrity failures are not retried; provider failures are.
func (a *Activities) ConvertLedger(ctx context.Context, input ConvertLedgerInput) (*ConvertLedgerResult, error) {
	start := time.Now()
	a.logger.InfoContext(ctx, "converting ledger", "config", input.ConfigPath, "publish", input.Publish)

	var publisher pipeline.Publisher
	if input.Publish {
		if a.publisher == nil {
			return nil, temporalsdk.NewNonRetryableApplicationError(
				"publishing requested but no publisher is configured", "ConfigurationError", nil)
		}
		publisher = a.publisher
	}

	conv, release, err := a.factory.NewConverter(ctx, input, publisher)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to build converter: %w", err))
	}
	defer release()

	res, err := conv.Run(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "conversion failed", "config", input.ConfigPath, "error", err)
		return nil, classify(fmt.Errorf("conversion failed: %w", err))
	}

	var buf bytes.Buffer
	if err := ledger.Format(&buf, res.Directives()); err != nil {
		return nil, fmt.Errorf("failed to format ledger: %w", err)
	}

	a.logger.InfoContext(ctx, "ledger converted",
		"config", input.ConfigPath,
		"transactions", len(res.Transactions),
		"balances", len(res.Balances),
		"prices", len(res.Prices),
		"duration", time.Since(start),
	)
	return &ConvertLedgerResult{
		Ledger:       buf.String(),
		Transactions: len(res.Transactions),
		Balances:     len(res.Balances),
		Prices:       len(res.Prices),
	}, nil
}

// WriteLedger replaces the file at input.Path with the rendered ledger.
// The text goes to a temporary file in the same directory first, so
// readers never see a partial ledger.
func (a *Activities) WriteLedger(ctx context.Context, input WriteLedgerInput) (*WriteLedgerResult, error) {
	if input.Path == "" {
		return nil, temporalsdk.NewNonRetryableApplicationError("output path is required", "ConfigurationError", nil)
	}

	dir := filepath.Dir(input.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(input.Path)+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := tmp.WriteString(input.Ledger)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), input.Path); err != nil {
		return nil, fmt.Errorf("failed to replace %s: %w", input.Path, err)
	}

	a.logger.InfoContext(ctx, "ledger written", "path", input.Path, "bytes", n)
	return &WriteLedgerResult{Path: input.Path, Bytes: n}, nil
}

// classify marks errors that would fail again on retry.
func classify(err error) error {
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		return temporalsdk.NewNonRetryableApplicationError(err.Error(), "ValidationError", err)
	}
	var ierr *aggregate.IntegrityError
	if errors.As(err, &ierr) {
		return temporalsdk.NewNonRetryableApplicationError(err.Error(), "IntegrityError", err)
	}
	if errors.Is(err, os.ErrNotExist) {
		return temporalsdk.NewNonRetryableApplicationError(err.Error(), "ConfigurationError", err)
	}
	return err
}
