package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/brojonat/beanroast/service/metrics"
)

// ErrCacheMiss is returned by a Cache that has no entry for a key.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores immutable provider results.
type Cache interface {
	GetTransaction(ctx context.Context, chain Kind, hash string) (*RawTransaction, error)
	PutTransaction(ctx context.Context, chain Kind, tx *RawTransaction) error
	GetContract(ctx context.Context, chain Kind, address string) (*ContractSource, error)
	PutContract(ctx context.Context, chain Kind, src *ContractSource) error
}

// CachingClient serves single-transaction and contract lookups from a Cache
// before asking the wrapped provider. Feed listings always go to the provider.
type CachingClient struct {
	inner   Client
	cache   Cache
	chain   Kind
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCachingClient wraps inner with cache.
func NewCachingClient(inner Client, cache Cache, chain Kind, m *metrics.Metrics, logger *slog.Logger) *CachingClient {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &CachingClient{inner: inner, cache: cache, chain: chain, metrics: m, logger: logger}
}

func (c *CachingClient) GetTransactionList(ctx context.Context, address string) ([]RawTransaction, error) {
	return c.inner.GetTransactionList(ctx, address)
}

func (c *CachingClient) GetTokenTransferList(ctx context.Context, address string) ([]TokenTransfer, error) {
	return c.inner.GetTokenTransferList(ctx, address)
}

func (c *CachingClient) GetInternalTransferList(ctx context.Context, address string) ([]InternalTransfer, error) {
	return c.inner.GetInternalTransferList(ctx, address)
}

// GetTransaction returns the cached transaction for hash, fetching and
// storing it on a miss. Cache failures are logged and bypassed.
func (c *CachingClient) GetTransaction(ctx context.Context, hash string) (*RawTransaction, error) {
	tx, err := c.cache.GetTransaction(ctx, c.chain, hash)
	switch {
	case err == nil:
		c.metrics.RecordCacheLookup("transaction", true)
		return tx, nil
	case !errors.Is(err, ErrCacheMiss):
		c.logger.WarnContext(ctx, "transaction cache read failed", "hash", hash, "error", err)
	}
	c.metrics.RecordCacheLookup("transaction", false)

	tx, err = c.inner.GetTransaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := c.cache.PutTransaction(ctx, c.chain, tx); err != nil {
		c.logger.WarnContext(ctx, "transaction cache write failed", "hash", hash, "error", err)
	}
	return tx, nil
}

// GetTokenBalance forwards to the wrapped provider. Balances depend on the
// block tag and are not cached.
func (c *CachingClient) GetTokenBalance(ctx context.Context, contract, address string, block uint64) (string, error) {
	r, ok := c.inner.(BalanceReporter)
	if !ok {
		return "", ErrUnsupported
	}
	return r.GetTokenBalance(ctx, contract, address, block)
}

// GetSourceCode returns cached contract metadata, fetching it on a miss.
func (c *CachingClient) GetSourceCode(ctx context.Context, address string) (*ContractSource, error) {
	r, ok := c.inner.(ContractResolver)
	if !ok {
		return nil, ErrUnsupported
	}

	src, err := c.cache.GetContract(ctx, c.chain, address)
	switch {
	case err == nil:
		c.metrics.RecordCacheLookup("contract", true)
		return src, nil
	case !errors.Is(err, ErrCacheMiss):
		c.logger.WarnContext(ctx, "contract cache read failed", "address", address, "error", err)
	}
	c.metrics.RecordCacheLookup("contract", false)

	src, err = r.GetSourceCode(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("resolve contract %s: %w", address, err)
	}
	if err := c.cache.PutContract(ctx, c.chain, src); err != nil {
		c.logger.WarnContext(ctx, "contract cache write failed", "address", address, "error", err)
	}
	return src, nil
}
