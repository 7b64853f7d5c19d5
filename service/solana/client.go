package solana

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/metrics"
	"github.com/brojonat/beanroast/service/ratelimit"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	providerName = "solana"

	// signaturePageSize is the largest page getSignaturesForAddress serves.
	signaturePageSize = 1000
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)
}

// Client serves the chain feeds of a Solana address. An address's history
// is fetched once and split into the transaction, token-transfer and
// internal-transfer feeds.
type Client struct {
	rpc      RPCClient
	gateway  *ratelimit.Gateway
	mints    map[string]string
	pageSize int
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	feeds map[string][]*Decoded
}

// NewClient creates a new Solana client. A nil gateway defaults to the
// chain provider cadence; a nil mints table uses DefaultMints.
func NewClient(rpcClient RPCClient, gateway *ratelimit.Gateway, mints map[string]string, m *metrics.Metrics, logger *slog.Logger) *Client {
	if gateway == nil {
		gateway = ratelimit.New(providerName, 200*time.Millisecond, 1, ratelimit.WithMetrics(m))
	}
	if mints == nil {
		mints = DefaultMints
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		rpc:      rpcClient,
		gateway:  gateway,
		mints:    mints,
		pageSize: signaturePageSize,
		metrics:  m,
		logger:   logger,
		feeds:    make(map[string][]*Decoded),
	}
}

// call runs one RPC through the gateway and records its outcome.
func (c *Client) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return c.gateway.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := fn(ctx)
		c.metrics.RecordProviderCall(providerName, name, err, time.Since(start))
		return err
	})
}

// history returns every decoded transaction touching address, fetching it
// on first use.
func (c *Client) history(ctx context.Context, address string) ([]*Decoded, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if decoded, ok := c.feeds[address]; ok {
		return decoded, nil
	}

	wallet, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid solana address %q: %w", address, err)
	}

	sigs, err := c.signatures(ctx, wallet)
	if err != nil {
		return nil, err
	}

	decoded := make([]*Decoded, 0, len(sigs))
	for _, sig := range sigs {
		d, err := c.fetch(ctx, sig.Signature)
		if err != nil {
			return nil, err
		}
		if sig.BlockTime != nil && d.Transaction.Timestamp == 0 {
			d.Transaction.Timestamp = int64(*sig.BlockTime)
		}
		decoded = append(decoded, d)
	}

	c.logger.DebugContext(ctx, "fetched solana history",
		"address", address,
		"signatures", len(sigs),
	)
	c.feeds[address] = decoded
	return decoded, nil
}

// signatures pages backwards through the full signature history of wallet.
func (c *Client) signatures(ctx context.Context, wallet solana.PublicKey) ([]*rpc.TransactionSignature, error) {
	var all []*rpc.TransactionSignature
	limit := c.pageSize
	opts := &rpc.GetSignaturesForAddressOpts{Limit: &limit}
	for {
		var page []*rpc.TransactionSignature
		err := c.call(ctx, "getSignaturesForAddress", func(ctx context.Context) error {
			var err error
			page, err = c.rpc.GetSignaturesForAddress(ctx, wallet, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get signatures for %s: %w", wallet, err)
		}
		all = append(all, page...)
		if len(page) < limit {
			return all, nil
		}
		opts.Before = page[len(page)-1].Signature
	}
}

func (c *Client) fetch(ctx context.Context, sig solana.Signature) (*Decoded, error) {
	maxVersion := uint64(0)
	var result *rpc.GetTransactionResult
	err := c.call(ctx, "getTransaction", func(ctx context.Context) error {
		var err error
		result, err = c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", sig, err)
	}
	return decodeTransaction(sig, result, c.mints)
}

// GetTransactionList returns the transactions that touch address.
func (c *Client) GetTransactionList(ctx context.Context, address string) ([]chain.RawTransaction, error) {
	decoded, err := c.history(ctx, address)
	if err != nil {
		return nil, err
	}
	out := make([]chain.RawTransaction, 0, len(decoded))
	for _, d := range decoded {
		out = append(out, d.Transaction)
	}
	return out, nil
}

// GetTokenTransferList returns the SPL transfers of the transactions that touch address.
func (c *Client) GetTokenTransferList(ctx context.Context, address string) ([]chain.TokenTransfer, error) {
	decoded, err := c.history(ctx, address)
	if err != nil {
		return nil, err
	}
	var out []chain.TokenTransfer
	for _, d := range decoded {
		out = append(out, d.Transfers...)
	}
	return out, nil
}

// GetInternalTransferList returns the secondary SOL movements of the
// transactions that touch address.
func (c *Client) GetInternalTransferList(ctx context.Context, address string) ([]chain.InternalTransfer, error) {
	decoded, err := c.history(ctx, address)
	if err != nil {
		return nil, err
	}
	var out []chain.InternalTransfer
	for _, d := range decoded {
		out = append(out, d.Internal...)
	}
	return out, nil
}

// GetTransaction fetches a single transaction by signature.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*chain.RawTransaction, error) {
	sig, err := solana.SignatureFromBase58(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", hash, err)
	}
	d, err := c.fetch(ctx, sig)
	if err != nil {
		return nil, err
	}
	return &d.Transaction, nil
}
