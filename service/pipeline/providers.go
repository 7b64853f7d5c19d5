package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/coingecko"
	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/db"
	"github.com/brojonat/beanroast/service/etherscan"
	"github.com/brojonat/beanroast/service/metrics"
	"github.com/brojonat/beanroast/service/pricing"
	"github.com/brojonat/beanroast/service/ratelimit"
	"github.com/brojonat/beanroast/service/solana"
	"github.com/jackc/pgx/v5/pgxpool"
)

// historyPrices outlives a single conversion so repeated runs in one
// process share historical quotes.
var historyPrices = pricing.NewHistoryCache()

// Providers are the external clients a conversion needs.
type Providers struct {
	Clients map[chain.Kind]chain.Client
	// Prices is nil when pricing is disabled.
	Prices pricing.PriceClient
	// Store is set when raw events are cached.
	Store *db.Store

	closers []func()
}

// NewProviders builds one gateway-backed client per chain the ledger
// config connects to, the price client unless noPrices is set, and the
// Postgres cache when cacheRawEvents is enabled.
func NewProviders(ctx context.Context, cfg *config.Config, lc *config.LedgerConfig, noPrices bool, m *metrics.Metrics, logger *slog.Logger) (*Providers, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if err := cfg.CheckIntegrations(lc); err != nil {
		return nil, err
	}

	p := &Providers{Clients: make(map[chain.Kind]chain.Client)}
	for _, conn := range lc.Connections {
		kind := chain.Kind(conn.Type)
		if _, ok := p.Clients[kind]; ok {
			continue
		}
		client, err := newChainClient(kind, cfg, m, logger)
		if err != nil {
			return nil, err
		}
		p.Clients[kind] = client
	}

	if lc.CacheRawEvents {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		p.closers = append(p.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		p.Store = db.NewStore(pool, m)
		if err := p.Store.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
		for kind, client := range p.Clients {
			p.Clients[kind] = chain.NewCachingClient(client, p.Store, kind, m, logger)
		}
		logger.InfoContext(ctx, "raw event cache enabled")
	}

	if !noPrices {
		gw := ratelimit.New("coingecko", cfg.PriceMinInterval, cfg.PriceMaxConcurrent, ratelimit.WithMetrics(m))
		p.Prices = pricing.NewCachingPriceClient(
			coingecko.NewClient(cfg.CoinGeckoBaseURL, gw, nil, m, logger),
			historyPrices, m,
		)
	}
	return p, nil
}

func newChainClient(kind chain.Kind, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (chain.Client, error) {
	gw := ratelimit.New(string(kind), cfg.ChainMinInterval, cfg.ChainMaxConcurrent, ratelimit.WithMetrics(m))
	switch kind {
	case chain.Ethereum:
		return etherscan.NewClient(cfg.EtherscanBaseURL, cfg.EtherscanAPIKey, gw, nil, m, logger), nil
	case chain.Solana:
		endpoint, err := solana.SelectRandomEndpoint(solana.SplitEndpoints(cfg.SolanaRPCURL))
		if err != nil {
			return nil, err
		}
		logger.Debug("selected solana endpoint", "endpoint", endpoint)
		return solana.NewClient(solana.NewRPCClient(endpoint), gw, nil, m, logger), nil
	default:
		return nil, fmt.Errorf("unsupported chain %q", kind)
	}
}

// Close releases pooled connections.
func (p *Providers) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

// Options returns converter options wired to these providers.
func (p *Providers) Options(lc *config.LedgerConfig, cfg *config.Config, publisher Publisher) Options {
	return Options{
		Ledger:    lc,
		Clients:   p.Clients,
		Prices:    p.Prices,
		Location:  cfg.Timezone,
		Publisher: publisher,
	}
}
