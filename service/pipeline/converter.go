package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/beanroast/service/aggregate"
	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/ledger"
	"github.com/brojonat/beanroast/service/metrics"
	"github.com/brojonat/beanroast/service/pricing"
	"github.com/brojonat/beanroast/service/rules"
	"github.com/brojonat/beanroast/service/synth"
)

// Publisher receives the directives of a successful conversion.
type Publisher interface {
	PublishDirectives(ctx context.Context, directives []ledger.Directive) error
}

// Options configures a Converter.
type Options struct {
	Ledger *config.LedgerConfig
	// Clients holds one provider per chain kind used by the connections.
	Clients map[chain.Kind]chain.Client
	// Prices is optional; without it no cost or price directives are produced.
	Prices   pricing.PriceClient
	Location *time.Location
	// Publisher is optional.
	Publisher Publisher
}

// Converter runs the whole conversion: aggregation, synthesis, rules,
// balances and pricing.
type Converter struct {
	cfg       *config.LedgerConfig
	clients   map[chain.Kind]chain.Client
	synth     *synth.Synthesizer
	rules     *rules.Engine
	prices    *pricing.Enricher
	publisher Publisher
	loc       *time.Location
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New validates opts and builds a Converter.
func New(opts Options, m *metrics.Metrics, logger *slog.Logger) (*Converter, error) {
	if opts.Ledger == nil {
		return nil, errors.New("ledger config is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	for _, conn := range opts.Ledger.Connections {
		if _, ok := opts.Clients[chain.Kind(conn.Type)]; !ok {
			return nil, fmt.Errorf("no provider for %s connection %s", conn.Type, conn.Address)
		}
	}

	engine, err := rules.New(opts.Ledger.Rules, m, logger)
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	var resolver chain.ContractResolver
	if opts.Ledger.ResolveContracts {
		if r, ok := opts.Clients[chain.Ethereum].(chain.ContractResolver); ok {
			resolver = r
		}
	}

	c := &Converter{
		cfg:     opts.Ledger,
		clients: opts.Clients,
		synth: synth.New(synth.Options{
			Accounts:    opts.Ledger.DefaultAccount,
			Connections: opts.Ledger.Connections,
			Excluded:    opts.Ledger.Excluded,
			Resolver:    resolver,
			Location:    loc,
		}, m, logger),
		rules:     engine,
		publisher: opts.Publisher,
		loc:       loc,
		metrics:   m,
		logger:    logger,
	}
	if opts.Prices != nil {
		c.prices = pricing.New(opts.Prices, opts.Ledger.Coins, opts.Ledger.Fiat, loc, m, logger)
	}
	return c, nil
}

// Result is the output of a conversion, grouped by directive kind.
type Result struct {
	Transactions []*ledger.Transaction
	Balances     []*ledger.Balance
	Prices       []*ledger.Price
}

// Directives returns transactions, then balances, then prices.
func (r *Result) Directives() []ledger.Directive {
	out := make([]ledger.Directive, 0, len(r.Transactions)+len(r.Balances)+len(r.Prices))
	for _, tx := range r.Transactions {
		out = append(out, tx)
	}
	for _, b := range r.Balances {
		out = append(out, b)
	}
	for _, p := range r.Prices {
		out = append(out, p)
	}
	return out
}

// Aggregate fetches and merges the feeds of every connection, in
// configuration order, one aggregator per chain.
func (c *Converter) Aggregate(ctx context.Context) ([]*aggregate.Aggregator, error) {
	var aggs []*aggregate.Aggregator
	byKind := make(map[chain.Kind]*aggregate.Aggregator)
	for _, conn := range c.cfg.Connections {
		kind := chain.Kind(conn.Type)
		agg, ok := byKind[kind]
		if !ok {
			agg = aggregate.New(kind, c.clients[kind], c.metrics, c.logger)
			byKind[kind] = agg
			aggs = append(aggs, agg)
		}
		c.logger.InfoContext(ctx, "aggregating address", "chain", kind, "address", conn.Address)
		if err := agg.AddAddress(ctx, conn.Address); err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", conn.Address, err)
		}
	}
	return aggs, nil
}

// Transactions returns the aggregated transactions of every chain in time order.
func Transactions(aggs []*aggregate.Aggregator) []*chain.AggregatedTx {
	var all []*chain.AggregatedTx
	for _, agg := range aggs {
		all = append(all, agg.Transactions()...)
	}
	aggregate.SortByTime(all)
	return all
}

// Run performs a full conversion.
func (c *Converter) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res, err := c.run(ctx)
	c.metrics.RecordConversion(err, time.Since(start))
	if err != nil {
		return nil, err
	}

	c.metrics.RecordDirectivesEmitted(string(ledger.KindTransaction), len(res.Transactions))
	c.metrics.RecordDirectivesEmitted(string(ledger.KindBalance), len(res.Balances))
	c.metrics.RecordDirectivesEmitted(string(ledger.KindPrice), len(res.Prices))
	c.logger.InfoContext(ctx, "conversion complete",
		"transactions", len(res.Transactions),
		"balances", len(res.Balances),
		"prices", len(res.Prices),
		"duration", time.Since(start),
	)

	if c.publisher != nil {
		if err := c.publisher.PublishDirectives(ctx, res.Directives()); err != nil {
			return nil, fmt.Errorf("publish directives: %w", err)
		}
	}
	return res, nil
}

func (c *Converter) run(ctx context.Context) (*Result, error) {
	aggs, err := c.Aggregate(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, tx := range Transactions(aggs) {
		out, err := c.synth.Synthesize(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("synthesize: %w", err)
		}
		c.rules.ApplyTransaction(out)
		res.Transactions = append(res.Transactions, out)
	}

	if res.Balances, err = c.balances(ctx, aggs); err != nil {
		return nil, err
	}

	if c.prices != nil {
		if err := c.prices.Enrich(ctx, res.Transactions); err != nil {
			return nil, fmt.Errorf("enrich prices: %w", err)
		}
		if res.Prices, err = c.prices.Latest(ctx); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// balances emits a balance assertion per holding of every connection.
func (c *Converter) balances(ctx context.Context, aggs []*aggregate.Aggregator) ([]*ledger.Balance, error) {
	byKind := make(map[chain.Kind]*aggregate.Aggregator, len(aggs))
	for _, agg := range aggs {
		byKind[agg.Kind()] = agg
	}

	var out []*ledger.Balance
	for _, conn := range c.cfg.Connections {
		agg := byKind[chain.Kind(conn.Type)]
		snap, err := agg.Balances(ctx, conn.Address, c.cfg.Excluded, c.loc)
		if err != nil {
			return nil, fmt.Errorf("balances of %s: %w", conn.Address, err)
		}
		if snap == nil {
			c.logger.DebugContext(ctx, "no activity, skipping balances", "address", conn.Address)
			continue
		}
		for _, h := range snap.Holdings {
			b := &ledger.Balance{
				Date:    snap.Date,
				Account: conn.AccountPrefix + ":" + h.Symbol,
				Amount:  ledger.Amount{Number: h.Amount, Symbol: h.Symbol},
			}
			c.rules.ApplyBalance(b)
			out = append(out, b)
		}
	}
	return out, nil
}

// Convert runs a conversion and returns its directives in output order.
func (c *Converter) Convert(ctx context.Context) ([]ledger.Directive, error) {
	res, err := c.Run(ctx)
	if err != nil {
		return nil, err
	}
	return res.Directives(), nil
}

// Render runs a conversion and writes the ledger text to w. Nothing is
// written unless the whole conversion succeeds.
func (c *Converter) Render(ctx context.Context, w io.Writer) error {
	directives, err := c.Convert(ctx)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := ledger.Format(&buf, directives); err != nil {
		return err
	}
	if _, err := buf.WriteTo(w); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}
