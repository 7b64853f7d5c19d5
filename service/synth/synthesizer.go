package synth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/beanroast/service/aggregate"
	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/ledger"
	"github.com/brojonat/beanroast/service/metrics"
	"github.com/shopspring/decimal"
)

// Options configures a Synthesizer.
type Options struct {
	Accounts    config.DefaultAccounts
	Connections []config.Connection
	// Excluded reports symbols that never produce postings.
	Excluded func(symbol string) bool
	// Resolver, when set, names contracts in contract-execution narrations.
	Resolver chain.ContractResolver
	Location *time.Location
}

// Synthesizer turns aggregated chain transactions into balanced ledger
// transactions.
type Synthesizer struct {
	accounts config.DefaultAccounts
	conns    map[string]config.Connection
	excluded func(string) bool
	resolver chain.ContractResolver
	loc      *time.Location
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Synthesizer.
func New(opts Options, m *metrics.Metrics, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	conns := make(map[string]config.Connection, len(opts.Connections))
	for _, c := range opts.Connections {
		conns[chain.NormalizeAddress(c.Address)] = c
	}
	excluded := opts.Excluded
	if excluded == nil {
		excluded = func(string) bool { return false }
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Synthesizer{
		accounts: opts.Accounts,
		conns:    conns,
		excluded: excluded,
		resolver: opts.Resolver,
		loc:      loc,
		metrics:  m,
		logger:   logger,
	}
}

// Synthesize builds the ledger transaction for tx. Postings are ordered:
// gas, token legs, internal legs, native leg, then the PNL placeholder.
func (s *Synthesizer) Synthesize(ctx context.Context, tx *chain.AggregatedTx) (*ledger.Transaction, error) {
	native, err := chain.NativeOf(tx.Chain)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", tx.Hash, err)
	}

	out := &ledger.Transaction{
		Date: ledger.Day(tx.Timestamp, s.loc),
		Flag: ledger.FlagCleared,
	}
	out.Metadata.Set("tx", tx.Hash)
	if tx.Memo != "" {
		out.Metadata.Set("memo", tx.Memo)
	}
	if tx.IsError {
		out.Metadata.Set("status", "failed")
	}

	gas, err := s.gasLegs(tx, native)
	if err != nil {
		return nil, err
	}
	out.Postings = append(out.Postings, gas...)

	for _, tr := range tx.Transfers {
		amount, err := ledger.Normalize(tr.Value, tr.TokenDecimals)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: token transfer value: %w", tx.Hash, err)
		}
		out.Postings = append(out.Postings, s.transferLegs("token", tr.From, tr.To, amount, tr.TokenSymbol, len(tx.Transfers))...)
	}

	// Failed internal calls move nothing and do not count as legs.
	live := 0
	for _, it := range tx.Internal {
		if !it.IsError {
			live++
		}
	}
	for _, it := range tx.Internal {
		if it.IsError {
			continue
		}
		amount, err := ledger.Normalize(it.Value, native.Decimals)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: internal transfer value: %w", tx.Hash, err)
		}
		out.Postings = append(out.Postings, s.transferLegs("internal", it.From, it.To, amount, native.Symbol, live)...)
	}

	if !tx.IsError {
		amount, err := ledger.Normalize(tx.Value, native.Decimals)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: value: %w", tx.Hash, err)
		}
		out.Postings = append(out.Postings, s.transferLegs("native", tx.From, tx.To, amount, native.Symbol, 1)...)
	}

	out.Postings = append(out.Postings, &ledger.Posting{Account: s.accounts.PnL})
	s.metrics.RecordPostingEmitted("pnl")

	out.Narration = s.narration(ctx, tx, native)
	return out, nil
}

func (s *Synthesizer) gasLegs(tx *chain.AggregatedTx, native chain.Native) ([]*ledger.Posting, error) {
	conn, tracked := s.conns[chain.NormalizeAddress(tx.From)]
	if !tracked || s.excluded(native.Symbol) {
		return nil, nil
	}
	base, err := aggregate.Fee(&tx.RawTransaction)
	if err != nil {
		return nil, err
	}
	if base.IsZero() {
		return nil, nil
	}
	fee := base.Shift(-native.Decimals)
	legs := []*ledger.Posting{
		{Account: s.accounts.EthTx, Units: ledger.NewAmount(fee, native.Symbol)},
		{Account: assetAccount(conn, native.Symbol), Units: ledger.NewAmount(fee.Neg(), native.Symbol), Cost: ledger.AmbiguousCost()},
	}
	for range legs {
		s.metrics.RecordPostingEmitted("gas")
	}
	return legs, nil
}

// transferLegs emits the postings for one movement. With n <= 1 both sides
// are emitted, unknown parties falling back to the default accounts; with
// n > 1 only tracked sides are emitted.
func (s *Synthesizer) transferLegs(leg, from, to string, amount decimal.Decimal, symbol string, n int) []*ledger.Posting {
	if amount.IsZero() || s.excluded(symbol) {
		return nil
	}
	fromConn, fromTracked := s.conns[chain.NormalizeAddress(from)]
	toConn, toTracked := s.conns[chain.NormalizeAddress(to)]

	var out []*ledger.Posting
	if fromTracked || n <= 1 {
		account := s.accounts.Income
		if fromTracked {
			account = assetAccount(fromConn, symbol)
		}
		out = append(out, &ledger.Posting{Account: account, Units: ledger.NewAmount(amount.Neg(), symbol)})
	}
	if toTracked || n <= 1 {
		account := s.accounts.Expenses
		if toTracked {
			account = assetAccount(toConn, symbol)
		}
		out = append(out, &ledger.Posting{Account: account, Units: ledger.NewAmount(amount, symbol)})
	}
	for range out {
		s.metrics.RecordPostingEmitted(leg)
	}
	return out
}

func assetAccount(conn config.Connection, symbol string) string {
	return conn.AccountPrefix + ":" + symbol
}
