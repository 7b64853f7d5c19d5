package aggregate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/metrics"
)

// IntegrityError reports an internal transfer whose owning transaction was
// never seen. The provider feeds are expected to make this impossible.
type IntegrityError struct {
	Hash    string
	Address string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("internal transfer %s of %s has no owning transaction", e.Hash, e.Address)
}

// TokenMeta is what a connection learned about a token from its transfers.
type TokenMeta struct {
	Symbol          string
	ContractAddress string
	Decimals        int32
}

// Feeds are the three activity lists fetched for one address.
type Feeds struct {
	Transactions []chain.RawTransaction
	Transfers    []chain.TokenTransfer
	Internal     []chain.InternalTransfer
}

// Aggregator merges per-address feeds of one chain into hash-keyed
// aggregated transactions. The map is shared across addresses so a
// transaction between two tracked wallets is recorded once.
// An Aggregator is not safe for concurrent use.
type Aggregator struct {
	kind    chain.Kind
	client  chain.Client
	txs     map[string]*chain.AggregatedTx
	tokens  map[string]map[string]TokenMeta
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Aggregator for one chain.
func New(kind chain.Kind, client chain.Client, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Aggregator{
		kind:    kind,
		client:  client,
		txs:     make(map[string]*chain.AggregatedTx),
		tokens:  make(map[string]map[string]TokenMeta),
		metrics: m,
		logger:  logger,
	}
}

// Kind returns the chain this aggregator serves.
func (a *Aggregator) Kind() chain.Kind {
	return a.kind
}

// FetchFeeds retrieves the three activity feeds of address, one call at a time.
func (a *Aggregator) FetchFeeds(ctx context.Context, address string) (Feeds, error) {
	var feeds Feeds
	var err error
	if feeds.Transactions, err = a.client.GetTransactionList(ctx, address); err != nil {
		return Feeds{}, fmt.Errorf("fetch transactions of %s: %w", address, err)
	}
	if feeds.Transfers, err = a.client.GetTokenTransferList(ctx, address); err != nil {
		return Feeds{}, fmt.Errorf("fetch token transfers of %s: %w", address, err)
	}
	if feeds.Internal, err = a.client.GetInternalTransferList(ctx, address); err != nil {
		return Feeds{}, fmt.Errorf("fetch internal transfers of %s: %w", address, err)
	}
	return feeds, nil
}

// AddAddress fetches and merges the feeds of address.
func (a *Aggregator) AddAddress(ctx context.Context, address string) error {
	feeds, err := a.FetchFeeds(ctx, address)
	if err != nil {
		return err
	}
	return a.Merge(ctx, address, feeds)
}

// Merge folds one address's feeds into the aggregate. Token transfers whose
// transaction is unknown are hosted by a transaction fetched by hash.
func (a *Aggregator) Merge(ctx context.Context, address string, feeds Feeds) error {
	address = chain.NormalizeAddress(address)

	seeded := 0
	for _, tx := range feeds.Transactions {
		if _, ok := a.txs[tx.Hash]; ok {
			continue
		}
		a.txs[tx.Hash] = &chain.AggregatedTx{RawTransaction: tx, Chain: a.kind}
		seeded++
	}
	a.metrics.RecordTransactionsAggregated(string(a.kind), seeded)

	for _, tr := range feeds.Transfers {
		tr.From = chain.NormalizeAddress(tr.From)
		tr.To = chain.NormalizeAddress(tr.To)
		tr.TokenSymbol = strings.ToUpper(tr.TokenSymbol)
		a.recordToken(address, tr)

		agg, ok := a.txs[tr.Hash]
		if !ok {
			var err error
			agg, err = a.backfill(ctx, tr)
			if err != nil {
				return err
			}
		}
		if hasTransfer(agg.Transfers, tr) {
			a.metrics.RecordTransferDeduplicated(string(a.kind))
			continue
		}
		agg.Transfers = append(agg.Transfers, tr)
	}

	// Several tracked addresses may report the same internal transfer.
	// Within one feed repeats are real, so an entry is appended only when
	// this feed has shown it more often than the aggregate already holds it.
	shown := make(map[internalKey]int)
	for _, it := range feeds.Internal {
		it.From = chain.NormalizeAddress(it.From)
		it.To = chain.NormalizeAddress(it.To)
		agg, ok := a.txs[it.Hash]
		if !ok {
			return &IntegrityError{Hash: it.Hash, Address: address}
		}
		key := keyOf(it)
		shown[key]++
		if shown[key] <= countInternal(agg.Internal, key) {
			a.metrics.RecordTransferDeduplicated(string(a.kind))
			continue
		}
		agg.Internal = append(agg.Internal, it)
	}

	a.logger.DebugContext(ctx, "merged address feeds",
		"chain", a.kind,
		"address", address,
		"transactions", len(feeds.Transactions),
		"transfers", len(feeds.Transfers),
		"internal", len(feeds.Internal),
		"aggregated", len(a.txs),
	)
	return nil
}

func (a *Aggregator) backfill(ctx context.Context, tr chain.TokenTransfer) (*chain.AggregatedTx, error) {
	raw, err := a.client.GetTransaction(ctx, tr.Hash)
	if err != nil {
		return nil, fmt.Errorf("backfill transaction %s: %w", tr.Hash, err)
	}
	tx := *raw
	tx.Timestamp = tr.Timestamp
	if tx.BlockNumber == 0 {
		tx.BlockNumber = tr.BlockNumber
	}
	agg := &chain.AggregatedTx{RawTransaction: tx, Chain: a.kind}
	a.txs[tr.Hash] = agg
	a.metrics.RecordTransactionBackfilled(string(a.kind))
	a.logger.DebugContext(ctx, "backfilled transaction for orphan transfer", "hash", tr.Hash, "symbol", tr.TokenSymbol)
	return agg, nil
}

func (a *Aggregator) recordToken(address string, tr chain.TokenTransfer) {
	byAddr, ok := a.tokens[address]
	if !ok {
		byAddr = make(map[string]TokenMeta)
		a.tokens[address] = byAddr
	}
	byAddr[tr.TokenSymbol] = TokenMeta{
		Symbol:          tr.TokenSymbol,
		ContractAddress: tr.ContractAddress,
		Decimals:        tr.TokenDecimals,
	}
}

func hasTransfer(list []chain.TokenTransfer, tr chain.TokenTransfer) bool {
	for _, existing := range list {
		if existing.From == tr.From && existing.To == tr.To && existing.Value == tr.Value {
			return true
		}
	}
	return false
}

type internalKey struct {
	hash, from, to, value string
	failed                bool
}

func keyOf(it chain.InternalTransfer) internalKey {
	return internalKey{hash: it.Hash, from: it.From, to: it.To, value: it.Value, failed: it.IsError}
}

func countInternal(list []chain.InternalTransfer, key internalKey) int {
	n := 0
	for _, existing := range list {
		if keyOf(existing) == key {
			n++
		}
	}
	return n
}

// Transactions returns every aggregated transaction in ascending timestamp
// order. Ties are broken by block number, then hash.
func (a *Aggregator) Transactions() []*chain.AggregatedTx {
	out := make([]*chain.AggregatedTx, 0, len(a.txs))
	for _, tx := range a.txs {
		out = append(out, tx)
	}
	SortByTime(out)
	return out
}

// SortByTime orders transactions by timestamp, block number and hash.
func SortByTime(txs []*chain.AggregatedTx) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Timestamp != txs[j].Timestamp {
			return txs[i].Timestamp < txs[j].Timestamp
		}
		if txs[i].BlockNumber != txs[j].BlockNumber {
			return txs[i].BlockNumber < txs[j].BlockNumber
		}
		return txs[i].Hash < txs[j].Hash
	})
}

// Tokens returns the tokens seen in address's transfers, sorted by symbol.
func (a *Aggregator) Tokens(address string) []TokenMeta {
	byAddr := a.tokens[chain.NormalizeAddress(address)]
	out := make([]TokenMeta, 0, len(byAddr))
	for _, meta := range byAddr {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
