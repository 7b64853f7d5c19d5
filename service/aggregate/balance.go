package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/ledger"
	"github.com/shopspring/decimal"
)

// Holding is a normalized asset amount held by an address.
type Holding struct {
	Symbol string
	Amount decimal.Decimal
}

// Snapshot is the set of holdings of an address on Date, the day after its
// latest aggregated transaction.
type Snapshot struct {
	Address  string
	Date     time.Time
	Block    uint64
	Holdings []Holding
}

type runningTotal struct {
	decimals int32
	base     decimal.Decimal
}

// Balances computes the running balance of every asset address touched.
// When the provider reports token balances at a block, those replace the
// running token totals. Excluded symbols are omitted. A nil snapshot means
// no aggregated transaction touches address.
//
// The native coin is always a running total over the aggregated history, even
// when a BalanceReporter serves token balances. Credits that never appear as
// a transaction or internal transfer (Ethereum beacon withdrawals, block
// rewards) are missing from it, so such a wallet's native assertion fails
// in beancount and needs a padding entry or a rule rewriting that balance.
func (a *Aggregator) Balances(ctx context.Context, address string, excluded func(string) bool, loc *time.Location) (*Snapshot, error) {
	address = chain.NormalizeAddress(address)
	if excluded == nil {
		excluded = func(string) bool { return false }
	}
	native, err := chain.NativeOf(a.kind)
	if err != nil {
		return nil, err
	}

	nativeTotal := &runningTotal{decimals: native.Decimals}
	tokens := make(map[string]*runningTotal)
	var last *chain.AggregatedTx

	for _, tx := range a.Transactions() {
		if !touches(tx, address) {
			continue
		}
		last = tx
		if err := applyNative(nativeTotal, tx, address); err != nil {
			return nil, fmt.Errorf("balance of %s: %w", address, err)
		}
		for _, tr := range tx.Transfers {
			if tr.From != address && tr.To != address {
				continue
			}
			v, err := decimal.NewFromString(tr.Value)
			if err != nil {
				return nil, fmt.Errorf("balance of %s: transfer value %q: %w", address, tr.Value, err)
			}
			total, ok := tokens[tr.TokenSymbol]
			if !ok {
				total = &runningTotal{decimals: tr.TokenDecimals}
				tokens[tr.TokenSymbol] = total
			}
			if tr.To == address {
				total.base = total.base.Add(v)
			}
			if tr.From == address {
				total.base = total.base.Sub(v)
			}
		}
	}
	if last == nil {
		return nil, nil
	}

	snap := &Snapshot{
		Address: address,
		Date:    ledger.Day(last.Timestamp, loc).AddDate(0, 0, 1),
		Block:   last.BlockNumber,
	}
	if !excluded(native.Symbol) {
		snap.Holdings = append(snap.Holdings, Holding{
			Symbol: native.Symbol,
			Amount: nativeTotal.base.Shift(-native.Decimals),
		})
	}

	reporter, canReport := a.client.(chain.BalanceReporter)
	for _, meta := range a.Tokens(address) {
		if excluded(meta.Symbol) {
			continue
		}
		total, ok := tokens[meta.Symbol]
		if !ok {
			total = &runningTotal{decimals: meta.Decimals}
		}
		amount := total.base.Shift(-total.decimals)
		if canReport {
			raw, err := reporter.GetTokenBalance(ctx, meta.ContractAddress, address, snap.Block)
			switch {
			case err == nil:
				if amount, err = ledger.Normalize(raw, meta.Decimals); err != nil {
					return nil, fmt.Errorf("balance of %s in %s: %w", meta.Symbol, address, err)
				}
			case errors.Is(err, chain.ErrUnsupported):
				canReport = false
			default:
				return nil, fmt.Errorf("balance of %s in %s: %w", meta.Symbol, address, err)
			}
		}
		snap.Holdings = append(snap.Holdings, Holding{Symbol: meta.Symbol, Amount: amount})
	}
	return snap, nil
}

func touches(tx *chain.AggregatedTx, address string) bool {
	if tx.From == address || tx.To == address {
		return true
	}
	for _, tr := range tx.Transfers {
		if tr.From == address || tr.To == address {
			return true
		}
	}
	for _, it := range tx.Internal {
		if it.From == address || it.To == address {
			return true
		}
	}
	return false
}

func applyNative(total *runningTotal, tx *chain.AggregatedTx, address string) error {
	if tx.From == address {
		fee, err := Fee(&tx.RawTransaction)
		if err != nil {
			return err
		}
		total.base = total.base.Sub(fee)
	}
	if !tx.IsError {
		v, err := decimal.NewFromString(tx.Value)
		if err != nil {
			return fmt.Errorf("transaction %s value %q: %w", tx.Hash, tx.Value, err)
		}
		if tx.To == address {
			total.base = total.base.Add(v)
		}
		if tx.From == address {
			total.base = total.base.Sub(v)
		}
	}
	for _, it := range tx.Internal {
		if it.IsError {
			continue
		}
		v, err := decimal.NewFromString(it.Value)
		if err != nil {
			return fmt.Errorf("internal transfer %s value %q: %w", it.Hash, it.Value, err)
		}
		if it.To == address {
			total.base = total.base.Add(v)
		}
		if it.From == address {
			total.base = total.base.Sub(v)
		}
	}
	return nil
}

// Fee returns gasUsed × gasPrice in the native coin's base units.
func Fee(tx *chain.RawTransaction) (decimal.Decimal, error) {
	used, err := decimal.NewFromString(orZero(tx.GasUsed))
	if err != nil {
		return decimal.Zero, fmt.Errorf("transaction %s gas used %q: %w", tx.Hash, tx.GasUsed, err)
	}
	price, err := decimal.NewFromString(orZero(tx.GasPrice))
	if err != nil {
		return decimal.Zero, fmt.Errorf("transaction %s gas price %q: %w", tx.Hash, tx.GasPrice, err)
	}
	return used.Mul(price), nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
