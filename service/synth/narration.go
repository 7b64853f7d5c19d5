package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/ledger"
	"github.com/shopspring/decimal"
)

const contractExecution = "Contract Execution"

// ERC-20 method selectors.
const (
	selectorApprove      = "0x095ea7b3"
	selectorTransfer     = "0xa9059cbb"
	selectorTransferFrom = "0x23b872dd"
)

// movement is one asset flow used to describe a transaction.
type movement struct {
	from, to string
	amount   decimal.Decimal
	symbol   string
}

func (s *Synthesizer) narration(ctx context.Context, tx *chain.AggregatedTx, native chain.Native) string {
	var moves []movement
	for _, tr := range tx.Transfers {
		amount, _ := ledger.Normalize(tr.Value, tr.TokenDecimals)
		moves = append(moves, movement{from: tr.From, to: tr.To, amount: amount, symbol: tr.TokenSymbol})
	}
	for _, it := range tx.Internal {
		if it.IsError {
			continue
		}
		amount, _ := ledger.Normalize(it.Value, native.Decimals)
		moves = append(moves, movement{from: it.From, to: it.To, amount: amount, symbol: native.Symbol})
	}

	value, _ := ledger.Normalize(tx.Value, native.Decimals)
	if tx.IsError {
		value = decimal.Zero
	}

	switch {
	case len(moves) == 0 && value.IsZero():
		return s.describeExecution(ctx, tx)
	case len(moves) == 0:
		return s.describe(movement{from: tx.From, to: tx.To, amount: value, symbol: native.Symbol})
	case len(moves) == 1 && value.IsZero():
		return s.describe(moves[0])
	}

	if !value.IsZero() {
		moves = append(moves, movement{from: tx.From, to: tx.To, amount: value, symbol: native.Symbol})
	}
	return s.describeExchange(moves)
}

// describe renders a single-asset movement from the tracked side's point of view.
func (s *Synthesizer) describe(m movement) string {
	amount := ledger.FormatNumber(m.amount) + " " + m.symbol
	_, fromTracked := s.conns[chain.NormalizeAddress(m.from)]
	_, toTracked := s.conns[chain.NormalizeAddress(m.to)]
	switch {
	case fromTracked && toTracked:
		return fmt.Sprintf("Transfer %s from %s to %s", amount, s.label(m.from), s.label(m.to))
	case fromTracked:
		return fmt.Sprintf("Sent %s to %s", amount, s.label(m.to))
	default:
		return fmt.Sprintf("Received %s from %s", amount, s.label(m.from))
	}
}

// describeExchange lists the assets leaving and entering tracked addresses.
func (s *Synthesizer) describeExchange(moves []movement) string {
	var out, in []string
	for _, m := range moves {
		if m.amount.IsZero() {
			continue
		}
		if _, ok := s.conns[chain.NormalizeAddress(m.from)]; ok {
			out = appendUnique(out, m.symbol)
		}
		if _, ok := s.conns[chain.NormalizeAddress(m.to)]; ok {
			in = appendUnique(in, m.symbol)
		}
	}
	return fmt.Sprintf("Exchange %s -> %s", strings.Join(out, ","), strings.Join(in, ","))
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

func (s *Synthesizer) label(addr string) string {
	if addr == "" {
		return "unknown"
	}
	if conn, ok := s.conns[chain.NormalizeAddress(addr)]; ok {
		return conn.AccountPrefix
	}
	return addr
}

// describeExecution names a call that moved no value. Without a resolver, or
// off Ethereum, it is a plain "Contract Execution".
func (s *Synthesizer) describeExecution(ctx context.Context, tx *chain.AggregatedTx) string {
	if s.resolver == nil || tx.To == "" || tx.Chain != chain.Ethereum {
		return contractExecution
	}
	contract := s.contractLabel(ctx, tx.To)

	input := strings.ToLower(tx.Input)
	if len(input) < 10 {
		return contractExecution + ": " + contract
	}
	switch input[:10] {
	case selectorApprove:
		if spender, ok := addressArg(input, 0); ok {
			return fmt.Sprintf("Approve %s for %s", contract, s.contractLabel(ctx, spender))
		}
	case selectorTransfer, selectorTransferFrom:
		return fmt.Sprintf("%s transfer call", contract)
	}
	return contractExecution + ": " + contract
}

func (s *Synthesizer) contractLabel(ctx context.Context, addr string) string {
	if _, ok := s.conns[chain.NormalizeAddress(addr)]; ok {
		return s.label(addr)
	}
	src, err := s.resolver.GetSourceCode(ctx, addr)
	if err != nil {
		s.logger.WarnContext(ctx, "contract lookup failed, using address", "address", addr, "error", err)
		return addr
	}
	if src == nil || src.ContractName == "" {
		return addr
	}
	return src.ContractName
}

// addressArg decodes the i-th 32-byte word of ABI call data as an address.
func addressArg(input string, i int) (string, bool) {
	start := 10 + i*64
	if len(input) < start+64 {
		return "", false
	}
	word := input[start : start+64]
	return "0x" + word[24:], true
}
