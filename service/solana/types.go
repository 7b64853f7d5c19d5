package solana

import (
	"strings"

	"github.com/brojonat/beanroast/service/chain"
)

// Decoded is one transaction split into the three feeds the aggregator
// consumes.
type Decoded struct {
	Transaction chain.RawTransaction
	Transfers   []chain.TokenTransfer
	Internal    []chain.InternalTransfer
}

// DefaultMints maps well-known SPL mints to ledger symbols.
var DefaultMints = map[string]string{
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": "USDC",
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": "USDT",
	"So11111111111111111111111111111111111111112":  "WSOL",
	"mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So":  "MSOL",
}

// mintSymbol returns the ledger symbol of mint. Unknown mints get a
// stable "SPL" symbol derived from the mint address.
func mintSymbol(mints map[string]string, mint string) string {
	if s, ok := mints[mint]; ok {
		return s
	}
	short := mint
	if len(short) > 6 {
		short = short[:6]
	}
	return "SPL" + strings.ToUpper(short)
}
