package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind names a supported chain.
type Kind string

const (
	Ethereum Kind = "ethereum"
	Solana   Kind = "solana"
)

// Native describes a chain's native coin.
type Native struct {
	Symbol   string
	Decimals int32
}

// NativeOf returns the native coin for kind.
func NativeOf(kind Kind) (Native, error) {
	switch kind {
	case Ethereum:
		return Native{Symbol: "ETH", Decimals: 18}, nil
	case Solana:
		return Native{Symbol: "SOL", Decimals: 9}, nil
	default:
		return Native{}, fmt.Errorf("unsupported chain %q", kind)
	}
}

// ErrUnsupported is returned by optional provider calls a chain cannot serve.
var ErrUnsupported = errors.New("operation not supported by provider")

// NormalizeAddress lower-cases hex addresses. Base58 addresses are case-sensitive and returned as-is.
func NormalizeAddress(addr string) string {
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return strings.ToLower(addr)
	}
	return addr
}

// RawTransaction is a top-level chain transaction as reported by a provider.
// Amounts are base-unit integer strings.
type RawTransaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	GasUsed     string `json:"gas_used"`
	GasPrice    string `json:"gas_price"`
	Timestamp   int64  `json:"timestamp"`
	BlockNumber uint64 `json:"block_number"`
	IsError     bool   `json:"is_error,omitempty"`
	Input       string `json:"input,omitempty"`
	Memo        string `json:"memo,omitempty"`
}

// TokenTransfer is a fungible-token movement emitted by a transaction.
type TokenTransfer struct {
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	TokenSymbol     string `json:"token_symbol"`
	TokenDecimals   int32  `json:"token_decimals"`
	Value           string `json:"value"`
	ContractAddress string `json:"contract_address"`
	Timestamp       int64  `json:"timestamp"`
	BlockNumber     uint64 `json:"block_number"`
}

// InternalTransfer is a native-coin movement triggered inside contract execution.
type InternalTransfer struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Timestamp   int64  `json:"timestamp"`
	BlockNumber uint64 `json:"block_number"`
	IsError     bool   `json:"is_error,omitempty"`
}

// AggregatedTx is a raw transaction with every transfer it owns.
type AggregatedTx struct {
	RawTransaction
	Chain     Kind               `json:"chain"`
	Transfers []TokenTransfer    `json:"transfers"`
	Internal  []InternalTransfer `json:"internal"`
}

// ContractSource is verified contract metadata.
type ContractSource struct {
	Address      string `json:"address"`
	ContractName string `json:"contract_name"`
}

// Client fetches the per-address activity feeds of one chain.
type Client interface {
	GetTransactionList(ctx context.Context, address string) ([]RawTransaction, error)
	GetTokenTransferList(ctx context.Context, address string) ([]TokenTransfer, error)
	GetInternalTransferList(ctx context.Context, address string) ([]InternalTransfer, error)
	GetTransaction(ctx context.Context, hash string) (*RawTransaction, error)
}

// BalanceReporter reports a token balance (base units) held by address at block.
type BalanceReporter interface {
	GetTokenBalance(ctx context.Context, contract, address string, block uint64) (string, error)
}

// ContractResolver looks up verified contract metadata.
type ContractResolver interface {
	GetSourceCode(ctx context.Context, address string) (*ContractSource, error)
}
