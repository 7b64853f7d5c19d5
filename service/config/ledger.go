package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Rhymond/go-money"
	"gopkg.in/yaml.v3"
)

// Chain types accepted in connections.
const (
	ChainEthereum = "ethereum"
	ChainSolana   = "solana"
)

var accountRoots = []string{"Assets", "Liabilities", "Equity", "Income", "Expenses"}

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Errs []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() []error {
	return e.Errs
}

// DefaultAccounts are the fallback accounts used by posting synthesis.
type DefaultAccounts struct {
	// Income receives the counter-leg of inflows from unknown senders.
	Income string `yaml:"income"`
	// Expenses receives the counter-leg of outflows to unknown recipients.
	Expenses string `yaml:"expenses"`
	PnL      string `yaml:"pnl"`
	// EthTx is the network fee account.
	EthTx string `yaml:"ethTx"`
}

// Connection is a tracked address.
type Connection struct {
	Type          string `yaml:"type"`
	Address       string `yaml:"address"`
	AccountPrefix string `yaml:"accountPrefix"`
}

// Coin maps a ledger symbol to a price-provider id.
type Coin struct {
	Symbol string `yaml:"symbol"`
	ID     string `yaml:"id"`
}

// FieldRule is one pattern or transform entry of a rule.
type FieldRule struct {
	Type  string `yaml:"type"`
	Field string `yaml:"field"`
	Value string `yaml:"value"`
}

// RuleConfig is a conditional rewrite: when every pattern matches, apply every transform.
type RuleConfig struct {
	Pattern   []FieldRule `yaml:"pattern"`
	Transform []FieldRule `yaml:"transform"`
}

// LedgerConfig is the conversion configuration file.
type LedgerConfig struct {
	DefaultAccount   DefaultAccounts `yaml:"defaultAccount"`
	Connections      []Connection    `yaml:"connections"`
	ExcludeCoins     []string        `yaml:"excludeCoins"`
	Fiat             string          `yaml:"fiat"`
	Coins            []Coin          `yaml:"coins"`
	Rules            []RuleConfig    `yaml:"rules"`
	ResolveContracts bool            `yaml:"resolveContracts"`
	CacheRawEvents   bool            `yaml:"cacheRawEvents"`
}

// LoadLedger reads and validates a ledger configuration file.
func LoadLedger(path string) (*LedgerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger config: %w", err)
	}
	return ParseLedger(data)
}

// ParseLedger decodes and validates a ledger configuration document.
// Unknown keys are rejected.
func ParseLedger(data []byte) (*LedgerConfig, error) {
	var lc LedgerConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&lc); err != nil {
		return nil, fmt.Errorf("failed to decode ledger config: %w", err)
	}
	lc.normalize()
	if err := lc.Validate(); err != nil {
		return nil, err
	}
	return &lc, nil
}

func (lc *LedgerConfig) normalize() {
	lc.Fiat = strings.ToUpper(strings.TrimSpace(lc.Fiat))
	for i := range lc.ExcludeCoins {
		lc.ExcludeCoins[i] = strings.ToUpper(lc.ExcludeCoins[i])
	}
	for i := range lc.Coins {
		lc.Coins[i].Symbol = strings.ToUpper(lc.Coins[i].Symbol)
	}
	for i := range lc.Connections {
		lc.Connections[i].Type = strings.ToLower(lc.Connections[i].Type)
	}
}

// Validate checks the ledger configuration and returns a *ValidationError
// listing every problem.
func (lc *LedgerConfig) Validate() error {
	var errs []error

	if lc.Fiat == "" {
		errs = append(errs, errors.New("fiat is required"))
	} else if money.GetCurrency(lc.Fiat) == nil {
		errs = append(errs, fmt.Errorf("fiat %q is not an ISO 4217 currency", lc.Fiat))
	}

	for name, account := range map[string]string{
		"defaultAccount.income":   lc.DefaultAccount.Income,
		"defaultAccount.expenses": lc.DefaultAccount.Expenses,
		"defaultAccount.pnl":      lc.DefaultAccount.PnL,
		"defaultAccount.ethTx":    lc.DefaultAccount.EthTx,
	} {
		if err := validAccount(account); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if len(lc.Connections) == 0 {
		errs = append(errs, errors.New("at least one connection is required"))
	}
	seen := make(map[string]bool)
	for i, conn := range lc.Connections {
		switch conn.Type {
		case ChainEthereum, ChainSolana:
		default:
			errs = append(errs, fmt.Errorf("connections[%d]: unsupported type %q", i, conn.Type))
		}
		if conn.Address == "" {
			errs = append(errs, fmt.Errorf("connections[%d]: address is required", i))
		}
		key := conn.Type + ":" + strings.ToLower(conn.Address)
		if seen[key] {
			errs = append(errs, fmt.Errorf("connections[%d]: duplicate address %s", i, conn.Address))
		}
		seen[key] = true
		if err := validAccount(conn.AccountPrefix); err != nil {
			errs = append(errs, fmt.Errorf("connections[%d].accountPrefix: %w", i, err))
		}
	}

	for i, coin := range lc.Coins {
		if coin.Symbol == "" || coin.ID == "" {
			errs = append(errs, fmt.Errorf("coins[%d]: symbol and id are required", i))
		}
	}

	for i, r := range lc.Rules {
		if len(r.Pattern) == 0 {
			errs = append(errs, fmt.Errorf("rules[%d]: at least one pattern is required", i))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errs: errs}
	}
	return nil
}

// CoinIDs maps ledger symbols to price-provider ids.
func CoinIDs(coins []Coin) map[string]string {
	ids := make(map[string]string, len(coins))
	for _, c := range coins {
		ids[c.Symbol] = c.ID
	}
	return ids
}

// Excluded reports whether symbol is in excludeCoins.
func (lc *LedgerConfig) Excluded(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, s := range lc.ExcludeCoins {
		if s == symbol {
			return true
		}
	}
	return false
}

func validAccount(account string) error {
	if account == "" {
		return errors.New("account is required")
	}
	root, _, _ := strings.Cut(account, ":")
	for _, r := range accountRoots {
		if root == r {
			return nil
		}
	}
	return fmt.Errorf("account %q must start with one of %s", account, strings.Join(accountRoots, ", "))
}
