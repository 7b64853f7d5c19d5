package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLedger = `
fiat: twd
defaultAccount:
  income: Income:Crypto:Unknown
  expenses: Expenses:Crypto:Unknown
  pnl: Income:Crypto:PnL
  ethTx: Expenses:Crypto:Gas
connections:
  - type: Ethereum
    address: "0xAbC"
    accountPrefix: Assets:Crypto:Main
excludeCoins: [scam]
coins:
  - symbol: eth
    id: ethereum
rules:
  - pattern:
      - type: posting
        field: symbol
        value: "^CDAI$"
    transform:
      - type: posting
        field: symbol
        value: cDAI
resolveContracts: true
`

func TestParseLedger(t *testing.T) {
	lc, err := ParseLedger([]byte(sampleLedger))
	require.NoError(t, err)

	assert.Equal(t, "TWD", lc.Fiat)
	assert.Equal(t, "Expenses:Crypto:Gas", lc.DefaultAccount.EthTx)
	require.Len(t, lc.Connections, 1)
	assert.Equal(t, ChainEthereum, lc.Connections[0].Type)
	assert.Equal(t, map[string]string{"ETH": "ethereum"}, CoinIDs(lc.Coins))
	assert.True(t, lc.Excluded("SCAM"))
	assert.True(t, lc.Excluded("scam"))
	assert.False(t, lc.Excluded("ETH"))
	require.Len(t, lc.Rules, 1)
	assert.Equal(t, "symbol", lc.Rules[0].Pattern[0].Field)
	assert.True(t, lc.ResolveContracts)
	assert.False(t, lc.CacheRawEvents)
}

func TestParseLedger_UnknownKey(t *testing.T) {
	_, err := ParseLedger([]byte(sampleLedger + "\nbogus: 1\n"))
	require.Error(t, err)
}

func TestParseLedger_ValidationErrors(t *testing.T) {
	doc := `
fiat: XXQ
defaultAccount:
  income: Unknown
connections:
  - type: bitcoin
    address: ""
    accountPrefix: Assets:BTC
rules:
  - transform:
      - type: posting
        field: symbol
        value: X
`
	_, err := ParseLedger([]byte(doc))
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	msg := err.Error()
	assert.Contains(t, msg, "ISO 4217")
	assert.Contains(t, msg, "defaultAccount.income")
	assert.Contains(t, msg, "defaultAccount.pnl: account is required")
	assert.Contains(t, msg, `unsupported type "bitcoin"`)
	assert.Contains(t, msg, "address is required")
	assert.Contains(t, msg, "at least one pattern")
}

func TestParseLedger_DuplicateConnection(t *testing.T) {
	doc := sampleLedger + `
`
	lc, err := ParseLedger([]byte(doc))
	require.NoError(t, err)

	lc.Connections = append(lc.Connections, Connection{Type: ChainEthereum, Address: "0xabc", AccountPrefix: "Assets:Other"})
	err = lc.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate address")
}

func TestLoadLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crypto.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleLedger), 0o600))

	lc, err := LoadLedger(path)
	require.NoError(t, err)
	assert.Equal(t, "Assets:Crypto:Main", lc.Connections[0].AccountPrefix)

	_, err = LoadLedger(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
