package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/brojonat/beanroast/service/aggregate"
	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/coingecko"
	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ledgerYAML = `
defaultAccount:
  income: Income:Unknown
  expenses: Expenses:Unknown
  pnl: Income:PnL
  ethTx: Expenses:EthTx
connections:
  - type: ethereum
    address: "0xAAA"
    accountPrefix: Assets:Crypto:Main
fiat: usd
coins:
  - symbol: eth
    id: ethereum
rules:
  - pattern:
      - type: posting
        field: account
        value: "^Expenses:Unknown$"
      - type: posting
        field: symbol
        value: "^DAI$"
    transform:
      - type: posting
        field: account
        value: Expenses:Shopping
`

type fakeChain struct {
	txs       []chain.RawTransaction
	transfers []chain.TokenTransfer
	internal  []chain.InternalTransfer
	byHash    map[string]chain.RawTransaction
}

func (f *fakeChain) GetTransactionList(context.Context, string) ([]chain.RawTransaction, error) {
	return f.txs, nil
}

func (f *fakeChain) GetTokenTransferList(context.Context, string) ([]chain.TokenTransfer, error) {
	return f.transfers, nil
}

func (f *fakeChain) GetInternalTransferList(context.Context, string) ([]chain.InternalTransfer, error) {
	return f.internal, nil
}

func (f *fakeChain) GetTransaction(_ context.Context, hash string) (*chain.RawTransaction, error) {
	tx, ok := f.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", hash)
	}
	return &tx, nil
}

// scenario: a backfilled DAI deposit, an ETH deposit, then a DAI payment.
func scenario() *fakeChain {
	return &fakeChain{
		txs: []chain.RawTransaction{
			{Hash: "0x2", From: "0xaaa", To: "0xdai", Value: "0", GasUsed: "50000", GasPrice: "2000000000", Timestamp: 1588377600, BlockNumber: 2},
			{Hash: "0x1", From: "0xbbb", To: "0xaaa", Value: "1000000000000000000", GasUsed: "21000", GasPrice: "1000000000", Timestamp: 1588291200, BlockNumber: 1},
		},
		transfers: []chain.TokenTransfer{
			{Hash: "0x0", From: "0xBBB", To: "0xAAA", TokenSymbol: "dai", TokenDecimals: 18, Value: "250000000000000000000", ContractAddress: "0xdai", Timestamp: 1588204800, BlockNumber: 0},
			{Hash: "0x2", From: "0xaaa", To: "0xccc", TokenSymbol: "DAI", TokenDecimals: 18, Value: "100000000000000000000", ContractAddress: "0xdai", Timestamp: 1588377600, BlockNumber: 2},
			{Hash: "0x2", From: "0xaaa", To: "0xccc", TokenSymbol: "DAI", TokenDecimals: 18, Value: "100000000000000000000", ContractAddress: "0xdai", Timestamp: 1588377600, BlockNumber: 2},
		},
		byHash: map[string]chain.RawTransaction{
			"0x0": {Hash: "0x0", From: "0xbbb", To: "0xdai", Value: "0", GasUsed: "40000", GasPrice: "1000000000"},
		},
	}
}

const expectedLedger = `2020-04-30 * "Received 250 DAI from 0xbbb"
  tx: "0x0"
  Income:Unknown -250 DAI
  Assets:Crypto:Main:DAI 250 DAI
  Income:PnL

2020-05-01 * "Received 1 ETH from 0xbbb"
  tx: "0x1"
  Income:Unknown -1 ETH
  Assets:Crypto:Main:ETH 1 ETH
  Income:PnL

2020-05-02 * "Sent 100 DAI to 0xccc"
  tx: "0x2"
  Expenses:EthTx 0.0001 ETH
  Assets:Crypto:Main:ETH -0.0001 ETH {}
  Assets:Crypto:Main:DAI -100 DAI
  Expenses:Shopping 100 DAI
  Income:PnL

2020-05-03 balance Assets:Crypto:Main:ETH 0.9999 ETH

2020-05-03 balance Assets:Crypto:Main:DAI 150 DAI
`

func loadLedger(t *testing.T) *config.LedgerConfig {
	t.Helper()
	lc, err := config.ParseLedger([]byte(ledgerYAML))
	require.NoError(t, err)
	return lc
}

func TestRender(t *testing.T) {
	c, err := New(Options{
		Ledger:  loadLedger(t),
		Clients: map[chain.Kind]chain.Client{chain.Ethereum: scenario()},
	}, nil, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.Render(context.Background(), &buf))
	assert.Equal(t, expectedLedger, buf.String())
}

type fakePrices struct {
	history map[string]decimal.Decimal
	latest  map[string]decimal.Decimal
}

func (f *fakePrices) HistoryPrice(_ context.Context, id string, day time.Time, fiat string) (decimal.Decimal, error) {
	if p, ok := f.history[id+"@"+day.Format(ledger.DateLayout)]; ok {
		return p, nil
	}
	return decimal.Zero, coingecko.ErrNoQuote
}

func (f *fakePrices) LatestPrices(_ context.Context, ids []string, fiat string) (map[string]decimal.Decimal, error) {
	return f.latest, nil
}

func TestRun_WithPrices(t *testing.T) {
	prices := &fakePrices{
		history: map[string]decimal.Decimal{
			"ethereum@2020-05-01": decimal.NewFromInt(200),
			"ethereum@2020-05-02": decimal.NewFromInt(210),
		},
		latest: map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(3000)},
	}
	c, err := New(Options{
		Ledger:  loadLedger(t),
		Clients: map[chain.Kind]chain.Client{chain.Ethereum: scenario()},
		Prices:  prices,
	}, nil, nil)
	require.NoError(t, err)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Transactions, 3)

	deposit := res.Transactions[1]
	assert.Equal(t, "Income:Unknown -1 ETH {200 USD}", deposit.Postings[0].String())
	assert.Equal(t, "Assets:Crypto:Main:ETH 1 ETH {200 USD}", deposit.Postings[1].String())

	payment := res.Transactions[2]
	assert.Equal(t, "Expenses:EthTx 0.0001 ETH {210 USD}", payment.Postings[0].String())
	assert.Equal(t, "Assets:Crypto:Main:ETH -0.0001 ETH {}", payment.Postings[1].String())
	assert.Nil(t, payment.Postings[2].Cost)

	require.Len(t, res.Prices, 1)
	assert.Equal(t, "ETH", res.Prices[0].Commodity)
	assert.Equal(t, "3,000 USD", res.Prices[0].Amount.String())

	directives := res.Directives()
	require.Len(t, directives, 6)
	assert.Equal(t, ledger.KindTransaction, directives[0].Kind())
	assert.Equal(t, ledger.KindBalance, directives[3].Kind())
	assert.Equal(t, ledger.KindPrice, directives[5].Kind())
}

type recordingPublisher struct {
	got []ledger.Directive
	err error
}

func (p *recordingPublisher) PublishDirectives(_ context.Context, directives []ledger.Directive) error {
	p.got = append(p.got, directives...)
	return p.err
}

func TestRun_Publishes(t *testing.T) {
	pub := &recordingPublisher{}
	c, err := New(Options{
		Ledger:    loadLedger(t),
		Clients:   map[chain.Kind]chain.Client{chain.Ethereum: scenario()},
		Publisher: pub,
	}, nil, nil)
	require.NoError(t, err)

	directives, err := c.Convert(context.Background())
	require.NoError(t, err)
	assert.Equal(t, directives, pub.got)
}

func TestRun_PublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats down")}
	c, err := New(Options{
		Ledger:    loadLedger(t),
		Clients:   map[chain.Kind]chain.Client{chain.Ethereum: scenario()},
		Publisher: pub,
	}, nil, nil)
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish directives")
}

func TestRender_IntegrityErrorWritesNothing(t *testing.T) {
	src := scenario()
	src.internal = []chain.InternalTransfer{{Hash: "0xmissing", From: "0xaaa", To: "0xbbb", Value: "1"}}

	c, err := New(Options{
		Ledger:  loadLedger(t),
		Clients: map[chain.Kind]chain.Client{chain.Ethereum: src},
	}, nil, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	err = c.Render(context.Background(), &buf)
	require.Error(t, err)

	var integrity *aggregate.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "0xmissing", integrity.Hash)
	assert.Zero(t, buf.Len())
}

func TestNew_MissingProvider(t *testing.T) {
	_, err := New(Options{Ledger: loadLedger(t)}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider for ethereum")
}

func TestNew_BadRule(t *testing.T) {
	lc := loadLedger(t)
	lc.Rules = append(lc.Rules, config.RuleConfig{
		Pattern: []config.FieldRule{{Type: "posting", Field: "symbol", Value: "("}},
	})
	_, err := New(Options{
		Ledger:  lc,
		Clients: map[chain.Kind]chain.Client{chain.Ethereum: scenario()},
	}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile rules")
}

func TestTransactions_MergesChains(t *testing.T) {
	c, err := New(Options{
		Ledger:  loadLedger(t),
		Clients: map[chain.Kind]chain.Client{chain.Ethereum: scenario()},
	}, nil, nil)
	require.NoError(t, err)

	aggs, err := c.Aggregate(context.Background())
	require.NoError(t, err)
	require.Len(t, aggs, 1)

	txs := Transactions(aggs)
	require.Len(t, txs, 3)
	assert.Equal(t, []string{"0x0", "0x1", "0x2"}, []string{txs[0].Hash, txs[1].Hash, txs[2].Hash})
	assert.Len(t, txs[2].Transfers, 1)
}
