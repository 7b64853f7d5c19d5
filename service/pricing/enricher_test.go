package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/beanroast/service/coingecko"
	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrices serves prices from a table keyed by "id@YYYY-MM-DD".
type fakePrices struct {
	mu      sync.Mutex
	history map[string]decimal.Decimal
	errs    map[string]error
	latest  map[string]decimal.Decimal
	calls   []string
}

func (f *fakePrices) HistoryPrice(_ context.Context, id string, day time.Time, fiat string) (decimal.Decimal, error) {
	key := id + "@" + day.Format(ledger.DateLayout)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	if err, ok := f.errs[key]; ok {
		return decimal.Zero, err
	}
	if p, ok := f.history[key]; ok {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("%s: %w", key, coingecko.ErrNoQuote)
}

func (f *fakePrices) LatestPrices(_ context.Context, ids []string, fiat string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, id := range ids {
		if p, ok := f.latest[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

var coins = []config.Coin{
	{Symbol: "ETH", ID: "ethereum"},
	{Symbol: "DAI", ID: "dai"},
}

func day(s string) time.Time {
	t, err := time.Parse(ledger.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func posting(account, number, symbol string) *ledger.Posting {
	return &ledger.Posting{Account: account, Units: ledger.NewAmount(decimal.RequireFromString(number), symbol)}
}

func TestEnrich_AttachesCost(t *testing.T) {
	prices := &fakePrices{history: map[string]decimal.Decimal{
		"ethereum@2020-05-01": decimal.RequireFromString("210.5"),
		"dai@2020-05-01":      decimal.RequireFromString("1.01"),
	}}
	e := New(prices, coins, "USD", nil, nil, nil)

	tx := &ledger.Transaction{
		Date: day("2020-05-01"),
		Postings: []*ledger.Posting{
			posting("Expenses:EthTx", "0.01", "ETH"),
			{Account: "Assets:W:ETH", Units: ledger.NewAmount(decimal.RequireFromString("-0.01"), "ETH"), Cost: ledger.AmbiguousCost()},
			posting("Assets:W:ETH", "-1", "ETH"),
			posting("Assets:W:DAI", "210", "DAI"),
			posting("Income:Unknown", "-210", "DAI"),
			posting("Assets:W:UNI", "3", "UNI"),
			{Account: "Income:PnL"},
		},
	}
	require.NoError(t, e.Enrich(context.Background(), []*ledger.Transaction{tx}))

	usd := func(s string) *ledger.Cost {
		return &ledger.Cost{Amount: ledger.NewAmount(decimal.RequireFromString(s), "USD")}
	}
	assert.Equal(t, usd("210.5").Amount.String(), tx.Postings[0].Cost.Amount.String())
	assert.True(t, tx.Postings[1].Cost.IsAmbiguous())
	assert.True(t, tx.Postings[2].Cost.IsAmbiguous())
	assert.Equal(t, usd("1.01").Amount.String(), tx.Postings[3].Cost.Amount.String())
	// Income postings get a definite cost even when negative.
	assert.Equal(t, usd("1.01").Amount.String(), tx.Postings[4].Cost.Amount.String())
	// Unwatched symbol and elided posting are left alone.
	assert.Nil(t, tx.Postings[5].Cost)
	assert.Nil(t, tx.Postings[6].Cost)

	assert.ElementsMatch(t, []string{"ethereum@2020-05-01", "dai@2020-05-01"}, prices.calls)
}

func TestEnrich_OneLookupPerDateAndCoin(t *testing.T) {
	prices := &fakePrices{history: map[string]decimal.Decimal{
		"ethereum@2020-05-01": decimal.NewFromInt(200),
		"ethereum@2020-05-02": decimal.NewFromInt(220),
	}}
	e := New(prices, coins, "USD", nil, nil, nil)

	txs := []*ledger.Transaction{
		{Date: day("2020-05-01"), Postings: []*ledger.Posting{posting("Assets:W:ETH", "1", "ETH")}},
		{Date: day("2020-05-01"), Postings: []*ledger.Posting{posting("Assets:W:ETH", "2", "ETH")}},
		{Date: day("2020-05-02"), Postings: []*ledger.Posting{posting("Assets:W:ETH", "3", "ETH")}},
	}
	require.NoError(t, e.Enrich(context.Background(), txs))

	assert.Len(t, prices.calls, 2)
	assert.Equal(t, "200 USD", txs[0].Postings[0].Cost.Amount.String())
	assert.Equal(t, "200 USD", txs[1].Postings[0].Cost.Amount.String())
	assert.Equal(t, "220 USD", txs[2].Postings[0].Cost.Amount.String())
}

func TestEnrich_NoQuoteIsSkipped(t *testing.T) {
	prices := &fakePrices{history: map[string]decimal.Decimal{
		"dai@2020-05-01": decimal.NewFromInt(1),
	}}
	e := New(prices, coins, "USD", nil, nil, nil)

	tx := &ledger.Transaction{
		Date: day("2020-05-01"),
		Postings: []*ledger.Posting{
			posting("Assets:W:ETH", "1", "ETH"),
			posting("Assets:W:DAI", "1", "DAI"),
		},
	}
	require.NoError(t, e.Enrich(context.Background(), []*ledger.Transaction{tx}))

	assert.Nil(t, tx.Postings[0].Cost)
	require.NotNil(t, tx.Postings[1].Cost)
	assert.Equal(t, "1 USD", tx.Postings[1].Cost.Amount.String())
}

func TestEnrich_TransportErrorAborts(t *testing.T) {
	boom := errors.New("connection reset")
	prices := &fakePrices{
		history: map[string]decimal.Decimal{"dai@2020-05-01": decimal.NewFromInt(1)},
		errs:    map[string]error{"ethereum@2020-05-01": boom},
	}
	e := New(prices, coins, "USD", nil, nil, nil)

	tx := &ledger.Transaction{
		Date: day("2020-05-01"),
		Postings: []*ledger.Posting{
			posting("Assets:W:ETH", "1", "ETH"),
			posting("Assets:W:DAI", "1", "DAI"),
		},
	}
	err := e.Enrich(context.Background(), []*ledger.Transaction{tx})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, tx.Postings[1].Cost)
}

func TestEnrich_NothingToPrice(t *testing.T) {
	prices := &fakePrices{}
	e := New(prices, coins, "USD", nil, nil, nil)

	tx := &ledger.Transaction{Date: day("2020-05-01"), Postings: []*ledger.Posting{posting("Assets:W:UNI", "1", "UNI")}}
	require.NoError(t, e.Enrich(context.Background(), []*ledger.Transaction{tx}))
	assert.Empty(t, prices.calls)
}

func TestLatest(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	prices := &fakePrices{latest: map[string]decimal.Decimal{
		"ethereum": decimal.RequireFromString("3012.44"),
	}}
	e := New(prices, coins, "USD", loc, nil, nil)
	// 02:00 UTC is still the previous day in New York.
	e.now = func() time.Time { return time.Date(2024, 1, 10, 2, 0, 0, 0, time.UTC) }

	got, err := e.Latest(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2024-01-09 price ETH 3,012.44 USD\n", got[0].String())
}

func TestLatest_NoCoins(t *testing.T) {
	e := New(&fakePrices{}, nil, "USD", nil, nil, nil)
	got, err := e.Latest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}
