package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePosting_RoundTrip(t *testing.T) {
	postings := []*Posting{
		{Account: "Income:PnL"},
		{Account: "Assets:W:ETH", Units: NewAmount(dec("-0.00042"), "ETH"), Cost: AmbiguousCost()},
		{Account: "Assets:W:DAI", Units: NewAmount(dec("12345.678"), "DAI"), Cost: &Cost{Amount: NewAmount(dec("30.1"), "TWD")}},
		{Account: "Assets:Cash", Units: NewAmount(dec("10"), "USD"), Price: NewAmount(dec("305"), "TWD"), PriceTotal: true},
		{Account: "Assets:Cash", Units: NewAmount(dec("10"), "USD"), Cost: AmbiguousCost(), Price: NewAmount(dec("30.5"), "TWD")},
	}

	for _, want := range postings {
		t.Run(want.String(), func(t *testing.T) {
			got, err := ParsePosting("  " + want.String())
			require.NoError(t, err)

			assert.Equal(t, want.Account, got.Account)
			assert.Equal(t, want.String(), got.String())
			if want.Units != nil {
				require.NotNil(t, got.Units)
				assert.True(t, want.Units.Number.Equal(got.Units.Number))
				assert.Equal(t, want.Units.Symbol, got.Units.Symbol)
			}
			assert.Equal(t, want.Cost.IsAmbiguous(), got.Cost.IsAmbiguous())
			assert.Equal(t, want.PriceTotal, got.PriceTotal)
		})
	}
}

func TestParsePosting_Errors(t *testing.T) {
	bad := []string{
		"",
		"Assets:W 1.0",
		"Assets:W one ETH",
		"Assets:W 1 ETH {2 USD",
		"Assets:W 1 ETH # 2 USD",
		"Assets:W 1 ETH @ 2",
	}
	for _, line := range bad {
		_, err := ParsePosting(line)
		assert.Error(t, err, line)
	}
}
