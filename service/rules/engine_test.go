package rules

import (
	"testing"
	"time"

	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/ledger"
	"github.com/brojonat/beanroast/service/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(pattern []config.FieldRule, transform []config.FieldRule) config.RuleConfig {
	return config.RuleConfig{Pattern: pattern, Transform: transform}
}

func fr(typ, field, value string) config.FieldRule {
	return config.FieldRule{Type: typ, Field: field, Value: value}
}

func sampleTx() *ledger.Transaction {
	tx := &ledger.Transaction{
		Date:      time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC),
		Flag:      ledger.FlagCleared,
		Narration: "Received 5 UNI-V2 from 0xpair",
		Postings: []*ledger.Posting{
			{Account: "Assets:Wallet:UNI-V2", Units: ledger.NewAmount(decimal.NewFromInt(5), "UNI-V2")},
			{Account: "Income:Unknown", Units: ledger.NewAmount(decimal.NewFromInt(-5), "UNI-V2")},
			{Account: "Income:PnL"},
		},
	}
	tx.Metadata.Set("tx", "0xabc")
	return tx
}

func TestParseField(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		path    string
		want    Field
		wantErr bool
	}{
		{name: "plain", target: TargetPosting, path: "symbol", want: Field{Kind: FieldSymbol}},
		{name: "pointer", target: TargetPosting, path: "/symbol", want: Field{Kind: FieldSymbol}},
		{name: "metadata dotted", target: TargetTransaction, path: "metadata.tx", want: Field{Kind: FieldMetadata, Key: "tx"}},
		{name: "metadata pointer", target: TargetPosting, path: "/metadata/note", want: Field{Kind: FieldMetadata, Key: "note"}},
		{name: "narration on transaction", target: TargetTransaction, path: "narration", want: Field{Kind: FieldNarration}},
		{name: "narration on posting", target: TargetPosting, path: "narration", wantErr: true},
		{name: "account on transaction", target: TargetTransaction, path: "account", wantErr: true},
		{name: "metadata on balance", target: TargetBalance, path: "metadata.x", wantErr: true},
		{name: "empty metadata key", target: TargetPosting, path: "metadata.", wantErr: true},
		{name: "unknown", target: TargetBalance, path: "units", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseField(tt.target, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.RuleConfig
		want string
	}{
		{
			name: "bad regex",
			cfg:  rule([]config.FieldRule{fr("posting", "symbol", "(")}, nil),
			want: "invalid regex",
		},
		{
			name: "unknown type",
			cfg:  rule([]config.FieldRule{fr("account", "symbol", ".")}, nil),
			want: "unknown rule type",
		},
		{
			name: "non-decimal amount",
			cfg:  rule([]config.FieldRule{fr("posting", "symbol", ".")}, []config.FieldRule{fr("posting", "amount", "lots")}),
			want: "amount",
		},
		{
			name: "bad flag",
			cfg:  rule([]config.FieldRule{fr("posting", "symbol", ".")}, []config.FieldRule{fr("transaction", "flag", "?")}),
			want: "flag must be",
		},
		{
			name: "account with spaces",
			cfg:  rule([]config.FieldRule{fr("posting", "symbol", ".")}, []config.FieldRule{fr("posting", "account", "Assets:My Wallet")}),
			want: "single non-empty token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]config.RuleConfig{tt.cfg})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEngine_RulesKeepConfiguredOrder(t *testing.T) {
	e, err := New([]config.RuleConfig{
		rule([]config.FieldRule{fr("posting", "symbol", "^A$")}, []config.FieldRule{fr("posting", "symbol", "B")}),
		rule([]config.FieldRule{fr("balance", "account", "^Assets:")}, []config.FieldRule{fr("balance", "amount", "0")}),
	}, nil, nil)
	require.NoError(t, err)

	got := e.Rules()
	require.Len(t, got, 2)
	assert.Equal(t, TargetPosting, got[0].Patterns[0].Target)
	assert.Equal(t, "^A$", got[0].Patterns[0].Regex.String())
	assert.Equal(t, TargetBalance, got[1].Transforms[0].Target)
}

func TestApplyPosting_SymbolRewritesAccount(t *testing.T) {
	e, err := New([]config.RuleConfig{
		rule(
			[]config.FieldRule{fr("posting", "symbol", "^UNI-V2$")},
			[]config.FieldRule{fr("posting", "symbol", "UNIV2-DAI-ETH")},
		),
	}, nil, nil)
	require.NoError(t, err)

	tx := sampleTx()
	e.ApplyTransaction(tx)

	assert.Equal(t, "Assets:Wallet:UNIV2-DAI-ETH", tx.Postings[0].Account)
	assert.Equal(t, "UNIV2-DAI-ETH", tx.Postings[0].Units.Symbol)
	// No trailing symbol component, so only the units change.
	assert.Equal(t, "Income:Unknown", tx.Postings[1].Account)
	assert.Equal(t, "UNIV2-DAI-ETH", tx.Postings[1].Units.Symbol)
	// Elided posting has no symbol to match.
	assert.Nil(t, tx.Postings[2].Units)
}

func TestApplyPosting_TransactionPatternAndTransform(t *testing.T) {
	e, err := New([]config.RuleConfig{
		rule(
			[]config.FieldRule{
				fr("transaction", "narration", "from 0xpair$"),
				fr("posting", "account", "^Income:Unknown$"),
			},
			[]config.FieldRule{
				fr("posting", "account", "Income:Uniswap"),
				fr("transaction", "payee", "Uniswap"),
				fr("transaction", "flag", "!"),
				fr("posting", "metadata.source", "rule"),
			},
		),
	}, nil, nil)
	require.NoError(t, err)

	tx := sampleTx()
	e.ApplyTransaction(tx)

	assert.Equal(t, "Assets:Wallet:UNI-V2", tx.Postings[0].Account)
	assert.Equal(t, "Income:Uniswap", tx.Postings[1].Account)
	assert.Equal(t, "Uniswap", tx.Payee)
	assert.Equal(t, ledger.FlagPending, tx.Flag)

	v, ok := tx.Postings[1].Metadata.Get("source")
	assert.True(t, ok)
	assert.Equal(t, "rule", v)
	_, ok = tx.Postings[0].Metadata.Get("source")
	assert.False(t, ok)
}

func TestApply_RulesAreCumulative(t *testing.T) {
	e, err := New([]config.RuleConfig{
		rule(
			[]config.FieldRule{fr("posting", "symbol", "^UNI-V2$")},
			[]config.FieldRule{fr("posting", "symbol", "LP")},
		),
		rule(
			[]config.FieldRule{fr("posting", "symbol", "^LP$"), fr("posting", "account", "^Assets:")},
			[]config.FieldRule{fr("posting", "amount", "7.5")},
		),
	}, nil, nil)
	require.NoError(t, err)

	tx := sampleTx()
	e.ApplyTransaction(tx)

	assert.Equal(t, "Assets:Wallet:LP", tx.Postings[0].Account)
	assert.True(t, decimal.RequireFromString("7.5").Equal(tx.Postings[0].Units.Number))
	assert.True(t, decimal.NewFromInt(-5).Equal(tx.Postings[1].Units.Number))
}

func TestApplyPosting_ElidedPostingWriteIsNoop(t *testing.T) {
	e, err := New([]config.RuleConfig{
		rule(
			[]config.FieldRule{fr("posting", "account", "PnL$")},
			[]config.FieldRule{fr("posting", "amount", "1"), fr("posting", "symbol", "ETH")},
		),
	}, nil, nil)
	require.NoError(t, err)

	tx := sampleTx()
	e.ApplyTransaction(tx)

	assert.Nil(t, tx.Postings[2].Units)
	assert.Equal(t, "Income:PnL", tx.Postings[2].Account)
}

func TestApplyBalance(t *testing.T) {
	e, err := New([]config.RuleConfig{
		rule(
			[]config.FieldRule{fr("balance", "symbol", "^UNI-V2$")},
			[]config.FieldRule{fr("balance", "symbol", "LP")},
		),
		// Posting patterns never match balances.
		rule(
			[]config.FieldRule{fr("posting", "account", ".")},
			[]config.FieldRule{fr("balance", "account", "Assets:Wrong")},
		),
	}, nil, nil)
	require.NoError(t, err)

	b := &ledger.Balance{
		Date:    time.Date(2021, 3, 5, 0, 0, 0, 0, time.UTC),
		Account: "Assets:Wallet:UNI-V2",
		Amount:  ledger.Amount{Number: decimal.NewFromInt(5), Symbol: "UNI-V2"},
	}
	e.ApplyBalance(b)

	assert.Equal(t, "Assets:Wallet:LP", b.Account)
	assert.Equal(t, "LP", b.Amount.Symbol)
}

func TestApply_AmountPatternSeesUngroupedNumber(t *testing.T) {
	e, err := New([]config.RuleConfig{
		rule(
			[]config.FieldRule{fr("posting", "amount", `^-1234\.5$`)},
			[]config.FieldRule{fr("posting", "account", "Expenses:Rent")},
		),
		rule(
			[]config.FieldRule{fr("balance", "amount", `^1,234\.5$`)},
			[]config.FieldRule{fr("balance", "account", "Assets:Wrong")},
		),
	}, nil, nil)
	require.NoError(t, err)

	tx := sampleTx()
	tx.Postings[1].Units = ledger.NewAmount(decimal.RequireFromString("-1234.5"), "DAI")
	e.ApplyTransaction(tx)
	assert.Equal(t, "Expenses:Rent", tx.Postings[1].Account)
	assert.Contains(t, tx.Postings[1].String(), "-1,234.5 DAI", "rendering still groups digits")

	b := &ledger.Balance{
		Date:    time.Date(2021, 3, 5, 0, 0, 0, 0, time.UTC),
		Account: "Assets:Wallet:DAI",
		Amount:  ledger.Amount{Number: decimal.RequireFromString("1234.5"), Symbol: "DAI"},
	}
	e.ApplyBalance(b)
	assert.Equal(t, "Assets:Wallet:DAI", b.Account)
}

func TestApply_NoPatternsNeverMatches(t *testing.T) {
	e, err := New([]config.RuleConfig{
		rule(nil, []config.FieldRule{fr("transaction", "narration", "changed")}),
	}, metrics.NewMetrics(prometheus.NewRegistry()), nil)
	require.NoError(t, err)

	tx := sampleTx()
	e.ApplyTransaction(tx)
	assert.Equal(t, "Received 5 UNI-V2 from 0xpair", tx.Narration)
}

func TestApply_MetadataPattern(t *testing.T) {
	e, err := New([]config.RuleConfig{
		rule(
			[]config.FieldRule{fr("transaction", "/metadata/tx", "^0xabc$")},
			[]config.FieldRule{fr("transaction", "narration", "Airdrop")},
		),
	}, metrics.NewMetrics(prometheus.NewRegistry()), nil)
	require.NoError(t, err)

	tx := sampleTx()
	e.ApplyTransaction(tx)
	assert.Equal(t, "Airdrop", tx.Narration)
}

func TestRenameSuffix(t *testing.T) {
	assert.Equal(t, "Assets:W:LP", renameSuffix("Assets:W:UNI-V2", "UNI-V2", "LP"))
	assert.Equal(t, "Assets:W:XUNI-V2", renameSuffix("Assets:W:XUNI-V2", "UNI-V2", "LP"))
	assert.Equal(t, "Expenses:Unknown", renameSuffix("Expenses:Unknown", "ETH", "WETH"))
	assert.Equal(t, "Assets:W", renameSuffix("Assets:W", "", "LP"))
}
