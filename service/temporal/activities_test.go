package temporal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brojonat/beanroast/service/aggregate"
	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/ledger"
	"github.com/brojonat/beanroast/service/nats"
	"github.com/brojonat/beanroast/service/pipeline"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// MockFactory is a ConverterFactory driven by testify expectations.
type MockFactory struct {
	mock.Mock
	released int
}

func (m *MockFactory) NewConverter(ctx context.Context, input ConvertLedgerInput, publisher pipeline.Publisher) (LedgerConverter, func(), error) {
	args := m.Called(ctx, input, publisher)
	if args.Get(0) == nil {
		return nil, nil, args.Error(1)
	}
	return args.Get(0).(LedgerConverter), func() { m.released++ }, args.Error(1)
}

// fakeConverter returns a fixed result and optionally publishes it.
type fakeConverter struct {
	result    *pipeline.Result
	err       error
	publisher pipeline.Publisher
}

func (f *fakeConverter) Run(ctx context.Context) (*pipeline.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.publisher != nil {
		if err := f.publisher.PublishDirectives(ctx, f.result.Directives()); err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

func testResult() *pipeline.Result {
	day := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	eth := func(s string) *ledger.Amount { return ledger.NewAmount(decimal.RequireFromString(s), "ETH") }
	return &pipeline.Result{
		Transactions: []*ledger.Transaction{{
			Date:      day,
			Flag:      ledger.FlagCleared,
			Narration: "Received 1 ETH",
			Postings: []*ledger.Posting{
				{Account: "Income:Unknown", Units: eth("-1")},
				{Account: "Assets:Crypto:Main:ETH", Units: eth("1")},
			},
		}},
		Balances: []*ledger.Balance{{
			Date:    day.AddDate(0, 0, 1),
			Account: "Assets:Crypto:Main:ETH",
			Amount:  *eth("1"),
		}},
	}
}

func isNonRetryable(err error) bool {
	var appErr *temporalsdk.ApplicationError
	return errors.As(err, &appErr) && appErr.NonRetryable()
}

func TestActivities_ConvertLedger(t *testing.T) {
	ctx := context.Background()

	t.Run("renders the ledger", func(t *testing.T) {
		factory := &MockFactory{}
		input := ConvertLedgerInput{ConfigPath: "ledger.yaml"}
		factory.On("NewConverter", mock.Anything, input, nil).
			Return(&fakeConverter{result: testResult()}, nil)

		activities := NewActivities(factory, nil, nil, nil)
		result, err := activities.ConvertLedger(ctx, input)
		require.NoError(t, err)

		assert.Equal(t, 1, result.Transactions)
		assert.Equal(t, 1, result.Balances)
		assert.Equal(t, 0, result.Prices)
		assert.Equal(t, `2020-05-01 * "Received 1 ETH"
  Income:Unknown -1 ETH
  Assets:Crypto:Main:ETH 1 ETH

2020-05-02 balance Assets:Crypto:Main:ETH 1 ETH
`, result.Ledger)
		assert.Equal(t, 1, factory.released)
		factory.AssertExpectations(t)
	})

	t.Run("publishes when asked", func(t *testing.T) {
		publisher := nats.NewMockPublisher()
		factory := &MockFactory{}
		input := ConvertLedgerInput{ConfigPath: "ledger.yaml", Publish: true}
		factory.On("NewConverter", mock.Anything, input, publisher).
			Return(&fakeConverter{result: testResult(), publisher: publisher}, nil)

		activities := NewActivities(factory, publisher, nil, nil)
		_, err := activities.ConvertLedger(ctx, input)
		require.NoError(t, err)

		assert.Len(t, publisher.GetPublishedEvents(), 2)
		assert.Len(t, publisher.GetPublishedEventsForKind(ledger.KindBalance), 1)
	})

	t.Run("publish without publisher is not retried", func(t *testing.T) {
		activities := NewActivities(&MockFactory{}, nil, nil, nil)
		_, err := activities.ConvertLedger(ctx, ConvertLedgerInput{ConfigPath: "ledger.yaml", Publish: true})
		require.Error(t, err)
		assert.True(t, isNonRetryable(err))
	})

	t.Run("integrity error is not retried", func(t *testing.T) {
		factory := &MockFactory{}
		factory.On("NewConverter", mock.Anything, mock.Anything, mock.Anything).
			Return(&fakeConverter{err: &aggregate.IntegrityError{Hash: "0xmissing", Address: "0xaaa"}}, nil)

		activities := NewActivities(factory, nil, nil, nil)
		_, err := activities.ConvertLedger(ctx, ConvertLedgerInput{ConfigPath: "ledger.yaml"})
		require.Error(t, err)
		assert.True(t, isNonRetryable(err))
		assert.Equal(t, 1, factory.released)
	})

	t.Run("provider error is retried", func(t *testing.T) {
		factory := &MockFactory{}
		factory.On("NewConverter", mock.Anything, mock.Anything, mock.Anything).
			Return(&fakeConverter{err: errors.New("etherscan: 502")}, nil)

		activities := NewActivities(factory, nil, nil, nil)
		_, err := activities.ConvertLedger(ctx, ConvertLedgerInput{ConfigPath: "ledger.yaml"})
		require.Error(t, err)
		assert.False(t, isNonRetryable(err))
		assert.Contains(t, err.Error(), "etherscan: 502")
	})

	t.Run("invalid config is not retried", func(t *testing.T) {
		factory := &MockFactory{}
		factory.On("NewConverter", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &config.ValidationError{Errs: []error{errors.New("fiat is required")}})

		activities := NewActivities(factory, nil, nil, nil)
		_, err := activities.ConvertLedger(ctx, ConvertLedgerInput{ConfigPath: "ledger.yaml"})
		require.Error(t, err)
		assert.True(t, isNonRetryable(err))
		assert.Contains(t, err.Error(), "fiat is required")
	})
}

func TestEnvFactory_MissingConfigFile(t *testing.T) {
	factory := &EnvFactory{Env: &config.Config{Timezone: time.UTC}}
	activities := NewActivities(factory, nil, nil, nil)

	_, err := activities.ConvertLedger(context.Background(), ConvertLedgerInput{
		ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"),
	})
	require.Error(t, err)
	assert.True(t, isNonRetryable(err))
}

func TestActivities_WriteLedger(t *testing.T) {
	ctx := context.Background()
	activities := NewActivities(&MockFactory{}, nil, nil, nil)
	path := filepath.Join(t.TempDir(), "crypto.beancount")

	require.NoError(t, os.WriteFile(path, []byte("old ledger\n"), 0o644))

	result, err := activities.WriteLedger(ctx, WriteLedgerInput{Path: path, Ledger: "new ledger\n"})
	require.NoError(t, err)
	assert.Equal(t, path, result.Path)
	assert.Equal(t, len("new ledger\n"), result.Bytes)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new ledger\n", string(data))

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = activities.WriteLedger(ctx, WriteLedgerInput{Ledger: "x"})
	require.Error(t, err)
	assert.True(t, isNonRetryable(err))

	_, err = activities.WriteLedger(ctx, WriteLedgerInput{Path: filepath.Join(t.TempDir(), "no", "such", "dir", "x"), Ledger: "x"})
	assert.Error(t, err)
}
