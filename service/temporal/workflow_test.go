package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func TestConvertLedgerWorkflow(t *testing.T) {
	converted := &ConvertLedgerResult{
		Ledger:       "2020-05-02 balance Assets:Crypto:Main:ETH 1 ETH\n",
		Transactions: 3,
		Balances:     2,
		Prices:       1,
	}

	tests := []struct {
		name           string
		input          ConvertWorkflowInput
		mockActivities func(convertMock, writeMock *testsuite.MockCallWrapper)
		expectWrite    bool
		expectedError  string
		validateResult func(*testing.T, *ConvertWorkflowResult)
	}{
		{
			name:  "converts and writes",
			input: ConvertWorkflowInput{ConfigPath: "ledger.yaml", OutputPath: "/ledgers/crypto.beancount"},
			mockActivities: func(convertMock, writeMock *testsuite.MockCallWrapper) {
				convertMock.Return(converted, nil)
				writeMock.Return(&WriteLedgerResult{Path: "/ledgers/crypto.beancount", Bytes: 48}, nil)
			},
			expectWrite: true,
			validateResult: func(t *testing.T, result *ConvertWorkflowResult) {
				assert.Equal(t, 3, result.Transactions)
				assert.Equal(t, 2, result.Balances)
				assert.Equal(t, 1, result.Prices)
				assert.Equal(t, 48, result.BytesWritten)
				assert.Nil(t, result.Error)
			},
		},
		{
			name:  "no output path skips the write",
			input: ConvertWorkflowInput{ConfigPath: "ledger.yaml", Publish: true},
			mockActivities: func(convertMock, writeMock *testsuite.MockCallWrapper) {
				convertMock.Return(converted, nil)
			},
			validateResult: func(t *testing.T, result *ConvertWorkflowResult) {
				assert.Equal(t, 3, result.Transactions)
				assert.Zero(t, result.BytesWritten)
			},
		},
		{
			name:  "conversion fails",
			input: ConvertWorkflowInput{ConfigPath: "ledger.yaml", OutputPath: "/ledgers/crypto.beancount"},
			mockActivities: func(convertMock, writeMock *testsuite.MockCallWrapper) {
				convertMock.Return(nil, errors.New("etherscan: 502"))
			},
			expectedError: "failed to convert ledger",
		},
		{
			name:  "write fails",
			input: ConvertWorkflowInput{ConfigPath: "ledger.yaml", OutputPath: "/ledgers/crypto.beancount"},
			mockActivities: func(convertMock, writeMock *testsuite.MockCallWrapper) {
				convertMock.Return(converted, nil)
				writeMock.Return(nil, errors.New("disk full"))
			},
			expectWrite:   true,
			expectedError: "failed to write ledger",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()

			activities := &Activities{}
			env.RegisterActivity(activities.ConvertLedger)
			env.RegisterActivity(activities.WriteLedger)

			convertMock := env.OnActivity(activities.ConvertLedger, mock.Anything, mock.Anything)
			writeMock := env.OnActivity(activities.WriteLedger, mock.Anything, mock.Anything)
			tt.mockActivities(convertMock, writeMock)

			env.ExecuteWorkflow(ConvertLedgerWorkflow, tt.input)
			require.True(t, env.IsWorkflowCompleted())

			if tt.expectedError != "" {
				err := env.GetWorkflowError()
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
				return
			}

			require.NoError(t, env.GetWorkflowError())
			var result ConvertWorkflowResult
			require.NoError(t, env.GetWorkflowResult(&result))
			assert.Equal(t, tt.input.ConfigPath, result.ConfigPath)
			tt.validateResult(t, &result)
		})
	}
}

func TestConvertLedgerWorkflow_PassesInputToActivities(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.ConvertLedger)
	env.RegisterActivity(activities.WriteLedger)

	var gotConvert ConvertLedgerInput
	env.OnActivity(activities.ConvertLedger, mock.Anything, mock.Anything).
		Return(func(_ context.Context, in ConvertLedgerInput) (*ConvertLedgerResult, error) {
			gotConvert = in
			return &ConvertLedgerResult{Ledger: "ledger text\n"}, nil
		})

	var gotWrite WriteLedgerInput
	env.OnActivity(activities.WriteLedger, mock.Anything, mock.Anything).
		Return(func(_ context.Context, in WriteLedgerInput) (*WriteLedgerResult, error) {
			gotWrite = in
			return &WriteLedgerResult{Path: in.Path, Bytes: len(in.Ledger)}, nil
		})

	startTime := env.Now()
	env.ExecuteWorkflow(ConvertLedgerWorkflow, ConvertWorkflowInput{
		ConfigPath: "ledger.yaml",
		OutputPath: "out.beancount",
		NoPrices:   true,
		Publish:    true,
	})
	require.NoError(t, env.GetWorkflowError())

	assert.Equal(t, ConvertLedgerInput{ConfigPath: "ledger.yaml", NoPrices: true, Publish: true}, gotConvert)
	assert.Equal(t, WriteLedgerInput{Path: "out.beancount", Ledger: "ledger text\n"}, gotWrite)

	var result ConvertWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, len("ledger text\n"), result.BytesWritten)
	assert.WithinDuration(t, startTime, result.RunTime, time.Minute)
}

func TestMockScheduler(t *testing.T) {
	ctx := context.Background()
	s := NewMockScheduler()
	input := ConvertWorkflowInput{ConfigPath: "ledger.yaml", OutputPath: "out.beancount"}

	require.NoError(t, s.UpsertConversionSchedule(ctx, "main", input, time.Hour))
	require.NoError(t, s.UpsertConversionSchedule(ctx, "main", input, 6*time.Hour))
	assert.Equal(t, 1, s.ScheduleCount())

	got, interval, ok := s.GetSchedule("main")
	require.True(t, ok)
	assert.Equal(t, input, got)
	assert.Equal(t, 6*time.Hour, interval)

	assert.Error(t, s.UpsertConversionSchedule(ctx, "bad", input, 0))

	require.NoError(t, s.DeleteConversionSchedule(ctx, "main"))
	assert.False(t, s.ScheduleExists("main"))
	assert.Error(t, s.DeleteConversionSchedule(ctx, "main"))

	s.SetUpsertError(errors.New("temporal unavailable"))
	assert.Error(t, s.UpsertConversionSchedule(ctx, "main", input, time.Hour))
	s.Reset()
	assert.NoError(t, s.UpsertConversionSchedule(ctx, "main", input, time.Hour))
}

func TestScheduleID(t *testing.T) {
	assert.Equal(t, "beanroast-convert-main", scheduleID("main"))
}
