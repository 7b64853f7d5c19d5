package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ConvertWorkflowName is the registered name of ConvertLedgerWorkflow.
const ConvertWorkflowName = "ConvertLedgerWorkflow"

// ConvertWorkflowInput configures one scheduled conversion.
type ConvertWorkflowInput struct {
	ConfigPath string `json:"config_path"`
	// OutputPath is optional; without it the ledger is only returned.
	OutputPath string `json:"output_path,omitempty"`
	NoPrices   bool   `json:"no_prices,omitempty"`
	Publish    bool   `json:"publish,omitempty"`
}

// ConvertWorkflowResult summarizes a conversion run.
type ConvertWorkflowResult struct {
	ConfigPath   string    `json:"config_path"`
	OutputPath   string    `json:"output_path,omitempty"`
	Transactions int       `json:"transactions"`
	Balances     int       `json:"balances"`
	Prices       int       `json:"prices"`
	BytesWritten int       `json:"bytes_written"`
	RunTime      time.Time `json:"run_time"`
	Error        *string   `json:"error,omitempty"`
}

// ConvertLedgerWorkflow converts the configured addresses into a ledger and
// writes it to OutputPath. It is triggered by a Temporal schedule.
//
// Steps:
// 1. ConvertLedger fetches, synthesizes and prices everything, publishing
// directives when asked.
// 2. WriteLedger replaces the output file.
func ConvertLedgerWorkflow(ctx workflow.Context, input ConvertWorkflowInput) (*ConvertWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ConvertLedgerWorkflow started", "config", input.ConfigPath)

	result := &ConvertWorkflowResult{
		ConfigPath: input.ConfigPath,
		OutputPath: input.OutputPath,
		RunTime:    workflow.Now(ctx),
	}

	// Provider gateways pace calls, so a full history can take a while.
	convertCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Minute,
			MaximumAttempts:    3,
		},
	})

	var converted *ConvertLedgerResult
	err := workflow.ExecuteActivity(convertCtx, a.ConvertLedger, ConvertLedgerInput{
		ConfigPath: input.ConfigPath,
		NoPrices:   input.NoPrices,
		Publish:    input.Publish,
	}).Get(ctx, &converted)
	if err != nil {
		errMsg := fmt.Sprintf("failed to convert ledger: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to convert ledger: %w", err)
	}

	result.Transactions = converted.Transactions
	result.Balances = converted.Balances
	result.Prices = converted.Prices
	logger.Info("ledger converted",
		"transactions", converted.Transactions,
		"balances", converted.Balances,
		"prices", converted.Prices,
	)

	if input.OutputPath == "" {
		logger.Info("no output path, skipping write")
		return result, nil
	}

	writeCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var written *WriteLedgerResult
	err = workflow.ExecuteActivity(writeCtx, a.WriteLedger, WriteLedgerInput{
		Path:   input.OutputPath,
		Ledger: converted.Ledger,
	}).Get(ctx, &written)
	if err != nil {
		errMsg := fmt.Sprintf("failed to write ledger: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to write ledger: %w", err)
	}
	result.BytesWritten = written.Bytes

	logger.Info("ConvertLedgerWorkflow completed successfully",
		"config", input.ConfigPath,
		"output", input.OutputPath,
		"bytes", written.Bytes,
	)
	return result, nil
}
