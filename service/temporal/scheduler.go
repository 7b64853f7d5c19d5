package temporal

import (
	"context"
	"time"
)

// Scheduler manages the Temporal schedules that run conversions.
// Each named ledger gets its own schedule triggering ConvertLedgerWorkflow.
type Scheduler interface {
	// UpsertConversionSchedule creates the schedule for name, or updates its
	// interval and input when it already exists.
	UpsertConversionSchedule(ctx context.Context, name string, input ConvertWorkflowInput, interval time.Duration) error

	// DeleteConversionSchedule stops the conversions scheduled for name.
	DeleteConversionSchedule(ctx context.Context, name string) error
}

// scheduleID returns the Temporal schedule ID for a named ledger.
func scheduleID(name string) string {
	return "beanroast-convert-" + name
}
