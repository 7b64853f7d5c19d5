package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ Scheduler = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// scheduleAction is the workflow a conversion schedule starts.
func (c *Client) scheduleAction(name string, input ConvertWorkflowInput) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        "convert-ledger-" + name,
		Workflow:  ConvertWorkflowName,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{input},
	}
}

// createConversionSchedule creates a new Temporal schedule for a ledger.
func (c *Client) createConversionSchedule(ctx context.Context, name string, input ConvertWorkflowInput, interval time.Duration) error {
	id := scheduleID(name)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: c.scheduleAction(name, input),
		Memo: map[string]interface{}{
			"config_path": input.ConfigPath,
			"output_path": input.OutputPath,
			"created_by":  "beanroast",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"name", name,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("conversion schedule created",
		"name", name,
		"config", input.ConfigPath,
		"output", input.OutputPath,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// UpsertConversionSchedule creates or updates the schedule for a ledger.
// If the schedule already exists its interval and workflow input are replaced.
func (c *Client) UpsertConversionSchedule(ctx context.Context, name string, input ConvertWorkflowInput, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}
	id := scheduleID(name)

	c.logger.Debug("upserting conversion schedule",
		"name", name,
		"schedule_id", id,
		"interval", interval,
	)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.createConversionSchedule(ctx, name, input, interval)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			in.Description.Schedule.Action = c.scheduleAction(name, input)
			return &client.ScheduleUpdate{
				Schedule: &in.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"name", name,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("conversion schedule updated",
		"name", name,
		"config", input.ConfigPath,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// DeleteConversionSchedule deletes the Temporal schedule for a ledger.
func (c *Client) DeleteConversionSchedule(ctx context.Context, name string) error {
	id := scheduleID(name)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"name", name,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("conversion schedule deleted", "name", name, "schedule_id", id)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
