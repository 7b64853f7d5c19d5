package main

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Create or update a periodic conversion run by the worker",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the ledger configuration, as seen by the worker",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Ledger file the worker writes, as seen by the worker",
			},
			&cli.DurationFlag{
				Name:  "every",
				Value: 24 * time.Hour,
				Usage: "Interval between conversions",
			},
			&cli.BoolFlag{
				Name:  "no-prices",
				Usage: "Skip price enrichment",
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish directives to NATS from the worker",
			},
		},
		Action: func(c *cli.Context) error {
			name, err := scheduleName(c)
			if err != nil {
				return err
			}
			input := temporal.ConvertWorkflowInput{
				ConfigPath: c.String("config"),
				OutputPath: c.String("output"),
				NoPrices:   c.Bool("no-prices"),
				Publish:    c.Bool("publish"),
			}
			if input.OutputPath == "" && !input.Publish {
				return fmt.Errorf("a schedule needs --output, --publish or both")
			}

			scheduler, err := getScheduler(c)
			if err != nil {
				return err
			}
			defer scheduler.Close()

			if err := upsertSchedule(c.Context, scheduler, name, input, c.Duration("every")); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "schedule %q converts %s every %s\n", name, input.ConfigPath, c.Duration("every"))
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a conversion schedule",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			name, err := scheduleName(c)
			if err != nil {
				return err
			}
			scheduler, err := getScheduler(c)
			if err != nil {
				return err
			}
			defer scheduler.Close()

			if err := scheduler.DeleteConversionSchedule(c.Context, name); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "schedule %q deleted\n", name)
			return nil
		},
	}
}

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List Temporal schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			scheduler, err := getScheduler(c)
			if err != nil {
				return err
			}
			defer scheduler.Close()

			ctx := c.Context
			iter, err := scheduler.SDKClient().ScheduleClient().List(ctx, client.ScheduleListOptions{
				PageSize: 100,
			})
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID\tPAUSED")
			count := 0
			for iter.HasNext() {
				schedule, err := iter.Next()
				if err != nil {
					return fmt.Errorf("failed to iterate schedules: %w", err)
				}
				fmt.Fprintf(w, "%s\t%v\n", schedule.ID, schedule.Paused)
				count++
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d schedules\n", count)
			return nil
		},
	}
}

func scheduleName(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("requires exactly one argument: schedule name")
	}
	return c.Args().First(), nil
}

// upsertSchedule resolves relative paths before handing the input to the
// scheduler; the worker may run from another directory.
func upsertSchedule(ctx context.Context, s temporal.Scheduler, name string, input temporal.ConvertWorkflowInput, every time.Duration) error {
	var err error
	if input.ConfigPath, err = filepath.Abs(input.ConfigPath); err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if input.OutputPath != "" {
		if input.OutputPath, err = filepath.Abs(input.OutputPath); err != nil {
			return fmt.Errorf("failed to resolve output path: %w", err)
		}
	}
	return s.UpsertConversionSchedule(ctx, name, input, every)
}

// getScheduler connects to Temporal using the environment configuration.
func getScheduler(c *cli.Context) (*temporal.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(c.String("log-level"))
	return temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
}
