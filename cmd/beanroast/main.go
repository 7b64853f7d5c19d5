package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/brojonat/beanroast/service/config"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "beanroast",
		Usage: "Convert blockchain activity into a beancount ledger",
		Description: `Reads a ledger configuration (addresses, accounts, coins and rules),
fetches every transaction touching the configured addresses and prints the
resulting beancount directives.

Provider credentials and integrations are read from the environment.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "env-file",
				Value:   ".env",
				Usage:   "Read provider credentials from this file; the environment wins",
				EnvVars: []string{"BEANROAST_ENV_FILE"},
			},
		},
		Before: func(c *cli.Context) error {
			return config.LoadDotEnv(c.String("env-file"))
		},
		Commands: []*cli.Command{
			cryptoCommand(),
			inspectCommand(),
			{
				Name:  "rules",
				Usage: "Rule configuration commands",
				Subcommands: []*cli.Command{
					checkRulesCommand(),
				},
			},
			{
				Name:  "schedule",
				Usage: "Manage scheduled conversions on Temporal",
				Subcommands: []*cli.Command{
					createScheduleCommand(),
					deleteScheduleCommand(),
					listSchedulesCommand(),
				},
			},
			{
				Name:  "cache",
				Usage: "Raw event cache commands",
				Subcommands: []*cli.Command{
					migrateCacheCommand(),
					cacheStatsCommand(),
					pruneCacheCommand(),
				},
			},
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			w := c.App.Writer
			fmt.Fprintf(w, "beanroast\n")
			fmt.Fprintf(w, "  Version: %s\n", version)
			fmt.Fprintf(w, "  Commit:  %s\n", commit)
			fmt.Fprintf(w, "  Built:   %s\n", date)
			return nil
		},
	}
}

// setupLogger creates a JSON logger on stderr so stdout stays a clean ledger.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// Helper function to output JSON
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
