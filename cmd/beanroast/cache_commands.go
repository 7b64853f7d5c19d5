package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func migrateCacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the raw event cache tables",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c.Context)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "cache schema is up to date")
			return nil
		},
	}
}

func cacheStatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Count cached transactions per chain",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c.Context)
			if err != nil {
				return err
			}
			defer closer()

			counts := make(map[chain.Kind]int64)
			for _, kind := range []chain.Kind{chain.Ethereum, chain.Solana} {
				n, err := store.CountTransactions(c.Context, kind)
				if err != nil {
					return err
				}
				counts[kind] = n
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, counts)
			}
			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHAIN\tTRANSACTIONS")
			for _, kind := range []chain.Kind{chain.Ethereum, chain.Solana} {
				fmt.Fprintf(w, "%s\t%d\n", kind, counts[kind])
			}
			return w.Flush()
		},
	}
}

func pruneCacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete cached transactions fetched before a cutoff",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "older-than",
				Value: 90 * 24 * time.Hour,
				Usage: "Delete entries cached longer ago than this",
			},
		},
		Action: func(c *cli.Context) error {
			age := c.Duration("older-than")
			if age <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			store, closer, err := getStore(c.Context)
			if err != nil {
				return err
			}
			defer closer()

			n, err := store.DeleteTransactionsOlderThan(c.Context, time.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "deleted %d cached transactions\n", n)
			return nil
		},
	}
}

// getStore connects to DATABASE_URL.
func getStore(ctx context.Context) (*db.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}
