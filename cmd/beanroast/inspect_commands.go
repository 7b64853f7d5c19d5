package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/brojonat/beanroast/service/chain"
	"github.com/brojonat/beanroast/service/pipeline"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Print aggregated transactions as JSON lines",
		Description: `Fetches and merges the activity of every configured address without
synthesizing postings. Use --jq to keep only transactions for which every
filter is truthy, e.g. --jq '.transfers | length > 1'.`,
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter that must evaluate to true (can be specified multiple times, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			env, lc, logger, err := loadConfigs(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			providers, err := pipeline.NewProviders(ctx, env, lc, true, nil, logger)
			if err != nil {
				return err
			}
			defer providers.Close()

			conv, err := pipeline.New(providers.Options(lc, env, nil), nil, logger)
			if err != nil {
				return err
			}
			aggs, err := conv.Aggregate(ctx)
			if err != nil {
				return err
			}
			return writeMatching(c.App.Writer, pipeline.Transactions(aggs), filters)
		},
	}
}

func compileFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return codes, nil
}

// writeMatching prints one compact JSON object per transaction that passes
// every filter.
func writeMatching(w io.Writer, txs []*chain.AggregatedTx, filters []*gojq.Code) error {
	enc := json.NewEncoder(w)
	for _, tx := range txs {
		ok, err := matches(tx, filters)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := enc.Encode(tx); err != nil {
			return err
		}
	}
	return nil
}

func matches(tx *chain.AggregatedTx, filters []*gojq.Code) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	// gojq only walks plain maps and slices.
	data, err := json.Marshal(tx)
	if err != nil {
		return false, fmt.Errorf("failed to encode transaction %s: %w", tx.Hash, err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("failed to decode transaction %s: %w", tx.Hash, err)
	}

	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := v.(error); isErr {
			return false, fmt.Errorf("jq filter failed on %s: %w", tx.Hash, err)
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy follows jq: only false and null are falsy.
func isTruthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		return true
	}
}
