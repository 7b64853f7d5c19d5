package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/brojonat/beanroast/service/config"
	"github.com/brojonat/beanroast/service/rules"
	"github.com/urfave/cli/v2"
)

func checkRulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate the ledger configuration and list its compiled rules",
		Flags: []cli.Flag{
			configFlag(),
		},
		Action: func(c *cli.Context) error {
			lc, err := config.LoadLedger(c.String("config"))
			if err != nil {
				return err
			}
			engine, err := rules.New(lc.Rules, nil, setupLogger(c.String("log-level")))
			if err != nil {
				return err
			}
			compiled := engine.Rules()

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RULE\tPATTERN\tTRANSFORM")
			for i, r := range compiled {
				fmt.Fprintf(w, "%d\t%s\t%s\n", i, describePatterns(r.Patterns), describeTransforms(r.Transforms))
			}
			w.Flush()

			fmt.Fprintf(c.App.Writer, "\n%d connections, %d rules OK\n", len(lc.Connections), len(compiled))
			return nil
		},
	}
}

func describePatterns(ps []rules.Pattern) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = fmt.Sprintf("%s.%s =~ /%s/", p.Target, p.Field, p.Regex)
	}
	return strings.Join(parts, " && ")
}

func describeTransforms(ts []rules.Transform) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = fmt.Sprintf("%s.%s := %q", t.Target, t.Field, t.Value)
	}
	return strings.Join(parts, ", ")
}
