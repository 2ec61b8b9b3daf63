// Command syncengine is the CLI entrypoint for the synchronization engine
// (SPEC_FULL.md §2A): one subcommand per external port (run push/ingress,
// cdc start/stop, move, report), wired over urfave/cli/v2.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// wrap adapts a (*app, *cli.Context) handler into a cli.ActionFunc, pulling
// the app wired in Before out of the command's Metadata.
func wrap(fn func(a *app, c *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		return fn(c.App.Metadata["app"].(*app), c)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wired *app

	cliApp := &cli.App{
		Name:  "syncengine",
		Usage: "bidirectional sync between a relational source and an OData-style list backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "syncengine.toml", Usage: "path to the TOML config file"},
			&cli.BoolFlag{Name: "debug", Usage: "enable development-mode console logging"},
		},
		Before: func(c *cli.Context) error {
			a, err := wireApp(c.Context, c.String("config"), c.Bool("debug"))
			if err != nil {
				return err
			}
			wired = a
			c.App.Metadata["app"] = a
			return nil
		},
		After: func(c *cli.Context) error {
			if wired != nil {
				wired.Close()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run a push or ingress pass",
				Subcommands: []*cli.Command{
					{Name: "push", ArgsUsage: "<sync-def-id>", Action: wrap(pushAction)},
					{Name: "ingress", ArgsUsage: "<sync-def-id>", Action: wrap(ingressAction)},
				},
			},
			{
				Name:  "cdc",
				Usage: "start or stop a source instance's CDC ingestion/consumer pair",
				Subcommands: []*cli.Command{
					{Name: "start", ArgsUsage: "<instance-id> <slot-name>", Action: wrap(cdcStartAction)},
					{Name: "stop", ArgsUsage: "<instance-id>", Action: wrap(cdcStopAction)},
				},
			},
			{
				Name:      "move",
				Usage:     "relocate a tracked row to a different target list",
				ArgsUsage: "<sync-def-id> <source-identity-hash> <new-target-list-id> [item-data-json]",
				Action:    wrap(moveAction),
			},
			{
				Name:      "report",
				Usage:     "run a read-only drift report against a sync definition's ledger",
				ArgsUsage: "<sync-def-id> <ledger_validity|full_reconcile>",
				Action:    wrap(reportAction),
			},
		},
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "syncengine:", err)
		os.Exit(1)
	}
}
