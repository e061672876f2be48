// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command vat-inspect reads a stopped kernel's database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/inspect"
	"github.com/ava-labs/vatkernel/swingstore"
)

const dbFlag = "db"

func openStore(c *cli.Context) (*swingstore.Store, error) {
	db, err := swingstore.OpenLevelDB(c.String(dbFlag))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c.String(dbFlag), err)
	}
	store, err := swingstore.New(db, swingstore.Config{})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func listVats(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	vats, err := inspect.ListVats(store)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(vats)
}

func extractTranscript(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: extract-transcript VATID", 1)
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	w := c.App.Writer
	if path := c.String("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	n, err := inspect.ExtractTranscript(store, c.Args().First(), w)
	if err != nil {
		return err
	}
	log.Info("transcript extracted", "vat", c.Args().First(), "deliveries", n)
	return nil
}

func replayTranscript(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: replay-transcript FILE", 1)
	}
	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := inspect.ReplayTranscript(c.Context, f)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	fmt.Fprintf(c.App.Writer, "%s incarnation %d: %d deliveries replayed\n", res.VatID, res.Incarnation, res.Deliveries)
	return nil
}

func main() {
	dbFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     dbFlag,
			Usage:    "kernel database directory",
			EnvVars:  []string{"VATKERNEL_DB"},
			Required: true,
		},
	}
	app := &cli.App{
		Name:  "vat-inspect",
		Usage: "inspect a vat kernel database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "debug, info, warn, error or crit",
			},
		},
		Before: func(c *cli.Context) error {
			lvl, err := log.LvlFromString(c.String("log-level"))
			if err != nil {
				return err
			}
			log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat())))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "list-vats",
				Usage:  "list live and terminated vats",
				Flags:  dbFlags,
				Action: listVats,
			},
			{
				Name:      "extract-transcript",
				Usage:     "write a vat's current transcript as JSON lines",
				ArgsUsage: "VATID",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (default stdout)"},
				}, dbFlags...),
				Action: extractTranscript,
			},
			{
				Name:      "replay-transcript",
				Usage:     "replay an extracted transcript and check it for divergence",
				ArgsUsage: "FILE",
				Action:    replayTranscript,
			},
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
