// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command vat-worker runs one vat for a kernel that spawned it, speaking the
// worker protocol on stdin and stdout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/worker"
)

const (
	logLevelKey = "log-level"
	vatIDKey    = "vat-id"
)

func getViper() (*viper.Viper, error) {
	fs := pflag.NewFlagSet("vat-worker", pflag.ContinueOnError)
	fs.String(logLevelKey, "info", "log level")
	fs.String(vatIDKey, "", "vat served by this process, for logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("vatworker")
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	return v, nil
}

func main() {
	v, err := getViper()
	if err != nil {
		fmt.Fprintf(os.Stderr, "couldn't get config: %s\n", err)
		os.Exit(1)
	}
	lvl, err := log.LvlFromString(v.GetString(logLevelKey))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad log level: %s\n", err)
		os.Exit(1)
	}
	// stdout carries the protocol
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.LogfmtFormat())))

	logger := log.New("module", "worker", "vat", v.GetString(vatIDKey), "pid", os.Getpid())
	if err := worker.Serve(os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("worker exited", "err", err)
		os.Exit(1)
	}
}
