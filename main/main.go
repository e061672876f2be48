// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command vatkernel runs a kernel node: a persistent kernel driven over
// JSON-RPC, one block per kernel.run call.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ava-labs/avalanchego/utils/json"
	"github.com/ava-labs/avalanchego/version"
	"github.com/gorilla/rpc/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/vatkernel/device"
	"github.com/ava-labs/vatkernel/inspect"
	"github.com/ava-labs/vatkernel/kernel"
	"github.com/ava-labs/vatkernel/swingstore"
)

const Name = "vatkernel"

var Version = version.NewDefaultVersion(0, 1, 0)

func newRPCServer(k *kernel.Kernel) (*rpc.Server, error) {
	server := rpc.NewServer()
	codec := json.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	if err := server.RegisterService(kernel.NewService(k), "kernel"); err != nil {
		return nil, err
	}
	if err := server.RegisterService(inspect.NewService(k), "inspect"); err != nil {
		return nil, err
	}
	return server, nil
}

func run(ctx context.Context) error {
	v, err := getViper()
	if err != nil {
		return fmt.Errorf("couldn't get config: %w", err)
	}
	if v.GetBool(versionKey) {
		fmt.Printf("%s@%s\n", Name, Version)
		return nil
	}

	lvl, err := log.LvlFromString(v.GetString(logLevelKey))
	if err != nil {
		return err
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat())))

	config, err := kernelConfig(v)
	if err != nil {
		return err
	}
	genesis, err := readGenesis(v.GetString(genesisFileKey))
	if err != nil {
		return err
	}
	registry := prometheus.NewRegistry()
	config.Registerer = registry
	config.Devices = map[string]device.Device{"bridge": device.NewBridge()}

	db, err := swingstore.OpenLevelDB(v.GetString(dbDirKey))
	if err != nil {
		return err
	}
	k, err := kernel.New(db, config)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() {
		if err := k.Shutdown(); err != nil {
			log.Error("failed to shut down kernel", "err", err)
		}
	}()
	if err := k.Initialize(genesis); err != nil {
		return fmt.Errorf("failed to initialize kernel: %w", err)
	}
	if err := k.Commit(); err != nil {
		return err
	}

	server, err := newRPCServer(k)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:              v.GetString(httpAddrKey),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving", "name", Name, "version", Version, "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		cancel()
		os.Exit(1)
	}
}
