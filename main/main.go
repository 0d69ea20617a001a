// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ava-labs/avalanchego/database/memdb"
	log "github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ava-labs/kernelvm/kernelvm"
	"github.com/ava-labs/kernelvm/state"
)

const shutdownTimeout = 5 * time.Second

func main() {
	p, err := getParams()
	if err != nil {
		fmt.Printf("couldn't get config: %s\n", err)
		os.Exit(1)
	}
	// Print VM ID and exit
	if p.version {
		fmt.Printf("%s@%s\n", kernelvm.Name, kernelvm.Version)
		os.Exit(0)
	}

	if err := run(p); err != nil {
		fmt.Printf("node returned an error: %s\n", err)
		os.Exit(1)
	}
}

func openState(p *params) (state.State, error) {
	if p.dbType == leveldbType {
		return state.NewLevelDBState(p.dbDir, false)
	}
	return state.NewState(memdb.New()), nil
}

func run(p *params) error {
	lvl, err := log.LvlFromString(p.logLevel)
	if err != nil {
		return err
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat())))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openState(p)
	if err != nil {
		return fmt.Errorf("couldn't open %s database: %w", p.dbType, err)
	}

	registry := prometheus.NewRegistry()
	vm := &kernelvm.VM{}
	if err := vm.Initialize(ctx, st, p.genesisData, p.configData, registry); err != nil {
		_ = st.Close()
		return err
	}
	defer func() {
		if err := vm.Shutdown(); err != nil {
			log.Error("shutdown failed", "err", err)
		}
	}()

	handlers, err := vm.CreateHandlers()
	if err != nil {
		return err
	}
	staticHandlers, err := vm.CreateStaticHandlers()
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/ext/vm", handlers[""])
	mux.Handle("/ext/vm/static", staticHandlers[""])
	mux.Handle("/ext/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    net.JoinHostPort(p.httpHost, strconv.FormatUint(uint64(p.httpPort), 10)),
		Handler: mux,
	}
	errs := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", server.Addr, "db", p.dbType)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
