package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/astromechza/teamsync/pkg/archive"
	"github.com/astromechza/teamsync/pkg/config"
	"github.com/astromechza/teamsync/pkg/engine"
	"github.com/astromechza/teamsync/pkg/httpapi"
	"github.com/astromechza/teamsync/pkg/ids"
	"github.com/astromechza/teamsync/pkg/logging"
	"github.com/astromechza/teamsync/pkg/room"
	"github.com/astromechza/teamsync/pkg/transport"
	"github.com/astromechza/teamsync/pkg/workspace"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	addrVar := flag.String("addr", cfg.Addr, "the address to listen on")
	archiveVar := flag.String("archive", cfg.Archive.Path, "sqlite file to archive workspaces into, empty to disable")
	flag.Parse()
	cfg.Addr = *addrVar
	cfg.Archive.Path = *archiveVar

	logger := logging.New(os.Stdout, cfg.IsProduction(), cfg.Level())
	slog.SetDefault(logger)

	gen, err := ids.NewGenerator(cfg.NodeID)
	if err != nil {
		return err
	}
	store := workspace.NewStore(gen, nil)
	broker := room.NewBroker(logger.With("component", "broker"))
	eng := engine.New(store, broker, engine.WithLogger(logger), engine.WithRetainMembers(cfg.RetainMembers))
	api := httpapi.NewServer(eng, gen, transport.Options{
		SendQueueSize: cfg.Conn.SendQueueSize,
		WriteTimeout:  cfg.Conn.WriteTimeout,
		PingInterval:  cfg.Conn.PingInterval,
		MaxFrameBytes: cfg.Conn.MaxFrameBytes,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	var arc *archive.Archive
	if cfg.Archive.Enabled() {
		slog.Info("Opening archive", "path", cfg.Archive.Path)
		if arc, err = archive.Open(cfg.Archive.Path, logger.With("component", "archive")); err != nil {
			return err
		}
		defer arc.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			arc.Run(ctx, store, cfg.Archive.Interval)
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// hijacked websocket connections only see shutdown through their request context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Addr, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("server listen failed: %w", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case err = <-serveErr:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown cleanly", "err", err)
		_ = httpServer.Close()
	}
	wg.Wait()

	if arc != nil {
		if n, err := arc.Pass(shutdownCtx, store); err != nil {
			slog.Error("final archive pass failed", "err", err)
		} else {
			slog.Info("final archive pass", "count", n)
		}
	}
	store.Clear()
	return err
}
