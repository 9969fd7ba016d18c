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

	"github.com/DoyleJ11/propcall/internal/archive"
	"github.com/DoyleJ11/propcall/internal/config"
	"github.com/DoyleJ11/propcall/internal/httpapi"
	"github.com/DoyleJ11/propcall/internal/mesh"
	"github.com/DoyleJ11/propcall/internal/session"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, envFile, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	if !envFile {
		logger.Debug(".env file not found, using environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scfg := session.DefaultConfig()
	scfg.Rules = cfg.Rules
	scfg.RosterInterval = cfg.RosterInterval
	scfg.HostTiebreak = cfg.HostTiebreak
	scfg.Logger = logger

	if cfg.ArchiveDSN != "" {
		arc, err := archive.New(cfg.ArchiveDSN, logger)
		if err != nil {
			return err
		}
		defer arc.Close()
		scfg.Results = arc
	}

	// The node is built before the session it feeds; no link exists until
	// the server and dialers start below.
	handler := &peerHandler{}
	opts := mesh.DefaultOptions()
	opts.Logger = logger
	node := mesh.NewNode(ctx, handler, opts)

	s, err := session.New(ctx, scfg, node)
	if err != nil {
		return err
	}
	handler.Session = s
	defer s.Close()

	if cfg.Player != "" {
		if err := s.Join(cfg.Player); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.SetupRoutes(s, node.Accept),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	for _, url := range cfg.Peers {
		g.Go(func() error {
			logger.Info("dialing peer", zap.String("url", url))
			return node.Dial(gctx, url)
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return multierr.Append(err, node.Close())
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.DevLog {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	return zcfg.Build()
}

// peerHandler forwards mesh callbacks to the session once it exists.
type peerHandler struct {
	*session.Session
}
