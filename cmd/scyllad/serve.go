package main

import (
	"context"
	"time"

	"github.com/agentuity/scylla/env"
	"github.com/agentuity/scylla/pool"
	"github.com/agentuity/scylla/resilience"
	"github.com/agentuity/scylla/server"
	"github.com/agentuity/scylla/sys"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

const drainTimeout = 30 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	log := env.NewLogger(cmd)
	cfg, err := loadConfig(cmd, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	conns, missing, err := cfg.Connectors(resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()), log)
	if err != nil {
		return err
	}
	for _, err := range missing {
		log.Warn("%s", err)
	}
	if len(conns) == 0 {
		return errors.New("no scope has its driver linked in, nothing to serve")
	}

	c, err := cfg.Cache.Open(ctx, log)
	if err != nil {
		return err
	}
	defer c.Close()

	workers := pool.New(ctx, log, cfg.Pool.Workers, cfg.Pool.QueueSize)
	orchestrator := server.NewOrchestrator(server.OrchestratorConfig{
		Cache:           c,
		Connectors:      conns,
		Scopes:          cfg,
		Pool:            workers,
		Logger:          log,
		Lifetime:        cfg.Cache.Lifetime.D(),
		ErrorTTL:        cfg.Cache.ErrorTTL.D(),
		IllegalStateTTL: cfg.Cache.IllegalStateTTL.D(),
		MaxEntryBytes:   cfg.Cache.MaxEntryBytes,
	})
	srv := server.New(ctx, log, server.Config{
		ListenAddress: cfg.Listen,
		IdleTimeout:   cfg.IdleTimeout.D(),
	}, orchestrator)
	if err := srv.Start(); err != nil {
		workers.Close(0)
		return err
	}
	log.Info("scylla is ready on %s with %d scope(s)", srv.Addr(), len(conns))

	<-sys.CreateShutdownChannel()
	log.Info("shutting down")
	srv.Stop()
	if err := workers.Close(drainTimeout); err != nil {
		log.Warn("background queries did not finish in time: %s", err)
	}
	return nil
}
