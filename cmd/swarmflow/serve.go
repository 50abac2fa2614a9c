package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/natsbus"
	"github.com/mtzanidakis/swarmflow/internal/scheduler"
	"github.com/mtzanidakis/swarmflow/internal/swarm"
	"github.com/mtzanidakis/swarmflow/internal/telegram"
	"github.com/mtzanidakis/swarmflow/internal/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the observer API, the goal scheduler and notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), c)
		},
	}
}

// serialRunner runs one flow at a time. Flows share the swarm's capacity,
// so a second concurrent flow would only see its spawns rejected.
type serialRunner struct {
	runner web.Runner
	slot   chan struct{}
}

func newSerialRunner(r web.Runner) *serialRunner {
	return &serialRunner{runner: r, slot: make(chan struct{}, 1)}
}

func (r *serialRunner) Run(ctx context.Context, goal string) (*models.Flow, error) {
	select {
	case r.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.slot }()
	return r.runner.Run(ctx, goal)
}

func serve(ctx context.Context, c *cli) error {
	cfg := c.cfg

	var (
		client    *natsbus.Client
		publisher swarm.Publisher
	)
	if cfg.NATS.Enabled {
		bus, err := natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("start nats: %w", err)
		}
		defer bus.Close()

		client, err = natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer client.Close()
		publisher = client
	}

	a, err := newApp(ctx, cfg, publisher)
	if err != nil {
		return err
	}
	defer a.Close()

	var notifier *telegram.Notifier
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		if notifier, err = telegram.NewBot(cfg.Telegram, a.store); err != nil {
			return err
		}
		stop := notifier.Watch(a.orch)
		defer stop()
		slog.Info("telegram notifications enabled", "chat", cfg.Telegram.ChatID)
	}

	runner := newSerialRunner(a.engine)
	g, gctx := errgroup.WithContext(ctx)
	if notifier != nil {
		g.Go(func() error {
			notifier.Run(gctx)
			return nil
		})
	}

	var schedPublisher scheduler.Publisher
	if client != nil {
		schedPublisher = client
	}
	sched := scheduler.New(a.store, runner, schedPublisher, cfg.Scheduler)
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	if cfg.Web.Enabled {
		srv := web.NewServer(a.store, cfg.Web, web.Options{
			Orchestrator: a.orch,
			Runner:       runner,
			Vault:        a.vault,
			Events:       client,
			Version:      version,
		})
		g.Go(func() error { return srv.Start(gctx) })
	}

	slog.Info("swarmflow serving",
		"version", version,
		"capacity", cfg.Swarm.Capacity,
		"web", cfg.Web.Enabled,
		"nats", cfg.NATS.Enabled,
	)

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		return nil
	})
	return g.Wait()
}
