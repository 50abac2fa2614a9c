package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mtzanidakis/swarmflow/internal/completion"
	"github.com/mtzanidakis/swarmflow/internal/config"
	"github.com/mtzanidakis/swarmflow/internal/flow"
	"github.com/mtzanidakis/swarmflow/internal/sandbox"
	"github.com/mtzanidakis/swarmflow/internal/store"
	"github.com/mtzanidakis/swarmflow/internal/swarm"
	"github.com/mtzanidakis/swarmflow/internal/telemetry"
	"github.com/mtzanidakis/swarmflow/internal/vault"
)

// newCompleter is swapped out by tests.
var newCompleter = func(ctx context.Context, cfg config.CompletionConfig) (completion.Completer, error) {
	return completion.New(ctx, cfg)
}

// app holds the components shared by every command that runs flows.
type app struct {
	cfg       *config.Config
	store     *store.Store
	vault     *vault.Vault
	sandboxes *sandbox.Manager
	orch      *swarm.Orchestrator
	engine    *flow.Engine

	closers []func() error
}

func openStore(cfg *config.Config) (*store.Store, error) {
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return db, nil
}

// openVault returns nil when no passphrase is configured.
func openVault(cfg *config.Config) (*vault.Vault, error) {
	if cfg.Vault.Passphrase == "" {
		return nil, nil
	}
	return vault.New(cfg.Vault.Passphrase)
}

// newApp wires store, vault, completion, sandboxes, orchestrator and engine.
// publisher may be nil.
func newApp(ctx context.Context, cfg *config.Config, publisher swarm.Publisher) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	if a.vault, err = openVault(cfg); err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	completer, err := a.completer(ctx)
	if err != nil {
		return nil, err
	}

	runner, err := sandboxRunner(ctx, cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	if c, ok := runner.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	if a.sandboxes, err = sandbox.NewManager(cfg.Sandbox, runner); err != nil {
		return nil, fmt.Errorf("init sandboxes: %w", err)
	}
	a.closers = append(a.closers, a.sandboxes.CleanupAllSandboxes)

	restrictions := sandbox.DefaultRestrictions()
	if cfg.Sandbox.NetworkAccess {
		restrictions.NetworkAccess = true
		restrictions.AllowedOperations = append(restrictions.AllowedOperations, sandbox.OpNetwork)
		restrictions.DeniedOperations = slices.DeleteFunc(restrictions.DeniedOperations,
			func(op sandbox.Operation) bool { return op == sandbox.OpNetwork })
	}

	a.orch = swarm.New(a.store, swarm.Options{
		Capacity:     cfg.Swarm.Capacity,
		Completer:    completer,
		Sandboxes:    a.sandboxes,
		Restrictions: restrictions,
		Publisher:    publisher,
	})
	a.closers = append(a.closers, a.orch.TerminateAll)
	a.engine = flow.NewEngine(a.store, a.orch, completer)
	return a, nil
}

// completer resolves a vault reference in the API key before building the
// client. A missing key leaves completion unavailable instead of failing.
func (a *app) completer(ctx context.Context) (completion.Completer, error) {
	cc := a.cfg.Completion
	key, err := vault.Resolve(a.vault, a.store, cc.APIKey)
	if err != nil {
		return nil, fmt.Errorf("completion api key: %w", err)
	}
	cc.APIKey = key

	c, err := newCompleter(ctx, cc)
	if errors.Is(err, completion.ErrFeatureUnavailable) {
		slog.Warn("completion service not configured", "error", err)
		return completion.Unavailable{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("init completion: %w", err)
	}
	slog.Info("completion service ready", "provider", cc.Provider, "model", cc.Model)
	return c, nil
}

func sandboxRunner(ctx context.Context, cfg config.SandboxConfig) (sandbox.Runner, error) {
	if cfg.Runner != "docker" {
		return sandbox.ExecRunner{}, nil
	}
	r, err := sandbox.NewDockerRunner(ctx, cfg.Image)
	if err != nil {
		return nil, fmt.Errorf("init docker runner: %w", err)
	}
	if err := r.CleanupStale(ctx); err != nil {
		slog.Warn("stale sandbox cleanup failed", "error", err)
	}
	return r, nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
