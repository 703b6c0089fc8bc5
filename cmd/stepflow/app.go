package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/stepflow/internal/runner"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/tools"
)

// app is the wired store, tool registry and runner. Recorded run events are
// mirrored on hub.
type app struct {
	store    *store.LibSQLStore
	registry *tools.Registry
	hub      *streaming.MemoryHub
	runner   *runner.Runner
}

func (c *cli) newRegistry() (*tools.Registry, error) {
	return tools.NewBuiltinRegistry(tools.Config{
		HTTP: tools.HTTPConfig{Timeout: time.Duration(c.cfg.HTTPTimeout)},
	})
}

// openApp opens and migrates the database and builds the runner on it.
func (c *cli) openApp(ctx context.Context) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(c.cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + c.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	reg, err := c.newRegistry()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	hub := streaming.NewMemoryHub()
	r, err := runner.New(st, reg, runner.Config{
		Concurrency:       c.cfg.Concurrency,
		MaxStepExecutions: c.cfg.MaxStepExecutions,
		Hub:               hub,
		Logger:            c.logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &app{store: st, registry: reg, hub: hub, runner: r}, nil
}

// Close waits for background runs and closes the database.
func (a *app) Close() {
	a.runner.Shutdown()
	_ = a.store.Close()
}
