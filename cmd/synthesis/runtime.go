package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/synthesis-run/synthesis/internal/adapters"
	"github.com/synthesis-run/synthesis/internal/checkpoint"
	"github.com/synthesis-run/synthesis/internal/engine"
	"github.com/synthesis-run/synthesis/internal/logging"
	"github.com/synthesis-run/synthesis/internal/metrics"
	"github.com/synthesis-run/synthesis/internal/streaming"
)

// runtime is the wired engine plus everything that must be closed with it.
type runtime struct {
	cfg      Config
	logger   *slog.Logger
	engine   *engine.Engine
	registry *adapters.Registry
	metrics  *metrics.Recorder
	closers  []func() error
}

// newRuntime builds the engine and its collaborators from cfg. Logs go to
// logOut.
func newRuntime(ctx context.Context, cfg Config, logOut io.Writer) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, logOut),
		metrics: metrics.NewRecorder(),
	}

	store, err := rt.openStore(ctx)
	if err != nil {
		return nil, err
	}

	registry, err := rt.buildRegistry(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.registry = registry

	deps := engine.Dependencies{
		Adapters:    registry,
		Checkpoints: store,
		Events:      streaming.NewMemoryHub(),
		Logger:      rt.logger,
		Metrics:     rt.metrics,
	}
	if log, ok := store.(checkpoint.EventLog); ok {
		deps.EventLog = log
	}

	eng, err := engine.New(deps, engine.Config{
		PoolSize:           cfg.PoolSize,
		Globals:            cfg.Globals,
		DefaultStepTimeout: cfg.DefaultStepTimeout.Std(),
		DetachGrace:        cfg.DetachGrace.Std(),
		Breaker: engine.BreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			Cooldown:         cfg.BreakerCooldown.Std(),
		},
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = eng
	rt.metrics.WatchPool(func() metrics.PoolStats {
		m := eng.PoolMetrics()
		return metrics.PoolStats{Size: m.Size, Active: m.Active, Completed: m.Completed, Failed: m.Failed, Panics: m.Panics}
	})
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) (checkpoint.Store, error) {
	switch rt.cfg.CheckpointBackend {
	case "libsql":
		if path := strings.TrimPrefix(rt.cfg.DBPath, "file:"); path != rt.cfg.DBPath {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		s, err := checkpoint.NewLibSQLStore(ctx, rt.cfg.DBPath)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		return s, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: rt.cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", rt.cfg.RedisAddr, err)
		}
		rt.closers = append(rt.closers, client.Close)
		return checkpoint.NewRedisStore(client,
			checkpoint.WithPrefix(rt.cfg.RedisPrefix),
			checkpoint.WithTTL(rt.cfg.CheckpointTTL.Std()),
		), nil
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}

// buildRegistry registers the built-in adapters (with the built-in functions), one service adapter per
// configured service and one MCP adapter per configured tool server.
func (rt *runtime) buildRegistry(ctx context.Context) (*adapters.Registry, error) {
	reg := adapters.NewRegistry()
	functions := adapters.NewFunctionAdapter()
	if err := adapters.RegisterBuiltins(functions); err != nil {
		return nil, err
	}
	builtins := []adapters.Adapter{
		adapters.NewCommandAdapter(adapters.CommandConfig{}),
		adapters.NewAPIAdapter(adapters.APIConfig{}),
		functions,
	}
	for _, a := range builtins {
		if err := reg.Register("", a); err != nil {
			return nil, err
		}
	}

	client := &http.Client{}
	for _, name := range sortedNames(rt.cfg.Services) {
		if err := reg.Register("", adapters.NewServiceAdapter(name, rt.cfg.Services[name], client)); err != nil {
			return nil, err
		}
	}

	for _, name := range sortedNames(rt.cfg.MCPServers) {
		srv := rt.cfg.MCPServers[name]
		a, err := adapters.DialMCPStdio(ctx, name, srv.Command, srv.Env, srv.Args...)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, a.Close)
		if err := reg.Register("", a); err != nil {
			return nil, err
		}
		rt.logger.Info("mcp server connected", slog.String("adapter", a.Name()))
	}
	return reg, nil
}

// Close shuts the engine down and releases every backend.
func (rt *runtime) Close() error {
	var errs []error
	if rt.engine != nil {
		errs = append(errs, rt.engine.Shutdown(context.Background()))
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
