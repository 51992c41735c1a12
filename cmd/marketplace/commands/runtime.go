// ABOUTME: Process wiring shared by the chat, tools, and mcp commands
// ABOUTME: Builds config, store, tool service, per-persona engines, metrics, and the conversation manager
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/harper/marketplace-agent/internal/config"
	"github.com/harper/marketplace-agent/internal/conversation"
	"github.com/harper/marketplace-agent/internal/engine"
	"github.com/harper/marketplace-agent/internal/llm"
	"github.com/harper/marketplace-agent/internal/metrics"
	"github.com/harper/marketplace-agent/internal/storage"
	"github.com/harper/marketplace-agent/internal/storage/charmkv"
	"github.com/harper/marketplace-agent/internal/storage/sqlite"
	"github.com/harper/marketplace-agent/internal/tools"
	"github.com/harper/marketplace-agent/internal/toolservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// loadConfig reads .env and the environment, then applies the logging flags
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	switch {
	case verbose:
		level = "debug"
	case quiet:
		level = "warn"
	}
	if err := config.SetupLogging(level, cfg.LogFormat, nil); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured Message Store backend
func openStore(cfg *config.Config) (storage.TurnStore, error) {
	switch cfg.StoreBackend {
	case config.BackendCharm:
		store, err := charmkv.Open(charmkv.Config{
			Host:     cfg.CharmHost,
			DBName:   cfg.CharmDBName,
			AutoSync: cfg.AutoSync,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		db, err := sqlite.Open(sqlite.ResolvePath(cfg.DBPath))
		if err != nil {
			return nil, err
		}
		return sqlite.NewTurnStore(db), nil
	}
}

// personasFor applies configured exclusion overrides to the built-in personas
func personasFor(cfg *config.Config) []engine.Persona {
	return []engine.Persona{
		engine.Buyer().WithExcludedTools(cfg.BuyerExcludedTools),
		engine.Vendor().WithExcludedTools(cfg.VendorExcludedTools),
	}
}

// runtime is everything a long-lived command needs
type runtime struct {
	cfg        *config.Config
	store      storage.TurnStore
	service    *toolservice.Service
	registries map[string]*tools.Registry
	manager    *conversation.Manager
	promReg    *prometheus.Registry
	logger     log.FieldLogger
}

type runtimeOptions struct {
	// requireLLM is false for commands that never call the model
	requireLLM bool
	// llm replaces the OpenAI client, mainly in tests
	llm llm.ChatClient
}

func newRuntime(cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	logger := log.StandardLogger()

	chat := opts.llm
	if chat == nil && opts.requireLLM {
		if err := cfg.RequireLLM(); err != nil {
			return nil, err
		}
		client, err := llm.NewOpenAIClientWithConfig(&llm.ClientConfig{
			APIKey:      cfg.OpenAIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			ChatModel:   cfg.ChatModel,
			Temperature: llm.DefaultTemperature,
			MaxRetries:  cfg.MaxRetries,
			RetryDelay:  cfg.RetryDelay,
			HTTPClient:  &http.Client{Timeout: cfg.Timeout},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
		}
		chat = client
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	rt := &runtime{
		cfg:        cfg,
		store:      store,
		registries: map[string]*tools.Registry{},
		promReg:    prometheus.NewRegistry(),
		logger:     logger,
	}
	rt.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(rt.promReg)

	if cfg.HasToolService() {
		rt.service, err = toolservice.New(toolservice.Config{
			URL:           cfg.ToolServiceURL,
			Command:       cfg.ToolServiceCommand,
			Args:          cfg.ToolServiceArgs,
			ClientName:    "marketplace-agent",
			ClientVersion: versionInfo.Version,
		}, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		rt.service.SetConnectTimeout(cfg.ToolCallTimeout)
	} else {
		logger.Warn("No tool service configured; agents will answer without tools")
	}

	var invoker *tools.Invoker
	if rt.service != nil {
		invoker = tools.NewInvoker(rt.service, cfg.ToolCallTimeout, logger)
	}

	engines := map[string]conversation.Processor{}
	for _, p := range personasFor(cfg) {
		ecfg := engine.Config{
			Persona: p,
			History: store,
			// One model call may retry; budget for every attempt
			LLMTimeout: cfg.Timeout * time.Duration(cfg.MaxRetries+1),
			Metrics:    m,
			Logger:     logger,
		}
		if rt.service != nil {
			reg := tools.NewRegistry(rt.service, p.ExcludedTools, logger.WithField("persona", p.Name))
			rt.registries[p.Name] = reg
			// A hung tool service costs a turn one tool-call budget, then it runs degraded
			reg.SetLoadTimeout(cfg.ToolCallTimeout)
			ecfg.Tools = reg
			ecfg.ToolLoadTimeout = cfg.ToolCallTimeout
			ecfg.Invoker = invoker
		}
		if chat == nil {
			continue
		}
		ecfg.LLM = chat
		e, err := engine.New(ecfg)
		if err != nil {
			rt.Close()
			return nil, err
		}
		engines[p.Name] = e
	}

	rt.manager = conversation.NewManager(store, engines, logger)
	return rt, nil
}

// warmRegistries loads every persona's registry concurrently. Failures are
// logged; each engine retries on its next turn.
func (rt *runtime) warmRegistries(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, reg := range rt.registries {
		g.Go(func() error {
			if err := reg.Load(gctx); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				rt.logger.WithError(err).WithField("persona", name).Warn("Tool registry not loaded")
			}
			return nil
		})
	}
	return g.Wait()
}

// personaNames lists the personas with a registry, sorted
func (rt *runtime) personaNames() []string {
	names := make([]string, 0, len(rt.registries))
	for name := range rt.registries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// serveMetrics exposes /metrics until ctx is done. An empty addr is a no-op.
func (rt *runtime) serveMetrics(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.promReg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.WithField("addr", addr).Info("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// Close releases the tool service and the store
func (rt *runtime) Close() {
	if rt.service != nil {
		if err := rt.service.Close(); err != nil {
			rt.logger.WithError(err).Warn("Error closing tool service")
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.WithError(err).Warn("Error closing message store")
	}
}
