package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orbitdocs/spacebio/internal/api"
	"github.com/orbitdocs/spacebio/internal/assistant"
	"github.com/orbitdocs/spacebio/internal/cache"
	"github.com/orbitdocs/spacebio/internal/config"
	"github.com/orbitdocs/spacebio/internal/conversation"
	"github.com/orbitdocs/spacebio/internal/extract"
	"github.com/orbitdocs/spacebio/internal/gemini"
	"github.com/orbitdocs/spacebio/internal/intent"
	"github.com/orbitdocs/spacebio/internal/logging"
	"github.com/orbitdocs/spacebio/internal/metrics"
	"github.com/orbitdocs/spacebio/internal/prefetch"
	"github.com/orbitdocs/spacebio/internal/resource"
	"github.com/orbitdocs/spacebio/internal/storage"
)

const (
	jobPollInterval  = 500 * time.Millisecond
	sessionRetention = 30 * 24 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

// app is the wired service graph shared by serve and mcp.
type app struct {
	cfg       config.Config
	logger    zerolog.Logger
	store     *storage.Store
	resources *resource.Store
	assistant *assistant.Assistant
	registry  *prometheus.Registry
	scheduler *cron.Cron
	closers   []io.Closer
}

func buildApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics.MustRegister(a.registry)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	extractor := extract.New(cfg.Fetch.Timeout,
		extract.WithUserAgent(cfg.Fetch.UserAgent),
		extract.WithMaxBytes(cfg.Fetch.MaxBytes),
		extract.WithLogger(logging.Component(logger, "extract")),
	)
	a.resources = resource.Load(cfg.Resources.File, extractor, logging.Component(logger, "resources"))

	backend, err := a.cacheBackend(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	answers := cache.NewAnswers(backend, cache.Options{
		AnswerTTL:    cfg.Cache.AnswerTTL,
		FrequencyTTL: cfg.Cache.FrequencyTTL,
		FeatureTTL:   cfg.Cache.FeatureTTL,
		Disabled:     cfg.Cache.Disabled,
	}, logging.Component(logger, "cache"))

	rules, err := intent.Load(cfg.Intent.RulesFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	llm, err := gemini.New(gemini.Options{
		APIKey:         cfg.Gemini.APIKey,
		Model:          cfg.Gemini.Model,
		BaseURL:        cfg.Gemini.BaseURL,
		Timeout:        cfg.Gemini.Timeout,
		ConnectTimeout: cfg.Gemini.ConnectTimeout,
		SSLVerify:      cfg.Gemini.SSLVerify,
		CABundle:       cfg.Gemini.CABundle,
		HTTPProxy:      cfg.Gemini.HTTPProxy,
	}, logging.Component(logger, "gemini"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building gemini client: %w", err)
	}
	if !llm.Configured() {
		logger.Warn().Msg("no Gemini API key configured; generated answers are disabled")
	}

	a.assistant = assistant.New(assistant.Deps{
		Engine:        conversation.NewEngine(a.resources, rules),
		Sessions:      conversation.NewStoredSessions(store),
		Resources:     a.resources,
		Generator:     llm,
		Cache:         answers,
		Log:           store,
		StreamTimeout: cfg.Server.StreamTimeout,
		Logger:        logging.Component(logger, "assistant"),
	})
	return a, nil
}

func (a *app) cacheBackend(ctx context.Context) (cache.Store, error) {
	if a.cfg.Cache.Backend == "redis" {
		r, err := cache.DialRedis(ctx, a.cfg.Cache.RedisAddr, a.cfg.Cache.RedisPassword, a.cfg.Cache.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.closers = append(a.closers, r)
		a.logger.Info().Str("addr", a.cfg.Cache.RedisAddr).Msg("answer cache on redis")
		return r, nil
	}
	mem := cache.NewMemory()
	a.schedule(a.cfg.Cache.SweepSpec, "cache sweep", func() {
		if n := mem.Sweep(); n > 0 {
			a.logger.Debug().Int("evicted", n).Msg("cache sweep")
		}
	})
	return mem, nil
}

// schedule registers fn on the shared cron scheduler. A bad spec is logged
// and the job skipped.
func (a *app) schedule(spec, name string, fn func()) {
	if spec == "" {
		return
	}
	if a.scheduler == nil {
		a.scheduler = cron.New()
	}
	if _, err := a.scheduler.AddFunc(spec, fn); err != nil {
		a.logger.Error().Err(err).Str("job", name).Str("spec", spec).Msg("invalid schedule, job disabled")
	}
}

// startBackground runs the prefetch worker and the scheduled maintenance
// jobs until ctx is done.
func (a *app) startBackground(ctx context.Context) {
	a.schedule("@every 1h", "session prune", func() {
		n, err := a.store.PruneSessions(time.Now().Add(-sessionRetention))
		if err != nil {
			a.logger.Error().Err(err).Msg("pruning sessions")
			return
		}
		if n > 0 {
			a.logger.Info().Int64("pruned", n).Msg("stale sessions pruned")
		}
	})
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	worker := prefetch.NewWorker(a.store, a.resources, jobPollInterval, logging.Component(a.logger, "prefetch"))
	go worker.Run(ctx)

	if a.cfg.Resources.PrefetchOnStart {
		go func() {
			warmed, failed, err := prefetch.All(ctx, a.resources, a.cfg.Resources.PrefetchConcurrency, logging.Component(a.logger, "prefetch"))
			if err != nil {
				a.logger.Warn().Err(err).Msg("startup prefetch interrupted")
				return
			}
			a.logger.Info().Int("warmed", warmed).Int("failed", failed).Msg("startup prefetch finished")
		}()
	}
}

func (a *app) Close() {
	if a.scheduler != nil {
		<-a.scheduler.Stop().Done()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing")
		}
	}
}

func loadRuntime(w io.Writer) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format, w), nil
}

func runServer() error {
	cfg, logger, err := loadRuntime(os.Stderr)
	if err != nil {
		return err
	}
	logger.Info().Str("version", version).Str("env", cfg.AppEnv).Msg("spacebio starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.startBackground(ctx)

	deps := api.Deps{
		Assistant: a.assistant,
		Resources: a.resources,
		Store:     a.store,
		Dev:       cfg.IsDev(),
		Logger:    logging.Component(logger, "http"),
	}
	if a.registry != nil {
		deps.Gatherer = a.registry
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Int("resources", a.resources.Len()).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCP serves MCP over stdio. stdout carries the protocol, so logs go to
// stderr.
func runMCP() error {
	cfg, logger, err := loadRuntime(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.startBackground(ctx)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Assistant: a.assistant,
		Resources: a.resources,
		SessionID: "mcp-" + uuid.NewString(),
	}, version)
	logger.Info().Msg("MCP server started (stdio transport)")

	stdio := server.NewStdioServer(mcpSrv)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}
