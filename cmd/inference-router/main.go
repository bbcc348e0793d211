package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/synqra/inference-router/internal/admission"
	"github.com/synqra/inference-router/internal/breaker"
	"github.com/synqra/inference-router/internal/config"
	httpiface "github.com/synqra/inference-router/internal/interfaces/http"
	"github.com/synqra/inference-router/internal/metrics"
	"github.com/synqra/inference-router/internal/providers"
	"github.com/synqra/inference-router/internal/router"
	"github.com/synqra/inference-router/internal/store"
)

const (
	appName = "inference-router"
	version = "v1.0.0"
)

func main() {
	// A local .env is a development convenience; deployed environments set
	// variables directly.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Async inference router for product traffic",
		Version: version,
		Long: `Front-door HTTP service that classifies inference requests and routes
them across the groq, ollama, claude and kie providers under shared
caching, cross-replica request coalescing, a premium quota and a
rate-limit circuit breaker.`,
	}
	addGlobalFlags(rootCmd.PersistentFlags())

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference routing HTTP service",
		Long:  "Serves POST /infer, GET /health and GET /metrics until interrupted",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// addGlobalFlags registers the flags every subcommand inherits.
func addGlobalFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to optional YAML config file")
	fs.String("log-level", "", "Override the configured log level")
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	applyLogLevel(cfg.LogLevel)

	st, err := store.New(store.Options{
		URL:            cfg.Redis.URL,
		Namespace:      cfg.Redis.Namespace,
		CacheTTL:       cfg.CacheTTL(),
		ClaudeCapRatio: cfg.Claude.CapRatio,
		ClaudeWindow:   cfg.Claude.RollingWindow(),
	})
	if err != nil {
		return fmt.Errorf("open shared store: %w", err)
	}

	clients := providers.NewClients(providers.Config{
		Groq: providers.GroqConfig{
			APIKey:  cfg.Groq.APIKey,
			Model:   cfg.Groq.Model,
			BaseURL: cfg.Groq.BaseURL,
			Timeout: cfg.Groq.Timeout(),
		},
		Ollama: providers.OllamaConfig{
			BaseURL:        cfg.Ollama.BaseURL,
			Model:          cfg.Ollama.Model,
			MaxConcurrency: cfg.Ollama.MaxConcurrency,
		},
		Claude: providers.ClaudeConfig{
			APIKey:  cfg.Claude.APIKey,
			Model:   cfg.Claude.Model,
			BaseURL: cfg.Claude.BaseURL,
		},
		Kie: providers.KieConfig{
			APIKey:  cfg.Kie.APIKey,
			BaseURL: cfg.Kie.BaseURL,
		},
	})

	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry(promReg)

	core := router.New(router.Deps{
		Store:     st,
		Providers: clients,
		Breaker:   breaker.New(cfg.Groq.BreakerThreshold, cfg.Groq.BreakerOpenWindow()),
		Memory:    admission.NewMemoryGuard(cfg.Router.MinFreeRAMMB),
		Metrics:   m,
	}, router.Config{
		GlobalTimeout:  cfg.GlobalTimeout(),
		GroqTimeout:    cfg.Groq.Timeout(),
		CacheTTL:       cfg.CacheTTL(),
		DedupeWindow:   cfg.DedupeWindow(),
		ClaudeCapRatio: cfg.Claude.CapRatio,
	})

	srv := httpiface.NewServer(httpiface.ServerConfig{
		Host:        cfg.HTTP.Host,
		Port:        cfg.HTTP.Port,
		ReadTimeout: 10 * time.Second,
		// Writes may legitimately take the whole request deadline.
		WriteTimeout:   cfg.GlobalTimeout() + 5*time.Second,
		IdleTimeout:    60 * time.Second,
		GlobalTimeout:  cfg.GlobalTimeout(),
		MaxPromptChars: cfg.Router.MaxPromptChars,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
	}, core, m, promReg)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			serverErr <- err
		}
	}()

	log.Info().
		Str("addr", srv.Addr()).
		Str("redis_namespace", cfg.Redis.Namespace).
		Int("global_timeout_seconds", cfg.Router.GlobalTimeoutSeconds).
		Float64("claude_cap_ratio", cfg.Claude.CapRatio).
		Msg("service.started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
		return err
	}

	clients.Close()
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}
	log.Info().Msg("service.stopped")
	return nil
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
