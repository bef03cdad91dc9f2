package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/coda/internal/alerts"
	"github.com/haasonsaas/coda/internal/bus"
	"github.com/haasonsaas/coda/internal/config"
	"github.com/haasonsaas/coda/internal/confirm"
	"github.com/haasonsaas/coda/internal/faults"
	"github.com/haasonsaas/coda/internal/health"
	"github.com/haasonsaas/coda/internal/observability"
	"github.com/haasonsaas/coda/internal/ratelimit"
	"github.com/haasonsaas/coda/internal/scheduler"
	"github.com/haasonsaas/coda/internal/skills"
	"github.com/haasonsaas/coda/internal/store"
	"github.com/haasonsaas/coda/internal/subagent"
	"github.com/haasonsaas/coda/internal/workerpool"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if _, err := config.Load(path); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared infrastructure.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis at %s: %w", cfg.Redis.Addr, err)
	}

	stores, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer stores.Close()

	eventBus := bus.NewRedisBus(redisClient, cfg.Bus, logger, metrics)
	defer eventBus.Close()

	limiter := ratelimit.NewScopedLimiter(cfg.RateLimits, ratelimit.DefaultConfig(),
		func(c ratelimit.Config) ratelimit.Limiter {
			return ratelimit.NewRedisLimiter(redisClient, c)
		})

	// Skill execution plane.
	tracker := health.NewTracker(cfg.Health)
	faultStore := faults.NewStore(faults.DefaultStoreConfig())
	skillRegistry := skills.NewRegistry(cfg.Skills, tracker, faultStore, logger, metrics)

	confirmations := confirm.NewManager(cfg.Confirm, eventBus, logger)

	// Alert routing. History rows are appended off the routing path.
	sideEffects := workerpool.New(2, 128, logger)
	defer sideEffects.Close()
	router := alerts.NewRouter(cfg.Alerts,
		alerts.WithCooldowns(&alerts.RedisCooldowns{Client: redisClient}),
		alerts.WithHistory(stores.Alerts),
		alerts.WithPreferences(stores.Preferences),
		alerts.WithWorkerPool(sideEffects),
		alerts.WithLogger(logger),
		alerts.WithMetrics(metrics),
	)
	registerSinks(router, cfg.Channels, logger)
	if err := router.Attach(eventBus); err != nil {
		return fmt.Errorf("attach alert router: %w", err)
	}

	// Scheduler with its housekeeping tasks.
	sched := scheduler.New(
		scheduler.WithLogger(logger),
		scheduler.WithBus(eventBus),
		scheduler.WithOverrides(cfg.Scheduler.Tasks),
	)
	if err := sched.Register("confirm.sweep", "*/5 * * * *", func(ctx context.Context) error {
		confirmations.Sweep()
		return nil
	}, true, "Expire stale confirmation tokens"); err != nil {
		return fmt.Errorf("register confirm.sweep: %w", err)
	}

	// Subagent manager, when a provider is configured.
	var subagents *subagent.Manager
	provider, err := buildProvider(cfg.Providers)
	if err != nil {
		return err
	}
	if provider != nil {
		subagents = subagent.NewManager(cfg.Subagents, provider, skillRegistry,
			subagent.WithLimiter(limiter),
			subagent.WithBus(eventBus),
			subagent.WithArchive(stores.Runs),
			subagent.WithLogger(logger),
			subagent.WithMetrics(metrics),
		)
	} else {
		logger.Warn("no model provider configured, subagents disabled")
	}

	// Hot reload for the sections that are safe to swap.
	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		router.UpdateConfig(next.Alerts)
	}, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}

	// Start everything.
	if err := eventBus.StartConsumer(ctx); err != nil {
		return fmt.Errorf("start event consumer: %w", err)
	}
	skillRegistry.StartMaintenance(ctx)
	sched.Start(ctx)
	if subagents != nil {
		subagents.StartMaintenance(ctx)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	logger.Info("coda started", "version", version, "config", configPath)
	<-ctx.Done()
	logger.Info("shutting down")

	// Stop intake first, then the workers that drain it.
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	sched.Stop()
	if subagents != nil {
		subagents.StopMaintenance()
	}
	skillRegistry.StopMaintenance()
	eventBus.StopConsumer()
	return nil
}

func registerSinks(router *alerts.Router, channels config.ChannelsConfig, logger *slog.Logger) {
	if channels.Slack.Enabled {
		if channels.Slack.BotToken == "" || channels.Slack.ChannelID == "" {
			logger.Warn("slack sink enabled without token or channel")
		} else {
			router.RegisterSink(alerts.NewSlackSink(channels.Slack.BotToken, channels.Slack.ChannelID))
		}
	}
	if channels.Discord.Enabled {
		if channels.Discord.BotToken == "" || channels.Discord.ChannelID == "" {
			logger.Warn("discord sink enabled without token or channel")
		} else if sink, err := alerts.NewDiscordSink(channels.Discord.BotToken, channels.Discord.ChannelID); err != nil {
			logger.Warn("discord sink unavailable", "error", err)
		} else {
			router.RegisterSink(sink)
		}
	}
	if channels.Telegram.Enabled {
		if channels.Telegram.BotToken == "" {
			logger.Warn("telegram sink enabled without token")
		} else if sink, err := alerts.NewTelegramSink(channels.Telegram.BotToken, channels.Telegram.ChatID); err != nil {
			logger.Warn("telegram sink unavailable", "error", err)
		} else {
			router.RegisterSink(sink)
		}
	}
}

func buildProvider(cfg config.ProvidersConfig) (subagent.Provider, error) {
	name := cfg.Default
	if name == "" {
		name = "anthropic"
	}
	switch name {
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, nil
		}
		return subagent.NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.Model)
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, nil
		}
		return subagent.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
