// Package main is the entry point for the chattyplus-eventsub
// subscription manager.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/misterballzach/chattyplus-eventsub/internal/backoff"
	"github.com/misterballzach/chattyplus-eventsub/internal/buildinfo"
	"github.com/misterballzach/chattyplus-eventsub/internal/config"
	"github.com/misterballzach/chattyplus-eventsub/internal/events"
	"github.com/misterballzach/chattyplus-eventsub/internal/eventsub"
	"github.com/misterballzach/chattyplus-eventsub/internal/idcache"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("chattyplus-eventsub - EventSub subscription manager")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Connect and maintain subscriptions")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting chattyplus-eventsub", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"transport_url", cfg.Transport.URL,
		"cost_budget", cfg.Pool.CostBudget,
		"max_sessions", cfg.Pool.MaxSessions,
	)

	if !cfg.API.Configured() {
		logger.Error("api.base_url and api.token must both be set")
		os.Exit(1)
	}

	var cache *idcache.Store
	if cfg.IDCache.Path != "" {
		cache, err = idcache.Open(cfg.IDCache.Path, cfg.IDCache.Passphrase)
		if err != nil {
			logger.Error("failed to open id cache", "path", cfg.IDCache.Path, "error", err)
			os.Exit(1)
		}
		defer cache.Close()
		logger.Info("id cache opened", "path", cfg.IDCache.Path)
	}

	bus := events.New()

	api := eventsub.NewAPIClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.RequestsPerSecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go api.Run(ctx)

	var idCacheArg interface {
		GetAll() (map[string]string, error)
		Put(login, id string) error
	}
	if cache != nil {
		idCacheArg = cache
	}

	mgr := eventsub.NewManager(eventsub.ManagerConfig{
		Pool: eventsub.PoolConfig{
			CostBudget:  cfg.Pool.CostBudget,
			MaxSessions: cfg.Pool.MaxSessions,
			DefaultURI:  cfg.Transport.URL,
			Session: eventsub.SessionConfig{
				WelcomeTimeout: cfg.Transport.WelcomeTimeout,
				KeepaliveGrace: cfg.Transport.KeepaliveGrace,
				CostBudget:     cfg.Pool.CostBudget,
				Logger:         logger,
			},
			Backoff: backoff.Config{
				InitialDelay: cfg.Transport.Backoff.InitialDelay,
				MaxDelay:     cfg.Transport.Backoff.MaxDelay,
				Multiplier:   cfg.Transport.Backoff.Multiplier,
			},
			Logger: logger,
		},
		API:      api,
		Cache:    idCacheArg,
		Listener: &stdoutListener{logger: logger},
		Bus:      bus,
		Logger:   logger,
		TransportFactory: func() eventsub.Transport {
			return eventsub.NewTransport(eventsub.TransportOptions{
				SocksProxyAddr: cfg.Transport.SocksProxy,
				Logger:         logger,
			})
		},
	})

	mgr.Start(ctx)
	logger.Info("subscription manager started")

	if cfg.LocalUsername != "" {
		mgr.SetLocalUsername(cfg.LocalUsername)
	}
	subscribeConfiguredTopics(mgr, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()
	mgr.Disconnect()
	logger.Info("chattyplus-eventsub stopped")
}

// subscribeConfiguredTopics issues one listen call per configured
// channel per topic family. Config validation already rejected
// combinations that could never become ready (message_held without the
// feature flag, moderator topics without local_username).
func subscribeConfiguredTopics(mgr *eventsub.Manager, cfg *config.Config, logger *slog.Logger) {
	families := []struct {
		name     string
		channels []string
		listen   func(string)
	}{
		{"raid", cfg.Topics.Raid, mgr.ListenRaid},
		{"poll", cfg.Topics.Poll, mgr.ListenPoll},
		{"shield", cfg.Topics.Shield, mgr.ListenShield},
		{"shoutouts", cfg.Topics.Shoutouts, mgr.ListenShoutouts},
		{"mod_actions", cfg.Topics.ModActions, mgr.ListenModActions},
		{"automod", cfg.Topics.Automod, mgr.ListenAutomod},
		{"suspicious", cfg.Topics.Suspicious, mgr.ListenSuspicious},
		{"warnings", cfg.Topics.Warnings, mgr.ListenWarnings},
		{"message_held", cfg.Topics.MessageHeld, mgr.ListenMessageHeld},
		{"points", cfg.Topics.Points, mgr.ListenPoints},
	}
	total := 0
	for _, fam := range families {
		for _, ch := range fam.channels {
			fam.listen(ch)
			total++
		}
		if len(fam.channels) > 0 {
			logger.Info("subscribed topic family", "family", fam.name, "channels", len(fam.channels))
		}
	}
	if total == 0 {
		logger.Info("no topics configured; waiting for API-driven listens")
	}
}

// stdoutListener is the default Listener implementation for the CLI: it
// logs everything it receives via slog rather than routing it into a
// larger application.
type stdoutListener struct {
	logger *slog.Logger
}

func (l *stdoutListener) Info(text string) {
	l.logger.Info("eventsub", "msg", text)
}

func (l *stdoutListener) Event(topicType string, payload json.RawMessage) {
	l.logger.Info("eventsub notification", "type", topicType, "payload", string(payload))
}

func (l *stdoutListener) StatusChanged(summary string) {
	l.logger.Info("eventsub status", "status", summary)
}
