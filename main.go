package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CassiopeiaCode/gemini-business2api/config"
	"github.com/CassiopeiaCode/gemini-business2api/internal/account"
	"github.com/CassiopeiaCode/gemini-business2api/internal/automation"
	"github.com/CassiopeiaCode/gemini-business2api/internal/credential"
	"github.com/CassiopeiaCode/gemini-business2api/internal/gateway"
	"github.com/CassiopeiaCode/gemini-business2api/internal/mailclient"
	"github.com/CassiopeiaCode/gemini-business2api/internal/metrics"
	"github.com/CassiopeiaCode/gemini-business2api/internal/session"
	"github.com/CassiopeiaCode/gemini-business2api/internal/task"
	"github.com/CassiopeiaCode/gemini-business2api/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Server)
	slog.SetDefault(log)

	store, err := openStore(cfg.Storage, log)
	if err != nil {
		log.Error("open account store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	httpClient := &http.Client{Timeout: time.Duration(cfg.Upstream.Timeout) * time.Second}
	tokenSource := upstream.NewJWTSource(httpClient, upstream.DefaultAuthURL, cfg.Upstream.UserAgent, log)
	creds := credential.NewCache(tokenSource, cfg.Pool.FailureThreshold, cfg.Pool.CooldownDuration(), log)
	pool := account.NewPool(store, creds.ShouldRetry, log)

	requester := upstream.NewRequester(httpClient, creds, cfg.Upstream.BaseURL, cfg.Upstream.UserAgent,
		time.Duration(cfg.Upstream.DownloadTimeout)*time.Second, cfg.Upstream.DownloadMaxRetries, log)

	sessions := session.NewCache(cfg.Pool.SessionTTL())
	sessionJanitorStop := make(chan struct{})
	go sessions.Janitor(time.Minute, sessionJanitorStop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	breaker := credential.NewBreaker(cfg.Pool.BrowserFailureCeiling, log)
	driver := automation.NewDriver(cfg.Tasks.AutomationCommand, cfg.Tasks.ProxyList, log)
	mailboxes := mailclient.NewFactory(log)
	runner := task.NewRunner(pool, creds, breaker, driver, mailboxes, cfg.Tasks, log)
	runner.Fatal = func(err error) {
		// Consecutive browser failures past the ceiling mean the automation
		// environment is broken; keeping the process alive would burn
		// through mailboxes and accounts for nothing.
		log.Error("automation circuit open, shutting down", "error", err)
		os.Exit(1)
	}
	orch := task.NewOrchestrator(ctx, runner, log)

	var wg sync.WaitGroup
	maintainer := task.NewMaintainer(pool, orch, cfg.Pool, log)
	wg.Add(2)
	go func() { defer wg.Done(); maintainer.RunRefreshPoller(ctx) }()
	go func() { defer wg.Done(); maintainer.RunHealthMonitor(ctx) }()

	m := metrics.New()
	srv := gateway.NewServer(cfg, pool, creds, sessions, requester, orch, m, log)

	if cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	srv.Routes(engine)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: engine,
	}

	go func() {
		log.Info("gateway listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	cancel()
	close(sessionJanitorStop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	wg.Wait()
	log.Info("bye")
}

func newLogger(cfg config.ServerConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func openStore(cfg config.StorageConfig, log *slog.Logger) (account.Store, error) {
	switch cfg.Backend {
	case "file":
		return account.NewFileStore(cfg.AccountsPath, log)
	default:
		return account.NewSQLiteStore(cfg.DBPath)
	}
}
