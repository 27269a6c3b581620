package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/grokomation/ephemerald/internal/adapter/gitworktree"
	ehttp "github.com/grokomation/ephemerald/internal/adapter/http"
	"github.com/grokomation/ephemerald/internal/adapter/otel"
	"github.com/grokomation/ephemerald/internal/adapter/proc"
	refcommitad "github.com/grokomation/ephemerald/internal/adapter/refcommit"
	"github.com/grokomation/ephemerald/internal/adapter/ristretto"
	"github.com/grokomation/ephemerald/internal/adapter/ws"
	"github.com/grokomation/ephemerald/internal/config"
	"github.com/grokomation/ephemerald/internal/git"
	"github.com/grokomation/ephemerald/internal/logger"
	"github.com/grokomation/ephemerald/internal/middleware"
	"github.com/grokomation/ephemerald/internal/port/refcommit"
	"github.com/grokomation/ephemerald/internal/secrets"
	"github.com/grokomation/ephemerald/internal/service"
)

const version = "0.1.0"

// contractCacheSize bounds the ristretto cache; contracts are small, this is
// generous headroom for a full port range of instances.
const contractCacheSize = 32 << 20

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"repo", cfg.Repo.Path,
		"worktree_base", cfg.Repo.WorktreeBase,
		"port_range", fmt.Sprintf("%d-%d", cfg.Ports.Min, cfg.Ports.Max),
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownOtel, err := otel.Init(ctx, cfg.Logging.Service, cfg.Otel.Endpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			log.Error("otel shutdown", "error", err)
		}
	}()

	// --- Secrets ---
	loadSecrets := secrets.DirLoader(cfg.Secrets.Dir)
	vault, err := loadSecrets()
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	var gitEnv []string
	if _, ok := vault[cfg.Secrets.SSHKeyFile]; ok {
		keyPath := filepath.Join(cfg.Secrets.Dir, cfg.Secrets.SSHKeyFile)
		gitEnv, err = secrets.GitSSHEnv(keyPath)
		if err != nil {
			return fmt.Errorf("git deploy key: %w", err)
		}
		log.Info("git deploy key loaded", "path", keyPath)
	}

	// --- Workspace management ---
	gitPool := git.NewPool(cfg.Git.MaxConcurrent)
	workspaces := gitworktree.NewManager(gitworktree.Options{
		RepoPath:    cfg.Repo.Path,
		Base:        cfg.Repo.WorktreeBase,
		EnvTemplate: cfg.Repo.EnvTemplate,
		RemoteURL:   cfg.Repo.URL,
		GitEnv:      gitEnv,
	}, gitPool, log)

	// --- Process supervision ---
	supervisor := proc.NewSupervisor(proc.Options{
		Command:        cfg.Supervisor.Command,
		Args:           cfg.Supervisor.Args,
		LogDir:         cfg.Supervisor.LogDir,
		HealthPath:     cfg.Supervisor.HealthPath,
		StartupTimeout: cfg.Supervisor.StartupTimeout,
		GracePeriod:    cfg.Supervisor.GracePeriod,
	}, log)

	// --- Reference commit resolution ---
	resolvers := []refcommit.Resolver{}
	if cfg.Repo.ReferenceURL != "" {
		resolvers = append(resolvers, refcommitad.NewHTTPResolver(cfg.Repo.ReferenceURL))
	}
	resolvers = append(resolvers, refcommitad.NewLocalResolver(workspaces))
	referenceChain := refcommitad.NewChain(log, resolvers...)

	// --- Contract cache ---
	contractCache, err := ristretto.New(contractCacheSize)
	if err != nil {
		return fmt.Errorf("contract cache: %w", err)
	}
	defer contractCache.Close()

	// --- Services ---
	metrics, err := service.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	hub := ws.NewHub()
	registry := service.NewRegistry()
	ports := service.NewPortAllocator(cfg.Ports.Min, cfg.Ports.Max)

	orch := service.NewOrchestrator(registry, ports, workspaces, supervisor, referenceChain, hub, metrics, log)
	proxy := service.NewProxy(registry, contractCache, service.ProxyOptions{
		ContractPath: cfg.Proxy.ContractPath,
		ContractTTL:  cfg.Proxy.ContractTTL,
		FailOpen:     cfg.Proxy.FailOpen,
		FetchTimeout: cfg.Proxy.Timeout,
	}, metrics, log)
	orch.OnTeardown = proxy.Forget

	reaper := service.NewReaper(registry, orch, workspaces, supervisor, service.ReaperOptions{
		Interval: cfg.Reaper.Interval,
		MaxAge:   cfg.Reaper.MaxAge,
	}, log)

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	if cfg.Reaper.Interval > 0 {
		go reaper.Run(reapCtx)
	}

	// --- HTTP ---
	handlers := &ehttp.Handlers{
		Orchestrator: orch,
		Proxy:        proxy,
		Reaper:       reaper,
		Checker:      supervisor,
		Hub:          hub,
		Version:      version,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(ehttp.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(ehttp.CORS(cfg.Server.CORSOrigin))
	r.Use(ehttp.Logger)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	ehttp.MountRoutes(r, handlers, limiter)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown: stop accepting requests, then tear down every
	// instance so no agents or worktrees outlive the orchestrator.
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down")
	stopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", "error", err)
	}

	for _, desc := range orch.List() {
		if err := orch.Delete(shutdownCtx, desc.CorrelationID); err != nil {
			log.Error("teardown on shutdown", "correlation_id", desc.CorrelationID, "error", err)
		}
	}

	return nil
}
