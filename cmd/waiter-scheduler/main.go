// Command waiter-scheduler runs the scheduler core against a single
// Kubernetes API server: it starts the ReplicaSet and Pod watch workers, the
// state syncer, and (when configured) the bearer-token refresher, then blocks
// until asked to shut down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waiter-project/scheduler-core/internal/authz"
	"github.com/waiter-project/scheduler-core/internal/config"
	"github.com/waiter-project/scheduler-core/internal/kubernetes"
	"github.com/waiter-project/scheduler-core/internal/scheduler"
	"github.com/waiter-project/scheduler-core/pkg/backoff"
	"github.com/waiter-project/scheduler-core/pkg/logging"
	"github.com/waiter-project/scheduler-core/pkg/metrics"
)

const serviceName = "waiter-scheduler"

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	flags := config.ParseFlags()

	// Logging needs a level before Load's own config-file read can fail, so
	// resolve it the same way GetEnvOrConfig resolves any other bootstrap
	// knob, ahead of the full typed Config.
	bootstrapLevel := config.GetEnvOrConfig("WAITER_LOG_LEVEL", "log-level", flags.ConfigFile, "info")
	logger := logging.InitLogger(serviceName, logging.Config{Level: logging.ParseLevel(bootstrapLevel)})

	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsProvider, err := metrics.Init(ctx, metrics.Config{
		OTLPEndpoint:     cfg.MetricsEndpoint,
		ExportIntervalMS: 15000,
		ServiceName:      serviceName,
		Enabled:          cfg.MetricsEnabled,
	})
	if err != nil {
		logger.Error("failed to initialize metrics", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", slog.Any("error", err))
		}
	}()

	client, err := kubernetes.NewClient(kubernetes.ClientConfig{
		BaseURL:       cfg.URL,
		ConnTimeout:   cfg.HTTPOptions.ConnTimeout,
		SocketTimeout: cfg.HTTPOptions.SocketTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to build kubernetes client", slog.Any("error", err))
		os.Exit(1)
	}

	watchState := scheduler.NewWatchState()
	failureStore := scheduler.NewFailureStore(0, metricsProvider.Instruments)
	authorizer := buildAuthorizer(cfg, logger)

	specCfg := scheduler.SpecBuilderConfig{
		OrchestratorName: cfg.OrchestratorName,
		PodBasePort:      cfg.PodBasePort,
		FileserverPort:   cfg.Fileserver.Port,
		MaxNameLength:    cfg.MaxNameLength,
		PodSuffixLength:  cfg.PodSuffixLength,
	}
	schedulerCfg := kubernetes.SchedulerConfig{
		ReplicaSetAPIVersion: cfg.ReplicaSetAPIVersion,
		MaxPatchRetries:      cfg.MaxPatchRetries,
		FileserverScheme:     cfg.Fileserver.Scheme,
	}

	// The syncer's backend is this Scheduler, and this Scheduler's State()
	// reports the syncer's own state, so one of the two must be built
	// nil and wired in after the fact.
	backend := kubernetes.NewScheduler(client, watchState, failureStore, nil, authorizer, specCfg, schedulerCfg, logger, metricsProvider.Instruments)

	syncInterval := time.Duration(cfg.SchedulerSyncerIntervalSecs) * time.Second
	if syncInterval <= 0 {
		syncInterval = 15 * time.Second
	}
	syncer := scheduler.NewSyncer(backend, syncInterval, 8, logger, metricsProvider.Instruments)
	backend.SetSyncer(syncer)

	watcherCfg := kubernetes.WatcherConfig{
		ReplicaSetListURL: fmt.Sprintf("/apis/%s/namespaces/%s/replicasets", cfg.ReplicaSetAPIVersion, cfg.Namespace),
		PodListURL:        fmt.Sprintf("/api/v1/namespaces/%s/pods", cfg.Namespace),
		LabelSelector:     fmt.Sprintf("%s=%s", scheduler.LabelManagedBy, cfg.OrchestratorName),
	}
	replicaSetWatcher := kubernetes.NewReplicaSetWatcher(client, watchState, watcherCfg, logger, metricsProvider.Instruments)
	podWatcher := kubernetes.NewPodWatcher(client, watchState, failureStore, watcherCfg, logger, metricsProvider.Instruments)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runWithRetry(ctx, replicaSetWatcher, "replicaset-watcher", logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runWithRetry(ctx, podWatcher, "pod-watcher", logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		syncer.Run(ctx)
	}()

	if mirror := buildRedisMirror(cfg, logger); mirror != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mirrorSyncerSnapshots(ctx, mirror, syncer, cfg.OrchestratorName)
		}()
	}

	if refresher := buildAuthRefresher(cfg, client, logger); refresher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWithRetry(ctx, refresher, "auth-refresher", logger)
		}()
	}

	logger.Info("waiter-scheduler started",
		slog.String("version", version), slog.String("url", cfg.URL), slog.String("namespace", cfg.Namespace))
	wg.Wait()
	logger.Info("waiter-scheduler stopped")
}

// worker is the shape every restartable background task in this binary
// satisfies: the two watchers and the auth refresher. The syncer does not
// implement it (Run never returns an error) and is launched directly.
type worker interface {
	Run(ctx context.Context) error
}

// runWithRetry restarts w.Run with an exponential backoff between attempts,
// generalizing the teacher's runListenerWithRetry from gRPC listeners to
// watch/auth workers. A nil return (including context cancellation) ends the
// loop cleanly.
func runWithRetry(ctx context.Context, w worker, name string, logger *slog.Logger) {
	logger.Info("starting worker", slog.String("worker", name))
	retryCount := 0
	for {
		err := w.Run(ctx)
		if err == nil {
			logger.Info("worker exited cleanly", slog.String("worker", name))
			return
		}
		if ctx.Err() != nil {
			logger.Info("worker stopped on shutdown", slog.String("worker", name))
			return
		}

		retryCount++
		delay := backoff.Calculate(retryCount, 30*time.Second)
		logger.Warn("worker failed, retrying",
			slog.String("worker", name), slog.Any("error", err), slog.Duration("backoff", delay))

		select {
		case <-ctx.Done():
			logger.Info("worker stopped during backoff", slog.String("worker", name))
			return
		case <-time.After(delay):
		}
	}
}

func buildAuthorizer(cfg config.Config, logger *slog.Logger) authz.Authorizer {
	if cfg.Authorizer.Kind == "allow-all" {
		return authz.AllowAll
	}
	cacheCfg := authz.CacheConfig{
		TTL:     time.Duration(cfg.Authorizer.CacheTTLSecs) * time.Second,
		MaxSize: cfg.Authorizer.CacheSize,
	}
	return authz.NewCachedAuthorizer(authz.AllowAll, cacheCfg, logger)
}

func buildRedisMirror(cfg config.Config, logger *slog.Logger) *scheduler.RedisMirror {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return scheduler.NewRedisMirror(client, cfg.OrchestratorName, cfg.RedisTTL, logger)
}

// mirrorSyncerSnapshots drains every published snapshot into Redis until ctx
// is cancelled; the syncer keeps ticking even if Redis is unreachable since
// Mirror only logs its own errors.
func mirrorSyncerSnapshots(ctx context.Context, mirror *scheduler.RedisMirror, syncer *scheduler.Syncer, backendTag string) {
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-syncer.Out():
			if !ok {
				return
			}
			mirror.Mirror(ctx, backendTag, snapshot)
		}
	}
}

func buildAuthRefresher(cfg config.Config, client *kubernetes.Client, logger *slog.Logger) *kubernetes.AuthRefresher {
	if cfg.Authentication.ActionFn == "" {
		return nil
	}
	actionFn, ok := authTokenActions[cfg.Authentication.ActionFn]
	if !ok {
		logger.Warn("unknown authentication action-fn, auth refresh disabled", slog.String("action-fn", cfg.Authentication.ActionFn))
		return nil
	}
	interval := time.Duration(cfg.Authentication.RefreshDelayMin) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return kubernetes.NewAuthRefresher(client, actionFn, interval, logger)
}

// authTokenActions maps the authentication.action-fn config key to the
// token-minting function it names. "service-account" reads the in-cluster
// projected token, refreshed on the same schedule Kubernetes rotates it.
var authTokenActions = map[string]kubernetes.TokenActionFn{
	"service-account": readServiceAccountToken,
}

const serviceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

func readServiceAccountToken(ctx context.Context) (string, error) {
	data, err := os.ReadFile(serviceAccountTokenPath)
	if err != nil {
		return "", fmt.Errorf("failed to read service account token: %w", err)
	}
	return string(data), nil
}
