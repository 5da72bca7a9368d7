package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cac-client/internal/api"
	"cac-client/internal/cac"
	"cac-client/internal/experiment"
	"cac-client/internal/store"
)

func main() {
	if level, err := logrus.ParseLevel(envOr("LOG_LEVEL", "info")); err == nil {
		logrus.SetLevel(level)
	}

	host := strings.TrimSpace(os.Getenv("CAC_HOST"))
	if host == "" {
		logrus.Fatal("CAC_HOST is required")
	}
	tenants := splitList(os.Getenv("CAC_TENANTS"))
	if len(tenants) == 0 {
		logrus.Fatal("CAC_TENANTS is required")
	}
	frequency := durationEnv("CAC_FREQUENCY", 10*time.Second)

	baseDir, err := os.Getwd()
	if err != nil {
		logrus.Fatalf("determine working directory: %v", err)
	}
	dbPath := filepath.Join(baseDir, "data", "cac-snapshots.db")
	if override := strings.TrimSpace(os.Getenv("CAC_DB_PATH")); override != "" {
		dbPath = override
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		logrus.Fatalf("create data directory: %v", err)
	}

	db, err := store.Open(dbPath, !logrus.IsLevelEnabled(logrus.DebugLevel))
	if err != nil {
		logrus.Fatalf("open snapshot store: %v", err)
	}
	defer db.Close()

	var snapshots store.SnapshotStore = db
	if addr := strings.TrimSpace(os.Getenv("CAC_REDIS_ADDR")); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("CAC_REDIS_PASSWORD")})
		defer rdb.Close()
		cache := store.NewRedisCache(rdb,
			store.WithRedisPrefix(envOr("CAC_REDIS_PREFIX", "cac:snapshots")),
			store.WithRedisTTL(durationEnv("CAC_REDIS_TTL", 0)),
		)
		snapshots = store.WithFallback(cache, db)
		logrus.WithField("addr", addr).Info("redis snapshot cache enabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := cac.NewMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout := durationEnv("CAC_TIMEOUT", 10*time.Second)
	initialFetchTimeout := durationEnv("CAC_INITIAL_FETCH_TIMEOUT", 30*time.Second)
	factory := cac.NewFactory(cac.Config{
		Timeout:             timeout,
		InitialFetchTimeout: initialFetchTimeout,
		Store:               snapshots,
		Metrics:             metrics,
	})
	defer factory.Close()

	for _, tenant := range tenants {
		if _, err := factory.NewClient(ctx, tenant, frequency, host); err != nil {
			logrus.Fatalf("create cac client for %s: %v", tenant, err)
		}
	}

	experiments := map[string]*experiment.Client{}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("CAC_EXPERIMENTS")), "true") {
		for _, tenant := range tenants {
			client, err := experiment.New(ctx, experiment.Config{
				Tenant:    tenant,
				Hostname:  host,
				Frequency: frequency,
				Timeout:   timeout,
				Metrics:   metrics,

				InitialFetchTimeout: initialFetchTimeout,
			})
			if err != nil {
				logrus.Fatalf("create experiment client for %s: %v", tenant, err)
			}
			experiments[tenant] = client
		}
	}

	refreshEvery := durationEnv("CAC_REFRESH_INTERVAL", 10*time.Second)
	server, err := api.NewServer(api.Config{
		Factory:        factory,
		Experiments:    experiments,
		Snapshots:      snapshots,
		Gatherer:       registry,
		AllowedOrigins: splitList(os.Getenv("CAC_ALLOWED_ORIGINS")),
		RefreshRate:    rate.Every(refreshEvery),
		RefreshBurst:   1,
	})
	if err != nil {
		logrus.Fatalf("create server: %v", err)
	}

	router, err := server.Router()
	if err != nil {
		logrus.Fatalf("configure router: %v", err)
	}

	port := envOr("PORT", "2000")
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithFields(logrus.Fields{
			"port":    port,
			"host":    host,
			"tenants": tenants,
		}).Info("starting cac sidecar")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		server.Run(gctx)
		return nil
	})
	for _, client := range experiments {
		client := client
		g.Go(func() error {
			client.Run(gctx)
			return nil
		})
	}
	if keep := intEnv("CAC_SNAPSHOT_KEEP", 50); keep > 0 {
		g.Go(func() error {
			pruneSnapshots(gctx, db, tenants, keep)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logrus.Fatalf("server exited: %v", err)
	}
	logrus.Info("cac sidecar stopped")
}

// pruneSnapshots trims each tenant's stored history to keep rows once an hour.
func pruneSnapshots(ctx context.Context, db *store.Database, tenants []string, keep int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		for _, tenant := range tenants {
			count, err := db.CountSnapshots(ctx, tenant)
			if err != nil || count <= int64(keep) {
				continue
			}
			removed, err := db.PruneSnapshots(ctx, tenant, keep)
			if err != nil {
				if ctx.Err() == nil {
					logrus.WithError(err).WithField("tenant", tenant).Warn("prune snapshots")
				}
				continue
			}
			if removed > 0 {
				logrus.WithFields(logrus.Fields{"tenant": tenant, "removed": removed}).Info("pruned snapshots")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
		logrus.WithField(key, v).Warn("ignoring invalid duration")
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
