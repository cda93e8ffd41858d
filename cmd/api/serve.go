package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pulseboard/api/internal/adapt"
	"pulseboard/api/internal/app"
	"pulseboard/api/internal/auth"
	"pulseboard/api/internal/config"
	"pulseboard/api/internal/logging"
	"pulseboard/api/internal/memstore"
	"pulseboard/api/internal/query"
	"pulseboard/api/internal/search"
	"pulseboard/api/internal/session"
	"pulseboard/api/internal/store"
	"pulseboard/api/internal/theme"
)

type serveOptions struct {
	memory     bool
	demoOwner  string
	demoViewer string
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel)

	var adapter adapt.Adapter
	if cfg.OpenAI.Enabled() {
		adapter = adapt.NewOpenAIAdapter(cfg.OpenAI, log)
	} else {
		log.Warn("OPENAI_API_KEY not set, theme generation disabled")
	}

	deps := app.Deps{Adapter: adapter, Logger: log}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)

	var (
		scopes  *session.RedisStore
		cleanup func()
	)
	if opts.memory {
		scopes, cleanup, err = startMemoryBackends(cfg, opts, &deps, log)
	} else {
		scopes, cleanup, err = startPostgresBackends(gctx, group, cfg, &deps, log)
	}
	if err != nil {
		return stopGroup(cancel, group, err)
	}
	defer cleanup()
	defer scopes.Close()
	deps.Scopes = scopes
	deps.Checks["redis"] = scopes

	if cfg.Preview.Enabled {
		sink, err := theme.StartBrowserSink(gctx, cfg.Preview.PageURL, log)
		switch {
		case errors.Is(err, theme.ErrBrowserMissing):
			log.Warn("browser preview requested but no chromium found")
		case err != nil:
			return stopGroup(cancel, group, fmt.Errorf("start browser preview: %w", err))
		default:
			defer sink.Close()
			deps.PreviewSink = sink
			deps.PreviewUserID = cfg.Preview.UserID
		}
	}

	service := app.New(deps, app.Options{
		PulseLogLimit: cfg.PulseLogLimit,
		AdaptTimeout:  cfg.OpenAI.Timeout,
		IdleTTL:       cfg.DashboardIdleTTL,
	})

	stopScopes, err := scopes.Watch(gctx, func(change session.ScopeChange) {
		service.ApplyScope(gctx, change)
	})
	if err != nil {
		return stopGroup(cancel, group, err)
	}
	defer func() { _ = stopScopes() }()

	httpServer := app.NewHTTPServer(service, []byte(cfg.JWTSecret), cfg.CORSOrigin, cfg.MetricsPath, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group.Go(func() error {
		return service.Run(gctx)
	})
	group.Go(func() error {
		log.WithField("addr", cfg.Addr).Info("Pulseboard API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown error")
		}
		return nil
	})

	return group.Wait()
}

// stopGroup cancels the work already running in group and waits for it, so
// deferred cleanups never close a connection still in use. It returns err.
func stopGroup(cancel context.CancelFunc, group *errgroup.Group, err error) error {
	cancel()
	if waitErr := group.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return errors.Join(err, waitErr)
	}
	return err
}

// startPostgresBackends connects Postgres, Redis and search. The returned
// cleanup closes them once every goroutine in group has stopped.
func startPostgresBackends(ctx context.Context, group *errgroup.Group, cfg config.Config, deps *app.Deps, log *logrus.Logger) (*session.RedisStore, func(), error) {
	pool, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	if err := store.ApplyMigrations(ctx, pool, store.Migrations()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}

	scopes, err := session.NewRedisStore(cfg.RedisURL, cfg.ScopeChannel)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}

	pg := store.NewPostgresStore(pool)
	notifier := store.NewNotifier(pool, log)
	group.Go(func() error {
		return notifier.Run(ctx)
	})

	pgfts := search.NewPgFTS(pool)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
	}
	searchService := search.NewService(meiliClient, pgfts, log)
	pulseChanges, releasePulse := notifier.Listen(func(change store.Change) bool {
		return change.Table == "pulse_log"
	})
	group.Go(func() error {
		defer releasePulse()
		searchService.ReindexAllFromPG(ctx, pgfts)
		searchService.Follow(ctx, pulseChanges, pgfts)
		return nil
	})

	deps.BackendFor = func(userID string) query.Backend {
		return store.NewLiveBackend(pg, notifier, userID, log)
	}
	deps.Persister = pg
	deps.Roles = pg
	deps.Search = searchService
	deps.Checks = map[string]app.Pinger{"database": pg}

	cleanup := func() {
		if meiliClient != nil {
			meiliClient.Close()
		}
		pool.Close()
	}
	return scopes, cleanup, nil
}

// startMemoryBackends serves a seeded demo: memstore for data and an
// in-process Redis for scopes.
func startMemoryBackends(cfg config.Config, opts serveOptions, deps *app.Deps, log *logrus.Logger) (*session.RedisStore, func(), error) {
	redisServer, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start in-process redis: %w", err)
	}

	scopes, err := session.NewRedisStore("redis://"+redisServer.Addr(), cfg.ScopeChannel)
	if err != nil {
		redisServer.Close()
		return nil, nil, err
	}

	mem := memstore.New(log)
	seed := mem.Seed(opts.demoOwner, opts.demoViewer)

	deps.BackendFor = mem.ForUser
	deps.Persister = mem
	deps.Roles = mem
	deps.Search = search.NewService(nil, search.NewScan(mem, 0), log)
	deps.Checks = map[string]app.Pinger{}

	for _, userID := range []string{opts.demoOwner, opts.demoViewer} {
		if userID == "" {
			continue
		}
		token, err := auth.Issue([]byte(cfg.JWTSecret), userID, userID, 24*time.Hour)
		if err != nil {
			redisServer.Close()
			return nil, nil, err
		}
		log.WithFields(logrus.Fields{"user_id": userID, "token": token}).Info("demo token")
	}
	for _, org := range seed.Organizations {
		log.WithFields(logrus.Fields{"organization_id": org.ID, "name": org.Name}).Info("demo organization")
	}
	return scopes, redisServer.Close, nil
}
