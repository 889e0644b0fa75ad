package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"todo-registry/api"
	"todo-registry/config"
	"todo-registry/domain"
	"todo-registry/journal"
	"todo-registry/notify"
	"todo-registry/storage"
	"todo-registry/stream"
)

const shutdownTimeout = 10 * time.Second

// ledger is a durable backend that can rebuild the registry at startup.
type ledger interface {
	domain.Journal
	Load(ctx context.Context) (domain.Snapshot, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())))
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("tracer shutdown")
		}
	}()

	store, closeStore, err := openLedger(ctx, cfg, instanceID(), logger, stop)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	defer closeStore()

	var rc *redis.Client
	if cfg.Redis.URL != "" {
		rc = redis.NewClient(redisOptions(cfg.Redis.URL))
		defer rc.Close()
	}

	var sinks []notify.Sink
	if cfg.Azure.EventsQueue != "" {
		qs, err := notify.NewQueueSink(cfg.Azure.ConnectionString, cfg.Azure.EventsQueue)
		if err != nil {
			log.Fatalf("queue sink: %v", err)
		}
		sinks = append(sinks, qs)
	}
	hub := stream.NewHub(0)
	if rc != nil && cfg.Redis.Channel != "" {
		sinks = append(sinks, notify.NewRedisSink(rc, cfg.Redis.Channel))
		go stream.Relay(ctx, rc, cfg.Redis.Channel, cfg.Registry, hub, logger)
	} else {
		sinks = append(sinks, hub)
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		Workers:        cfg.Notify.Workers,
		Buffer:         cfg.Notify.Buffer,
		HandoffTimeout: cfg.Notify.HandoffTimeout,
	}, logger, sinks...)
	defer dispatcher.Close()

	opts := []domain.Option{domain.WithName(cfg.Registry), domain.WithPublisher(dispatcher)}
	if store != nil {
		opts = append(opts, domain.WithJournal(store))
	}
	registry := domain.NewRegistry(opts...)
	if store != nil {
		snap, err := store.Load(ctx)
		if err != nil {
			log.Fatalf("load ledger: %v", err)
		}
		if err := registry.Restore(snap); err != nil {
			log.Fatalf("restore: %v", err)
		}
		logger.WithFields(log.Fields{
			"registry": cfg.Registry,
			"total":    snap.TotalCreated,
			"live":     len(snap.Tasks),
		}).Info("registry restored")
	}

	auth, closeAuth, err := newAuthenticator(cfg.Auth, logger)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	defer closeAuth()

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, cfg.Redis.IdempotencyTTL, cfg.Redis.PendingTTL)
	}

	e := echo.New()
	e.HideBanner = true
	// Request contexts end on shutdown so event streams let go of the server.
	e.Server.BaseContext = func(net.Listener) context.Context { return ctx }
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.RequestIDMiddleware())
	e.Use(api.RequestEncodingMiddleware())
	api.Register(e, registry, auth, deduper, logger)
	e.GET("/api/todos/events", stream.Handler(hub, auth))

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server stopped")
			stop()
		}
	}()
	logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "backend": cfg.Ledger.Backend}).Info("todo registry listening")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
}

// openLedger opens the configured backend and makes this process its only
// writer. onLost is called if a table lease is taken over while running. The
// memory backend has no ledger.
func openLedger(ctx context.Context, cfg config.Config, owner string, logger *log.Logger, onLost func()) (ledger, func(), error) {
	noop := func() {}
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		return nil, noop, nil
	case config.BackendFile:
		j, err := journal.Open(journal.Config{
			Dir:          cfg.Ledger.Dir,
			SegmentBytes: cfg.Ledger.SegmentBytes(),
			SyncEvery:    cfg.Ledger.SyncEvery,
			Logger:       logger,
		})
		if err != nil {
			return nil, noop, err
		}
		return j, func() {
			if err := j.Close(); err != nil {
				logger.WithError(err).Warn("journal close")
			}
		}, nil
	case config.BackendTable:
		ts, err := storage.NewTableStore(cfg.Azure.ConnectionString, cfg.Azure.TodosTable, cfg.Registry)
		if err != nil {
			return nil, noop, err
		}
		if err := ts.AcquireLease(ctx, owner, cfg.Ledger.LeaseTTL); err != nil {
			return nil, noop, err
		}
		leaseCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := ts.KeepLease(leaseCtx, logger); err != nil {
				logger.WithError(err).WithField("registry", cfg.Registry).Error("registry lease lost, shutting down")
				onLost()
			}
		}()
		return ts, func() {
			cancel()
			<-done
		}, nil
	case config.BackendMySQL:
		ms, err := storage.OpenMySQL(ctx, cfg.MySQL.DSN, cfg.Registry)
		if err != nil {
			return nil, noop, err
		}
		if err := ms.EnsureSchema(ctx); err != nil {
			ms.Close()
			return nil, noop, err
		}
		if err := ms.AcquireLock(ctx); err != nil {
			ms.Close()
			return nil, noop, err
		}
		return ms, func() {
			if err := ms.Close(); err != nil {
				logger.WithError(err).Warn("mysql close")
			}
		}, nil
	}
	return nil, noop, fmt.Errorf("unsupported ledger backend %q", cfg.Ledger.Backend)
}

func newAuthenticator(cfg config.AuthConfig, logger *log.Logger) (api.Authenticator, func(), error) {
	noop := func() {}
	switch cfg.Mode {
	case config.AuthHS256:
		return api.NewHS256Auth([]byte(cfg.Secret), cfg.Audience, issuerFor(cfg.Domain)), noop, nil
	case config.AuthJWKS:
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshTimeout:    10 * time.Second,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			return nil, noop, fmt.Errorf("jwks: %w", err)
		}
		return api.NewJWKSAuth(jwks, cfg.Audience, issuerFor(cfg.Domain), cfg.JWKSCacheTTL), jwks.EndBackground, nil
	}
	return api.AnonymousAuth{}, noop, nil
}

// instanceID names this process as a lease owner.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "/" + uuid.NewString()
}

func issuerFor(domain string) string {
	if domain == "" {
		return ""
	}
	return "https://" + domain + "/"
}

// redisOptions accepts a redis:// URL or the Azure cache form
// "host:port,password=...,ssl=true".
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}
