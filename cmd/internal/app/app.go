// Package app wires the Huddle server runtime: config, logging, storage,
// HTTP routes, the realtime gateway and the optional Redis relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"huddle/cmd/identity"
	"huddle/cmd/internal/auth"
	"huddle/cmd/internal/chatapi"
	"huddle/cmd/internal/realtime"
)

// App is the Huddle server runtime: it owns storage, HTTP wiring and realtime dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	redis  *redis.Client
	relay  *realtime.RedisRelay

	metricsReg *prometheus.Registry
	engine     *realtime.Engine
	ws         *realtime.WSGateway
	api        *chatapi.Handler
}

type stores struct {
	users   identity.UserStore
	rooms   realtime.Store
	members realtime.MembershipStore
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{cfg: cfg, log: log}

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		a.closeResources()
		return nil, err
	}
	tokens, err := auth.NewTokenManager(authCfg)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.metricsReg = prometheus.NewRegistry()
	a.metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(a.metricsReg)

	var pipeOpts []realtime.PipelineOption
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("parse HUDDLE_REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		a.relay = realtime.NewRedisRelay(log, a.redis, metrics)
		pipeOpts = append(pipeOpts, realtime.WithRelay(a.relay))
		log.Info("relay.enabled", "origin", a.relay.Origin())
	}

	reg := realtime.NewRegistry(metrics)
	topo := realtime.NewTopology(reg, metrics)
	dir := realtime.NewDirectory(log, st.members)
	pipe := realtime.NewPipeline(log, topo, st.rooms, st.users, metrics, pipeOpts...)

	a.engine = realtime.NewEngine(realtime.EngineConfig{
		Log:             log,
		Verifier:        auth.NewVerifier(log, tokens, st.users),
		Topology:        topo,
		Dir:             dir,
		Pipeline:        pipe,
		Store:           st.rooms,
		Metrics:         metrics,
		AutoCreateRooms: cfg.RoomsAutoCreate,
	})
	a.ws = realtime.NewWSGateway(log, a.engine, metrics)

	a.api, err = chatapi.NewHandler(chatapi.LoadConfigFromEnv(), chatapi.Deps{
		Log:      log,
		Auth:     a.engine,
		Store:    st.rooms,
		Dir:      dir,
		Pipeline: pipe,
	})
	if err != nil {
		a.closeResources()
		return nil, err
	}

	return a, nil
}

// openStores decides between Postgres-backed persistence and in-memory dev stores.
func (a *App) openStores(ctx context.Context) (stores, error) {
	seed := identity.ParseSeedUsers(a.cfg.DevUsers)

	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store", "seed_users", len(seed))
		mem := realtime.NewInMemoryStore()
		return stores{users: identity.NewMemoryStore(seed...), rooms: mem, members: mem}, nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return stores{}, err
	}
	a.dbPool = pool
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)

	fail := func(err error) (stores, error) {
		a.closeResources()
		return stores{}, err
	}

	if a.cfg.DBAutoMigrate {
		if err := migrate(ctx, pool, a.cfg.DBSchema); err != nil {
			return fail(err)
		}
		a.log.Info("db.migrated", "schema", a.cfg.DBSchema)
	}

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return fail(err)
	}
	if err := seedPostgresUsers(ctx, a.log, users, seed); err != nil {
		return fail(err)
	}
	rooms, err := realtime.NewPostgresStore(pool, realtime.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return fail(err)
	}
	members, err := realtime.NewPostgresMembershipStore(pool, realtime.WithMembershipSchema(a.cfg.DBSchema))
	if err != nil {
		return fail(err)
	}
	return stores{users: users, rooms: rooms, members: members}, nil
}

// Run starts the HTTP server (and the relay subscriber when configured) and
// blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	defer a.closeResources()

	mux := http.NewServeMux()
	a.registerHTTP(mux)

	handler := WithRequestLogging(mux, a.log)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"relay_enabled", a.relay != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.relay != nil {
		g.Go(func() error {
			return a.relay.Run(gctx, a.engine.Pipeline().Publish, nil)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// closeResources releases the pool and Redis client. The app owns both;
// the stores and the relay never close them.
func (a *App) closeResources() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
