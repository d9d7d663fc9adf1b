package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/StricklySoft/addon-admission/internal/server"
	"github.com/StricklySoft/addon-admission/pkg/auth"
	"github.com/StricklySoft/addon-admission/pkg/clients/postgres"
	"github.com/StricklySoft/addon-admission/pkg/clients/redis"
	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
	"github.com/StricklySoft/addon-admission/pkg/events"
	"github.com/StricklySoft/addon-admission/pkg/ratelimit"
	"github.com/StricklySoft/addon-admission/pkg/tokenstore"
)

// app owns the gateway's long-lived collaborators. Clients are opened on
// demand by the components that need them and closed by close.
type app struct {
	cfg      Config
	logger   *slog.Logger
	registry *prometheus.Registry
	events   events.Sink

	pg     *postgres.Client
	rdb    *redis.Client
	health []server.HealthCheck
}

func newApp(cfg Config, logger *slog.Logger, mp metric.MeterProvider) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promSink, err := events.NewPrometheusSink(reg)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "gateway: failed to register metrics")
	}
	otelSink, err := events.NewOTelSink(mp)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "gateway: failed to create event counter")
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		events:   events.Multi{events.LogSink{Logger: logger}, promSink, otelSink},
	}, nil
}

// build wires every component into a server.
func (a *app) build(ctx context.Context) (*server.Server, error) {
	keys, err := a.keySource(ctx)
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewTokenVerifier(auth.Constraints{
		ExpectedIssuer:    a.cfg.JWT.Issuer,
		ExpectedAudience:  a.cfg.JWT.Audience,
		Leeway:            a.cfg.JWT.Leeway,
		AllowedAlgorithms: a.cfg.JWT.Algorithms,
	}, keys)
	if err != nil {
		return nil, err
	}

	store, err := a.tokenStore(ctx)
	if err != nil {
		return nil, err
	}
	rotator := tokenstore.NewRotator(store,
		tokenstore.WithGracePeriod(a.cfg.TokenStore.RotationGrace),
		tokenstore.WithRotatorLogger(a.logger),
	)

	gate, err := auth.NewAdmissionGate(auth.GateConfig{
		AllowHMAC:           a.cfg.Admission.AllowHMAC,
		RequiredTokenType:   a.cfg.Admission.RequiredTokenType,
		DevAcceptUnverified: a.cfg.Admission.DevAcceptUnverified,
		Environment:         a.cfg.Environment,
	}, store, verifier,
		auth.WithGateLogger(a.logger),
		auth.WithGateEvents(a.events),
	)
	if err != nil {
		return nil, err
	}

	limiter, keyFunc, err := a.limiter(ctx)
	if err != nil {
		return nil, err
	}

	return server.New(server.Config{
		Addr:          a.cfg.ListenAddr,
		AddonIdentity: a.cfg.AddonKey,
		MaxBodyBytes:  a.cfg.MaxBodyBytes,
	}, server.Deps{
		Gate:     gate,
		Store:    store,
		Rotator:  rotator,
		Limiter:  limiter,
		LimitKey: keyFunc,
		Metrics:  a.metricsHandler(),
		Health:   a.health,
		Events:   a.events,
		Logger:   a.logger,
	})
}

func (a *app) keySource(ctx context.Context) (auth.KeySource, error) {
	jc := a.cfg.JWT
	switch {
	case strings.TrimSpace(jc.PublicKeyPEM) != "":
		key, err := auth.ParsePublicKeyPEM(jc.PublicKeyPEM)
		if err != nil {
			return nil, err
		}
		static, err := auth.NewStaticKey(key)
		if err != nil {
			return nil, err
		}
		return static, nil

	case strings.TrimSpace(jc.KeyMap) != "":
		keys, err := auth.ParseKeyMapJSON(jc.KeyMap)
		if err != nil {
			return nil, err
		}
		km, err := auth.NewKeyMap(keys, jc.DefaultKid)
		if err != nil {
			return nil, err
		}
		return km, nil

	default:
		set, err := auth.NewRemoteKeySet(auth.RemoteKeySetConfig{
			URI:          jc.JWKSURI,
			CacheTTL:     jc.JWKSCacheTTL,
			HTTPTimeout:  jc.JWKSTimeout,
			StalePolicy:  auth.StalePolicy(strings.ToLower(jc.JWKSStalePolicy)),
			MaxStaleness: jc.JWKSMaxStaleness,
			Events:       a.events,
			Logger:       a.logger,
		})
		if err != nil {
			return nil, err
		}
		// A cold start with the endpoint down is not fatal; the first
		// verification retries.
		if err := set.Prefetch(ctx); err != nil {
			a.logger.WarnContext(ctx, "initial key set fetch failed", "uri", jc.JWKSURI, "error", err)
		}
		return set, nil
	}
}

func (a *app) tokenStore(ctx context.Context) (tokenstore.Store, error) {
	var store tokenstore.Store
	switch strings.ToLower(a.cfg.TokenStore.Backend) {
	case BackendPostgres:
		pg, err := a.postgresClient(ctx)
		if err != nil {
			return nil, err
		}
		ps := tokenstore.NewPostgresStore(pg)
		if err := ps.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		store = ps
	case BackendRedis:
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		store = tokenstore.NewRedisStore(rdb)
	default:
		a.logger.Warn("using in-memory token store; installations are lost on restart")
		return tokenstore.NewMemoryStore(), nil
	}
	if a.cfg.TokenStore.CacheTTL > 0 {
		store = tokenstore.NewCachedStore(store, a.cfg.TokenStore.CacheTTL)
	}
	return store, nil
}

func (a *app) limiter(ctx context.Context) (ratelimit.Limiter, ratelimit.KeyFunc, error) {
	rc := a.cfg.RateLimit
	if !rc.Enabled {
		a.logger.Info("rate limiting disabled")
		return nil, nil, nil
	}
	mode, err := ratelimit.ParseMode(rc.Mode)
	if err != nil {
		return nil, nil, err
	}
	cfg := ratelimit.Config{
		PermitsPerSecond: rc.Permits,
		Burst:            rc.Burst,
		IdleTimeout:      rc.IdleTimeout,
		MaxIdentifiers:   rc.MaxIdentifiers,
	}
	opts := []ratelimit.Option{ratelimit.WithEvents(a.events), ratelimit.WithLogger(a.logger)}

	var limiter ratelimit.Limiter
	if strings.EqualFold(rc.Backend, BackendRedis) {
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		limiter, err = ratelimit.NewRedisBucket(rdb, cfg, opts...)
		if err != nil {
			return nil, nil, err
		}
	} else {
		limiter, err = ratelimit.NewTokenBucket(cfg, opts...)
		if err != nil {
			return nil, nil, err
		}
	}
	return limiter, ratelimit.KeyFuncFor(mode), nil
}

func (a *app) postgresClient(ctx context.Context) (*postgres.Client, error) {
	if a.pg != nil {
		return a.pg, nil
	}
	pg, err := postgres.NewClient(ctx, a.cfg.Postgres)
	if err != nil {
		return nil, err
	}
	a.pg = pg
	a.health = append(a.health, server.HealthCheck{Name: "postgres", Check: pg.Health})
	return pg, nil
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	rdb, err := redis.NewClient(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.rdb = rdb
	a.health = append(a.health, server.HealthCheck{Name: "redis", Check: rdb.Health})
	return rdb, nil
}

func (a *app) close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
}

func (a *app) metricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}
