package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"edgeward.io/internal/auth"
	"edgeward.io/internal/config"
	"edgeward.io/internal/events"
	"edgeward.io/internal/httpapi"
	"edgeward.io/internal/identity"
	"edgeward.io/internal/obs"
	"edgeward.io/internal/store/pg"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()
	obs.Init()
	obs.SetService("edgeward-authority")
	obs.InitBuildInfo("edgeward-authority", version)
	log := obs.Component("main")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	if err := cfg.RequireSecret(); err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	codec, err := auth.NewCodec(cfg.TokenSecret,
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("token codec")
	}

	var (
		store identity.Store = identity.NewInMemory()
		db    *sql.DB
		ready httpapi.ReadyChecker
	)
	if cfg.PostgresDSN != "" {
		db, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		store = pg.NewIdentityStore(db)
		ready = httpapi.PingReady(db)
	} else {
		log.Warn().Msg("no postgres dsn configured, identities are kept in memory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var publisher events.Publisher = events.Discard
	var channel *events.AMQPChannel
	if cfg.AMQPURL != "" {
		channel, err = events.DialAMQP(ctx, cfg.AMQPURL,
			events.WithAMQPPartitions(cfg.AMQPPartitions),
			events.WithGroup(cfg.AMQPGroup),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("connect event channel")
		}
		publisher = channel
	} else {
		log.Warn().Msg("no amqp url configured, identity events are discarded")
	}

	svc, err := auth.NewService(store, codec,
		auth.WithPublisher(publisher),
		auth.WithTopic(cfg.Topic),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("auth service")
	}

	limiter := httpapi.NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitRPS,
		httpapi.WithTrustedProxies(cfg.TrustedProxyHops),
	)
	go limiter.Run(ctx)

	api := httpapi.NewAuthority(svc, ready, version)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           limiter.Middleware(api.Handler()),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("authority listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if channel != nil {
		_ = channel.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Info().Msg("stopped")
}
