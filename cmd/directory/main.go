package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"edgeward.io/internal/config"
	"edgeward.io/internal/events"
	"edgeward.io/internal/health"
	"edgeward.io/internal/httpapi"
	"edgeward.io/internal/identity"
	"edgeward.io/internal/obs"
	"edgeward.io/internal/replica"
	"edgeward.io/internal/store/pg"
	"edgeward.io/internal/store/redisstore"
)

var version = "0.1.0"

const serviceName = "edgeward.directory"

func main() {
	_ = godotenv.Load()
	obs.Init()
	obs.SetService("edgeward-directory")
	obs.InitBuildInfo("edgeward-directory", version)
	log := obs.Component("main")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	obs.SetLevel(cfg.LogLevel)

	store, ready, closer, err := openReplica(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.ReplicaBackend).Msg("open replica store")
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthSrv := health.New(serviceName, ready)
	engine := replica.NewEngine(store)

	var channel *events.AMQPChannel
	if cfg.AMQPURL != "" {
		channel, err = events.DialAMQP(ctx, cfg.AMQPURL,
			events.WithAMQPPartitions(cfg.AMQPPartitions),
			events.WithGroup(cfg.AMQPGroup),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("connect event channel")
		}
		if err := engine.Run(ctx, channel, cfg.Topic); err != nil {
			log.Fatal().Err(err).Msg("start replica sync")
		}
		healthSrv.MarkLive()
		go func() {
			select {
			case <-ctx.Done():
			case <-channel.Lost():
				log.Error().Msg("event subscription lost, replica sync stopped")
				healthSrv.MarkDown()
			}
		}()
	} else {
		log.Warn().Msg("no amqp url configured, the replica will not receive events")
	}
	go healthSrv.Run(ctx, 5*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("grpc listen")
	}
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc health listening")
		if err := healthSrv.Serve(lis); err != nil {
			log.Error().Err(err).Msg("grpc serve")
		}
	}()

	api := httpapi.NewDirectory(replica.NewDirectory(store), healthSrv, version)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("directory listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	healthSrv.Shutdown()
	if channel != nil {
		_ = channel.Close()
	}
	log.Info().Msg("stopped")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openReplica(cfg config.Config) (identity.ReplicaStore, httpapi.ReadyChecker, io.Closer, error) {
	switch cfg.ReplicaBackend {
	case config.BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, nil, nil, errors.New("postgres backend needs EDGEWARD_PG_DSN")
		}
		db, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg.NewReplicaStore(db), httpapi.PingReady(db), db, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := redisstore.New(rdb, "edgeward")
		return store, httpapi.PingReady(store), rdb, nil
	default:
		return identity.NewInMemoryReplica(), nil, nopCloser{}, nil
	}
}
