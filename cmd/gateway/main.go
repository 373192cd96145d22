package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"edgeward.io/internal/auth"
	"edgeward.io/internal/config"
	"edgeward.io/internal/gateway"
	"edgeward.io/internal/httpapi"
	"edgeward.io/internal/obs"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()
	obs.Init()
	obs.SetService("edgeward-gateway")
	obs.InitBuildInfo("edgeward-gateway", version)
	log := obs.Component("main")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	if err := cfg.RequireSecret(); err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	codec, err := auth.NewCodec(cfg.TokenSecret, auth.WithIssuer(cfg.Issuer))
	if err != nil {
		log.Fatal().Err(err).Msg("token codec")
	}

	routes := gateway.DefaultRoutes()
	if cfg.RoutesFile != "" {
		routes, err = gateway.LoadRoutesFile(cfg.RoutesFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.RoutesFile).Msg("load routes")
		}
	}
	table, err := gateway.NewTable(routes)
	if err != nil {
		log.Fatal().Err(err).Msg("route table")
	}
	for _, r := range table.Routes() {
		log.Debug().Str("pattern", r.Pattern).Str("access", string(r.Access)).
			Strs("roles", r.Roles).Str("upstream", r.Upstream).Msg("route")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := httpapi.NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitRPS,
		httpapi.WithTrustedProxies(cfg.TrustedProxyHops),
	)
	go limiter.Run(ctx)

	gw, err := gateway.New(table, map[string]string{
		gateway.UpstreamAuthority: cfg.AuthorityURL,
		gateway.UpstreamDirectory: cfg.DirectoryURL,
	}, codec,
		gateway.WithRateLimiter(limiter),
		gateway.WithReadiness(nil, version),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("gateway")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           gw.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Int("routes", len(table.Routes())).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("stopped")
}
