package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ecotrade.org/internal/config"
	"ecotrade.org/internal/obs"
	"ecotrade.org/internal/sandbox"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load before reading ECOTRADE_* variables")
	addr := flag.String("addr", "", "listen address (overrides ECOTRADE_SANDBOX_ADDR)")
	adminEmail := flag.String("admin-email", "admin@ecotrade.local", "seeded operator email; empty disables")
	adminPassword := flag.String("admin-password", "admin", "seeded operator password")
	ratePerSec := flag.Float64("rate", 50, "requests per second per client IP; 0 disables")
	burst := flag.Int("burst", 100, "rate limit burst")
	flag.Parse()

	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo("sandbox", version, commit)

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.SandboxAddr = *addr
	}

	opts := []sandbox.Option{
		sandbox.WithSecret(cfg.SandboxSecret),
		sandbox.WithVersion(version),
		sandbox.WithRateLimit(*ratePerSec, *burst),
	}
	if *adminEmail != "" {
		opts = append(opts, sandbox.WithAdmin(*adminEmail, *adminPassword, "Sandbox Operator"))
	}
	sb, err := sandbox.New(opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("build sandbox")
	}

	srv := &http.Server{
		Addr:              cfg.SandboxAddr,
		Handler:           sb.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().Str("addr", srv.Addr).Str("version", version).Msg("starting ecotrade sandbox")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("stopped")
}
