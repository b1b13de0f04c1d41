package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"seoflow/internal/api"
	"seoflow/internal/config"
	"seoflow/internal/events"
	"seoflow/internal/orchestrator"
	"seoflow/internal/sqldb"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var (
		addr  = flag.String("addr", cfg.Addr, "HTTP bind address")
		dsn   = flag.String("db", cfg.Database.DSN, "database DSN (file path for sqlite)")
		debug = flag.Bool("debug", cfg.Debug, "enable pprof routes and debug logging")
	)
	flag.Parse()
	cfg.Addr, cfg.Database.DSN, cfg.Debug = *addr, *dsn, *debug

	setupLogging(cfg)

	db, err := sqldb.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	opts := []orchestrator.Option{}
	if cfg.RedisURL != "" {
		if rdb := connectRedis(cfg.RedisURL); rdb != nil {
			defer rdb.Close()
			opts = append(opts, orchestrator.WithRedis(rdb))
		}
	}
	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATSURL).Msg("nats unavailable, task events disabled")
		} else {
			defer pub.Close()
			opts = append(opts, orchestrator.WithEvents(pub))
		}
	}

	orch, err := orchestrator.New(cfg, db, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("build orchestrator")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start orchestrator")
	}

	// HTTP server
	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(orch, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("db", string(db.Dialect)).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	orch.Stop()
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// connectRedis returns nil when Redis cannot be reached; the store then runs
// without the hot layer.
func connectRedis(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Warn().Err(err).Msg("invalid redis url, record cache layer disabled")
		return nil
	}
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, record cache layer disabled")
		rdb.Close()
		return nil
	}
	log.Info().Str("addr", opt.Addr).Msg("redis record cache enabled")
	return rdb
}
