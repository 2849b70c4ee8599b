package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"dripflow/internal/api"
	"dripflow/internal/dispatch"
	"dripflow/internal/expander"
	"dripflow/internal/planner"
	"dripflow/internal/report"
	"dripflow/internal/scheduler"
	"dripflow/internal/store"
)

func main() {
	var (
		addr    = flag.String("addr", ":8080", "HTTP bind address")
		dbPath  = flag.String("db", "dripflow.db", "SQLite DB path")
		workers = flag.Int("workers", 16, "dispatch pool size")
		window  = flag.Duration("expand-window", 2*time.Minute, "max wait before a drop is marked expanded")
		stale   = flag.Duration("stale-after", 5*time.Minute, "age after which a stuck expanding drop is recovered")
	)
	flag.Parse()

	// Provider endpoints and tokens come from the environment; .env is
	// optional and only a convenience for local runs.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	st := store.NewSQLite(db)
	if n, err := st.RecoverStaleDrops(context.Background(), *stale); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale expanding drops")
	}

	pool := dispatch.NewPool(*workers)
	dispatcher := dispatch.NewDispatcher(st, pool,
		dispatch.NewPushGateway(envOr("PUSH_GATEWAY_URL", "http://localhost:9100"), os.Getenv("PUSH_GATEWAY_KEY")),
		dispatch.NewWhatsAppGateway(envOr("WHATSAPP_API_URL", "http://localhost:9200"), os.Getenv("WHATSAPP_API_TOKEN")),
		dispatch.NewWebSender(st),
	)
	exp := expander.New(st, dispatcher).WithWindow(*window)

	ctx, cancel := context.WithCancel(context.Background())
	sched := scheduler.NewService(st, exp)
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	pl := planner.New(st)
	agg := report.NewAggregator(st)
	srv := &http.Server{Addr: *addr, Handler: api.NewServer(st, pl, agg, sched)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown: stop taking ticks, let every dispatched job
	// settle (backoff waits included), flip the drops, then close the
	// listener. Dispatches run on their own context so cancelling the
	// tick loop never aborts a send already in flight.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	sched.Stop()
	dispatcher.Wait()
	exp.Drain()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
