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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"botflow/internal/api"
	"botflow/internal/dedup"
	"botflow/internal/queue"
	"botflow/internal/scheduler"
)

// Version is overridden at build time and recorded in every result's
// server_versions audit trail.
var Version = "dev"

func main() {
	var (
		addr      = flag.String("addr", ":8080", "HTTP bind address")
		dbPath    = flag.String("db", "botflow.db", "SQLite DB path")
		sweepSecs = flag.Int("sweep", 5, "janitor sweep interval in seconds")
		debug     = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := queue.NewSQLiteRepo(db)
	index := dedup.NewIndex(repo)
	svc := scheduler.NewService(repo, index, scheduler.Options{Version: Version})

	janitor, err := scheduler.NewJanitor(svc, *sweepSecs)
	if err != nil {
		log.Fatal().Err(err).Msg("init janitor")
	}
	janitor.Start()
	defer janitor.Stop()

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(svc, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Str("version", Version).Msg("scheduler starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
