package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"botflow/internal/bot"
)

func main() {
	var (
		server = flag.String("server", "http://localhost:8080", "scheduler URL")
		botID  = flag.String("bot", "", "bot id (default: generated)")
		dims   = flag.String("dimensions", "", "capabilities as key=v1|v2 pairs, comma separated")
		poll   = flag.Duration("poll", time.Second, "poll interval")
		report = flag.Duration("report", 10*time.Second, "progress report interval")
		hourly = flag.Float64("hourly-usd", 0.10, "hourly cost rate reported for runs")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	id := *botID
	if id == "" {
		id = "bot-" + uuid.NewString()[:8]
	}

	agent := bot.New(bot.Options{
		ServerURL:   *server,
		BotID:       id,
		Dimensions:  parseDimensions(*dims),
		PollEvery:   *poll,
		ReportEvery: *report,
		HourlyUSD:   *hourly,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		log.Info().Msg("shutting down")
		cancel()
	}()

	log.Info().Str("bot_id", id).Str("server", *server).Msg("agent starting")
	agent.Run(ctx)
}

func parseDimensions(s string) map[string][]string {
	out := make(map[string][]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[k] = strings.Split(v, "|")
	}
	return out
}
