package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/app"
	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/logger"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("load config")
	}
	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("init logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	defer deps.Close()

	q, err := app.NewQueue(cfg.Queue, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect queue")
	}
	defer q.Close()

	sub := &queue.CycleSubscriber{
		Queue:      q,
		Topic:      cfg.Dispatch.Topic,
		Runner:     deps.Dispatcher,
		StaleAfter: time.Hour,
		Log:        log.With().Str("component", "cycle-subscriber").Logger(),
	}
	if err := sub.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("subscribe")
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Dispatch.Schedule, cycleJob(ctx, q, cfg.Dispatch.Topic, log)); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Dispatch.Schedule).Msg("invalid DISPATCH_SCHEDULE")
	}
	scheduler.Start()

	log.Info().Str("schedule", cfg.Dispatch.Schedule).Str("topic", cfg.Dispatch.Topic).Msg("worker running")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	<-scheduler.Stop().Done()
}

// cycleJob publishes one cycle request per schedule tick.
func cycleJob(ctx context.Context, q queue.Queue, topic string, log zerolog.Logger) func() {
	return func() {
		req, err := queue.PublishCycle(ctx, q, topic, "cron", time.Now())
		if err != nil {
			log.Error().Err(err).Msg("publish cycle request")
			return
		}
		log.Debug().Str("request_id", req.ID.String()).Msg("cycle requested")
	}
}
