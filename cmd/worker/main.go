package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/kitbot/internal/archive"
	"github.com/suPer8Hu/kitbot/internal/config"
	"github.com/suPer8Hu/kitbot/internal/db"
	"github.com/suPer8Hu/kitbot/internal/logging"
	"github.com/suPer8Hu/kitbot/internal/metrics"
	"github.com/suPer8Hu/kitbot/internal/store/rabbitmq"
	"github.com/suPer8Hu/kitbot/internal/store/redisstore"
)

const (
	maxAttempts = 5
	retryDelay  = 2 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		lg := zerolog.New(os.Stderr)
		lg.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.Log).With().Str("component", "worker").Logger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	if cfg.RabbitURL == "" {
		return errors.New("RABBIT_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()

	gdb, err := db.Connect(cfg.DBDSN, cfg.WorkerConcurrency*2)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	repo := archive.NewRepo(gdb)
	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// dedupe is best effort; the insert is idempotent without it
	var dedup archive.Deduper
	rds, err := redisstore.New(ctx, redisstore.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, dedupe disabled")
	} else {
		defer rds.Close()
		dedup = rds
	}

	arch := archive.NewArchiver(repo, dedup, cfg.DedupeTTL, log)

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		return fmt.Errorf("rabbit publisher: %w", err)
	}
	defer pub.Close()

	//  strict concurrency control
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency)
	if err != nil {
		return fmt.Errorf("rabbit consumer: %w", err)
	}
	defer consumer.Close()

	settler := rabbitmq.Settler{
		Retrier:     pub,
		MaxAttempts: maxAttempts,
		Delay:       retryDelay,
		Permanent:   func(err error) bool { return errors.Is(err, archive.ErrBadMessage) },
		Log:         log,
	}

	log.Info().
		Str("queue", cfg.RabbitQueue).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("worker started")

	rabbitmq.Serve(ctx, consumer.Deliveries(), cfg.WorkerConcurrency, func(ctx context.Context, d amqp.Delivery) {
		// in-flight deliveries finish even after a shutdown signal
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		start := time.Now()
		err := arch.Handle(hctx, d.Body)
		action := settler.Settle(hctx, d, err)
		if time.Since(start) > 2*time.Second {
			log.Warn().
				Str("message_id", d.MessageId).
				Str("action", string(action)).
				Dur("cost", time.Since(start)).
				Msg("slow delivery")
		}
	})

	log.Info().Msg("worker shutting down")
	return nil
}
