package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/kitbot/internal/ai"
	"github.com/suPer8Hu/kitbot/internal/chat"
	"github.com/suPer8Hu/kitbot/internal/config"
	"github.com/suPer8Hu/kitbot/internal/httpapi"
	"github.com/suPer8Hu/kitbot/internal/instructions"
	"github.com/suPer8Hu/kitbot/internal/logging"
	"github.com/suPer8Hu/kitbot/internal/metrics"
	"github.com/suPer8Hu/kitbot/internal/store/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger config is not known yet
		lg := zerolog.New(os.Stderr)
		lg.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func newRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		if strings.TrimSpace(model) == "" {
			model = cfg.Model
		}
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, model, cfg.Temperature), nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		if strings.TrimSpace(model) == "" {
			model = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model, cfg.Temperature), nil
	})
	return reg
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()

	store := instructions.NewStore(cfg.InstructionsDir, log.With().Str("component", "instructions").Logger())
	if err := store.EnsureDir(); err != nil {
		return err
	}

	provider, err := newRegistry(cfg).Get(ctx, cfg.AIProvider, "")
	if err != nil {
		return err
	}

	opts := []chat.Option{chat.WithLogger(log.With().Str("component", "chat").Logger())}
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, chat.WithRecorder(pub))
		log.Info().Str("queue", cfg.RabbitQueue).Msg("exchange archive enabled")
	}

	table := chat.NewTable(store)
	svc := chat.NewService(table, chat.NewBridge(provider, cfg.StreamBuffer, log), opts...)
	broadcaster := chat.NewBroadcaster(table, store, log.With().Str("component", "broadcast").Logger())

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Cfg:      cfg,
			Log:      log,
			Chat:     svc,
			Store:    store,
			Reloader: broadcaster,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return broadcaster.Run(gctx) })

	if cfg.InstructionsWatch {
		w, err := instructions.NewWatcher(cfg.InstructionsDir, 500*time.Millisecond, broadcaster.Trigger, log)
		if err != nil {
			log.Warn().Err(err).Msg("instructions watch disabled")
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	g.Go(func() error {
		log.Info().
			Str("addr", cfg.HTTPAddr).
			Str("provider", cfg.AIProvider).
			Str("instructions", cfg.InstructionsDir).
			Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("server shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
