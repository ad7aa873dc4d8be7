package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/kitbot/internal/metrics"
)

// Broadcaster pushes a freshly combined system prompt into every session.
type Broadcaster struct {
	mu      sync.Mutex // serializes broadcasts so the newest prompt lands last
	table   *Table
	prompts PromptSource
	log     zerolog.Logger
	trigger chan struct{}
}

func NewBroadcaster(table *Table, prompts PromptSource, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		table:   table,
		prompts: prompts,
		log:     log,
		trigger: make(chan struct{}, 1),
	}
}

// Broadcast reloads the prompt once and overwrites index 0 of every
// session's history under that session's guard, waiting for in-flight
// turns to finish. It returns the number of sessions updated.
func (b *Broadcaster) Broadcast(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// entries created from here on reload after us or get visited below
	b.table.invalidate()
	sys := SystemMessage(b.prompts.Reload())
	updated := 0
	err := b.table.ForEach(func(e *Entry) error {
		if err := e.SetSystem(ctx, sys); err != nil {
			return err
		}
		updated++
		return nil
	})
	metrics.InstructionsReloaded(updated)
	if err != nil {
		b.log.Warn().Err(err).Int("updated", updated).Msg("instruction broadcast interrupted")
		return updated, err
	}
	b.log.Info().Int("sessions", updated).Int("prompt_length", len(sys.Content)).Msg("instructions broadcast")
	return updated, nil
}

// Trigger asks Run to broadcast. Calls made while one is pending coalesce.
func (b *Broadcaster) Trigger() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// Run services Trigger calls until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.trigger:
			_, _ = b.Broadcast(ctx)
		}
	}
}
