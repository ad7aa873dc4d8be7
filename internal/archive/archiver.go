package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/kitbot/internal/chat"
	"github.com/suPer8Hu/kitbot/internal/metrics"
)

// ErrBadMessage marks deliveries that can never be stored; retrying them
// is pointless.
var ErrBadMessage = errors.New("bad archive message")

// Deduper remembers which exchange ids were already stored. A key is only
// marked after its row is written, so a crash between the two costs one
// extra idempotent insert, never a lost record.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

type Archiver struct {
	repo  *Repo
	dedup Deduper
	ttl   time.Duration
	log   zerolog.Logger
}

// NewArchiver builds an Archiver. dedup may be nil; the repo insert is
// idempotent on its own.
func NewArchiver(repo *Repo, dedup Deduper, ttl time.Duration, log zerolog.Logger) *Archiver {
	return &Archiver{repo: repo, dedup: dedup, ttl: ttl, log: log}
}

func dedupeKey(id string) string { return "archive:exchange:" + id }

// Handle decodes one published ExchangeRecord and stores it.
func (a *Archiver) Handle(ctx context.Context, body []byte) error {
	var rec chat.ExchangeRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if rec.ID == "" || rec.SessionID == "" {
		return fmt.Errorf("%w: missing id or session_id", ErrBadMessage)
	}

	log := a.log.With().Str("exchange_id", rec.ID).Str("session_id", rec.SessionID).Logger()
	key := dedupeKey(rec.ID)

	if a.dedup != nil {
		seen, err := a.dedup.Seen(ctx, key)
		switch {
		case err != nil:
			// fall through to the idempotent insert
			log.Warn().Err(err).Msg("dedupe unavailable")
		case seen:
			log.Debug().Msg("duplicate delivery skipped")
			metrics.ArchiveEvent("duplicate", true)
			return nil
		}
	}

	start := time.Now()
	inserted, err := a.repo.Insert(ctx, fromRecord(rec))
	metrics.ArchiveEvent("store", err == nil)
	if err != nil {
		return fmt.Errorf("store exchange %s: %w", rec.ID, err)
	}

	if a.dedup != nil {
		if err := a.dedup.Mark(ctx, key, a.ttl); err != nil {
			log.Warn().Err(err).Msg("dedupe mark failed")
		}
	}

	log.Info().
		Str("status", string(rec.Status)).
		Bool("inserted", inserted).
		Dur("cost", time.Since(start)).
		Msg("exchange archived")
	return nil
}
