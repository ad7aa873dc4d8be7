package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/kitbot/internal/logging"
	"github.com/suPer8Hu/kitbot/internal/metrics"
)

type State int

const (
	Idle State = iota
	AwaitingGuard
	Streaming
	Committing
	Failed
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingGuard:
		return "awaiting_guard"
	case Streaming:
		return "streaming"
	case Committing:
		return "committing"
	case Failed:
		return "failed"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Transition struct {
	SessionID  string
	ExchangeID string
	From, To   State
}

// EmitFunc receives fragments in order. A non-nil error means the caller
// is gone; the exchange is abandoned and nothing is committed.
type EmitFunc func(fragment string) error

// ExchangeRecorder receives a record of every exchange that reached the
// guard, after the guard has been released.
type ExchangeRecorder interface {
	RecordExchange(ctx context.Context, rec ExchangeRecord) error
}

type Outcome struct {
	ExchangeID string
	Status     ExchangeStatus
	Reply      string
	Fragments  int
}

type Service struct {
	table    *Table
	bridge   *Bridge
	log      zerolog.Logger
	recorder ExchangeRecorder
	hook     func(Transition)
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func WithRecorder(r ExchangeRecorder) Option { return func(s *Service) { s.recorder = r } }

// WithTransitionHook observes state changes synchronously. Done is reported
// before the session guard is released.
func WithTransitionHook(fn func(Transition)) Option { return func(s *Service) { s.hook = fn } }

func NewService(table *Table, bridge *Bridge, opts ...Option) *Service {
	s := &Service{table: table, bridge: bridge, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Table() *Table { return s.table }

type run struct {
	svc        *Service
	sessionID  string
	exchangeID string
	state      State
	log        zerolog.Logger
}

func (r *run) to(next State) {
	prev := r.state
	r.state = next
	r.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("chat transition")
	if r.svc.hook != nil {
		r.svc.hook(Transition{SessionID: r.sessionID, ExchangeID: r.exchangeID, From: prev, To: next})
	}
}

// Chat runs one request against the session's history: it waits for the
// session guard, streams the reply through emit and commits the user and
// assistant turns only if the upstream stream ended cleanly.
//
// Returned errors: ErrMissingSession / ErrEmptyMessage before any state is
// touched, ctx errors while waiting for the guard, ErrAbandoned when emit
// fails or ctx ends mid-stream, *UpstreamError when the model call failed.
func (s *Service) Chat(ctx context.Context, sessionID, text string, emit EmitFunc) (*Outcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	exchangeID, err := NewExchangeID()
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSessID(ctx, sessionID)
	log := logging.With(ctx, s.log).With().Str("exchange_id", exchangeID).Logger()
	r := &run{svc: s, sessionID: sessionID, exchangeID: exchangeID, state: Idle, log: log}

	entry, created := s.table.GetOrCreate(sessionID)
	if created {
		metrics.SessionCreated()
		log.Info().Msg("session created")
	}

	r.to(AwaitingGuard)
	waitStart := time.Now()
	if err := entry.lock(ctx); err != nil {
		r.to(Done)
		return nil, err
	}
	metrics.ObserveGuardWait(time.Since(waitStart))

	rec := ExchangeRecord{
		ID:        exchangeID,
		SessionID: sessionID,
		User:      text,
		Status:    ExchangeAbandoned,
		StartedAt: time.Now(),
	}
	out, err := s.stream(ctx, r, entry, text, emit, &rec)
	rec.FinishedAt = time.Now()

	metrics.ObserveExchange(string(rec.Status), rec.FinishedAt.Sub(rec.StartedAt), rec.Fragments)
	var ev *zerolog.Event
	if err != nil {
		ev = log.Warn().Err(err)
	} else {
		ev = log.Info()
	}
	ev.Str("status", string(rec.Status)).
		Int("fragments", rec.Fragments).
		Str("reply_preview", logging.Preview(rec.Reply, 80)).
		Dur("cost", rec.FinishedAt.Sub(rec.StartedAt)).
		Msg("chat exchange finished")

	s.record(ctx, rec)
	return out, err
}

// stream runs with the guard held and releases it on every path.
func (s *Service) stream(ctx context.Context, r *run, entry *Entry, text string, emit EmitFunc, rec *ExchangeRecord) (*Outcome, error) {
	defer func() {
		r.to(Done)
		entry.unlock()
	}()

	pending := PendingExchange{
		Base: entry.snapshotLocked(),
		User: Message{Role: RoleUser, Content: text},
	}

	r.to(Streaming)
	// empty kick flushes proxies; not content
	if err := emit(""); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAbandoned, err)
	}

	fs := s.bridge.Open(ctx, pending.Messages())
	defer fs.Abandon()

	var (
		collected   strings.Builder
		upstreamErr error
	)
	for {
		f, err := fs.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAbandoned, err)
		}
		if err := emit(f.Text); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAbandoned, err)
		}
		if f.Err != nil {
			upstreamErr = f.Err
			r.to(Failed)
			continue
		}
		rec.Fragments++
		collected.WriteString(f.Text)
	}

	reply := collected.String()
	rec.Reply = reply
	// a caller that left mid-stream never gets a commit
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAbandoned, err)
	}
	out := &Outcome{ExchangeID: r.exchangeID, Reply: reply, Fragments: rec.Fragments}

	if upstreamErr != nil {
		rec.Status = ExchangeFailed
		rec.Error = upstreamErr.Error()
		out.Status = ExchangeFailed
		return out, &UpstreamError{Err: upstreamErr}
	}

	r.to(Committing)
	entry.commitLocked(pending.User, reply)
	rec.Status = ExchangeCommitted
	out.Status = ExchangeCommitted
	return out, nil
}

func (s *Service) record(ctx context.Context, rec ExchangeRecord) {
	if s.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.recorder.RecordExchange(rctx, rec); err != nil {
		s.log.Warn().Err(err).Str("exchange_id", rec.ID).Msg("record exchange failed")
	}
}
