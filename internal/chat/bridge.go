package chat

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/kitbot/internal/ai"
)

const errorMarker = "[ERROR] "

// errStreamCut is returned by Next when the channel closed without the
// terminal sentinel, i.e. the worker was cancelled.
var errStreamCut = errors.New("stream closed before terminal sentinel")

// Fragment is one piece of generated text. A fragment with Err set is the
// in-band error marker; it is always the last text fragment of its stream.
type Fragment struct {
	Text string
	Err  error

	end bool
}

func errorFragment(err error) Fragment {
	return Fragment{Text: errorMarker + err.Error(), Err: err}
}

// Bridge runs the blocking upstream iterator on a dedicated goroutine and
// hands fragments to the consumer over a channel.
type Bridge struct {
	provider ai.Provider
	buffer   int
	log      zerolog.Logger
}

func NewBridge(provider ai.Provider, buffer int, log zerolog.Logger) *Bridge {
	if buffer < 0 {
		buffer = 16
	}
	return &Bridge{provider: provider, buffer: buffer, log: log}
}

// FragmentStream is the consumer side of one Open call. The terminal
// sentinel is an end fragment sent only when the upstream call finished on
// its own; a cancelled worker closes ch without it.
type FragmentStream struct {
	ch     <-chan Fragment
	cancel context.CancelFunc
	ended  bool
}

// Next blocks until the next fragment is available. It returns io.EOF after
// the terminal sentinel, errStreamCut if the worker stopped without one and
// ctx.Err() if ctx ends first.
func (s *FragmentStream) Next(ctx context.Context) (Fragment, error) {
	if s.ended {
		return Fragment{}, io.EOF
	}
	select {
	case f, ok := <-s.ch:
		if !ok {
			return Fragment{}, errStreamCut
		}
		if f.end {
			s.ended = true
			return Fragment{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return Fragment{}, ctx.Err()
	}
}

// Abandon tells the worker to stop. The worker still closes the channel.
func (s *FragmentStream) Abandon() { s.cancel() }

// Open starts the upstream call. The returned stream must be drained to
// io.EOF or abandoned.
func (b *Bridge) Open(ctx context.Context, messages []Message) *FragmentStream {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Fragment, b.buffer)

	go func() {
		defer cancel()
		defer close(ch)

		push := func(f Fragment) bool {
			select {
			case ch <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		defer func() {
			if r := recover(); r != nil {
				b.log.Error().Interface("panic", r).Msg("upstream worker panic")
				if push(errorFragment(fmt.Errorf("upstream panic: %v", r))) {
					push(Fragment{end: true})
				}
			}
		}()

		if err := b.drive(ctx, messages, push); err != nil {
			if ctx.Err() != nil {
				// consumer is gone; nobody reads the marker
				return
			}
			if !push(errorFragment(err)) {
				return
			}
		}
		push(Fragment{end: true})
	}()

	return &FragmentStream{ch: ch, cancel: cancel}
}

func (b *Bridge) drive(ctx context.Context, messages []Message, push func(Fragment) bool) error {
	stream, err := b.provider.StreamChat(ctx, toProvider(messages))
	if err != nil {
		return err
	}
	if stream == nil {
		return errors.New("provider returned no stream")
	}
	defer func() {
		if err := stream.Close(); err != nil {
			b.log.Debug().Err(err).Msg("close upstream stream")
		}
	}()

	for {
		text, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if text == "" {
			continue
		}
		if !push(Fragment{Text: text}) {
			return ctx.Err()
		}
	}
}
