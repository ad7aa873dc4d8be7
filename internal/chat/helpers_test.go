package chat

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/kitbot/internal/ai"
)

type staticPrompt struct {
	mu     sync.Mutex
	prompt string
	calls  int
}

func newPrompt(p string) *staticPrompt { return &staticPrompt{prompt: p} }

func (s *staticPrompt) Reload() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.prompt
}

func (s *staticPrompt) Set(p string) {
	s.mu.Lock()
	s.prompt = p
	s.mu.Unlock()
}

type providerFunc func(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error)

func (f providerFunc) StreamChat(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
	return f(ctx, msgs)
}

// scriptStream yields chunks, then err (io.EOF when nil). If gate is set,
// the first Recv blocks until it is closed or ctx ends.
type scriptStream struct {
	ctx    context.Context
	chunks []string
	err    error
	gate   <-chan struct{}
	panic  any
	i      int
	closed atomic.Bool
}

func (s *scriptStream) Recv() (string, error) {
	if s.gate != nil && s.i == 0 {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	if s.panic != nil {
		panic(s.panic)
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptStream) Close() error {
	s.closed.Store(true)
	return nil
}

// recordingProvider replies with the given chunks and keeps every input.
type recordingProvider struct {
	mu     sync.Mutex
	inputs [][]ai.Message
	chunks []string
}

func (p *recordingProvider) StreamChat(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
	p.mu.Lock()
	// copy to avoid mutations
	p.inputs = append(p.inputs, append([]ai.Message(nil), msgs...))
	p.mu.Unlock()
	return &scriptStream{ctx: ctx, chunks: p.chunks}, nil
}

func (p *recordingProvider) last() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inputs) == 0 {
		return nil
	}
	return p.inputs[len(p.inputs)-1]
}

// gatedProvider blocks each reply until the gate registered for the user
// text is closed; texts without a gate reply immediately.
type gatedProvider struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	reply []string
}

func newGatedProvider(reply ...string) *gatedProvider {
	return &gatedProvider{gates: make(map[string]chan struct{}), reply: reply}
}

func (p *gatedProvider) gate(text string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := make(chan struct{})
	p.gates[text] = g
	return g
}

func (p *gatedProvider) StreamChat(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
	text := msgs[len(msgs)-1].Content
	p.mu.Lock()
	g := p.gates[text]
	p.mu.Unlock()
	return &scriptStream{ctx: ctx, chunks: p.reply, gate: g}, nil
}

type transitionLog struct {
	mu     sync.Mutex
	events []Transition
}

func (l *transitionLog) hook(t Transition) {
	l.mu.Lock()
	l.events = append(l.events, t)
	l.mu.Unlock()
}

// waitFor blocks until the n-th transition of sessionID into to has been
// observed and returns it.
func (l *transitionLog) waitFor(t *testing.T, sessionID string, to State, n int) Transition {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		seen := 0
		for _, ev := range l.events {
			if ev.SessionID == sessionID && ev.To == to {
				seen++
				if seen == n {
					l.mu.Unlock()
					return ev
				}
			}
		}
		l.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s -> %s (#%d)", sessionID, to, n)
	return Transition{}
}

// index returns the position of the first event of exchangeID entering to.
func (l *transitionLog) index(exchangeID string, to State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ev := range l.events {
		if ev.ExchangeID == exchangeID && ev.To == to {
			return i
		}
	}
	return -1
}

func (l *transitionLog) count(sessionID string, to State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.SessionID == sessionID && ev.To == to {
			n++
		}
	}
	return n
}

type collector struct {
	mu        sync.Mutex
	fragments []string
}

func (c *collector) emit(f string) error {
	c.mu.Lock()
	c.fragments = append(c.fragments, f)
	c.mu.Unlock()
	return nil
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.fragments...)
}

func newTestService(p ai.Provider, prompt PromptSource, opts ...Option) *Service {
	table := NewTable(prompt)
	bridge := NewBridge(p, 4, zerolog.Nop())
	return NewService(table, bridge, opts...)
}

func history(t *testing.T, s *Service, id string) []Message {
	t.Helper()
	e, ok := s.Table().Get(id)
	if !ok {
		t.Fatalf("session %q not found", id)
	}
	h, err := e.History(context.Background())
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return h
}
