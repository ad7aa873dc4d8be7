package chat

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/kitbot/internal/ai"
)

func drainStream(t *testing.T, fs *FragmentStream) []Fragment {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []Fragment
	for {
		f, err := fs.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func texts(fs []Fragment) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Text)
	}
	return out
}

func TestBridge_PreservesOrderAndSkipsEmpty(t *testing.T) {
	var stream *scriptStream
	p := providerFunc(func(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
		stream = &scriptStream{ctx: ctx, chunks: []string{"a", "", "b", "c", "", "d"}}
		return stream, nil
	})
	b := NewBridge(p, 0, zerolog.Nop())

	fs := b.Open(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	got := drainStream(t, fs)

	assert.Equal(t, []string{"a", "b", "c", "d"}, texts(got))
	for _, f := range got {
		assert.NoError(t, f.Err)
	}
	assert.True(t, stream.closed.Load(), "upstream stream must be closed")

	// terminal sentinel is sticky
	_, err := fs.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestBridge_PassesMessagesInOrder(t *testing.T) {
	var got []ai.Message
	p := providerFunc(func(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
		got = msgs
		return &scriptStream{ctx: ctx}, nil
	})
	b := NewBridge(p, 1, zerolog.Nop())

	pending := PendingExchange{
		Base: []Message{SystemMessage("sys"), {Role: RoleUser, Content: "q1"}, {Role: RoleAssistant, Content: "a1"}},
		User: Message{Role: RoleUser, Content: "q2"},
	}
	drainStream(t, b.Open(context.Background(), pending.Messages()))

	assert.Equal(t, []ai.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	}, got)
}

func TestBridge_OpenFailureIsEncodedInBand(t *testing.T) {
	p := providerFunc(func(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
		return nil, errors.New("connection refused")
	})
	got := drainStream(t, NewBridge(p, 4, zerolog.Nop()).Open(context.Background(), nil))

	require.Len(t, got, 1)
	assert.Equal(t, "[ERROR] connection refused", got[0].Text)
	assert.EqualError(t, got[0].Err, "connection refused")
}

func TestBridge_MidStreamFailure(t *testing.T) {
	p := providerFunc(func(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
		return &scriptStream{ctx: ctx, chunks: []string{"Hel"}, err: errors.New("reset by peer")}, nil
	})
	got := drainStream(t, NewBridge(p, 4, zerolog.Nop()).Open(context.Background(), nil))

	require.Len(t, got, 2)
	assert.Equal(t, "Hel", got[0].Text)
	assert.NoError(t, got[0].Err)
	assert.Equal(t, "[ERROR] reset by peer", got[1].Text)
	assert.Error(t, got[1].Err)
}

func TestBridge_PanicIsEncodedInBand(t *testing.T) {
	p := providerFunc(func(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
		return &scriptStream{ctx: ctx, chunks: []string{"x"}, panic: "nil map"}, nil
	})
	got := drainStream(t, NewBridge(p, 4, zerolog.Nop()).Open(context.Background(), nil))

	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].Text)
	assert.Contains(t, got[1].Text, "[ERROR] upstream panic: nil map")
}

func TestBridge_NextHonoursConsumerContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	p := providerFunc(func(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
		return &scriptStream{ctx: ctx, chunks: []string{"late"}, gate: gate}, nil
	})
	fs := NewBridge(p, 0, zerolog.Nop()).Open(context.Background(), nil)
	defer fs.Abandon()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := fs.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type endlessStream struct {
	ctx    context.Context
	closed chan struct{}
}

func (s *endlessStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	return "tok", nil
}

func (s *endlessStream) Close() error {
	close(s.closed)
	return nil
}

func TestBridge_AbandonStopsWorker(t *testing.T) {
	closed := make(chan struct{})
	p := providerFunc(func(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
		return &endlessStream{ctx: ctx, closed: closed}, nil
	})
	fs := NewBridge(p, 0, zerolog.Nop()).Open(context.Background(), nil)

	f, err := fs.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", f.Text)

	fs.Abandon()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after abandon")
	}

	// no error marker and no terminal sentinel for a cancelled consumer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		f, err := fs.Next(ctx)
		if err != nil {
			assert.ErrorIs(t, err, errStreamCut)
			break
		}
		assert.NoError(t, f.Err)
	}
}

func TestBridge_ErrorMarkerIsFollowedBySentinel(t *testing.T) {
	p := providerFunc(func(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
		return &scriptStream{ctx: ctx, err: errors.New("boom")}, nil
	})
	fs := NewBridge(p, 0, zerolog.Nop()).Open(context.Background(), nil)

	f, err := fs.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[ERROR] boom", f.Text)

	_, err = fs.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestBridge_ParentCancelStopsWorker(t *testing.T) {
	closed := make(chan struct{})
	p := providerFunc(func(ctx context.Context, msgs []ai.Message) (ai.ChunkStream, error) {
		return &endlessStream{ctx: ctx, closed: closed}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	NewBridge(p, 0, zerolog.Nop()).Open(ctx, nil)
	cancel()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after parent cancel")
	}
}
