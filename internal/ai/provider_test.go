package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s ChunkStream) ([]string, error) {
	t.Helper()
	defer s.Close()
	var out []string
	for {
		c, err := s.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if c != "" {
			out = append(out, c)
		}
	}
}

func TestOpenAIProvider_StreamChat(t *testing.T) {
	var got struct {
		Model       string    `json:"model"`
		Stream      bool      `json:"stream"`
		Temperature float32   `json:"temperature"`
		Messages    []Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer EMPTY", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hel", "", "lo!"} {
			fmt.Fprintf(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1/", "", "test-model", 0.7)
	s, err := p.StreamChat(context.Background(), []Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)

	chunks, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo!"}, chunks)

	assert.Equal(t, "test-model", got.Model)
	assert.True(t, got.Stream)
	assert.InDelta(t, 0.7, got.Temperature, 0.0001)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "user", got.Messages[1].Role)
}

func TestOpenAIProvider_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"model overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "key", "m", 0)
	_, err := p.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
}

func TestOpenAIProvider_RequiresModel(t *testing.T) {
	p := NewOpenAIProvider("http://127.0.0.1:1", "", " ", 0)
	_, err := p.StreamChat(context.Background(), nil)
	require.Error(t, err)
}

func TestOllamaProvider_StreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Hel"},"done":false}` + "\n"))
		_, _ = w.Write([]byte("\n"))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"lo!"},"done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":""},"done":true}` + "\n"))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3", 0.7)
	s, err := p.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	chunks, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo!"}, chunks)
}

func TestOllamaProvider_InBandError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"par"},"done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"error":"model crashed"}` + "\n"))
	}))
	defer srv.Close()

	s, err := NewOllamaProvider(srv.URL, "m", 0).StreamChat(context.Background(), nil)
	require.NoError(t, err)

	chunks, err := drain(t, s)
	assert.Equal(t, []string{"par"}, chunks)
	require.EqualError(t, err, "model crashed")
}

func TestOllamaProvider_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"par"},"done":false}` + "\n"))
	}))
	defer srv.Close()

	s, err := NewOllamaProvider(srv.URL, "m", 0).StreamChat(context.Background(), nil)
	require.NoError(t, err)

	_, err = drain(t, s)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOllamaProvider_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "m", 0).StreamChat(context.Background(), nil)
	require.EqualError(t, err, "ollama: no such model")
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(" Ollama ", func(ctx context.Context, model string) (Provider, error) {
		return NewOllamaProvider("", model, 0), nil
	})

	p, err := reg.Get(context.Background(), "OLLAMA", "phi3")
	require.NoError(t, err)
	assert.Equal(t, "phi3", p.(*OllamaProvider).Model)

	_, err = reg.Get(context.Background(), "nope", "")
	require.Error(t, err)
	assert.Equal(t, []string{"ollama"}, reg.Names())
}
