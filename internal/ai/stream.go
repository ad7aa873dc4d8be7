package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChunkStream is a blocking, pull-based view of one chat completion.
// Recv blocks until the next text delta is available and returns io.EOF
// once the model has finished. Deltas may be empty.
type ChunkStream interface {
	Recv() (string, error)
	Close() error
}

// Provider starts a streamed chat completion over an ordered message list.
type Provider interface {
	StreamChat(ctx context.Context, messages []Message) (ChunkStream, error)
}
