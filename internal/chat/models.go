package chat

import (
	"time"

	"github.com/suPer8Hu/kitbot/internal/ai"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

// PendingExchange is the exact input handed to the upstream call:
// a snapshot of the committed history plus the new user turn.
type PendingExchange struct {
	Base []Message
	User Message
}

func (p PendingExchange) Messages() []Message {
	out := make([]Message, 0, len(p.Base)+1)
	out = append(out, p.Base...)
	return append(out, p.User)
}

func toProvider(msgs []Message) []ai.Message {
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

type ExchangeStatus string

const (
	ExchangeCommitted ExchangeStatus = "committed"
	ExchangeFailed    ExchangeStatus = "failed"
	ExchangeAbandoned ExchangeStatus = "abandoned"
)

// ExchangeRecord describes one finished request, whatever its outcome.
type ExchangeRecord struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Status     ExchangeStatus `json:"status"`
	User       string         `json:"user"`
	Reply      string         `json:"reply"`
	Error      string         `json:"error,omitempty"`
	Fragments  int            `json:"fragments"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}
