package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/kitbot/internal/chat"
	"github.com/suPer8Hu/kitbot/internal/common"
)

const SessionHeader = "X-Session-Id"

type chatReq struct {
	Message string `json:"message"`
}

// fragmentWriter frames fragments as plain text chunks or SSE events and
// flushes after each one. Headers go out with the first fragment so client
// errors can still be reported as JSON.
type fragmentWriter struct {
	mu      sync.Mutex // emit and heartbeat share the response writer
	c       *gin.Context
	sse     bool
	started bool
}

func (w *fragmentWriter) start() {
	if w.started {
		return
	}
	w.started = true
	h := w.c.Writer.Header()
	if w.sse {
		h.Set("Content-Type", "text/event-stream")
		h.Set("Connection", "keep-alive")
	} else {
		h.Set("Content-Type", "text/plain; charset=utf-8")
	}
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Accel-Buffering", "no") // helpful if behind nginx
	w.c.Status(http.StatusOK)
	w.c.Writer.WriteHeaderNow()
}

func (w *fragmentWriter) emit(fragment string) error {
	if err := w.c.Request.Context().Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.start()

	var err error
	switch {
	case !w.sse:
		_, err = w.c.Writer.WriteString(fragment)
	case fragment == "":
		// comment frame; flushes proxies without producing an event
		_, err = w.c.Writer.WriteString(":\n\n")
	default:
		err = w.event("chunk", gin.H{"type": "chunk", "delta": fragment})
	}
	if err != nil {
		return err
	}
	w.c.Writer.Flush()
	return nil
}

// heartbeat writes an SSE ping every interval once the stream has started,
// until the returned stop func is called.
func (w *fragmentWriter) heartbeat(every time.Duration) (stop func()) {
	if !w.sse || every <= 0 {
		return func() {}
	}
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				w.mu.Lock()
				if w.started {
					if err := w.event("ping", gin.H{"type": "ping", "ts": time.Now().Unix()}); err == nil {
						w.c.Writer.Flush()
					}
				}
				w.mu.Unlock()
			}
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

func (w *fragmentWriter) event(name string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", name, b)
	return err
}

// Chat streams the model's reply for the session named by X-Session-Id.
func (h *Handler) Chat(c *gin.Context) {
	sessionID := strings.TrimSpace(c.GetHeader(SessionHeader))
	if sessionID == "" {
		common.Fail(c, http.StatusBadRequest, common.CodeMissingSession, "Missing X-Session-Id header")
		return
	}

	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	w := &fragmentWriter{c: c, sse: strings.Contains(c.GetHeader("Accept"), "text/event-stream")}
	stopHeartbeat := w.heartbeat(h.Heartbeat)
	out, err := h.ChatSvc.Chat(c.Request.Context(), sessionID, req.Message, w.emit)
	stopHeartbeat()

	log := h.logger(c)
	var upErr *chat.UpstreamError
	switch {
	case err == nil:
		if w.sse {
			_ = w.event("done", gin.H{"type": "done", "exchange_id": out.ExchangeID})
			c.Writer.Flush()
		}

	case errors.Is(err, chat.ErrMissingSession):
		common.Fail(c, http.StatusBadRequest, common.CodeMissingSession, "Missing X-Session-Id header")

	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, common.CodeEmptyMessage, "message must not be empty")

	case errors.As(err, &upErr):
		// the marker has already been streamed
		log.Warn().Err(err).Str("session_id", sessionID).Msg("upstream failed")
		if w.sse {
			_ = w.event("error", gin.H{"type": "error", "message": upErr.Err.Error()})
			c.Writer.Flush()
		}

	case errors.Is(err, chat.ErrAbandoned) || c.Request.Context().Err() != nil:
		log.Debug().Err(err).Str("session_id", sessionID).Msg("client went away")

	default:
		log.Error().Err(err).Str("session_id", sessionID).Msg("chat failed")
		if !w.started {
			common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
		}
	}
}
