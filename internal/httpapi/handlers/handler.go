package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/kitbot/internal/chat"
	"github.com/suPer8Hu/kitbot/internal/common"
	"github.com/suPer8Hu/kitbot/internal/instructions"
	"github.com/suPer8Hu/kitbot/internal/logging"
)

// Reloader schedules a system prompt broadcast.
type Reloader interface {
	Trigger()
}

type Handler struct {
	Log      zerolog.Logger
	ChatSvc  *chat.Service
	Store    *instructions.Store
	Reloader Reloader

	// Heartbeat is the SSE ping interval; zero disables pings.
	Heartbeat time.Duration
}

func NewHandler(log zerolog.Logger, svc *chat.Service, store *instructions.Store, reloader Reloader) *Handler {
	return &Handler{Log: log, ChatSvc: svc, Store: store, Reloader: reloader, Heartbeat: 15 * time.Second}
}

func (h *Handler) logger(c *gin.Context) zerolog.Logger {
	return logging.With(c.Request.Context(), h.Log)
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// Debug reports the instructions folder, the prompt it yields and the live
// sessions.
func (h *Handler) Debug(c *gin.Context) {
	snap := h.Store.Describe()
	sessions := h.ChatSvc.Table().IDs()
	common.OK(c, gin.H{
		"upload_folder":  snap.UploadFolder,
		"exists":         snap.Exists,
		"files":          snap.Files,
		"prompt_preview": snap.PromptPreview,
		"prompt_length":  snap.PromptLength,
		"sessions":       sessions,
		"session_count":  len(sessions),
	})
}
