package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	chatExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kitbot_chat_exchanges_total",
			Help: "Chat exchanges by final status (committed/failed/abandoned).",
		},
		[]string{"status"},
	)

	chatExchangeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kitbot_chat_exchange_seconds",
			Help:    "Time from guard acquisition to stream end.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"status"},
	)

	chatFragments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kitbot_chat_fragments_total",
			Help: "Content fragments forwarded to callers.",
		},
	)

	chatGuardWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kitbot_chat_guard_wait_seconds",
			Help:    "Time requests spent waiting for their session guard.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	chatSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kitbot_chat_sessions",
			Help: "Sessions currently held in memory.",
		},
	)

	instructionReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kitbot_instruction_reloads_total",
			Help: "Instruction broadcasts performed.",
		},
	)

	instructionSessionsUpdated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kitbot_instruction_sessions_updated_total",
			Help: "Session system prompts rewritten by broadcasts.",
		},
	)

	archiveEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kitbot_archive_events_total",
			Help: "Archive pipeline events by stage and result.",
		},
		[]string{"stage", "result"},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			chatExchanges, chatExchangeSeconds, chatFragments,
			chatGuardWaitSeconds, chatSessions,
			instructionReloads, instructionSessionsUpdated,
			archiveEvents,
		)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// -------- Chat helpers --------

func SessionCreated() { chatSessions.Inc() }

func ObserveGuardWait(d time.Duration) { chatGuardWaitSeconds.Observe(d.Seconds()) }

func ObserveExchange(status string, d time.Duration, fragments int) {
	status = norm(status)
	chatExchanges.WithLabelValues(status).Inc()
	chatExchangeSeconds.WithLabelValues(status).Observe(d.Seconds())
	chatFragments.Add(float64(fragments))
}

// -------- Instruction helpers --------

func InstructionsReloaded(sessions int) {
	instructionReloads.Inc()
	instructionSessionsUpdated.Add(float64(sessions))
}

// -------- Archive helpers --------

func ArchiveEvent(stage string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	archiveEvents.WithLabelValues(norm(stage), result).Inc()
}
