package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveExchange(t *testing.T) {
	before := testutil.ToFloat64(chatExchanges.WithLabelValues("committed"))
	fragsBefore := testutil.ToFloat64(chatFragments)

	ObserveExchange(" Committed ", 250*time.Millisecond, 3)

	assert.Equal(t, before+1, testutil.ToFloat64(chatExchanges.WithLabelValues("committed")))
	assert.Equal(t, fragsBefore+3, testutil.ToFloat64(chatFragments))
}

func TestInstructionsReloaded(t *testing.T) {
	reloads := testutil.ToFloat64(instructionReloads)
	updated := testutil.ToFloat64(instructionSessionsUpdated)

	InstructionsReloaded(4)

	assert.Equal(t, reloads+1, testutil.ToFloat64(instructionReloads))
	assert.Equal(t, updated+4, testutil.ToFloat64(instructionSessionsUpdated))
}

func TestArchiveEvent(t *testing.T) {
	before := testutil.ToFloat64(archiveEvents.WithLabelValues("publish", "error"))
	ArchiveEvent("Publish", false)
	assert.Equal(t, before+1, testutil.ToFloat64(archiveEvents.WithLabelValues("publish", "error")))
}

func TestMustRegister_Idempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		MustRegister()
		MustRegister()
	})
}
