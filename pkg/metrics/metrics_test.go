package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersInMemory(t *testing.T) {
	require.NoError(t, InitMetrics(""))
	defer Close()

	Incr(MessagesIn, "subaccount", "1")
	Incr(MessagesIn, "subaccount", "1")
	Incr(MessagesIn, "subaccount", "2")
	Incr(MessagesOut, "subaccount", "1")

	since := time.Now().Add(-time.Minute)
	total, err := Total(MessagesIn, since, "subaccount", "1")
	require.NoError(t, err)
	assert.Equal(t, float64(2), total)

	total, err = Total(MessagesOut, since, "subaccount", "1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), total)

	series, err := Series(SessionTransition, since, time.Minute, "status", "ready")
	require.NoError(t, err)
	assert.Empty(t, series)
}

func TestWithoutStoreIsNoop(t *testing.T) {
	require.NoError(t, Close())
	Incr(MessagesIn)
	total, err := Total(MessagesIn, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, total)
}
