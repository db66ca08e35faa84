package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Legich55555/mp710Ctrl/internal/db"
	"github.com/Legich55555/mp710Ctrl/internal/device"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestHistory_AppendAndRecent(t *testing.T) {
	h := newTestHistory(t)
	base := time.Now().Add(-time.Minute)

	require.NoError(t, h.AppendCommand(base, device.Command{Type: device.SetBrightness, ChannelIdx: 5, Param: 77}, true))
	require.NoError(t, h.AppendCommand(base.Add(time.Second), device.Command{Type: device.SetBrightness, ChannelIdx: 3, Param: 10}, false))
	require.NoError(t, h.AppendTransition(base.Add(2*time.Second), "sunrise", 30*time.Minute, "schedule"))

	entries, err := h.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, KindTransition, entries[0].Kind)
	assert.Equal(t, "sunrise", entries[0].Transition)
	assert.Equal(t, 30*time.Minute, entries[0].Duration)
	assert.Equal(t, "schedule", entries[0].Source)

	assert.Equal(t, KindCommand, entries[1].Kind)
	assert.Equal(t, uint8(3), entries[1].Channel)
	assert.False(t, entries[1].OK)

	assert.Equal(t, uint8(5), entries[2].Channel)
	assert.Equal(t, uint8(77), entries[2].Param)
	assert.True(t, entries[2].OK)

	limited, err := h.Recent(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestHistory_ForChannel(t *testing.T) {
	h := newTestHistory(t)
	now := time.Now()

	for i := uint8(0); i < 4; i++ {
		require.NoError(t, h.AppendCommand(now.Add(time.Duration(i)*time.Millisecond), device.Command{ChannelIdx: i % 2, Param: i}, true))
	}

	entries, err := h.ForChannel(1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint8(3), entries[0].Param)
	assert.Equal(t, uint8(1), entries[1].Param)
}

func TestHistory_DeleteOlderThan(t *testing.T) {
	h := newTestHistory(t)

	require.NoError(t, h.AppendCommand(time.Now().Add(-48*time.Hour), device.Command{ChannelIdx: 1}, true))
	require.NoError(t, h.AppendCommand(time.Now(), device.Command{ChannelIdx: 2}, true))

	n, err := h.DeleteOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := h.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint8(2), entries[0].Channel)
}

func TestHistory_Record(t *testing.T) {
	h := newTestHistory(t)

	h.Record(eventbus.ChangeEvent(true, device.Command{Type: device.SetBrightness, ChannelIdx: 9, Param: 128}))
	h.Record(eventbus.TransitionEvent("sunset", time.Hour, "web"))

	entries, err := h.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	kinds := []Kind{entries[0].Kind, entries[1].Kind}
	assert.ElementsMatch(t, []Kind{KindCommand, KindTransition}, kinds)
}
