package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/symphony/pkg/types"
)

func appendLines(r *logRing, n int) {
	for i := 0; i < n; i++ {
		r.Append(types.LogEntry{Line: "line"})
	}
}

func TestLogRingRetainsOnlyCapacityMostRecent(t *testing.T) {
	r := newLogRing(3)
	for i := 0; i < 10; i++ {
		r.Append(types.LogEntry{Line: string(rune('a' + i))})
	}
	tail := r.Tail(0)
	require.Len(t, tail, 3)
	assert.Equal(t, "h", tail[0].Line)
	assert.Equal(t, "i", tail[1].Line)
	assert.Equal(t, "j", tail[2].Line)
}

func TestLogRingTailRespectsRequestedCount(t *testing.T) {
	r := newLogRing(10)
	appendLines(r, 5)
	tail := r.Tail(2)
	require.Len(t, tail, 2)
}

func TestLogRingSubscriberReceivesLiveEntries(t *testing.T) {
	r := newLogRing(10)
	ch, unsub := r.Subscribe()
	defer unsub()

	r.Append(types.LogEntry{Line: "hello"})
	select {
	case e := <-ch:
		assert.Equal(t, "hello", e.Line)
	default:
		t.Fatal("expected entry on subscriber channel")
	}
}

func TestLogRingDropsSlowSubscriber(t *testing.T) {
	r := newLogRing(10)
	ch, _ := r.Subscribe()

	appendLines(r, subscriberBuffer+10)

	_, ok := <-ch
	// Channel should have been closed once the subscriber's buffer filled.
	if ok {
		// Drain until closed to confirm it does eventually close.
		for ok {
			_, ok = <-ch
		}
	}
}

func TestLogRingCloseAllClosesSubscribers(t *testing.T) {
	r := newLogRing(10)
	ch, _ := r.Subscribe()
	r.closeAll()
	_, ok := <-ch
	assert.False(t, ok)
}
