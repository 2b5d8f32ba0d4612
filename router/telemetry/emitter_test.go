package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/tier-router/router"
)

// blockingSink stalls every Emit until unblock is closed.
type blockingSink struct {
	unblock chan struct{}
	mu      sync.Mutex
	got     []router.Event
}

func (b *blockingSink) Emit(ev router.Event) {
	<-b.unblock
	b.mu.Lock()
	b.got = append(b.got, ev)
	b.mu.Unlock()
}

func (b *blockingSink) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got)
}

func TestEmitter_NeverBlocks(t *testing.T) {
	// GIVEN an emitter whose only sink is stuck
	sink := &blockingSink{unblock: make(chan struct{})}
	e := NewEmitter(4, sink)

	// WHEN far more events than the buffer are emitted
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Emit(router.Event{Kind: router.EventCacheHit})
		}
		close(done)
	}()

	// THEN Emit returns promptly and the overflow is counted
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a stuck sink")
	}
	assert.GreaterOrEqual(t, e.Dropped(), uint64(100-4-1))

	close(sink.unblock)
	e.Close()
	assert.Equal(t, uint64(100), e.Dropped()+uint64(sink.count()))
}

func TestEmitter_FansOutInOrder(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	e := NewEmitter(16, a, b)
	for i := 0; i < 3; i++ {
		e.Emit(router.Event{Kind: router.EventDecision, QueryID: string(rune('a' + i))})
	}
	e.Close()

	for _, r := range []*Recorder{a, b} {
		got := r.Decisions()
		require.Len(t, got, 3)
		assert.Equal(t, "a", got[0].QueryID)
		assert.Equal(t, "c", got[2].QueryID)
	}
}

func TestEmitter_EmitAfterCloseIsDropped(t *testing.T) {
	r := NewRecorder()
	e := NewEmitter(1, r)
	e.Close()
	e.Close()

	e.Emit(router.Event{Kind: router.EventDecision})
	assert.Equal(t, uint64(1), e.Dropped())
	assert.Empty(t, r.Decisions())
}

func TestLogSink_HandlesEveryKind(t *testing.T) {
	for k := router.EventKind(0); k < router.NumEventKinds; k++ {
		ev := router.Event{Kind: k, QueryID: "q", Key: router.InstanceKey{ModelID: "m", Mode: "q4"}}
		switch k {
		case router.EventDecision:
			ev.Decision = &router.RoutingDecision{ModelID: "m", Mode: "q4", Reason: "test"}
		case router.EventRejected, router.EventLoadFailed:
			ev.Err = errors.New("boom")
		}
		assert.NotPanics(t, func() { LogSink{}.Emit(ev) }, k.String())
	}
}
