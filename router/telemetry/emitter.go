// Package telemetry fans router and loader events out to best-effort
// consumers: structured logs, prometheus metrics and an in-memory recorder.
// Nothing here can slow down routing; a full buffer drops events.
package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/tier-router/router"
)

// Emitter is a router.EventSink that queues events on a buffered channel
// and delivers them to its sinks from a single worker goroutine.
type Emitter struct {
	sinks []router.EventSink
	ch    chan router.Event
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewEmitter starts an emitter with room for buffer queued events.
func NewEmitter(buffer int, sinks ...router.EventSink) *Emitter {
	if buffer < 1 {
		buffer = 1
	}
	e := &Emitter{
		sinks: sinks,
		ch:    make(chan router.Event, buffer),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues ev. It never blocks: when the buffer is full or the emitter
// is closed the event is dropped and counted.
func (e *Emitter) Emit(ev router.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded by Emit.
func (e *Emitter) Dropped() uint64 { return e.dropped.Load() }

// Close stops accepting events, drains the queue and waits for the worker.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()
	<-e.done
	if n := e.Dropped(); n > 0 {
		logrus.Warnf("telemetry dropped %d events", n)
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.ch {
		for _, s := range e.sinks {
			s.Emit(ev)
		}
	}
}
