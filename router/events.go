package router

import (
	"fmt"
	"time"
)

// EventKind is the closed set of telemetry event kinds. Consumers switch
// over every kind; there is no open extension point.
type EventKind int

const (
	EventDecision   EventKind = iota // a RoutingDecision was made (Decision set)
	EventRejected                    // routing failed (Err set)
	EventCacheHit                    // Acquire found the instance resident
	EventLoad                        // a physical load committed
	EventLoadFailed                  // a physical load failed (Err set)
	EventEvict                       // an unpinned instance was evicted
	EventSwap                        // an instance was replaced by a smaller mode (SwapFrom set)
	EventPreload                     // a predictive preload committed
)

// NumEventKinds is the number of defined event kinds.
const NumEventKinds = 8

func (k EventKind) String() string {
	switch k {
	case EventDecision:
		return "decision"
	case EventRejected:
		return "rejected"
	case EventCacheHit:
		return "cache_hit"
	case EventLoad:
		return "load"
	case EventLoadFailed:
		return "load_failed"
	case EventEvict:
		return "evict"
	case EventSwap:
		return "swap"
	case EventPreload:
		return "preload"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one telemetry record. Which payload fields are set depends on Kind.
type Event struct {
	Kind      EventKind
	At        time.Time
	QueryID   string
	Key       InstanceKey
	Decision  *RoutingDecision
	Bytes     int64         // footprint involved in a load, evict or swap
	UsedBytes int64         // loader used bytes after the event
	Latency   time.Duration // decision latency or physical load duration
	SwapFrom  QuantMode
	Err       error
}

// EventSink receives telemetry. Emit must not block the caller.
type EventSink interface {
	Emit(Event)
}

// NopSink discards every event.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(Event) {}
