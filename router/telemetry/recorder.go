package telemetry

import (
	"sync"
	"time"

	"github.com/inference-sim/tier-router/router"
)

// DecisionRecord captures one successful routing decision.
type DecisionRecord struct {
	QueryID   string
	At        time.Time
	Key       router.InstanceKey
	TierRank  int
	Level     router.ComplexityLevel
	Escalated bool
	Fallback  bool
	Resident  bool
	Cost      float64
	Latency   time.Duration // arrival to pinned lease
	Reason    string
}

// RejectionRecord captures one failed query.
type RejectionRecord struct {
	QueryID string
	At      time.Time
	Kind    router.ErrorKind
	Err     string
}

// LoaderRecord captures one loader event.
type LoaderRecord struct {
	Kind      router.EventKind
	At        time.Time
	Key       router.InstanceKey
	Bytes     int64
	UsedBytes int64
	Duration  time.Duration
}

// Recorder keeps every event in memory for post-run analysis. It is a
// router.EventSink; wrap it in an Emitter for non-blocking use.
type Recorder struct {
	mu         sync.Mutex
	decisions  []DecisionRecord
	rejections []RejectionRecord
	loader     []LoaderRecord
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		decisions:  make([]DecisionRecord, 0),
		rejections: make([]RejectionRecord, 0),
		loader:     make([]LoaderRecord, 0),
	}
}

// Emit implements router.EventSink.
func (r *Recorder) Emit(ev router.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Kind {
	case router.EventDecision:
		rec := DecisionRecord{QueryID: ev.QueryID, At: ev.At, Key: ev.Key, Latency: ev.Latency}
		if d := ev.Decision; d != nil {
			rec.TierRank = d.TierRank
			rec.Level = d.Complexity
			rec.Escalated = d.SecurityEscalated
			rec.Fallback = d.ClassificationFallback
			rec.Resident = d.Resident
			rec.Cost = d.EstimatedCost
			rec.Reason = d.Reason
		}
		r.decisions = append(r.decisions, rec)
	case router.EventRejected:
		rec := RejectionRecord{QueryID: ev.QueryID, At: ev.At}
		if ev.Err != nil {
			rec.Kind, _ = router.KindOf(ev.Err)
			rec.Err = ev.Err.Error()
		}
		r.rejections = append(r.rejections, rec)
	case router.EventCacheHit, router.EventLoad, router.EventLoadFailed,
		router.EventEvict, router.EventSwap, router.EventPreload:
		r.loader = append(r.loader, LoaderRecord{
			Kind:      ev.Kind,
			At:        ev.At,
			Key:       ev.Key,
			Bytes:     ev.Bytes,
			UsedBytes: ev.UsedBytes,
			Duration:  ev.Latency,
		})
	}
}

// Decisions returns a copy of the recorded decisions in arrival order.
func (r *Recorder) Decisions() []DecisionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DecisionRecord(nil), r.decisions...)
}

// Rejections returns a copy of the recorded rejections.
func (r *Recorder) Rejections() []RejectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RejectionRecord(nil), r.rejections...)
}

// LoaderEvents returns a copy of the recorded loader events.
func (r *Recorder) LoaderEvents() []LoaderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LoaderRecord(nil), r.loader...)
}
