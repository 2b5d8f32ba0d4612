package telemetry

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/tier-router/router"
)

// LogSink writes each event as a structured logrus entry. Decisions and
// cache hits log at debug, failures and rejections at warn.
type LogSink struct{}

// Emit implements router.EventSink.
func (LogSink) Emit(ev router.Event) {
	fields := logrus.Fields{"event": ev.Kind.String()}
	if ev.QueryID != "" {
		fields["query"] = ev.QueryID
	}
	if ev.Key.ModelID != "" {
		fields["instance"] = ev.Key.String()
	}
	entry := logrus.WithFields(fields)

	switch ev.Kind {
	case router.EventDecision:
		if ev.Decision != nil {
			entry = entry.WithFields(logrus.Fields{
				"tier":       ev.Decision.TierRank,
				"complexity": ev.Decision.Complexity.String(),
				"escalated":  ev.Decision.SecurityEscalated,
				"resident":   ev.Decision.Resident,
				"latency":    ev.Latency,
			})
			entry.Debug(ev.Decision.Reason)
			return
		}
		entry.Debug("decision")
	case router.EventRejected:
		entry.WithError(ev.Err).Warn("query rejected")
	case router.EventCacheHit:
		entry.Debug("cache hit")
	case router.EventLoad, router.EventPreload:
		entry.WithFields(logrus.Fields{"bytes": ev.Bytes, "used": ev.UsedBytes, "duration": ev.Latency}).Info("loaded")
	case router.EventLoadFailed:
		entry.WithError(ev.Err).Warn("load failed")
	case router.EventEvict:
		entry.WithFields(logrus.Fields{"bytes": ev.Bytes, "used": ev.UsedBytes}).Info("evicted")
	case router.EventSwap:
		entry.WithFields(logrus.Fields{"from": string(ev.SwapFrom), "bytes": ev.Bytes, "used": ev.UsedBytes}).Info("swapped")
	default:
		entry.Debug("unknown event")
	}
}
