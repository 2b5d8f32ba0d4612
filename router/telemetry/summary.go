package telemetry

import (
	"sort"
	"time"

	"github.com/inference-sim/tier-router/router"
)

// Summary aggregates statistics from a Recorder.
type Summary struct {
	TotalQueries  int
	Routed        int
	Rejected      int
	Escalated     int
	Fallbacks     int
	ResidentRatio float64 // share of decisions whose instance was already resident
	MeanCost      float64
	MeanLatency   time.Duration
	P99Latency    time.Duration
	MaxUsedBytes  int64

	TierDistribution      map[int]int              // tier rank -> decisions
	InstanceDistribution  map[string]int           // "model/mode" -> decisions
	RejectionDistribution map[router.ErrorKind]int // error kind -> rejections
	LoaderCounts          map[router.EventKind]int // loader event kind -> count
}

// Summarize computes aggregate statistics. Safe for a nil recorder.
func Summarize(r *Recorder) *Summary {
	s := &Summary{
		TierDistribution:      make(map[int]int),
		InstanceDistribution:  make(map[string]int),
		RejectionDistribution: make(map[router.ErrorKind]int),
		LoaderCounts:          make(map[router.EventKind]int),
	}
	if r == nil {
		return s
	}
	decisions := r.Decisions()
	rejections := r.Rejections()

	s.Routed = len(decisions)
	s.Rejected = len(rejections)
	s.TotalQueries = s.Routed + s.Rejected

	if len(decisions) > 0 {
		var resident int
		var cost float64
		var total time.Duration
		latencies := make([]time.Duration, 0, len(decisions))
		for _, d := range decisions {
			s.TierDistribution[d.TierRank]++
			s.InstanceDistribution[d.Key.String()]++
			if d.Escalated {
				s.Escalated++
			}
			if d.Fallback {
				s.Fallbacks++
			}
			if d.Resident {
				resident++
			}
			cost += d.Cost
			total += d.Latency
			latencies = append(latencies, d.Latency)
		}
		n := float64(len(decisions))
		s.ResidentRatio = float64(resident) / n
		s.MeanCost = cost / n
		s.MeanLatency = total / time.Duration(len(decisions))
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		s.P99Latency = latencies[(len(latencies)*99+99)/100-1]
	}

	for _, rej := range rejections {
		s.RejectionDistribution[rej.Kind]++
	}
	for _, ev := range r.LoaderEvents() {
		s.LoaderCounts[ev.Kind]++
		if ev.UsedBytes > s.MaxUsedBytes {
			s.MaxUsedBytes = ev.UsedBytes
		}
	}
	return s
}
