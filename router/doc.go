// Package router provides the core of tier-router: per-query model tier
// selection coupled to a bounded, quantization-aware model residency cache.
//
// # Reading Guide
//
// Start with these files to understand the request path:
//   - types.go: Query, ComplexityLevel, ModelDescriptor, RoutingDecision
//   - routing.go: the Engine that turns a classification and a device
//     snapshot into a RoutingDecision (security floor first, then cost,
//     headroom and load)
//   - service.go: the Router pipeline (classify, profile, decide, acquire)
//     and the Lease handed to the inference executor
//
// # Architecture
//
// The router package defines interfaces and shared value types;
// implementations live in sub-packages that import it:
//   - router/registry/: Model Registry (catalog, tier ordering, cooldown)
//   - router/classify/: Complexity Classifier (word-count rules, learned override)
//   - router/profile/: Device/Resource Profiler (TTL-cached snapshots)
//   - router/loader/: Progressive Loader (pinning, LRU eviction, load
//     coalescing, predictive preload, quantization swap)
//   - router/telemetry/: best-effort event fan-out (logs, metrics, recorder)
//   - router/workload/: synthetic query generation for the CLI driver
//
// Configuration is a single *Config value built once at startup and passed
// by pointer to every component. There is no package-level state.
//
// # Key Interfaces
//
//   - Classifier: query text -> (ComplexityLevel, confidence)
//   - Profiler: side-effect-free DeviceProfile snapshot
//   - Catalog: ordered model tiers, lookup, cooldown state
//   - Residency: acquire a pinned Handle for an InstanceKey
//   - EventSink: non-blocking telemetry consumer
package router
