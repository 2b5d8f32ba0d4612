package loader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/inference-sim/tier-router/router"
)

// Backend materializes weights for one quantization mode of a model. Load
// must honour ctx cancellation. Any Load error is treated as a LoadError.
type Backend interface {
	Load(ctx context.Context, desc router.ModelDescriptor, spec router.QuantSpec) (any, error)
	Unload(weights any)
}

// FileWeights is the payload returned by FileBackend.
type FileWeights struct {
	Path   string
	SHA256 string
	Data   []byte
}

// FileBackend reads weights from disk: spec.Path if set, else
// <Root>/<model id>/<mode>.bin. A non-empty spec.Checksum must match the
// file's SHA-256.
type FileBackend struct {
	Root string
}

// Path returns the file FileBackend reads for spec.
func (b FileBackend) Path(desc router.ModelDescriptor, spec router.QuantSpec) string {
	if spec.Path != "" {
		if filepath.IsAbs(spec.Path) {
			return spec.Path
		}
		return filepath.Join(b.Root, spec.Path)
	}
	return filepath.Join(b.Root, desc.ID, string(spec.Mode)+".bin")
}

// Load implements Backend.
func (b FileBackend) Load(ctx context.Context, desc router.ModelDescriptor, spec router.QuantSpec) (any, error) {
	path := b.Path(desc, spec)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening weights: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(h, &buf), ctxReader{ctx: ctx, r: f}); err != nil {
		return nil, fmt.Errorf("reading weights %s: %w", path, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if spec.Checksum != "" && !strings.EqualFold(sum, spec.Checksum) {
		return nil, fmt.Errorf("weights %s are corrupt: sha256 %s, want %s", path, sum, spec.Checksum)
	}
	return &FileWeights{Path: path, SHA256: sum, Data: buf.Bytes()}, nil
}

// Unload implements Backend.
func (b FileBackend) Unload(weights any) {
	if w, ok := weights.(*FileWeights); ok {
		w.Data = nil
	}
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// SimulatedWeights is the payload returned by SimulatedBackend.
type SimulatedWeights struct {
	Key    router.InstanceKey
	Bytes  int64
	Loaded time.Time
}

// SimulatedBackend pretends to load weights by sleeping footprint /
// Bandwidth, scaled by TimeScale. Failures can be injected per key.
type SimulatedBackend struct {
	Bandwidth int64   // bytes per second
	TimeScale float64 // multiplier on the simulated delay; 0 disables sleeping

	mu       sync.Mutex
	failures map[router.InstanceKey]error
	loads    map[router.InstanceKey]int
	resident map[router.InstanceKey]int
}

// NewSimulatedBackend returns a backend with the given bandwidth and scale.
func NewSimulatedBackend(bandwidth int64, timeScale float64) *SimulatedBackend {
	return &SimulatedBackend{
		Bandwidth: bandwidth,
		TimeScale: timeScale,
		failures:  make(map[router.InstanceKey]error),
		loads:     make(map[router.InstanceKey]int),
		resident:  make(map[router.InstanceKey]int),
	}
}

// Fail makes every subsequent load of key return err. A nil err clears it.
func (b *SimulatedBackend) Fail(key router.InstanceKey, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, key)
		return
	}
	b.failures[key] = err
}

// Loads returns how many physical loads of key were started.
func (b *SimulatedBackend) Loads(key router.InstanceKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads[key]
}

// Resident returns how many payloads of key are loaded and not unloaded.
func (b *SimulatedBackend) Resident(key router.InstanceKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resident[key]
}

// Delay returns the simulated load time for spec.
func (b *SimulatedBackend) Delay(spec router.QuantSpec) time.Duration {
	if b.Bandwidth <= 0 || b.TimeScale <= 0 {
		return 0
	}
	secs := float64(spec.FootprintBytes) / float64(b.Bandwidth) * b.TimeScale
	return time.Duration(secs * float64(time.Second))
}

// Load implements Backend.
func (b *SimulatedBackend) Load(ctx context.Context, desc router.ModelDescriptor, spec router.QuantSpec) (any, error) {
	key := router.InstanceKey{ModelID: desc.ID, Mode: spec.Mode}
	b.mu.Lock()
	b.loads[key]++
	failure := b.failures[key]
	b.mu.Unlock()

	if d := b.Delay(spec); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}

	b.mu.Lock()
	b.resident[key]++
	b.mu.Unlock()
	return &SimulatedWeights{Key: key, Bytes: spec.FootprintBytes, Loaded: time.Now()}, nil
}

// Unload implements Backend.
func (b *SimulatedBackend) Unload(weights any) {
	w, ok := weights.(*SimulatedWeights)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resident[w.Key] > 0 {
		b.resident[w.Key]--
	}
}

func (w *SimulatedWeights) String() string {
	return fmt.Sprintf("%s (%s)", w.Key, humanize.IBytes(uint64(w.Bytes)))
}
