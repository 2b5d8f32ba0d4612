package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/tier-router/router"
)

func writeWeights(t *testing.T, root, id, mode string, data []byte) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, mode+".bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFileBackend_LoadVerifiesChecksum(t *testing.T) {
	root := t.TempDir()
	data := []byte("weights-for-a-small-model")
	sum := writeWeights(t, root, "small", "q4", data)
	b := FileBackend{Root: root}
	desc := model("small", 0)

	w, err := b.Load(context.Background(), desc, router.QuantSpec{Mode: "q4", FootprintBytes: 1, Checksum: sum})
	require.NoError(t, err)
	fw := w.(*FileWeights)
	assert.Equal(t, data, fw.Data)
	assert.Equal(t, sum, fw.SHA256)
	assert.Equal(t, filepath.Join(root, "small", "q4.bin"), fw.Path)

	b.Unload(w)
	assert.Nil(t, fw.Data)
}

func TestFileBackend_CorruptAndMissing(t *testing.T) {
	root := t.TempDir()
	writeWeights(t, root, "small", "q4", []byte("truncated"))
	b := FileBackend{Root: root}
	desc := model("small", 0)

	_, err := b.Load(context.Background(), desc, router.QuantSpec{Mode: "q4", Checksum: "00ff"})
	assert.ErrorContains(t, err, "corrupt")

	_, err = b.Load(context.Background(), desc, router.QuantSpec{Mode: "q8"})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileBackend_PathOverride(t *testing.T) {
	b := FileBackend{Root: "/models"}
	desc := model("m", 0)
	assert.Equal(t, "/models/shared/m.gguf", b.Path(desc, router.QuantSpec{Mode: "q4", Path: "shared/m.gguf"}))
	assert.Equal(t, "/abs/m.gguf", b.Path(desc, router.QuantSpec{Mode: "q4", Path: "/abs/m.gguf"}))
}

func TestFileBackend_CancelledContext(t *testing.T) {
	root := t.TempDir()
	writeWeights(t, root, "small", "q4", []byte("data"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FileBackend{Root: root}.Load(ctx, model("small", 0), router.QuantSpec{Mode: "q4"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulatedBackend_FailuresAndAccounting(t *testing.T) {
	b := NewSimulatedBackend(0, 0)
	desc := model("m", 0)
	spec := router.QuantSpec{Mode: "q4", FootprintBytes: 2048}
	k := key("m", "q4")

	w, err := b.Load(context.Background(), desc, spec)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Resident(k))
	assert.Equal(t, "m/q4 (2.0 KiB)", w.(*SimulatedWeights).String())
	b.Unload(w)
	assert.Zero(t, b.Resident(k))

	boom := errors.New("boom")
	b.Fail(k, boom)
	_, err = b.Load(context.Background(), desc, spec)
	assert.ErrorIs(t, err, boom)
	b.Fail(k, nil)
	_, err = b.Load(context.Background(), desc, spec)
	assert.NoError(t, err)
	assert.Equal(t, 3, b.Loads(k))
}

func TestSimulatedBackend_DelayHonoursContext(t *testing.T) {
	b := NewSimulatedBackend(1, 1)
	spec := router.QuantSpec{Mode: "q4", FootprintBytes: 3600}
	assert.Equal(t, time.Hour, b.Delay(spec))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := b.Load(ctx, model("m", 0), spec)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
