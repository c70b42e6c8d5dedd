//go:build linux

package sampler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProc(t *testing.T, stat, meminfo string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte(stat), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "meminfo"), []byte(meminfo), 0o644))
	return root
}

const meminfo = `MemTotal:       16777216 kB
MemFree:         1048576 kB
MemAvailable:    4194304 kB
Buffers:          524288 kB
`

func TestReadCPUCounters(t *testing.T) {
	root := fakeProc(t, "cpu  100 0 50 800 50 0 0 0 30 0\ncpu0 1 2 3 4\nctxt 99\n", meminfo)
	c, err := readCPUCounters(filepath.Join(root, "stat"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), c.Total, "guest columns are not double counted")
	assert.Equal(t, uint64(800), c.Idle)
	assert.Equal(t, uint64(50), c.IOWait)
}

func TestReadCPUCountersRejectsGarbage(t *testing.T) {
	root := fakeProc(t, "cpu  1 two 3 4 5\n", meminfo)
	_, err := readCPUCounters(filepath.Join(root, "stat"))
	assert.Error(t, err)

	root = fakeProc(t, "intr 1\n", meminfo)
	_, err = readCPUCounters(filepath.Join(root, "stat"))
	assert.Error(t, err)
}

func TestReadMemInfo(t *testing.T) {
	root := fakeProc(t, "cpu 1 1 1 1 1\n", meminfo)
	m, err := readMemInfo(filepath.Join(root, "meminfo"))
	require.NoError(t, err)
	assert.Equal(t, uint64(16<<30), m.TotalBytes)
	assert.Equal(t, uint64(12<<30), m.UsedBytes)

	root = fakeProc(t, "cpu 1 1 1 1 1\n", "MemTotal: 1024 kB\nMemFree: 256 kB\nCached: 256 kB\n")
	m, err = readMemInfo(filepath.Join(root, "meminfo"))
	require.NoError(t, err)
	assert.Equal(t, uint64(512*1024), m.UsedBytes, "falls back to free+buffers+cached")
}

func TestProcfsReadHostDeltas(t *testing.T) {
	root := fakeProc(t, "cpu  100 0 100 700 100 0 0 0\n", meminfo)
	s, err := NewProcfs(root)
	require.NoError(t, err)

	hw, err := s.readHost()
	require.NoError(t, err)
	assert.Equal(t, 0.0, hw.CPUPercent)
	assert.Equal(t, int64(16), hw.TotalMemoryGB)
	assert.InDelta(t, 75.0, hw.PercentMemoryUsed, 1e-9)

	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte("cpu  200 0 200 700 100 0 0 0\n"), 0o644))
	hw, err = s.readHost()
	require.NoError(t, err)
	assert.InDelta(t, 100.0, hw.CPUPercent, 1e-9)
}

func TestNewProcfsNeedsStat(t *testing.T) {
	_, err := NewProcfs(t.TempDir())
	assert.Error(t, err)
}
