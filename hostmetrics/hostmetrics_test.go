package hostmetrics

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statFirst = `cpu  100 0 100 800 0 0 0 0 0 0
cpu0 100 0 100 800 0 0 0 0 0 0
intr 0
ctxt 0
btime 1510142400
processes 100
procs_running 1
procs_blocked 0
`

const statSecond = `cpu  150 0 150 900 0 0 0 0 0 0
cpu0 150 0 150 900 0 0 0 0 0 0
intr 0
ctxt 0
btime 1510142400
processes 100
procs_running 1
procs_blocked 0
`

const meminfo = `MemTotal:        1048576 kB
MemFree:          262144 kB
MemAvailable:     524288 kB
Buffers:           32768 kB
Cached:           131072 kB
`

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	return path
}

func newTest(t *testing.T) *Monitor {
	dir := t.TempDir()
	return &Monitor{
		statPath:    write(t, dir, "stat", statFirst),
		meminfoPath: write(t, dir, "meminfo", meminfo),
		uptimePath:  write(t, dir, "uptime", "3600.50 7000.00\n"),
		thermalPath: write(t, dir, "temp", "48650\n"),
	}
}

func TestRead(t *testing.T) {
	m := newTest(t)
	metrics := m.Read()

	_, ok := metrics["cpu_percent"]
	assert.False(t, ok, "first read has no cpu baseline")
	assert.Equal(t, "50.0", metrics["mem_percent"])
	assert.Equal(t, "512.0", metrics["mem_used_mb"])
	assert.Equal(t, "3600", metrics["uptime_s"])
	assert.Equal(t, "48.6", metrics["temp_c"])
}

func TestCpuPercentDelta(t *testing.T) {
	m := newTest(t)
	m.Read()
	// 100 busy over 200 total ticks since the first sample
	write(t, filepath.Dir(m.statPath), "stat", statSecond)
	metrics := m.Read()
	assert.Equal(t, "50.0", metrics["cpu_percent"])
}

func TestMissingThermalZone(t *testing.T) {
	m := newTest(t)
	m.thermalPath = filepath.Join(t.TempDir(), "missing")
	metrics := m.Read()
	_, ok := metrics["temp_c"]
	assert.False(t, ok)
	assert.Contains(t, metrics, "uptime_s")
}
