// Package hostmetrics samples gateway host health from /proc and sysfs:
// cpu load, memory, temperature and uptime.
package hostmetrics

import (
	"io/ioutil"
	"log"
	"strconv"
	"strings"

	linuxproc "github.com/c9s/goprocinfo/linux"
)

const (
	procStat    = "/proc/stat"
	procMeminfo = "/proc/meminfo"
	procUptime  = "/proc/uptime"
	thermalZone = "/sys/class/thermal/thermal_zone0/temp"
)

// Monitor reads host metrics. Cpu utilisation is the busy fraction
// between successive Read calls, so the first call reports no
// cpu_percent.
type Monitor struct {
	statPath    string
	meminfoPath string
	uptimePath  string
	thermalPath string

	prevBusy  uint64
	prevTotal uint64
	primed    bool
}

func New() *Monitor {
	return &Monitor{
		statPath:    procStat,
		meminfoPath: procMeminfo,
		uptimePath:  procUptime,
		thermalPath: thermalZone,
	}
}

func format(value float64) string {
	return strconv.FormatFloat(value, 'f', 1, 64)
}

// Read samples the host, returning metric name to rendered value.
// Unreadable sources are logged and omitted - a gateway without a
// thermal zone still reports the rest.
func (m *Monitor) Read() map[string]string {
	metrics := map[string]string{}
	m.readCpu(metrics)
	m.readMemory(metrics)
	m.readUptime(metrics)
	m.readTemperature(metrics)
	return metrics
}

func (m *Monitor) readCpu(metrics map[string]string) {
	stat, err := linuxproc.ReadStat(m.statPath)
	if err != nil {
		log.Println("hostmetrics: reading stat:", err)
		return
	}
	s := stat.CPUStatAll
	idle := s.Idle + s.IOWait
	busy := s.User + s.Nice + s.System + s.IRQ + s.SoftIRQ + s.Steal
	total := busy + idle

	if m.primed && total > m.prevTotal {
		dBusy := busy - m.prevBusy
		dTotal := total - m.prevTotal
		metrics["cpu_percent"] = format(100 * float64(dBusy) / float64(dTotal))
	}
	m.prevBusy = busy
	m.prevTotal = total
	m.primed = true
}

func (m *Monitor) readMemory(metrics map[string]string) {
	meminfo, err := linuxproc.ReadMemInfo(m.meminfoPath)
	if err != nil {
		log.Println("hostmetrics: reading meminfo:", err)
		return
	}
	if meminfo.MemTotal == 0 {
		return
	}
	used := meminfo.MemTotal - meminfo.MemAvailable
	metrics["mem_percent"] = format(100 * float64(used) / float64(meminfo.MemTotal))
	metrics["mem_used_mb"] = format(float64(used) / 1024)
}

func (m *Monitor) readUptime(metrics map[string]string) {
	uptime, err := linuxproc.ReadUptime(m.uptimePath)
	if err != nil {
		log.Println("hostmetrics: reading uptime:", err)
		return
	}
	metrics["uptime_s"] = strconv.FormatInt(int64(uptime.Total), 10)
}

// readTemperature reads the first thermal zone, reported by the kernel
// in millidegrees.
func (m *Monitor) readTemperature(metrics map[string]string) {
	data, err := ioutil.ReadFile(m.thermalPath)
	if err != nil {
		// common on virtual machines, not worth logging every interval
		return
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		log.Println("hostmetrics: parsing temperature:", err)
		return
	}
	metrics["temp_c"] = format(milli / 1000)
}
