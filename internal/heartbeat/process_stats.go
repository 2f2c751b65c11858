package heartbeat

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ProcessSampler collects memory and CPU samples for agent processes.
type ProcessSampler struct {
	// pageSize is the system page size in bytes.
	pageSize int64

	// cpuTicks is the number of clock ticks per second.
	cpuTicks int64

	// prevCPUTimes stores previous CPU times for calculating percentage.
	prevCPUTimes map[int]cpuSample
}

// cpuSample stores a CPU time sample for delta calculation.
type cpuSample struct {
	utime     int64
	stime     int64
	timestamp time.Time
}

// NewProcessSampler creates a ProcessSampler.
func NewProcessSampler() *ProcessSampler {
	s := &ProcessSampler{
		pageSize:     4096, // default page size
		cpuTicks:     100,  // default clock ticks (SC_CLK_TCK)
		prevCPUTimes: make(map[int]cpuSample),
	}
	if runtime.GOOS == "linux" {
		s.pageSize = int64(os.Getpagesize())
	}
	return s
}

// Sample returns (rss bytes, cpu percent) for pid. Returns zeros when the
// process does not exist or the platform does not expose /proc.
func (s *ProcessSampler) Sample(pid int) (int64, float64) {
	if pid <= 0 || runtime.GOOS != "linux" {
		return 0, 0
	}

	var memBytes int64
	if rss, ok := s.sampleMemory(pid); ok {
		memBytes = rss
	}

	var cpuPercent float64
	if pct, ok := s.sampleCPU(pid); ok {
		cpuPercent = pct
	}

	return memBytes, cpuPercent
}

// sampleMemory reads RSS from /proc/[pid]/statm.
func (s *ProcessSampler) sampleMemory(pid int) (int64, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, false
	}

	// Format: size resident shared text lib data dt
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, false
	}
	rssPages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return rssPages * s.pageSize, true
}

// sampleCPU reads /proc/[pid]/stat and derives a percentage from the delta
// against the previous sample. The first sample for a pid reports zero.
func (s *ProcessSampler) sampleCPU(pid int) (float64, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}

	// The comm field may contain spaces and parens; fields start after the
	// last ')'.
	str := string(data)
	lastParen := strings.LastIndex(str, ")")
	if lastParen == -1 || lastParen+2 >= len(str) {
		return 0, false
	}
	fields := strings.Fields(str[lastParen+2:])
	if len(fields) < 13 {
		return 0, false
	}

	// utime is field 14 (index 11 after comm), stime is field 15 (index 12).
	utime, err := strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return 0, false
	}
	stime, err := strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return 0, false
	}

	now := time.Now()
	prev, hasPrev := s.prevCPUTimes[pid]
	s.prevCPUTimes[pid] = cpuSample{utime: utime, stime: stime, timestamp: now}

	if !hasPrev {
		return 0, true
	}
	elapsed := now.Sub(prev.timestamp).Seconds()
	if elapsed <= 0 {
		return 0, true
	}

	totalTicks := (utime - prev.utime) + (stime - prev.stime)
	cpuSeconds := float64(totalTicks) / float64(s.cpuTicks)
	return (cpuSeconds / elapsed) * 100, true
}

// Forget drops the cached CPU sample for a pid no longer tracked.
func (s *ProcessSampler) Forget(pid int) {
	delete(s.prevCPUTimes, pid)
}

// pidAlive reports whether a process exists. Signal 0 probes without
// delivering anything.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
