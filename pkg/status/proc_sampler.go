package status

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// clockTicksPerSecond is the kernel's USER_HZ, almost universally 100 on
// Linux; there is no portable syscall to query it from Go without cgo, so
// it's taken as a constant the way many best-effort /proc readers do.
const clockTicksPerSecond = 100

// procSampler reads /proc/<pid>/stat and /proc/<pid>/statm on Linux. On any
// other platform, or on any read error, Sample returns Supported=false
// rather than an error — spec.md §4.6 requires the aggregator to degrade
// gracefully, never fail the whole snapshot over one pid.
type procSampler struct {
	pageSize int64

	mu   sync.Mutex
	prev map[int]cpuSample
}

type cpuSample struct {
	totalTicks uint64
	sampledAt  time.Time
}

// NewProcSampler builds the platform best-effort sampler.
func NewProcSampler() Sampler {
	return &procSampler{pageSize: 4096, prev: make(map[int]cpuSample)}
}

func (s *procSampler) Sample(pid int) ResourceSample {
	if runtime.GOOS != "linux" {
		return ResourceSample{}
	}

	stat, err := readProcStat(pid)
	if err != nil {
		return ResourceSample{}
	}
	rss, err := readProcStatmRSS(pid, s.pageSize)
	if err != nil {
		return ResourceSample{}
	}

	uptime := processUptime(stat)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var cpuPercent float64
	if prev, ok := s.prev[pid]; ok {
		elapsed := now.Sub(prev.sampledAt).Seconds()
		if elapsed > 0 && stat.totalTicks >= prev.totalTicks {
			deltaTicks := stat.totalTicks - prev.totalTicks
			cpuPercent = (float64(deltaTicks) / clockTicksPerSecond) / elapsed * 100
		}
	}
	s.prev[pid] = cpuSample{totalTicks: stat.totalTicks, sampledAt: now}

	return ResourceSample{
		CPUPercent: cpuPercent,
		RSSBytes:   rss,
		Uptime:     uptime,
		Supported:  true,
	}
}

type procStat struct {
	utime, stime uint64
	startTicks   uint64
	totalTicks   uint64
}

// readProcStat parses the fields of /proc/<pid>/stat needed for CPU
// accounting. The comm field (2nd, parenthesized) may itself contain
// spaces, so parsing starts after the last ')'.
func readProcStat(pid int) (procStat, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procStat{}, err
	}
	line := string(data)
	closeParen := strings.LastIndex(line, ")")
	if closeParen == -1 {
		return procStat{}, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(line[closeParen+1:])
	// fields[0] is state (3rd overall field); utime/stime are the 14th/15th
	// overall fields, i.e. fields[11]/fields[12] in this truncated slice;
	// starttime is the 22nd overall field, fields[19] here.
	const (
		utimeIdx     = 11
		stimeIdx     = 12
		starttimeIdx = 19
	)
	if len(fields) <= starttimeIdx {
		return procStat{}, fmt.Errorf("unexpected /proc/%d/stat field count", pid)
	}
	utime, err := strconv.ParseUint(fields[utimeIdx], 10, 64)
	if err != nil {
		return procStat{}, err
	}
	stime, err := strconv.ParseUint(fields[stimeIdx], 10, 64)
	if err != nil {
		return procStat{}, err
	}
	start, err := strconv.ParseUint(fields[starttimeIdx], 10, 64)
	if err != nil {
		return procStat{}, err
	}
	return procStat{utime: utime, stime: stime, startTicks: start, totalTicks: utime + stime}, nil
}

func processUptime(stat procStat) time.Duration {
	bootTicks, err := systemUptimeTicks()
	if err != nil || bootTicks < stat.startTicks {
		return 0
	}
	return time.Duration(bootTicks-stat.startTicks) * time.Second / clockTicksPerSecond
}

func systemUptimeTicks() (uint64, error) {
	f, err := os.Open("/proc/uptime")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty /proc/uptime")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return 0, fmt.Errorf("malformed /proc/uptime")
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	return uint64(seconds * clockTicksPerSecond), nil
}

func readProcStatmRSS(pid int, pageSize int64) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed /proc/%d/statm", pid)
	}
	rssPages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return rssPages * uint64(pageSize), nil
}
