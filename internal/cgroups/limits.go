package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// cpuPeriod is the cpu.max period used for core quotas, in microseconds.
const cpuPeriod = 100000

// Limits defines what can be written to cgroups.
type Limits struct {
	MemoryMax int64 // bytes, 0 = no limit
	Cores     int64 // cpu.max quota in whole cores, 0 = no limit
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l.MemoryMax <= 0 && l.Cores <= 0
}

// Version returns detected cgroup version (1 or 2)
func Version() int {
	if _, err := os.Stat(filepath.Join(mountPoint, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// CPUMax renders a cpu.max value allowing the given number of cores.
func CPUMax(cores int64) string {
	if cores <= 0 {
		return fmt.Sprintf("max %d", cpuPeriod)
	}
	return fmt.Sprintf("%d %d", cores*cpuPeriod, cpuPeriod)
}

// WriteCPUMax writes cpu.max (v2) or cpu.cfs_quota_us + cpu.cfs_period_us (v1)
func (m *Manager) WriteCPUMax(cgroupPath string, cores int64) error {
	if cores <= 0 {
		return nil
	}

	if m.version == 2 {
		return writeValue(cgroupPath, "cpu.max", CPUMax(cores))
	}

	if err := writeValue(cgroupPath, "cpu.cfs_period_us", strconv.Itoa(cpuPeriod)); err != nil {
		return err
	}
	return writeValue(cgroupPath, "cpu.cfs_quota_us", strconv.FormatInt(cores*cpuPeriod, 10))
}

// WriteMemoryMax writes memory.max (v2) or memory.limit_in_bytes (v1)
func (m *Manager) WriteMemoryMax(cgroupPath string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("invalid memory limit: %d", bytes)
	}
	if bytes == 0 {
		return nil // no limit
	}

	if m.version == 2 {
		if err := writeValue(cgroupPath, "memory.max", strconv.FormatInt(bytes, 10)); err != nil {
			return err
		}
		// Keep the job from escaping the limit through swap. Not every
		// kernel exposes the file.
		_ = writeValue(cgroupPath, "memory.swap.max", "0")
		return nil
	}

	return writeValue(memoryPath(cgroupPath), "memory.limit_in_bytes", strconv.FormatInt(bytes, 10))
}

// Apply writes all set limits.
func (m *Manager) Apply(cgroupPath string, limits Limits) error {
	if cgroupPath == "" {
		return nil
	}
	if err := m.WriteMemoryMax(cgroupPath, limits.MemoryMax); err != nil {
		return fmt.Errorf("memory limit: %w", err)
	}
	if err := m.WriteCPUMax(cgroupPath, limits.Cores); err != nil {
		return fmt.Errorf("cpu limit: %w", err)
	}
	return nil
}

// MemoryPeak returns the peak memory usage in bytes.
func (m *Manager) MemoryPeak(cgroupPath string) (int64, error) {
	if m.version == 2 {
		return readInt(cgroupPath, "memory.peak")
	}
	return readInt(memoryPath(cgroupPath), "memory.max_usage_in_bytes")
}

// CPUUsageMicros returns the consumed CPU time in microseconds.
func (m *Manager) CPUUsageMicros(cgroupPath string) (int64, error) {
	if m.version == 2 {
		return readStat(cgroupPath, "cpu.stat", "usage_usec")
	}
	ns, err := readInt(strings.Replace(cgroupPath, "/cpu/", "/cpuacct/", 1), "cpuacct.usage")
	if err != nil {
		return 0, err
	}
	return ns / 1000, nil
}

// OOMKilled reports whether the kernel OOM killer fired inside the cgroup.
func (m *Manager) OOMKilled(cgroupPath string) bool {
	if m.version != 2 || cgroupPath == "" {
		return false
	}
	n, err := readStat(cgroupPath, "memory.events", "oom_kill")
	return err == nil && n > 0
}

func writeValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0644)
}

func readInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func readStat(cgroupPath, file, key string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, file))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == key {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("%s: key %s not found", file, key)
}

func memoryPath(cpuPath string) string {
	return strings.Replace(cpuPath, "/cpu/", "/memory/", 1)
}
