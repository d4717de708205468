// Package cgroups creates one cgroup per run, applies memory and core
// limits to it and reads back usage. Everything here is best effort: a
// host without a writable hierarchy simply yields no cgroup.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	mountPoint  = "/sys/fs/cgroup"
	defaultName = "cloudrunexec"
)

// Manager handles cgroup lifecycle.
type Manager struct {
	root    string
	version int
}

// New creates a cgroup manager rooted at root. An empty root means
// /sys/fs/cgroup/cloudrunexec.
func New(root string) *Manager {
	return NewWithVersion(root, Version())
}

// NewWithVersion skips version detection.
func NewWithVersion(root string, version int) *Manager {
	if root == "" {
		root = filepath.Join(mountPoint, defaultName)
	}
	return &Manager{
		root:    root,
		version: version,
	}
}

// Unified reports whether the manager works on the cgroup v2 hierarchy.
func (m *Manager) Unified() bool {
	return m.version == 2
}

// Create creates the cgroup for runID.
// Returns: cgroup path (empty if the hierarchy is not writable)
func (m *Manager) Create(runID string) (string, error) {
	if runID == "" {
		runID = fmt.Sprintf("unnamed-%d", os.Getpid())
	}

	if m.version == 2 {
		return m.createV2(runID)
	}
	return m.createV1(runID)
}

func (m *Manager) createV2(name string) (string, error) {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		if os.IsPermission(err) || os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	// Children only get controllers the parent delegates.
	_ = os.WriteFile(filepath.Join(m.root, "cgroup.subtree_control"), []byte("+memory +cpu"), 0644)

	path := filepath.Join(m.root, name)
	if err := os.Mkdir(path, 0755); err != nil && !os.IsExist(err) {
		if os.IsPermission(err) {
			return "", nil
		}
		return "", err
	}

	return path, nil
}

func (m *Manager) createV1(name string) (string, error) {
	// A custom root only makes sense on the unified hierarchy.
	if m.root != filepath.Join(mountPoint, defaultName) {
		return "", nil
	}

	// v1: the cpu hierarchy path is canonical, memory and cpuacct mirror it
	cpuPath := filepath.Join(mountPoint, "cpu", defaultName, name)

	if err := os.MkdirAll(cpuPath, 0755); err != nil {
		if os.IsPermission(err) || os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	os.MkdirAll(filepath.Join(mountPoint, "memory", defaultName, name), 0755)  // best effort
	os.MkdirAll(filepath.Join(mountPoint, "cpuacct", defaultName, name), 0755) // best effort

	return cpuPath, nil
}

// Join moves a PID into the cgroup
func (m *Manager) Join(cgroupPath string, pid int) error {
	if cgroupPath == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}

	value := strconv.Itoa(pid)
	if err := writeValue(cgroupPath, "cgroup.procs", value); err != nil {
		return err
	}

	if m.version == 1 {
		writeValue(memoryPath(cgroupPath), "cgroup.procs", value) // best effort
		writeValue(filepath.Join(mountPoint, "cpuacct", defaultName, filepath.Base(cgroupPath)), "cgroup.procs", value)
	}
	return nil
}

// Kill kills every process in the cgroup. Only cgroup v2 (5.14+) supports
// this; callers fall back to signalling the process group.
func (m *Manager) Kill(cgroupPath string) error {
	if cgroupPath == "" || m.version != 2 {
		return fmt.Errorf("cgroup.kill unavailable")
	}
	return writeValue(cgroupPath, "cgroup.kill", "1")
}

// Delete removes the cgroup directory
func (m *Manager) Delete(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}

	if m.version == 1 {
		name := filepath.Base(cgroupPath)
		os.Remove(filepath.Join(mountPoint, "memory", defaultName, name))  // best effort
		os.Remove(filepath.Join(mountPoint, "cpuacct", defaultName, name)) // best effort
	}

	return os.Remove(cgroupPath)
}
