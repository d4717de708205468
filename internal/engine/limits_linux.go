package engine

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// setCPULimit sets RLIMIT_CPU on pid. The kernel sends SIGXCPU at the soft
// limit and SIGKILL at the hard one.
func setCPULimit(pid int, seconds int64) error {
	lim := &unix.Rlimit{Cur: uint64(seconds), Max: uint64(seconds) + 1}
	if err := unix.Prlimit(pid, unix.RLIMIT_CPU, lim, nil); err != nil {
		return fmt.Errorf("prlimit RLIMIT_CPU: %w", err)
	}
	return nil
}

// setAddressSpaceLimit is the memory limit when no cgroup is available.
func setAddressSpaceLimit(pid int, bytes int64) error {
	lim := &unix.Rlimit{Cur: uint64(bytes), Max: uint64(bytes)}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, lim, nil); err != nil {
		return fmt.Errorf("prlimit RLIMIT_AS: %w", err)
	}
	return nil
}

// pinCPUs restricts pid to cores CPUs out of those the wrapper may use,
// starting at position first.
func pinCPUs(pid int, cores int64, first int) ([]int, error) {
	var allowed unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}

	var usable []int
	for i := 0; len(usable) < allowed.Count(); i++ {
		if allowed.IsSet(i) {
			usable = append(usable, i)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("no usable cpus")
	}
	if first < 0 {
		first = 0
	}

	var set unix.CPUSet
	var chosen []int
	for i := int64(0); i < cores && i < int64(len(usable)); i++ {
		cpu := usable[(first+int(i))%len(usable)]
		set.Set(cpu)
		chosen = append(chosen, cpu)
	}
	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return nil, fmt.Errorf("sched_setaffinity: %w", err)
	}
	return chosen, nil
}

// setCgroupFD makes the child start inside the cgroup open at fd
// (clone3 CLONE_INTO_CGROUP).
func setCgroupFD(attr *syscall.SysProcAttr, fd int) bool {
	attr.UseCgroupFD = true
	attr.CgroupFD = fd
	return true
}
