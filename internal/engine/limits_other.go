//go:build !linux

package engine

import (
	"errors"
	"syscall"
)

var errUnsupported = errors.New("not supported on this platform")

func setCPULimit(pid int, seconds int64) error {
	return errUnsupported
}

func setAddressSpaceLimit(pid int, bytes int64) error {
	return errUnsupported
}

func pinCPUs(pid int, cores int64, first int) ([]int, error) {
	return nil, errUnsupported
}

func setCgroupFD(attr *syscall.SysProcAttr, fd int) bool {
	return false
}
