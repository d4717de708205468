package engine

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/benchcloud/cloudrunexec/internal/config"
	"github.com/benchcloud/cloudrunexec/internal/logging"
)

// checkHostCapacity warns about limits the host cannot honour. Nothing is
// rejected: a limit above capacity just means the command is not bounded
// by it.
func checkHostCapacity(limits config.Limits, logger *logging.Logger) {
	if mb, ok := limits.Get(config.MemLimit); ok {
		if vm, err := mem.VirtualMemory(); err == nil && uint64(mb)*1024*1024 > vm.Total {
			logger.Warn("memory limit exceeds host memory", map[string]interface{}{
				"limit_mb": mb,
				"host_mb":  vm.Total / 1024 / 1024,
			})
		}
	}

	if cores, ok := limits.Get(config.CoreLimit); ok {
		if n, err := cpu.Counts(true); err == nil && n > 0 && cores > int64(n) {
			logger.Warn("core limit exceeds host cpus", map[string]interface{}{
				"limit_cores": cores,
				"host_cpus":   n,
			})
		}
	}
}
