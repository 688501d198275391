package system

import (
	"runtime"
	"syscall"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// InitResourceLimits raises the open-file limit; frame synthesis keeps many
// subprocess pipes and frame files open at once.
func InitResourceLimits(log *zap.Logger) {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Warn("could not read open file limit", zap.Error(err))
		return
	}

	want := uint64(4096)
	if want > rLimit.Max {
		want = rLimit.Max
	}
	if rLimit.Cur >= want {
		return
	}
	rLimit.Cur = want

	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		log.Warn("could not raise open file limit", zap.Error(err))
		return
	}
	log.Debug("open file limit raised", zap.Uint64("limit", rLimit.Cur))
}

// lowMemoryPercent is the available-memory share below which the ceiling is halved.
const lowMemoryPercent = 15.0

// Parallelism returns the subprocess ceiling. A positive configured value wins;
// otherwise physical cores are used, halved when the host is short on memory.
func Parallelism(configured int) int {
	if configured > 0 {
		return configured
	}

	n, err := cpu.Counts(false)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		avail := float64(vm.Available) / float64(vm.Total) * 100
		if avail < lowMemoryPercent {
			n /= 2
		}
	}
	return max(1, n)
}
