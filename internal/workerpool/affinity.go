package workerpool

import (
	"runtime"

	"golang.org/x/sys/unix"

	"csrd/internal/model"
)

// ApplyCoreUsage pins the calling goroutine's OS thread to a subset of
// its current CPU-affinity mask for the duration of fn, restoring the
// thread's original mask afterward (§2's "CPU-affinity-based core
// limiting", applied by C7 before every engine invocation). Go's
// scheduler can otherwise migrate a locked goroutine's thread freely,
// so the mask is read and set the same way internal/access reads
// SO_PEERCRED: via a direct golang.org/x/sys/unix syscall wrapper.
// CoreUsageDefault runs fn without touching affinity at all.
func ApplyCoreUsage(usage model.CoreUsage, fn func() error) error {
	if usage == model.CoreUsageDefault {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var original unix.CPUSet
	if err := unix.SchedGetaffinity(0, &original); err != nil {
		// No affinity support (or a sandboxed environment): fall back
		// to running unpinned rather than failing the scan.
		return fn()
	}

	limited := limitedMask(usage, original)
	if err := unix.SchedSetaffinity(0, &limited); err != nil {
		return fn()
	}
	defer unix.SchedSetaffinity(0, &original)

	return fn()
}

// limitedMask narrows available down to the core count usage allows,
// keeping the lowest-numbered cores already present in available.
func limitedMask(usage model.CoreUsage, available unix.CPUSet) unix.CPUSet {
	var cpus []int
	for cpu := 0; cpu < unix.CPU_SETSIZE; cpu++ {
		if available.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}

	want := len(cpus)
	switch usage {
	case model.CoreUsageSingle:
		want = 1
	case model.CoreUsageHalf:
		want = (len(cpus) + 1) / 2
	}
	if want < 1 {
		want = 1
	}
	if want > len(cpus) {
		want = len(cpus)
	}

	var mask unix.CPUSet
	mask.Zero()
	for _, cpu := range cpus[:want] {
		mask.Set(cpu)
	}
	return mask
}
