//go:build linux

package delta

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// allowedCPUs intersects mask with the CPUs this process may run on
func allowedCPUs(mask uint64) (unix.CPUSet, error) {
	var allowed, set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		return set, err
	}
	set.Zero()
	for cpu := 0; cpu < 64; cpu++ {
		if mask&(1<<uint(cpu)) != 0 && allowed.IsSet(cpu) {
			set.Set(cpu)
		}
	}
	return set, nil
}

// checkAffinity rejects masks that name no CPU available to the process
func checkAffinity(mask uint64) error {
	if mask == 0 {
		return nil
	}
	set, err := allowedCPUs(mask)
	if err != nil {
		return fmt.Errorf("%w: reading affinity: %v", ErrInit, err)
	}
	if set.Count() == 0 {
		return fmt.Errorf("%w: affinity mask %#x selects no available cpu", ErrInit, mask)
	}
	return nil
}

// pinThread locks the calling goroutine to its OS thread and restricts that
// thread to the available CPUs in mask
func pinThread(mask uint64) error {
	set, err := allowedCPUs(mask)
	if err != nil {
		return err
	}
	if set.Count() == 0 {
		return nil
	}
	runtime.LockOSThread()
	return unix.SchedSetaffinity(0, &set)
}
