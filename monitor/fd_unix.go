//go:build unix

package monitor

import (
	"os"

	"golang.org/x/sys/unix"
)

// descriptorUsage reports open file descriptors as a fraction of the
// process soft limit.
func descriptorUsage() (float64, bool) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil || rl.Cur == 0 {
		return 0, false
	}

	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		// /proc is linux only, fall back to /dev/fd elsewhere
		entries, err = os.ReadDir("/dev/fd")
		if err != nil {
			return 0, false
		}
	}
	return float64(len(entries)) / float64(rl.Cur), true
}
