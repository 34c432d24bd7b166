//go:build !unix

package monitor

// descriptorUsage is unsupported on this platform; the descriptors
// check is skipped.
func descriptorUsage() (float64, bool) {
	return 0, false
}
