//go:build !linux

package delta

// checkAffinity accepts any mask; pinning is not supported on this platform
func checkAffinity(mask uint64) error { return nil }

// pinThread is a no-op outside Linux
func pinThread(mask uint64) error { return nil }
