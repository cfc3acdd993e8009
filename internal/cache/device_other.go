//go:build !linux

package cache

func availableMemoryBytes() (uint64, bool) { return 0, false }

// ProcessRSSBytes is only implemented on Linux.
func ProcessRSSBytes() (uint64, bool) { return 0, false }
