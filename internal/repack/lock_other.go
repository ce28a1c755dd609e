//go:build !unix && !windows

package repack

func isLockError(error) bool { return false }
