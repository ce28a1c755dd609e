//go:build unix

package repack

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isLockError(err error) bool {
	return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.ETXTBSY)
}
