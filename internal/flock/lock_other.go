//go:build !unix && !windows

package flock

import (
	"errors"
	"os"
)

func lockFile(*os.File) error { return errors.ErrUnsupported }
func tryLockFile(*os.File) (bool, error) { return false, errors.ErrUnsupported }
func unlockFile(*os.File) error { return errors.ErrUnsupported }
