//go:build unix

package config

import (
	"os"
	"syscall"
)

// acquireFileLock takes a non-blocking exclusive flock, so a second vpod
// process fails fast with ErrStateLocked instead of waiting.
func acquireFileLock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func releaseFileLock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
