//go:build windows

package config

import (
	"os"
)

// acquireFileLock is a no-op on Windows; the in-process mutex still guards
// concurrent use within one vpod process.
func acquireFileLock(_ *os.File) error {
	return nil
}

func releaseFileLock(_ *os.File) error {
	return nil
}
