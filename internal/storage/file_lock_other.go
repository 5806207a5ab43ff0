//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly)

package storage

import "os"

// lockFile is a no-op where flock is unavailable.
func lockFile(*os.File) error { return nil }
