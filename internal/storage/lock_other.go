//go:build !unix

package storage

import "os"

// Advisory locking is only implemented on unix; elsewhere the lock file is
// created but not enforced.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
