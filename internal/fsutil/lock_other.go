//go:build !unix

package fsutil

import "os"

// No advisory locking off unix; the store's in-process mutex still
// serializes saves within one server.
func tryLock(_ *os.File) error { return nil }

func unlock(_ *os.File) error { return nil }
