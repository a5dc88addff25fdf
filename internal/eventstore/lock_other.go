//go:build !unix

package eventstore

import "os"

// Advisory locking is unix-only; elsewhere the in-process persister is the
// only writer.
func lockExclusive(*os.File) error { return nil }

func unlock(*os.File) error { return nil }
