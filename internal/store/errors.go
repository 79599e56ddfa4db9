package store

import "errors"

var (
	// ErrLocked is returned by Open when another process already holds the
	// home id's lock file under storage.lockDirectory, spec.md §6
	// "ZWAVEJS_LOCK_DIRECTORY sets a lock-file directory for single-instance
	// ownership."
	ErrLocked = errors.New("store: home id is locked by another process")
)
