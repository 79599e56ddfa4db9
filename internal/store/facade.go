package store

import "context"

// Facade is the Persistence Facade, spec.md §2/§6: the network cache, value
// DB, and metadata DB, plus the single-instance lock.
type Facade struct {
	NetworkCache Log
	ValueDB      Log
	MetadataDB   Log

	lock *Lock
}

// Open builds a Facade from a Backend, optionally claiming lockDir's PID
// lock for homeID first. If opening the value DB or metadata DB fails
// after the network cache succeeded, already-opened logs are closed before
// returning the error.
func Open(b Backend, homeID uint32, lockDir string, revive Reviver) (*Facade, error) {
	lock, err := AcquireLock(lockDir, homeID)
	if err != nil {
		return nil, err
	}

	nc, err := b.OpenNetworkCache(homeID, revive)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	vdb, err := b.OpenValueDB(homeID, revive)
	if err != nil {
		_ = nc.Close()
		_ = lock.Release()
		return nil, err
	}
	mdb, err := b.OpenMetadataDB(homeID, revive)
	if err != nil {
		_ = vdb.Close()
		_ = nc.Close()
		_ = lock.Release()
		return nil, err
	}

	return &Facade{NetworkCache: nc, ValueDB: vdb, MetadataDB: mdb, lock: lock}, nil
}

// Flush coalesced-writes all three logs, spec.md §5 "On shutdown the cache
// is flushed and closed before the serial port is released."
func (f *Facade) Flush(ctx context.Context) error {
	for _, l := range []Log{f.NetworkCache, f.ValueDB, f.MetadataDB} {
		if err := l.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes all three logs, then releases the lock.
func (f *Facade) Close() error {
	ctx := context.Background()
	var firstErr error
	for _, l := range []Log{f.NetworkCache, f.ValueDB, f.MetadataDB} {
		if err := l.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := f.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
