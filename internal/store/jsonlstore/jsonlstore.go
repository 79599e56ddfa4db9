// Package jsonlstore is the default local Persistence Facade backend: one
// append-only newline-delimited JSON log per cache segment, spec.md §6
// "<home>.jsonl" / "<home>.values.jsonl" / "<home>.metadata.jsonl".
package jsonlstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zwavecore/hostdriver/internal/store"
)

type record struct {
	Key     string          `json:"k"`
	Value   json.RawMessage `json:"v,omitempty"`
	Deleted bool            `json:"d,omitempty"`
}

// Store is a single append-only jsonl-backed keyed log, store.Log.
type Store struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	values map[string]any
	dirty  map[string]record
	revive store.Reviver

	ticker *time.Ticker
	done   chan struct{}
}

// Open replays path if it exists (creating it otherwise) and, when
// interval > 0, starts a background flush loop at that cadence - the
// coalescing window from spec.md §5 "writes are coalesced over a
// configurable window." An interval of 0 flushes synchronously on every
// Set/Delete.
func Open(path string, interval time.Duration, revive store.Reviver) (*Store, error) {
	s := &Store{path: path, values: make(map[string]any), dirty: make(map[string]record), revive: revive}
	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("jsonlstore: replay %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.file = f
	if interval > 0 {
		s.ticker = time.NewTicker(interval)
		s.done = make(chan struct{})
		go s.flushLoop()
	}
	return s, nil
}

func (s *Store) replay() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			// A torn trailing line from a crash mid-write; everything
			// before it is still valid.
			continue
		}
		if r.Deleted {
			delete(s.values, r.Key)
			continue
		}
		if s.revive != nil {
			v, err := s.revive(r.Key, r.Value)
			if err != nil {
				continue
			}
			s.values[r.Key] = v
			continue
		}
		var v any
		_ = json.Unmarshal(r.Value, &v)
		s.values[r.Key] = v
	}
	return scanner.Err()
}

// Get returns the current in-memory value for key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set updates the in-memory value and queues an append for the next
// flush.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values[key] = value
	s.dirty[key] = record{Key: key, Value: raw}
	synchronous := s.ticker == nil
	s.mu.Unlock()
	if synchronous {
		return s.Flush(context.Background())
	}
	return nil
}

// Delete removes key and queues a tombstone append for the next flush.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.dirty[key] = record{Key: key, Deleted: true}
	synchronous := s.ticker == nil
	s.mu.Unlock()
	if synchronous {
		return s.Flush(context.Background())
	}
	return nil
}

// Keys returns every key currently live in memory.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) flushLoop() {
	for {
		select {
		case <-s.ticker.C:
			_ = s.Flush(context.Background())
		case <-s.done:
			return
		}
	}
}

// Flush appends every pending record to the log file and fsyncs it.
func (s *Store) Flush(_ context.Context) error {
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	pending := s.dirty
	s.dirty = make(map[string]record)
	s.mu.Unlock()

	w := bufio.NewWriter(s.file)
	for _, r := range pending {
		line, err := json.Marshal(r)
		if err != nil {
			return err
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close stops the flush loop, flushes any remaining writes, and closes
// the underlying file.
func (s *Store) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.done)
	}
	if err := s.Flush(context.Background()); err != nil {
		return err
	}
	return s.file.Close()
}

var _ store.Log = (*Store)(nil)

// Backend opens the three jsonlstore.Store logs under Dir, the default
// Persistence Facade backend, spec.md §6's persisted state layout.
type Backend struct {
	Dir      string
	Interval time.Duration
}

func (b Backend) OpenNetworkCache(homeID uint32, revive store.Reviver) (store.Log, error) {
	return Open(filepath.Join(b.Dir, fmt.Sprintf("%08x.jsonl", homeID)), b.Interval, revive)
}

func (b Backend) OpenValueDB(homeID uint32, revive store.Reviver) (store.Log, error) {
	return Open(filepath.Join(b.Dir, fmt.Sprintf("%08x.values.jsonl", homeID)), b.Interval, revive)
}

func (b Backend) OpenMetadataDB(homeID uint32, revive store.Reviver) (store.Log, error) {
	return Open(filepath.Join(b.Dir, fmt.Sprintf("%08x.metadata.jsonl", homeID)), b.Interval, revive)
}

var _ store.Backend = Backend{}
