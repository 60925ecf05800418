// Package persist implements the durable-state substrate shared by every
// store: JSON documents written with a temp-then-rename protocol under a
// per-file lock with bounded acquire.
//
// A crash between write and rename leaves the live file intact; a crash after
// rename leaves the new file intact. The locked region covers only the
// serialize-write-rename sequence, never external I/O.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a per-file lock cannot be acquired within
// the bounded wait.
var ErrLockTimeout = errors.New("persist: lock acquire timed out")

// DefaultLockWait bounds how long a writer waits for the per-file lock before
// failing fast.
const DefaultLockWait = 5 * time.Second

// FileLock is a per-file mutex with bounded acquire.
type FileLock struct {
	ch chan struct{}
}

// NewFileLock returns an unlocked FileLock.
func NewFileLock() *FileLock {
	l := &FileLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Acquire takes the lock, failing with ErrLockTimeout after the wait bound.
func (l *FileLock) Acquire(wait time.Duration) error {
	select {
	case <-l.ch:
		return nil
	default:
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-l.ch:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	}
}

// Release returns the lock. Release of an unheld lock panics; that is a
// programming error, not a runtime condition.
func (l *FileLock) Release() {
	select {
	case l.ch <- struct{}{}:
	default:
		panic("persist: release of unheld lock")
	}
}

// writeFileAtomic serializes v and replaces path via a sibling temp file and
// rename.
func writeFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// File is a single-file JSON map store (call-state cache, blocklist, SMS
// pending leads).
type File[V any] struct {
	path     string
	lock     *FileLock
	lockWait time.Duration
}

// NewFile creates a File store at path. Zero lockWait uses DefaultLockWait.
func NewFile[V any](path string, lockWait time.Duration) *File[V] {
	if lockWait == 0 {
		lockWait = DefaultLockWait
	}
	return &File[V]{path: path, lock: NewFileLock(), lockWait: lockWait}
}

// Path returns the backing file path.
func (f *File[V]) Path() string { return f.path }

// Save replaces the on-disk document with m.
func (f *File[V]) Save(m map[string]V) error {
	if err := f.lock.Acquire(f.lockWait); err != nil {
		return fmt.Errorf("save %s: %w", f.path, err)
	}
	defer f.lock.Release()
	return writeFileAtomic(f.path, m)
}

// SaveDoc replaces the on-disk document with an arbitrary value. Used by
// stores whose document is not a bare map (the blocklist config object).
func (f *File[V]) SaveDoc(doc any) error {
	if err := f.lock.Acquire(f.lockWait); err != nil {
		return fmt.Errorf("save %s: %w", f.path, err)
	}
	defer f.lock.Release()
	return writeFileAtomic(f.path, doc)
}

// Load reads the document. An absent file is an empty map.
func (f *File[V]) Load() (map[string]V, error) {
	m := make(map[string]V)
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return m, nil
}

// LoadDoc reads an arbitrary document into v. An absent file leaves v
// untouched and returns false.
func (f *File[V]) LoadDoc(v any) (bool, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return true, nil
}

// Shards is a JSON map store sharded by a caller-supplied key (month for the
// redial queue, day for webhook logs). Each shard is an independent file with
// its own lock, so reconciliation writes targeting historical shards do not
// contend with the current one.
type Shards[V any] struct {
	dir      string
	prefix   string
	lockWait time.Duration

	mu    sync.Mutex
	locks map[string]*FileLock
}

// NewShards creates a sharded store writing dir/prefix_<key>.json files.
func NewShards[V any](dir, prefix string, lockWait time.Duration) *Shards[V] {
	if lockWait == 0 {
		lockWait = DefaultLockWait
	}
	return &Shards[V]{
		dir:      dir,
		prefix:   prefix,
		lockWait: lockWait,
		locks:    make(map[string]*FileLock),
	}
}

// Path returns the file path for a shard key.
func (s *Shards[V]) Path(key string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", s.prefix, key))
}

func (s *Shards[V]) lockFor(key string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = NewFileLock()
		s.locks[key] = l
	}
	return l
}

// Save replaces the shard for key with m.
func (s *Shards[V]) Save(key string, m map[string]V) error {
	l := s.lockFor(key)
	if err := l.Acquire(s.lockWait); err != nil {
		return fmt.Errorf("save shard %s: %w", key, err)
	}
	defer l.Release()
	return writeFileAtomic(s.Path(key), m)
}

// Load reads the shard for key. An absent shard is an empty map.
func (s *Shards[V]) Load(key string) (map[string]V, error) {
	m := make(map[string]V)
	data, err := os.ReadFile(s.Path(key))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read shard %s: %w", key, err)
	}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse shard %s: %w", key, err)
	}
	return m, nil
}

// Keys lists the shard keys present on disk, in lexical order.
func (s *Shards[V]) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list shards in %s: %w", s.dir, err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, s.prefix+"_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(strings.TrimPrefix(name, s.prefix+"_"), ".json"))
	}
	return keys, nil
}

// Sweep deletes shards whose key the predicate marks expired. The caller's
// predicate must exclude the current shard; Sweep itself never inspects
// content.
func (s *Shards[V]) Sweep(expired func(key string) bool) ([]string, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, key := range keys {
		if !expired(key) {
			continue
		}
		l := s.lockFor(key)
		if err := l.Acquire(s.lockWait); err != nil {
			return removed, fmt.Errorf("sweep shard %s: %w", key, err)
		}
		err := os.Remove(s.Path(key))
		l.Release()
		if err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove shard %s: %w", key, err)
		}
		removed = append(removed, key)
	}
	return removed, nil
}
