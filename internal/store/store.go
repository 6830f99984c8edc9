package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/parwave/parwave/internal/state"
)

const (
	// RecordFilePath is the repo-relative location of the run record.
	RecordFilePath = "_parwave/_local-state/run.json"

	recordFileMode = 0o644
	recordDirMode  = 0o755
)

// ErrNoRecord indicates that no run record exists yet.
var ErrNoRecord = errors.New("no run record found")

// Store reads and writes the run record with exclusive-lock semantics.
type Store struct {
	path string
}

// NewStore builds a store rooted at the provided repo.
func NewStore(repoRoot string) (Store, error) {
	if repoRoot == "" {
		return Store{}, errors.New("repo root is required")
	}
	return Store{path: filepath.Join(repoRoot, filepath.FromSlash(RecordFilePath))}, nil
}

// Path returns the absolute path of the record file.
func (s Store) Path() string {
	return s.path
}

// Exists reports whether a run record file is present.
func (s Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Init writes the initial record for a new run. It refuses to clobber a
// record for a run that is still in flight.
func (s Store) Init(rec Record) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := s.read()
	if err != nil && !errors.Is(err, ErrNoRecord) {
		return err
	}
	if err == nil && !state.RunTerminal(existing.Status) && existing.Status != state.RunFailed {
		return fmt.Errorf("run %s is still %s, refusing to start a new run", existing.RunID, existing.Status)
	}
	return s.write(rec)
}

// Load reads the current record without taking the write lock.
func (s Store) Load() (Record, error) {
	return s.read()
}

// Update applies mutate to the record under the exclusive lock and persists
// the result atomically. The returned record is the post-mutation state.
func (s Store) Update(mutate func(*Record) error) (Record, error) {
	unlock, err := s.lock()
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	rec, err := s.read()
	if err != nil {
		return Record{}, err
	}
	if err := mutate(&rec); err != nil {
		return Record{}, err
	}
	if err := s.write(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// lock acquires the exclusive advisory lock for the record file. The
// returned function releases it.
func (s Store) lock() (func(), error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, recordDirMode); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	lockPath := s.path + ".lock"
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, recordFileMode)
	if err != nil {
		return nil, fmt.Errorf("open record lock %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("lock record %s: %w", lockPath, err)
	}
	return func() {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		_ = file.Close()
	}, nil
}

// read loads and decodes the record file.
func (s Store) read() (Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrNoRecord
		}
		return Record{}, fmt.Errorf("read run record %s: %w", s.path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode run record %s: %w", s.path, err)
	}
	if rec.Workspaces == nil {
		rec.Workspaces = make(map[string]*Workspace)
	}
	return rec, nil
}

// write encodes the record deterministically and renames it into place so
// readers never observe a partial file.
func (s Store) write(rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, recordDirMode); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "run-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp record %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp record %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename record into place: %w", err)
	}
	return nil
}

// encodeRecord renders the record as stable, indented JSON with a trailing
// newline. Map keys are sorted by the encoder, so equal records always
// produce identical bytes.
func encodeRecord(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(rec); err != nil {
		return nil, fmt.Errorf("encode run record: %w", err)
	}
	return buf.Bytes(), nil
}
