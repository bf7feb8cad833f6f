package state

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

const lockRetryDelay = 100 * time.Millisecond

// Store persists a Record as a YAML file guarded by an flock. The lock is
// held for the Store's whole lifetime: reconciliation is single-threaded
// per machine, and the lock is what serializes concurrent invocations.
type Store struct {
	path string
	lock *flock.Flock
}

// Open acquires the state lock for path and returns the store. The lock
// file sits next to the state file and is never deleted.
func Open(ctx context.Context, path string) (*Store, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, errors.Wrapf(err, "acquire state lock for %s", path)
	}
	if !locked {
		return nil, errors.Newf("failed to acquire state lock for %s: context done", path)
	}
	return &Store{path: path, lock: lock}, nil
}

// Load reads the record. A missing state file yields nil, nil: the caller
// decides whether a fresh record is acceptable.
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read state file %s", s.path)
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "parse state file %s", s.path)
	}
	rec.Init()
	return &rec, nil
}

// Save writes the record atomically (write to a temp file in the same
// directory, then rename).
func (s *Store) Save(rec *Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode state record")
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return errors.Wrapf(err, "write state file %s", s.path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "write state file %s", s.path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "write state file %s", s.path)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "replace state file %s", s.path)
	}
	return nil
}

// Close releases the state lock.
func (s *Store) Close() error {
	if err := s.lock.Unlock(); err != nil {
		return errors.Wrapf(err, "release state lock for %s", s.path)
	}
	return nil
}
