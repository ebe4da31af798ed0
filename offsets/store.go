// Package offsets persists consumer-group read cursors. Each
// (group, topic, partition) triple maps to one 8-byte big-endian file
// replaced atomically on commit, so a crashed commit never leaves a torn
// value behind.
package offsets

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const offsetFileLen = 8

// Store writes committed offsets under dir. Ordering across triples is
// the caller's responsibility; per file the last writer wins.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "mkdir offsets dir failed")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(group, topic string, pid int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s__%s__part%d.offset", group, topic, pid))
}

// Commit durably records offset for the triple. On return, a reader
// after any crash observes either the previous value or offset, never a
// torn one: the value is written to a sibling tmp file, fsynced, renamed
// over the final name, and the directory entry is fsynced.
func (s *Store) Commit(group, topic string, pid int, offset uint64) error {
	final := s.path(group, topic, pid)
	tmp := final + ".tmp"

	var buf [offsetFileLen]byte
	binary.BigEndian.PutUint64(buf[:], offset)

	fp, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "open offset tmp failed")
	}
	if _, err := fp.Write(buf[:]); err != nil {
		fp.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "write offset tmp failed")
	}
	if err := fp.Sync(); err != nil {
		fp.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "sync offset tmp failed")
	}
	if err := fp.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "close offset tmp failed")
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "rename offset file failed")
	}
	return syncDir(s.dir)
}

// Committed returns the stored offset for the triple, ok=false when no
// commit has ever succeeded. A stale tmp file from a crashed commit is
// ignored.
func (s *Store) Committed(group, topic string, pid int) (offset uint64, ok bool, err error) {
	data, err := os.ReadFile(s.path(group, topic, pid))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "read offset file failed")
	}
	if len(data) != offsetFileLen {
		return 0, false, errors.Errorf("offset file has %d bytes, want %d", len(data), offsetFileLen)
	}
	return binary.BigEndian.Uint64(data), true, nil
}

func syncDir(dir string) error {
	fp, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open offsets dir failed")
	}
	defer fp.Close()
	if err := fp.Sync(); err != nil {
		return errors.Wrap(err, "sync offsets dir failed")
	}
	return nil
}
