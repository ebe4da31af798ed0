package commitlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// IndexEntry maps a logical offset to the byte position of its frame's
// length header in the companion segment.
type IndexEntry struct {
	Offset uint64
	Pos    uint64
}

// Index is the companion file of one segment: fixed 16-byte entries in
// strictly increasing offset order. The index may be sparse but always
// holds the first record of the segment. The full entry list is kept in
// memory under a read-write lock: the appender extends it while holding
// the partition mutex, readers only take the read lock to search. The
// file handle is an atomic pointer for the same reason as the segment's.
type Index struct {
	file     atomic.Pointer[os.File] // append handle, nil once closed
	filePath string

	mu      sync.RWMutex
	entries []IndexEntry
}

// OpenIndex opens or creates the index file for baseOffset in dir and
// loads its entries.
func OpenIndex(dir string, baseOffset uint64) (*Index, error) {
	filePath := filepath.Join(dir, fmt.Sprintf(idxNameFormat, baseOffset))
	idx := &Index{filePath: filePath}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) load() error {
	data, err := os.ReadFile(idx.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "index read failed")
	}
	// a torn index tail is dropped silently; the segment scan re-derives
	// anything lost
	n := len(data) / indexEntryLen
	idx.entries = make([]IndexEntry, 0, n)
	for i := 0; i < n; i++ {
		ent := IndexEntry{
			Offset: Encoding.Uint64(data[i*indexEntryLen:]),
			Pos:    Encoding.Uint64(data[i*indexEntryLen+8:]),
		}
		if len(idx.entries) > 0 && ent.Offset <= idx.entries[len(idx.entries)-1].Offset {
			// out-of-order entry: keep the valid prefix only
			break
		}
		idx.entries = append(idx.entries, ent)
	}
	return nil
}

func (idx *Index) Path() string { return idx.filePath }

func (idx *Index) Entries() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Last returns the highest entry, if any.
func (idx *Index) Last() (IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.entries) == 0 {
		return IndexEntry{}, false
	}
	return idx.entries[len(idx.entries)-1], true
}

func (idx *Index) ensureOpen() (*os.File, error) {
	if fp := idx.file.Load(); fp != nil {
		return fp, nil
	}
	fp, err := os.OpenFile(idx.filePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open index for append failed")
	}
	idx.file.Store(fp)
	return fp, nil
}

// Append records (offset, pos). Offsets must arrive in strictly
// increasing order; the partition guarantees it under its mutex.
func (idx *Index) Append(offset, pos uint64) error {
	fp, err := idx.ensureOpen()
	if err != nil {
		return err
	}
	var buf [indexEntryLen]byte
	Encoding.PutUint64(buf[0:8], offset)
	Encoding.PutUint64(buf[8:16], pos)
	if _, err := fp.Write(buf[:]); err != nil {
		return errors.Wrap(err, "index write failed")
	}
	idx.mu.Lock()
	idx.entries = append(idx.entries, IndexEntry{Offset: offset, Pos: pos})
	idx.mu.Unlock()
	return nil
}

// Lookup returns the greatest entry with Offset <= target.
func (idx *Index) Lookup(target uint64) (IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Offset > target
	})
	if i == 0 {
		return IndexEntry{}, false
	}
	return idx.entries[i-1], true
}

// Sync flushes the index file to stable storage. Losing the race against
// a concurrent close is harmless for the same reason as the segment's.
func (idx *Index) Sync() error {
	fp := idx.file.Load()
	if fp == nil {
		return nil
	}
	if err := fp.Sync(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return errors.Wrap(err, "index sync failed")
	}
	return nil
}

// TruncateBelow drops all entries at or above firstDiscarded, in memory
// and on disk. Used by recovery after a torn tail truncation.
func (idx *Index) TruncateBelow(firstDiscarded uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	keep := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Offset >= firstDiscarded
	})
	if keep == len(idx.entries) {
		return nil
	}
	if fp := idx.file.Swap(nil); fp != nil {
		fp.Close()
	}
	if err := os.Truncate(idx.filePath, int64(keep*indexEntryLen)); err != nil {
		return errors.Wrap(err, "index truncate failed")
	}
	idx.entries = idx.entries[:keep]
	return nil
}

// Rebuild discards the index file and rewrites it by scanning the
// segment, placing an entry for the first record and then every everyN
// records. Only called during recovery, before readers exist.
func (idx *Index) Rebuild(seg *Segment, everyN int) error {
	if fp := idx.file.Swap(nil); fp != nil {
		fp.Close()
	}
	if err := os.Remove(idx.filePath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "index remove failed")
	}
	idx.mu.Lock()
	idx.entries = nil
	idx.mu.Unlock()

	offset := seg.BaseOffset
	pos := int64(0)
	sinceEntry := 0
	size := seg.Size()
	for pos < size {
		_, next, err := seg.ReadFrame(pos)
		if err != nil {
			break // torn tail, recovery truncates it separately
		}
		if idx.Entries() == 0 || sinceEntry >= everyN {
			if err := idx.Append(offset, uint64(pos)); err != nil {
				return err
			}
			sinceEntry = 0
		}
		sinceEntry++
		offset++
		pos = next
	}
	return nil
}

func (idx *Index) Close() error {
	if fp := idx.file.Swap(nil); fp != nil {
		return fp.Close()
	}
	return nil
}

func (idx *Index) Delete() error {
	if err := idx.Close(); err != nil {
		return err
	}
	if err := os.Remove(idx.filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
