package commitlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	segNameFormat = "%020d.seg"
	idxNameFormat = "%020d.idx"
)

// Segment is one append-only file holding the contiguous offset range
// [BaseOffset, BaseOffset+count). Frames are a u32_be length header
// followed by that many payload bytes. A segment is active (open,
// appendable) or sealed (read-only). Appends are not safe for concurrent
// use; the owning partition serializes them. Size and the write handle
// are accessed atomically because the group-commit syncer and readers
// run concurrently with the appender.
type Segment struct {
	file     atomic.Pointer[os.File] // write handle, nil once sealed
	filePath string
	pool     *FDPool

	BaseOffset uint64
	size       int64 // atomic
	sealed     bool
}

// NewSegment opens or creates the segment file for baseOffset in dir.
func NewSegment(dir string, baseOffset uint64, pool *FDPool) (*Segment, error) {
	filePath := filepath.Join(dir, fmt.Sprintf(segNameFormat, baseOffset))

	size := int64(0)
	fi, err := os.Stat(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "segment stat failed")
		}
	} else {
		size = fi.Size()
	}

	s := &Segment{
		filePath:   filePath,
		pool:       pool,
		BaseOffset: baseOffset,
	}
	s.size = size
	return s, nil
}

func (s *Segment) Path() string { return s.filePath }

// Size is the current length of the segment file in bytes.
func (s *Segment) Size() int64 { return atomic.LoadInt64(&s.size) }

func (s *Segment) IsSealed() bool { return s.sealed }

// WouldOverflow reports whether appending a payload of payloadLen bytes
// would push the segment past maxBytes.
func (s *Segment) WouldOverflow(payloadLen int, maxBytes int64) bool {
	return s.Size()+frameHeaderLen+int64(payloadLen) > maxBytes
}

func (s *Segment) ensureWritable() (*os.File, error) {
	if s.sealed {
		return nil, errors.New("append to sealed segment")
	}
	if fp := s.file.Load(); fp != nil {
		return fp, nil
	}
	fp, err := os.OpenFile(s.filePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open segment for append failed")
	}
	s.file.Store(fp)
	return fp, nil
}

// Append frames payload onto the end of the file through the OS write
// cache and returns the byte position of the frame's length header.
// Durability is established separately by Sync.
func (s *Segment) Append(payload []byte) (pos int64, err error) {
	fp, err := s.ensureWritable()
	if err != nil {
		return 0, err
	}
	frame := EncodeFrame(payload)
	pos = s.Size()
	written, err := fp.Write(frame)
	if err != nil {
		if written > 0 {
			// revert the partial frame so readers never observe it
			fp.Truncate(pos)
		}
		return 0, errors.Wrap(err, "segment write failed")
	}
	atomic.AddInt64(&s.size, int64(written))
	return pos, nil
}

// ReadFrame reads the frame whose length header starts at pos. ErrTorn
// is returned when fewer than four header bytes remain or the declared
// length runs past the end of the file; that is the recovery signal.
func (s *Segment) ReadFrame(pos int64) (payload []byte, nextPos int64, err error) {
	size := s.Size()
	if pos+frameHeaderLen > size {
		return nil, 0, ErrTorn
	}
	var hdr [frameHeaderLen]byte
	if _, err := s.pool.ReadAt(s.filePath, hdr[:], pos); err != nil {
		return nil, 0, errors.Wrap(err, "read frame header failed")
	}
	length := int64(Encoding.Uint32(hdr[:]))
	if pos+frameHeaderLen+length > size {
		return nil, 0, ErrTorn
	}
	payload = make([]byte, length)
	if _, err := s.pool.ReadAt(s.filePath, payload, pos+frameHeaderLen); err != nil {
		return nil, 0, errors.Wrap(err, "read frame payload failed")
	}
	return payload, pos + frameHeaderLen + length, nil
}

// Sync flushes OS buffers for this segment to stable storage. Losing the
// race against a concurrent Seal is harmless: rotation syncs the segment
// before closing its handle.
func (s *Segment) Sync() error {
	fp := s.file.Load()
	if fp == nil {
		return nil
	}
	if err := fp.Sync(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return errors.Wrap(err, "segment sync failed")
	}
	return nil
}

// Seal closes the write handle; the segment is read-only from here on.
func (s *Segment) Seal() error {
	s.sealed = true
	if fp := s.file.Swap(nil); fp != nil {
		if err := fp.Close(); err != nil {
			return errors.Wrap(err, "segment seal failed")
		}
	}
	return nil
}

// Truncate discards all bytes at and beyond size. Used by recovery to
// drop a torn tail frame.
func (s *Segment) Truncate(size int64) error {
	if fp := s.file.Load(); fp != nil {
		if err := fp.Truncate(size); err != nil {
			return errors.Wrap(err, "segment truncate failed")
		}
	} else {
		if err := os.Truncate(s.filePath, size); err != nil {
			return errors.Wrap(err, "segment truncate failed")
		}
	}
	s.pool.Forget(s.filePath)
	atomic.StoreInt64(&s.size, size)
	return nil
}

func (s *Segment) Close() error {
	s.pool.Forget(s.filePath)
	if fp := s.file.Swap(nil); fp != nil {
		return fp.Close()
	}
	return nil
}

// Delete removes the segment file. Used by retention, which never
// deletes the active segment, and by the undo of a failed batch, which
// deletes segments created by rotation during that batch.
func (s *Segment) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(s.filePath)
}
