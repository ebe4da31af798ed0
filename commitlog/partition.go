package commitlog

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lkstream/lkstream/metrics"
	"github.com/lkstream/lkstream/utils/log"
)

// State is the partition lifecycle. Only Active accepts appends;
// Draining accepts reads and commits; Closed rejects everything.
type State int32

const (
	Initializing State = iota
	Recovering
	Active
	Draining
	Closed
)

// DirtySink receives unsynced-byte registrations from partitions. The
// group-commit syncer implements it; the partition holds nothing else of
// the syncer.
type DirtySink interface {
	MarkDirty(p *Partition, bytes int64)
}

// Options are the per-partition tunables, taken from the broker config.
type Options struct {
	SegmentMaxBytes int64
	IndexEveryN     int
	HotTailEntries  int
}

// Partition owns an ordered list of segments, the active segment's
// index, a hot-tail ring, and the waiter set. Appends are serialized by
// mu; readers only take lmu briefly to snapshot the segment list and hot
// tail, so reads never block behind an in-flight append.
type Partition struct {
	Topic string
	ID    int

	dir  string
	opts Options
	sink DirtySink
	pool *FDPool

	mu  sync.Mutex   // serializes appends, rotation, retention
	lmu sync.RWMutex // guards segments/indexes/hot snapshots

	segments []*Segment
	indexes  []*Index
	hot      *hotTail

	nextOffset uint64 // atomic
	earliest   uint64 // atomic
	state      int32  // atomic State

	sinceIndexEntry int

	waiterMu sync.Mutex
	waiters  []*waiter

	subMu sync.Mutex
	subs  map[uuid.UUID]*Subscription

	closedCh chan struct{}
}

type waiter struct {
	target uint64
	ch     chan struct{}
}

func (p *Partition) State() State {
	return State(atomic.LoadInt32(&p.state))
}

func (p *Partition) setState(s State) {
	atomic.StoreInt32(&p.state, int32(s))
}

// NextOffset is the offset the next accepted record will receive.
func (p *Partition) NextOffset() uint64 {
	return atomic.LoadUint64(&p.nextOffset)
}

// EarliestOffset is the base offset of the first retained segment.
func (p *Partition) EarliestOffset() uint64 {
	return atomic.LoadUint64(&p.earliest)
}

func (p *Partition) Dir() string { return p.dir }

func (p *Partition) active() *Segment {
	return p.segments[len(p.segments)-1]
}

func (p *Partition) activeIndex() *Index {
	return p.indexes[len(p.indexes)-1]
}

// restorePoint captures the in-memory and on-disk extent of the append
// path so a failed batch can be undone without publishing any offset.
type restorePoint struct {
	segCount        int
	activeSize      int64
	next            uint64
	sinceIndexEntry int
}

func (p *Partition) undo(rp restorePoint) {
	p.lmu.Lock()
	for i := len(p.segments) - 1; i >= rp.segCount; i-- {
		if err := p.indexes[i].Delete(); err != nil {
			log.Error("undo: failed to delete index %s: %v", p.indexes[i].Path(), err)
		}
		if err := p.segments[i].Delete(); err != nil {
			log.Error("undo: failed to delete segment %s: %v", p.segments[i].Path(), err)
		}
	}
	p.segments = p.segments[:rp.segCount]
	p.indexes = p.indexes[:rp.segCount]
	p.lmu.Unlock()

	active := p.active()
	active.sealed = false
	if err := active.Truncate(rp.activeSize); err != nil {
		log.Error("undo: failed to truncate segment %s: %v", active.Path(), err)
	}
	if err := p.activeIndex().TruncateBelow(rp.next); err != nil {
		log.Error("undo: failed to truncate index %s: %v", p.activeIndex().Path(), err)
	}
	p.sinceIndexEntry = rp.sinceIndexEntry
}

// AppendBatch writes records to the active segment and returns their
// assigned offsets. All records of one call receive consecutive offsets
// and appear adjacently on disk; concurrent callers are serialized by
// the partition mutex. Offsets are published and waiters woken before
// durability, which the sink establishes asynchronously. A failed batch
// assigns no offsets.
func (p *Partition) AppendBatch(records []Record) ([]uint64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if p.State() != Active {
		return nil, ErrClosedPartition
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != Active {
		return nil, ErrClosedPartition
	}

	rp := restorePoint{
		segCount:        len(p.segments),
		activeSize:      p.active().Size(),
		next:            p.NextOffset(),
		sinceIndexEntry: p.sinceIndexEntry,
	}

	next := rp.next
	offsets := make([]uint64, 0, len(records))
	var batchBytes int64
	now := time.Now().UTC()

	for i := range records {
		payload := records[i].Value
		active := p.active()
		if active.Size() > 0 && active.WouldOverflow(len(payload), p.opts.SegmentMaxBytes) {
			if err := p.rotate(next); err != nil {
				p.undo(rp)
				return nil, err
			}
			active = p.active()
		}
		pos, err := active.Append(payload)
		if err != nil {
			p.undo(rp)
			if errors.Is(err, syscall.ENOSPC) {
				return nil, ErrStorageFull
			}
			return nil, err
		}
		if pos == 0 || p.sinceIndexEntry >= p.opts.IndexEveryN {
			if err := p.activeIndex().Append(next, uint64(pos)); err != nil {
				p.undo(rp)
				return nil, err
			}
			p.sinceIndexEntry = 0
		}
		p.sinceIndexEntry++
		records[i].Offset = next
		records[i].Timestamp = now
		offsets = append(offsets, next)
		next++
		batchBytes += FramedSize(payload)
	}

	p.lmu.Lock()
	for i := range records {
		p.hot.push(records[i])
	}
	p.lmu.Unlock()

	atomic.StoreUint64(&p.nextOffset, next)
	p.notifyWaiters(next)
	if p.sink != nil {
		p.sink.MarkDirty(p, batchBytes)
	}
	metrics.AppendedRecordsTotal.WithLabelValues(p.Topic).Add(float64(len(offsets)))
	metrics.AppendedBytesTotal.WithLabelValues(p.Topic).Add(float64(batchBytes))
	return offsets, nil
}

// rotate seals the active segment and opens a new one based at next.
// Called under the partition mutex so readers observe a consistent list.
func (p *Partition) rotate(next uint64) error {
	active := p.active()
	if err := active.Sync(); err != nil {
		return err
	}
	if err := p.activeIndex().Sync(); err != nil {
		return err
	}
	if err := active.Seal(); err != nil {
		return err
	}

	seg, err := NewSegment(p.dir, next, p.pool)
	if err != nil {
		return err
	}
	idx, err := OpenIndex(p.dir, next)
	if err != nil {
		return err
	}

	p.lmu.Lock()
	segments := make([]*Segment, len(p.segments), len(p.segments)+1)
	copy(segments, p.segments)
	p.segments = append(segments, seg)
	indexes := make([]*Index, len(p.indexes), len(p.indexes)+1)
	copy(indexes, p.indexes)
	p.indexes = append(indexes, idx)
	p.lmu.Unlock()

	p.sinceIndexEntry = 0
	if err := writeCheckpoint(p.dir, active.BaseOffset, next); err != nil {
		log.Warn("failed to write checkpoint for %s/part%d: %v", p.Topic, p.ID, err)
	}
	metrics.SegmentRotationsTotal.WithLabelValues(p.Topic).Inc()
	log.Debug("rotated %s/part%d: sealed base %d, new base %d", p.Topic, p.ID, active.BaseOffset, next)
	return nil
}

// ReadFrom returns records starting at offset, up to maxMsgs and
// maxBytes of framed payload. An offset at or past the next offset
// returns empty. The hot tail serves tail reads without disk I/O. A torn
// tail terminates the read with the records accumulated so far, matching
// what recovery would preserve.
func (p *Partition) ReadFrom(offset uint64, maxMsgs int, maxBytes int64) ([]Record, error) {
	if p.State() == Closed {
		return nil, ErrClosedPartition
	}
	if maxMsgs <= 0 {
		return nil, nil
	}
	next := p.NextOffset()
	if offset >= next {
		return nil, nil
	}
	if offset < p.EarliestOffset() {
		return nil, ErrOffsetOutOfRange
	}

	p.lmu.RLock()
	if recs := p.hot.slice(offset, maxMsgs, maxBytes); recs != nil {
		p.lmu.RUnlock()
		return recs, nil
	}
	segments := p.segments
	indexes := p.indexes
	p.lmu.RUnlock()

	cur := sort.Search(len(segments), func(i int) bool {
		return segments[i].BaseOffset > offset
	}) - 1
	if cur < 0 {
		return nil, ErrOffsetOutOfRange
	}

	logical := segments[cur].BaseOffset
	pos := int64(0)
	if ent, ok := indexes[cur].Lookup(offset); ok {
		logical = ent.Offset
		pos = int64(ent.Pos)
	}

	var out []Record
	var bytes int64
	for logical < next {
		seg := segments[cur]
		if pos >= seg.Size() {
			cur++
			if cur >= len(segments) {
				break
			}
			seg = segments[cur]
			pos = 0
			logical = seg.BaseOffset
			continue
		}
		payload, nextPos, err := seg.ReadFrame(pos)
		if err != nil {
			if errors.Is(err, ErrTorn) {
				break
			}
			return out, err
		}
		if logical >= offset {
			framed := FramedSize(payload)
			if len(out) > 0 && (len(out) >= maxMsgs || bytes+framed > maxBytes) {
				break
			}
			out = append(out, Record{Offset: logical, Value: payload})
			bytes += framed
			if len(out) >= maxMsgs {
				break
			}
		}
		logical++
		pos = nextPos
	}
	return out, nil
}

// WaitForOffset blocks until the partition's next offset is greater than
// offset, the context is done, or the partition closes. Returns whether
// the offset became available.
func (p *Partition) WaitForOffset(ctx context.Context, offset uint64) bool {
	if p.NextOffset() > offset {
		return true
	}
	w := &waiter{target: offset, ch: make(chan struct{})}
	p.waiterMu.Lock()
	if p.State() == Closed {
		p.waiterMu.Unlock()
		return false
	}
	p.waiters = append(p.waiters, w)
	p.waiterMu.Unlock()

	// re-check after registration so a concurrent append is not missed
	if p.NextOffset() > offset {
		p.removeWaiter(w)
		return true
	}

	select {
	case <-w.ch:
		return true
	case <-ctx.Done():
		p.removeWaiter(w)
		return false
	case <-p.closedCh:
		p.removeWaiter(w)
		return false
	}
}

func (p *Partition) removeWaiter(w *waiter) {
	p.waiterMu.Lock()
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.waiterMu.Unlock()
}

func (p *Partition) notifyWaiters(next uint64) {
	p.waiterMu.Lock()
	kept := p.waiters[:0]
	for _, w := range p.waiters {
		if next > w.target {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	p.waiters = kept
	p.waiterMu.Unlock()
}

// SyncAll flushes the active segment and its index to stable storage.
// Called by the group-commit syncer; appenders keep writing concurrently
// because sync operates on already-positioned buffered data.
func (p *Partition) SyncAll() error {
	p.lmu.RLock()
	seg := p.segments[len(p.segments)-1]
	idx := p.indexes[len(p.indexes)-1]
	p.lmu.RUnlock()
	if err := seg.Sync(); err != nil {
		return err
	}
	return idx.Sync()
}

// BeginDrain moves an Active partition to Draining: reads and commits
// continue, new appends are rejected.
func (p *Partition) BeginDrain() {
	atomic.CompareAndSwapInt32(&p.state, int32(Active), int32(Draining))
}

// Close finishes the lifecycle: cancels subscriptions, wakes waiters,
// syncs the active tail one last time and closes every handle.
func (p *Partition) Close() error {
	if p.State() == Closed {
		return nil
	}
	p.setState(Closed)
	close(p.closedCh)

	p.subMu.Lock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.subMu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// a last sync covers any append that raced the final group flush
	var firstErr error
	if err := p.active().Sync(); err != nil {
		firstErr = err
	}
	if err := p.activeIndex().Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := writeCheckpoint(p.dir, p.sealedBase(), p.NextOffset()); err != nil {
		log.Warn("failed to write checkpoint for %s/part%d: %v", p.Topic, p.ID, err)
	}
	for i := range p.segments {
		if err := p.indexes[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.segments[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Partition) sealedBase() uint64 {
	if len(p.segments) < 2 {
		return 0
	}
	return p.segments[len(p.segments)-2].BaseOffset
}

// Info describes the partition for admin calls.
type Info struct {
	Topic          string
	ID             int
	EarliestOffset uint64
	NextOffset     uint64
	Segments       int
	Bytes          int64
	State          State
}

func (p *Partition) Describe() Info {
	p.lmu.RLock()
	defer p.lmu.RUnlock()
	var bytes int64
	for _, s := range p.segments {
		bytes += s.Size()
	}
	return Info{
		Topic:          p.Topic,
		ID:             p.ID,
		EarliestOffset: p.EarliestOffset(),
		NextOffset:     p.NextOffset(),
		Segments:       len(p.segments),
		Bytes:          bytes,
		State:          p.State(),
	}
}
