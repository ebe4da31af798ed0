package broker

import (
	"sync"
	"time"

	"github.com/lkstream/lkstream/commitlog"
	"github.com/lkstream/lkstream/metrics"
	"github.com/lkstream/lkstream/utils"
	"github.com/lkstream/lkstream/utils/log"
)

// Syncer is the group-commit scheduler: one long-lived goroutine per
// broker coalescing fsyncs across partitions. Partitions register dirty
// bytes through MarkDirty (the commitlog.DirtySink interface); a flush
// fires when the earliest dirty mark ages past the interval or the
// unsynced byte total crosses the group threshold, whichever comes
// first. Partitions keep appending during a flush; their marks simply
// re-enter the dirty set.
type Syncer struct {
	mode       utils.FsyncMode
	interval   time.Duration
	groupBytes int64

	mu           sync.Mutex
	dirty        map[*commitlog.Partition]int64
	firstDirtyAt time.Time
	pendingBytes int64

	flushChannel chan chan struct{}
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup

	// onDirty/onFlushed keep the broker's inflight accounting; onDurable
	// is the durability event carrying next-offset-at-flush-start;
	// onError feeds the broker's degraded-mode streak.
	onDirty   func(bytes int64)
	onFlushed func(bytes int64)
	onDurable func(p *commitlog.Partition, through uint64)
	onError   func(err error)
}

func NewSyncer(mode utils.FsyncMode, interval time.Duration, groupBytes int64) *Syncer {
	return &Syncer{
		mode:         mode,
		interval:     interval,
		groupBytes:   groupBytes,
		dirty:        make(map[*commitlog.Partition]int64),
		flushChannel: make(chan chan struct{}, 16),
		stopChan:     make(chan struct{}),
	}
}

// MarkDirty implements commitlog.DirtySink. In none mode nothing is
// tracked: data is the OS's problem from here on.
func (s *Syncer) MarkDirty(p *commitlog.Partition, bytes int64) {
	if s.mode == utils.FsyncNone {
		return
	}
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.firstDirtyAt = time.Now()
	}
	s.dirty[p] += bytes
	s.pendingBytes += bytes
	s.mu.Unlock()
	if s.onDirty != nil {
		s.onDirty(bytes)
	}
}

// Start launches the background flush loop. In sync and none modes the
// loop only serves explicit requests and shutdown.
func (s *Syncer) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Syncer) run() {
	defer s.wg.Done()

	check := s.interval / 4
	if check < time.Millisecond {
		check = time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.mode != utils.FsyncGroup {
				continue
			}
			s.mu.Lock()
			age := time.Since(s.firstDirtyAt)
			pending := s.pendingBytes
			n := len(s.dirty)
			s.mu.Unlock()
			if n == 0 {
				continue
			}
			if pending >= s.groupBytes {
				s.flush("bytes")
			} else if age >= s.interval {
				s.flush("interval")
			}
		case done := <-s.flushChannel:
			s.flush("request")
			done <- struct{}{}
		case <-s.stopChan:
			s.flush("shutdown")
			return
		}
	}
}

// flush removes the dirty set atomically, then syncs each partition in
// the snapshot and emits durability events.
func (s *Syncer) flush(trigger string) {
	s.mu.Lock()
	snapshot := s.dirty
	s.dirty = make(map[*commitlog.Partition]int64)
	s.pendingBytes = 0
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	start := time.Now()
	for p, bytes := range snapshot {
		through := p.NextOffset()
		if err := p.SyncAll(); err != nil {
			log.Error("flush failed for %s/part%d: %v", p.Topic, p.ID, err)
			if s.onError != nil {
				s.onError(err)
			}
			// the mark is lost but the bytes still count as drained so
			// backpressure cannot wedge permanently on a dead disk
		} else if s.onDurable != nil {
			s.onDurable(p, through)
		}
		if s.onFlushed != nil {
			s.onFlushed(bytes)
		}
	}
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	metrics.FlushesTotal.WithLabelValues(trigger).Inc()
}

// RequestFlush queues a flush and blocks until it completes. The sync
// durability mode routes every produce call through here.
func (s *Syncer) RequestFlush() {
	if s.mode == utils.FsyncNone {
		return
	}
	// buffered so the loop's reply never blocks if we give up on stop
	done := make(chan struct{}, 1)
	select {
	case s.flushChannel <- done:
		select {
		case <-done:
		case <-s.stopChan:
			// shutdown flush covers anything still dirty
		}
	case <-s.stopChan:
	}
}

// Stop forces a final flush and ends the loop.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}
