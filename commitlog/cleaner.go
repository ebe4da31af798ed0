package commitlog

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/lkstream/lkstream/utils/log"
)

// Cleaner decides which leading sealed segments to drop under a
// retention policy. Clean receives the full segment list ordered by base
// offset and returns how many leading segments to delete; the active
// segment is never eligible.
type Cleaner interface {
	Clean(segments []*Segment) (drop int)
}

// ByteSizeCleaner keeps total segment bytes under MaxLogBytes, always
// retaining at least the active segment. -1 disables deletion.
type ByteSizeCleaner struct {
	MaxLogBytes int64
}

func (c *ByteSizeCleaner) Clean(segments []*Segment) int {
	if len(segments) < 2 || c.MaxLogBytes < 0 {
		return 0
	}
	total := int64(0)
	for _, s := range segments {
		total += s.Size()
	}
	drop := 0
	for drop < len(segments)-1 && total > c.MaxLogBytes {
		total -= segments[drop].Size()
		drop++
	}
	return drop
}

// DurationCleaner drops sealed segments whose file has not been written
// for longer than Duration. Frames carry no timestamps, so the segment
// file's modification time (the moment it was sealed) stands in for the
// age of its newest record.
type DurationCleaner struct {
	Duration time.Duration
}

func (c *DurationCleaner) Clean(segments []*Segment) int {
	if len(segments) < 2 {
		return 0
	}
	cutoff := time.Now().Add(-c.Duration)
	drop := 0
	for drop < len(segments)-1 {
		fi, err := os.Stat(segments[drop].Path())
		if err != nil || fi.ModTime().After(cutoff) {
			break
		}
		drop++
	}
	return drop
}

// Clean applies a retention policy, deleting leading sealed segments and
// their indexes and advancing the earliest retained offset. Returns the
// number of segments removed.
func (p *Partition) Clean(cleaner Cleaner) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != Active && p.State() != Draining {
		return 0, ErrClosedPartition
	}

	drop := cleaner.Clean(p.segments)
	if drop <= 0 {
		return 0, nil
	}

	for i := 0; i < drop; i++ {
		if err := p.indexes[i].Delete(); err != nil {
			log.Error("retention: failed to delete index %s: %v", p.indexes[i].Path(), err)
		}
		if err := p.segments[i].Delete(); err != nil {
			return i, err
		}
	}

	p.lmu.Lock()
	p.segments = p.segments[drop:]
	p.indexes = p.indexes[drop:]
	base := p.segments[0].BaseOffset
	p.lmu.Unlock()
	atomic.StoreUint64(&p.earliest, base)

	log.Info("retention: dropped %d segment(s) from %s/part%d, earliest now %d",
		drop, p.Topic, p.ID, p.EarliestOffset())
	return drop, nil
}
