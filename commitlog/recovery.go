package commitlog

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lkstream/lkstream/metrics"
	"github.com/lkstream/lkstream/utils/log"
)

// OpenPartition opens the partition directory, rebuilding in-memory
// state from disk. A torn tail frame on the active segment is truncated
// together with the index entries it covered; a gap or overlap between
// sealed segments fails with RecoveryCorruptionError. Running recovery
// twice on an unchanged directory yields the same next offset and
// segment list.
func OpenPartition(topic string, pid int, dir string, opts Options, sink DirtySink, pool *FDPool) (*Partition, error) {
	if opts.IndexEveryN <= 0 {
		opts.IndexEveryN = 1
	}
	p := &Partition{
		Topic:    topic,
		ID:       pid,
		dir:      dir,
		opts:     opts,
		sink:     sink,
		pool:     pool,
		hot:      newHotTail(opts.HotTailEntries),
		subs:     make(map[uuid.UUID]*Subscription),
		closedCh: make(chan struct{}),
	}
	p.setState(Recovering)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "mkdir partition dir failed")
	}

	bases, err := listSegmentBases(dir)
	if err != nil {
		return nil, err
	}

	if len(bases) == 0 {
		if err := p.initEmpty(); err != nil {
			return nil, err
		}
		p.setState(Active)
		return p, nil
	}

	for i, base := range bases {
		seg, err := NewSegment(dir, base, pool)
		if err != nil {
			return nil, err
		}
		idx, err := OpenIndex(dir, base)
		if err != nil {
			return nil, err
		}
		last := i == len(bases)-1

		if !validateIndex(seg, idx) {
			log.Warn("rebuilding invalid index for %s (base %d)", dir, base)
			if err := idx.Rebuild(seg, opts.IndexEveryN); err != nil {
				return nil, err
			}
		}

		end, tornPos, torn := scanEnd(seg, idx)
		if torn {
			if !last {
				return nil, RecoveryCorruptionError(fmt.Sprintf(
					"sealed segment %s has a torn frame at byte %d", seg.Path(), tornPos))
			}
			log.Warn("truncating torn tail of %s at byte %d (first discarded offset %d)",
				seg.Path(), tornPos, end)
			if err := seg.Truncate(tornPos); err != nil {
				return nil, err
			}
			if err := idx.TruncateBelow(end); err != nil {
				return nil, err
			}
			metrics.TornFramesRecovered.Inc()
		}
		if !last {
			if end != bases[i+1] {
				return nil, RecoveryCorruptionError(fmt.Sprintf(
					"segment %s covers [%d, %d) but next base is %d",
					seg.Path(), base, end, bases[i+1]))
			}
			seg.sealed = true
		} else {
			p.nextOffset = end
		}

		p.segments = append(p.segments, seg)
		p.indexes = append(p.indexes, idx)
	}

	p.earliest = p.segments[0].BaseOffset
	p.sinceIndexEntry = tailIndexGap(p.active(), p.activeIndex(), p.NextOffset())

	if err := p.rebuildHotTail(); err != nil {
		return nil, err
	}
	if _, ok := ReadCheckpoint(dir); !ok {
		if err := writeCheckpoint(dir, p.sealedBase(), p.NextOffset()); err != nil {
			log.Warn("failed to write checkpoint for %s: %v", dir, err)
		}
	}

	p.setState(Active)
	log.Info("recovered %s/part%d: %d segment(s), offsets [%d, %d)",
		topic, pid, len(p.segments), p.EarliestOffset(), p.NextOffset())
	return p, nil
}

func (p *Partition) initEmpty() error {
	seg, err := NewSegment(p.dir, 0, p.pool)
	if err != nil {
		return err
	}
	idx, err := OpenIndex(p.dir, 0)
	if err != nil {
		return err
	}
	p.segments = []*Segment{seg}
	p.indexes = []*Index{idx}
	return nil
}

// listSegmentBases returns the base offsets of all segment files in dir,
// ascending. Filenames are fixed-width zero-padded so lexical sort
// equals numeric sort, but the parsed values are sorted anyway.
func listSegmentBases(dir string) ([]uint64, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read partition dir failed")
	}
	var bases []uint64
	for _, ent := range dirents {
		name := ent.Name()
		if !strings.HasSuffix(name, ".seg") {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(name, ".seg"), 10, 64)
		if err != nil {
			return nil, RecoveryCorruptionError(fmt.Sprintf("unparseable segment filename %q", name))
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	for i := 1; i < len(bases); i++ {
		if bases[i] == bases[i-1] {
			return nil, RecoveryCorruptionError(fmt.Sprintf("duplicate segment base %d", bases[i]))
		}
	}
	return bases, nil
}

// validateIndex checks that the index holds a plausible, strictly
// increasing view of the segment: every entry's position must start a
// frame whose declared length stays inside the file.
func validateIndex(seg *Segment, idx *Index) bool {
	if len(idx.entries) == 0 {
		return seg.Size() == 0
	}
	if idx.entries[0].Offset != seg.BaseOffset || idx.entries[0].Pos != 0 {
		return false
	}
	for _, ent := range idx.entries {
		if ent.Offset < seg.BaseOffset {
			return false
		}
		if _, _, err := seg.ReadFrame(int64(ent.Pos)); err != nil {
			return false
		}
	}
	return true
}

// scanEnd walks frames from the highest index entry to the end of the
// segment. It returns the offset one past the last whole frame; torn
// reports a partial frame at tornPos.
func scanEnd(seg *Segment, idx *Index) (end uint64, tornPos int64, torn bool) {
	logical := seg.BaseOffset
	pos := int64(0)
	if ent, ok := idx.Last(); ok {
		logical = ent.Offset
		pos = int64(ent.Pos)
	}
	size := seg.Size()
	for pos < size {
		_, next, err := seg.ReadFrame(pos)
		if err != nil {
			return logical, pos, true
		}
		logical++
		pos = next
	}
	return logical, pos, false
}

// tailIndexGap counts records written since the last index entry so the
// sparse policy continues seamlessly after a restart.
func tailIndexGap(seg *Segment, idx *Index, next uint64) int {
	if ent, ok := idx.Last(); ok {
		return int(next - ent.Offset)
	}
	return int(next - seg.BaseOffset)
}

// rebuildHotTail loads the last hot-tail-capacity frames of the active
// segment into the ring. Keys and timestamps are not persisted in
// frames, so recovered entries carry payloads only.
func (p *Partition) rebuildHotTail() error {
	next := p.NextOffset()
	active := p.active()
	if next == active.BaseOffset {
		return nil
	}
	from := active.BaseOffset
	if want := uint64(p.opts.HotTailEntries); next-active.BaseOffset > want {
		from = next - want
	}

	logical := active.BaseOffset
	pos := int64(0)
	if ent, ok := p.activeIndex().Lookup(from); ok {
		logical = ent.Offset
		pos = int64(ent.Pos)
	}
	for logical < next {
		payload, nextPos, err := active.ReadFrame(pos)
		if err != nil {
			return err
		}
		if logical >= from {
			p.hot.push(Record{Offset: logical, Value: payload})
		}
		logical++
		pos = nextPos
	}
	return nil
}
