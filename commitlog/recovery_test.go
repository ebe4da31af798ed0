package commitlog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func TestRecovery(t *testing.T) { TestingT(t) }

var _ = Suite(&RecoverySuite{})

type RecoverySuite struct {
	dir  string
	pool *FDPool
	opts Options
}

func (s *RecoverySuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
	s.pool = NewFDPool(32)
	s.opts = Options{
		SegmentMaxBytes: 1 << 20,
		IndexEveryN:     1,
		HotTailEntries:  64,
	}
}

func (s *RecoverySuite) writeRecords(c *C, n int) *Partition {
	p, err := OpenPartition("t", 0, s.dir, s.opts, nil, s.pool)
	c.Assert(err, IsNil)
	for i := 0; i < n; i++ {
		_, err := p.AppendBatch([]Record{{Value: []byte(fmt.Sprintf("rec-%04d", i))}})
		c.Assert(err, IsNil)
	}
	return p
}

func (s *RecoverySuite) activeSegPath(c *C) string {
	bases, err := listSegmentBases(s.dir)
	c.Assert(err, IsNil)
	c.Assert(len(bases) > 0, Equals, true)
	return filepath.Join(s.dir, fmt.Sprintf(segNameFormat, bases[len(bases)-1]))
}

func (s *RecoverySuite) TestTornTailTruncated(c *C) {
	p := s.writeRecords(c, 5)
	c.Assert(p.Close(), IsNil)

	segPath := s.activeSegPath(c)
	fi, err := os.Stat(segPath)
	c.Assert(err, IsNil)
	cleanSize := fi.Size()

	// a crash mid-append: length header promising 50 bytes, 3 written
	fp, err := os.OpenFile(segPath, os.O_WRONLY|os.O_APPEND, 0o600)
	c.Assert(err, IsNil)
	_, err = fp.Write([]byte{0, 0, 0, 50, 'x', 'y', 'z'})
	c.Assert(err, IsNil)
	c.Assert(fp.Close(), IsNil)

	p2, err := OpenPartition("t", 0, s.dir, s.opts, nil, s.pool)
	c.Assert(err, IsNil)
	defer p2.Close()
	c.Check(p2.NextOffset(), Equals, uint64(5))

	fi, err = os.Stat(segPath)
	c.Assert(err, IsNil)
	c.Check(fi.Size(), Equals, cleanSize)

	recs, err := p2.ReadFrom(0, 10, 1<<20)
	c.Assert(err, IsNil)
	c.Assert(recs, HasLen, 5)
	for i, rec := range recs {
		c.Check(rec.Offset, Equals, uint64(i))
		c.Check(string(rec.Value), Equals, fmt.Sprintf("rec-%04d", i))
	}

	// the partition accepts appends again at the recovered offset
	offs, err := p2.AppendBatch([]Record{{Value: []byte("after")}})
	c.Assert(err, IsNil)
	c.Check(offs[0], Equals, uint64(5))
}

func (s *RecoverySuite) TestCrashMidFrameDropsLastRecord(c *C) {
	p := s.writeRecords(c, 5)
	c.Assert(p.Close(), IsNil)

	segPath := s.activeSegPath(c)
	fi, err := os.Stat(segPath)
	c.Assert(err, IsNil)
	// cut 5 bytes into the last frame's payload
	c.Assert(os.Truncate(segPath, fi.Size()-5), IsNil)

	p2, err := OpenPartition("t", 0, s.dir, s.opts, nil, s.pool)
	c.Assert(err, IsNil)
	defer p2.Close()
	c.Check(p2.NextOffset(), Equals, uint64(4))

	recs, err := p2.ReadFrom(0, 10, 1<<20)
	c.Assert(err, IsNil)
	c.Assert(recs, HasLen, 4)
}

func (s *RecoverySuite) TestRecoveryIsIdempotent(c *C) {
	p := s.writeRecords(c, 7)
	c.Assert(p.Close(), IsNil)

	p1, err := OpenPartition("t", 0, s.dir, s.opts, nil, s.pool)
	c.Assert(err, IsNil)
	info1 := p1.Describe()
	c.Assert(p1.Close(), IsNil)

	p2, err := OpenPartition("t", 0, s.dir, s.opts, nil, s.pool)
	c.Assert(err, IsNil)
	info2 := p2.Describe()
	c.Assert(p2.Close(), IsNil)

	c.Check(info2.NextOffset, Equals, info1.NextOffset)
	c.Check(info2.Segments, Equals, info1.Segments)
	c.Check(info2.Bytes, Equals, info1.Bytes)
}

func (s *RecoverySuite) TestMissingIndexRebuilt(c *C) {
	s.opts.SegmentMaxBytes = 40 // a few records per segment
	p := s.writeRecords(c, 10)
	c.Assert(p.Close(), IsNil)

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.idx"))
	c.Assert(err, IsNil)
	c.Assert(len(matches) > 0, Equals, true)
	for _, m := range matches {
		c.Assert(os.Remove(m), IsNil)
	}

	p2, err := OpenPartition("t", 0, s.dir, s.opts, nil, s.pool)
	c.Assert(err, IsNil)
	defer p2.Close()
	c.Check(p2.NextOffset(), Equals, uint64(10))

	recs, err := p2.ReadFrom(0, 20, 1<<20)
	c.Assert(err, IsNil)
	c.Assert(recs, HasLen, 10)

	matches, err = filepath.Glob(filepath.Join(s.dir, "*.idx"))
	c.Assert(err, IsNil)
	c.Assert(len(matches) > 0, Equals, true)
}

func (s *RecoverySuite) TestSegmentGapIsCorruption(c *C) {
	s.opts.SegmentMaxBytes = 16 // one record per segment
	p := s.writeRecords(c, 4)
	c.Assert(p.Close(), IsNil)

	bases, err := listSegmentBases(s.dir)
	c.Assert(err, IsNil)
	c.Assert(len(bases) >= 3, Equals, true)
	mid := bases[1]
	c.Assert(os.Remove(filepath.Join(s.dir, fmt.Sprintf(segNameFormat, mid))), IsNil)
	c.Assert(os.Remove(filepath.Join(s.dir, fmt.Sprintf(idxNameFormat, mid))), IsNil)

	_, err = OpenPartition("t", 0, s.dir, s.opts, nil, s.pool)
	c.Assert(err, NotNil)
	_, isCorruption := err.(RecoveryCorruptionError)
	c.Check(isCorruption, Equals, true)
}

func (s *RecoverySuite) TestHotTailRebuiltFromActiveSegment(c *C) {
	p := s.writeRecords(c, 5)
	c.Assert(p.Close(), IsNil)

	p2, err := OpenPartition("t", 0, s.dir, s.opts, nil, s.pool)
	c.Assert(err, IsNil)
	defer p2.Close()

	// tail reads survive the segment file vanishing: they come from the
	// rebuilt in-memory ring
	c.Assert(os.Remove(s.activeSegPath(c)), IsNil)
	recs, err := p2.ReadFrom(3, 10, 1<<20)
	c.Assert(err, IsNil)
	c.Assert(recs, HasLen, 2)
	c.Check(string(recs[0].Value), Equals, "rec-0003")
	c.Check(string(recs[1].Value), Equals, "rec-0004")
}

func (s *RecoverySuite) TestCheckpointIsAdvisoryOnly(c *C) {
	p := s.writeRecords(c, 3)
	c.Assert(p.Close(), IsNil)

	// recovery must not trust checkpoint.meta
	c.Assert(os.WriteFile(filepath.Join(s.dir, checkpointName), []byte("garbage"), 0o600), IsNil)

	p2, err := OpenPartition("t", 0, s.dir, s.opts, nil, s.pool)
	c.Assert(err, IsNil)
	defer p2.Close()
	c.Check(p2.NextOffset(), Equals, uint64(3))
}
