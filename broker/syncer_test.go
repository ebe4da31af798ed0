package broker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkstream/lkstream/commitlog"
	"github.com/lkstream/lkstream/utils"
)

func testPartition(t *testing.T, sink commitlog.DirtySink) *commitlog.Partition {
	t.Helper()
	p, err := commitlog.OpenPartition("t", 0, t.TempDir(), commitlog.Options{
		SegmentMaxBytes: 1 << 20,
		IndexEveryN:     4,
		HotTailEntries:  16,
	}, sink, commitlog.NewFDPool(8))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestGroupModeFlushesByInterval(t *testing.T) {
	s := NewSyncer(utils.FsyncGroup, 20*time.Millisecond, 1<<30)
	var flushed int64
	var durableThrough uint64
	s.onFlushed = func(bytes int64) { atomic.AddInt64(&flushed, bytes) }
	s.onDurable = func(_ *commitlog.Partition, through uint64) {
		atomic.StoreUint64(&durableThrough, through)
	}

	p := testPartition(t, s)
	s.Start()
	defer s.Stop()

	offs, err := p.AppendBatch([]commitlog.Record{{Value: []byte("payload")}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&flushed) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, commitlog.FramedSize([]byte("payload")), atomic.LoadInt64(&flushed))
	assert.Equal(t, offs[0]+1, atomic.LoadUint64(&durableThrough))
}

func TestGroupModeFlushesByBytes(t *testing.T) {
	// the one-byte threshold is met at the first check tick (interval/4),
	// ahead of the 40ms interval trigger
	s := NewSyncer(utils.FsyncGroup, 40*time.Millisecond, 1)
	var flushed int64
	s.onFlushed = func(bytes int64) { atomic.AddInt64(&flushed, bytes) }

	p := testPartition(t, s)
	s.Start()
	defer s.Stop()

	_, err := p.AppendBatch([]commitlog.Record{{Value: []byte("x")}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&flushed) > 0
	}, 2*time.Second, time.Millisecond)
}

func TestRequestFlushBlocksUntilDurable(t *testing.T) {
	s := NewSyncer(utils.FsyncSync, time.Hour, 1<<30)
	var flushed int64
	s.onFlushed = func(bytes int64) { atomic.AddInt64(&flushed, bytes) }

	p := testPartition(t, s)
	s.Start()
	defer s.Stop()

	_, err := p.AppendBatch([]commitlog.Record{{Value: []byte("x")}})
	require.NoError(t, err)
	s.RequestFlush()
	assert.Greater(t, atomic.LoadInt64(&flushed), int64(0))
}

func TestNoneModeNeverTracks(t *testing.T) {
	s := NewSyncer(utils.FsyncNone, time.Millisecond, 1)
	var dirtied int64
	s.onDirty = func(bytes int64) { atomic.AddInt64(&dirtied, bytes) }

	p := testPartition(t, s)
	s.Start()
	defer s.Stop()

	_, err := p.AppendBatch([]commitlog.Record{{Value: []byte("x")}})
	require.NoError(t, err)
	s.RequestFlush() // returns immediately
	assert.Equal(t, int64(0), atomic.LoadInt64(&dirtied))
}

func TestStopForcesFinalFlush(t *testing.T) {
	s := NewSyncer(utils.FsyncGroup, time.Hour, 1<<30)
	var flushed int64
	s.onFlushed = func(bytes int64) { atomic.AddInt64(&flushed, bytes) }

	p := testPartition(t, s)
	s.Start()

	_, err := p.AppendBatch([]commitlog.Record{{Value: []byte("x")}})
	require.NoError(t, err)
	s.Stop()
	assert.Greater(t, atomic.LoadInt64(&flushed), int64(0))
}
