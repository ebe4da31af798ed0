package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkstream/lkstream/commitlog"
	"github.com/lkstream/lkstream/utils"
)

func openTestBroker(t *testing.T, mutate func(*utils.LkConfig)) *Broker {
	t.Helper()
	cfg := utils.NewDefaultConfig(t.TempDir())
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestProduceKeyedRoutingAndFetch(t *testing.T) {
	b := openTestBroker(t, nil)
	require.NoError(t, b.CreateTopic("t", 2))

	pid, offs, err := b.Produce("t", []byte("AAPL"), [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	assert.Equal(t, PartitionFor([]byte("AAPL"), 2), pid)
	assert.Equal(t, []uint64{0, 1, 2}, offs)

	recs, err := b.Fetch("t", pid, 0, 1<<20)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", string(recs[0].Value))
	assert.Equal(t, "b", string(recs[1].Value))
	assert.Equal(t, "c", string(recs[2].Value))
}

func TestKeyStickinessAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := utils.NewDefaultConfig(dir)

	b, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, b.CreateTopic("t", 4))
	pid1, _, err := b.Produce("t", []byte("sticky-key"), [][]byte{[]byte("x")})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b2, err := Open(cfg)
	require.NoError(t, err)
	defer b2.Close()
	pid2, _, err := b2.Produce("t", []byte("sticky-key"), [][]byte{[]byte("y")})
	require.NoError(t, err)
	assert.Equal(t, pid1, pid2)
}

func TestKeylessProduceRoundRobins(t *testing.T) {
	b := openTestBroker(t, nil)
	require.NoError(t, b.CreateTopic("t", 3))

	seen := make(map[int]bool)
	for i := 0; i < 9; i++ {
		pid, _, err := b.Produce("t", nil, [][]byte{[]byte(fmt.Sprintf("v%d", i))})
		require.NoError(t, err)
		seen[pid] = true
	}
	assert.Len(t, seen, 3)
}

func TestCreateTopicIdempotentAndConflicting(t *testing.T) {
	b := openTestBroker(t, nil)
	require.NoError(t, b.CreateTopic("t", 2))
	require.NoError(t, b.CreateTopic("t", 2))

	err := b.CreateTopic("t", 3)
	assert.True(t, errors.Is(err, ErrTopicExists))

	assert.Error(t, b.CreateTopic("", 1))
	assert.Error(t, b.CreateTopic("bad/name", 1))
	assert.Error(t, b.CreateTopic("x", 0))
}

func TestUnknownTopicAndPartition(t *testing.T) {
	b := openTestBroker(t, nil)
	require.NoError(t, b.CreateTopic("t", 1))

	_, _, err := b.Produce("missing", nil, [][]byte{[]byte("v")})
	assert.True(t, errors.Is(err, ErrTopicUnknown))
	_, err = b.Fetch("missing", 0, 0, 1024)
	assert.True(t, errors.Is(err, ErrTopicUnknown))
	_, err = b.Fetch("t", 9, 0, 1024)
	assert.True(t, errors.Is(err, ErrPartitionUnknown))
}

func TestCommitOffsetRoundTrip(t *testing.T) {
	b := openTestBroker(t, nil)
	require.NoError(t, b.CreateTopic("t", 1))
	values := make([][]byte, 50)
	for i := range values {
		values[i] = []byte(fmt.Sprintf("v%d", i))
	}
	_, _, err := b.Produce("t", nil, values)
	require.NoError(t, err)

	_, ok, err := b.CommittedOffset("g", "t", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.CommitOffset("g", "t", 0, 42))
	off, ok, err := b.CommittedOffset("g", "t", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), off)

	// committing beyond the next offset is rejected
	err = b.CommitOffset("g", "t", 0, 99)
	assert.True(t, errors.Is(err, commitlog.ErrOffsetOutOfRange))

	// committing exactly at the next offset (fully caught up) is allowed
	require.NoError(t, b.CommitOffset("g", "t", 0, 50))
}

func TestCommittedOffsetSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := utils.NewDefaultConfig(dir)

	b, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, b.CreateTopic("t", 1))
	_, _, err = b.Produce("t", nil, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	require.NoError(t, b.CommitOffset("g", "t", 0, 2))
	require.NoError(t, b.Close())

	b2, err := Open(cfg)
	require.NoError(t, err)
	defer b2.Close()
	off, ok, err := b2.CommittedOffset("g", "t", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), off)

	// the log itself also recovered
	pid, offs, err := b2.Produce("t", nil, [][]byte{[]byte("c")})
	require.NoError(t, err)
	assert.Equal(t, 0, pid)
	assert.Equal(t, []uint64{2}, offs)
}

func TestBackpressure(t *testing.T) {
	b := openTestBroker(t, func(cfg *utils.LkConfig) {
		cfg.InflightMax = 0
		cfg.FsyncInterval = 10 * time.Second
		cfg.FsyncGroupBytes = 1 << 30
	})
	require.NoError(t, b.CreateTopic("t", 1))

	_, _, err := b.Produce("t", nil, [][]byte{[]byte("first")})
	require.NoError(t, err)

	_, _, err = b.Produce("t", nil, [][]byte{[]byte("second")})
	assert.True(t, errors.Is(err, ErrBackpressure))
}

func TestSubscribeThroughBroker(t *testing.T) {
	b := openTestBroker(t, nil)
	require.NoError(t, b.CreateTopic("t", 1))

	sub, err := b.Subscribe("t", 0, 0)
	require.NoError(t, err)
	defer sub.Cancel()

	_, offs, err := b.Produce("t", nil, [][]byte{[]byte("hello")})
	require.NoError(t, err)

	select {
	case rec := <-sub.C:
		assert.Equal(t, offs[0], rec.Offset)
		assert.Equal(t, "hello", string(rec.Value))
	case <-time.After(2 * time.Second):
		t.Fatal("no record pushed to subscriber")
	}
}

func TestDescribeAndList(t *testing.T) {
	b := openTestBroker(t, nil)
	require.NoError(t, b.CreateTopic("b-topic", 1))
	require.NoError(t, b.CreateTopic("a-topic", 2))

	assert.Equal(t, []string{"a-topic", "b-topic"}, b.ListTopics())

	_, _, err := b.Produce("a-topic", []byte("k"), [][]byte{[]byte("v")})
	require.NoError(t, err)
	pid := PartitionFor([]byte("k"), 2)
	info, err := b.DescribePartition("a-topic", pid)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.NextOffset)
	assert.Equal(t, 1, info.Segments)
	assert.Greater(t, info.Bytes, int64(0))
}

func TestClosedBrokerRejectsOperations(t *testing.T) {
	cfg := utils.NewDefaultConfig(t.TempDir())
	b, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, b.CreateTopic("t", 1))
	require.NoError(t, b.Close())

	_, _, err = b.Produce("t", nil, [][]byte{[]byte("v")})
	assert.True(t, errors.Is(err, ErrClosedBroker))
	err = b.CreateTopic("u", 1)
	assert.True(t, errors.Is(err, ErrClosedBroker))
	err = b.CommitOffset("g", "t", 0, 0)
	assert.True(t, errors.Is(err, ErrClosedBroker))
}
