package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/lkstream/lkstream/commitlog"
	"github.com/lkstream/lkstream/metrics"
	"github.com/lkstream/lkstream/offsets"
	"github.com/lkstream/lkstream/utils"
	"github.com/lkstream/lkstream/utils/log"
)

const (
	topicsDirName  = "topics"
	offsetsDirName = "offsets"

	// fetchMaxMsgs bounds a single Fetch; max_bytes is the real limit.
	fetchMaxMsgs = 10000

	// ioErrThreshold flips the broker into degraded read-only mode.
	ioErrThreshold = 3
)

// Topic is a fixed-cardinality ordered array of partitions. The
// round-robin counter is seeded from the wall clock so keyless traffic
// does not pile onto partition 0 after every restart.
type Topic struct {
	Name       string
	Partitions []*commitlog.Partition
	rr         uint64
}

// Broker owns all topics of one node, routes appends by key, and holds
// the group-commit syncer and the offset store. One Broker value owns
// all mutable state; configuration is a value passed at construction.
type Broker struct {
	cfg       utils.LkConfig
	topicsDir string

	syncer  *Syncer
	offsets *offsets.Store
	pool    *commitlog.FDPool

	createMu  sync.Mutex
	topicsVal atomic.Value // map[string]*Topic, copy-on-write

	inflight    int64
	ioErrStreak int32
	readOnly    uint32
	closed      uint32

	retentionStop chan struct{}
	wg            sync.WaitGroup
}

// Open recovers all on-disk state under cfg.RootDirectory and starts
// the background flush loop (and retention, when enabled).
func Open(cfg utils.LkConfig) (*Broker, error) {
	rootDir, err := filepath.Abs(filepath.Clean(cfg.RootDirectory))
	if err != nil {
		return nil, errors.Wrap(err, "resolve root directory failed")
	}
	topicsDir := filepath.Join(rootDir, topicsDirName)
	if err := os.MkdirAll(topicsDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "mkdir topics dir failed")
	}

	store, err := offsets.NewStore(filepath.Join(rootDir, offsetsDirName))
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:           cfg,
		topicsDir:     topicsDir,
		syncer:        NewSyncer(cfg.FsyncMode, cfg.FsyncInterval, cfg.FsyncGroupBytes),
		offsets:       store,
		pool:          commitlog.NewFDPool(commitlog.DefaultFDPoolSize),
		retentionStop: make(chan struct{}),
	}
	b.syncer.onDirty = func(bytes int64) {
		metrics.InflightBytes.Set(float64(atomic.AddInt64(&b.inflight, bytes)))
	}
	b.syncer.onFlushed = func(bytes int64) {
		metrics.InflightBytes.Set(float64(atomic.AddInt64(&b.inflight, -bytes)))
	}
	b.syncer.onDurable = func(p *commitlog.Partition, through uint64) {
		atomic.StoreInt32(&b.ioErrStreak, 0)
		log.Debug("durable through offset %d on %s/part%d", through, p.Topic, p.ID)
	}
	b.syncer.onError = b.noteIOError

	if err := b.recoverTopics(); err != nil {
		return nil, err
	}

	b.syncer.Start()
	if cfg.Retention.Policy != utils.RetentionNone {
		b.wg.Add(1)
		go b.retentionLoop()
	}
	return b, nil
}

func (b *Broker) recoverTopics() error {
	topics := make(map[string]*Topic)
	dirents, err := os.ReadDir(b.topicsDir)
	if err != nil {
		return errors.Wrap(err, "read topics dir failed")
	}
	for _, ent := range dirents {
		if !ent.IsDir() {
			continue
		}
		name := ent.Name()
		t, err := b.openTopic(name)
		if err != nil {
			return err
		}
		topics[name] = t
	}
	b.topicsVal.Store(topics)
	return nil
}

func (b *Broker) openTopic(name string) (*Topic, error) {
	topicDir := filepath.Join(b.topicsDir, name)
	dirents, err := os.ReadDir(topicDir)
	if err != nil {
		return nil, errors.Wrap(err, "read topic dir failed")
	}
	var pids []int
	for _, ent := range dirents {
		if !ent.IsDir() || !strings.HasPrefix(ent.Name(), "part") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimPrefix(ent.Name(), "part"))
		if err != nil {
			return nil, commitlog.RecoveryCorruptionError(
				fmt.Sprintf("unparseable partition dir %q in topic %s", ent.Name(), name))
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	for i, pid := range pids {
		if pid != i {
			return nil, commitlog.RecoveryCorruptionError(
				fmt.Sprintf("topic %s partition ids not contiguous: %v", name, pids))
		}
	}

	t := &Topic{Name: name, rr: uint64(time.Now().UnixNano())}
	for _, pid := range pids {
		p, err := commitlog.OpenPartition(name, pid, b.partitionDir(name, pid), b.partitionOpts(), b.syncer, b.pool)
		if err != nil {
			return nil, err
		}
		t.Partitions = append(t.Partitions, p)
	}
	return t, nil
}

func (b *Broker) partitionDir(topic string, pid int) string {
	return filepath.Join(b.topicsDir, topic, fmt.Sprintf("part%d", pid))
}

func (b *Broker) partitionOpts() commitlog.Options {
	return commitlog.Options{
		SegmentMaxBytes: b.cfg.SegmentMaxBytes,
		IndexEveryN:     b.cfg.IndexEveryN,
		HotTailEntries:  b.cfg.HotTailEntries,
	}
}

func (b *Broker) topics() map[string]*Topic {
	return b.topicsVal.Load().(map[string]*Topic)
}

// CreateTopic creates name with partitionCount partitions. Idempotent
// when the existing topic has the same count; conflicting counts fail.
func (b *Broker) CreateTopic(name string, partitionCount int) error {
	if atomic.LoadUint32(&b.closed) == 1 {
		return ErrClosedBroker
	}
	if name == "" || strings.ContainsAny(name, "/\\") {
		return errors.Errorf("invalid topic name %q", name)
	}
	if partitionCount <= 0 {
		return errors.Errorf("invalid partition count %d", partitionCount)
	}

	b.createMu.Lock()
	defer b.createMu.Unlock()

	if t, ok := b.topics()[name]; ok {
		if len(t.Partitions) == partitionCount {
			return nil
		}
		return errors.Wrapf(ErrTopicExists, "topic %s has %d partitions, requested %d",
			name, len(t.Partitions), partitionCount)
	}

	t := &Topic{Name: name, rr: uint64(time.Now().UnixNano())}
	for pid := 0; pid < partitionCount; pid++ {
		p, err := commitlog.OpenPartition(name, pid, b.partitionDir(name, pid), b.partitionOpts(), b.syncer, b.pool)
		if err != nil {
			return err
		}
		t.Partitions = append(t.Partitions, p)
	}

	old := b.topics()
	next := make(map[string]*Topic, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[name] = t
	b.topicsVal.Store(next)
	log.Info("created topic %s with %d partition(s)", name, partitionCount)
	return nil
}

// ListTopics returns all topic names, sorted.
func (b *Broker) ListTopics() []string {
	topics := b.topics()
	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DescribePartition reports offsets, segment count, and on-disk bytes.
func (b *Broker) DescribePartition(topic string, pid int) (commitlog.Info, error) {
	p, err := b.partition(topic, pid)
	if err != nil {
		return commitlog.Info{}, err
	}
	return p.Describe(), nil
}

func (b *Broker) partition(topic string, pid int) (*commitlog.Partition, error) {
	t, ok := b.topics()[topic]
	if !ok {
		return nil, errors.Wrapf(ErrTopicUnknown, "topic %s", topic)
	}
	if pid < 0 || pid >= len(t.Partitions) {
		return nil, errors.Wrapf(ErrPartitionUnknown, "topic %s pid %d", topic, pid)
	}
	return t.Partitions[pid], nil
}

// PartitionFor returns the pid that key routes to, stable across
// restarts: xxhash64 with its fixed default seed, mod partition count.
func PartitionFor(key []byte, partitionCount int) int {
	return int(xxhash.Sum64(key) % uint64(partitionCount))
}

// Produce appends values to one partition of topic: keyed values go to
// the key's stable partition so call order is preserved per key, keyless
// batches round-robin. All values of one call land consecutively; the
// returned offsets are visible to readers immediately, durable per the
// fsync mode.
func (b *Broker) Produce(topic string, key []byte, values [][]byte) (pid int, offs []uint64, err error) {
	if atomic.LoadUint32(&b.closed) == 1 {
		return 0, nil, ErrClosedBroker
	}
	if atomic.LoadUint32(&b.readOnly) == 1 {
		return 0, nil, ErrDegraded
	}
	if atomic.LoadInt64(&b.inflight) > b.cfg.InflightMax {
		return 0, nil, ErrBackpressure
	}
	if len(values) == 0 {
		return 0, nil, errors.New("empty produce batch")
	}

	t, ok := b.topics()[topic]
	if !ok {
		return 0, nil, errors.Wrapf(ErrTopicUnknown, "topic %s", topic)
	}

	if len(key) > 0 {
		pid = PartitionFor(key, len(t.Partitions))
	} else {
		pid = int(atomic.AddUint64(&t.rr, 1) % uint64(len(t.Partitions)))
	}

	records := make([]commitlog.Record, len(values))
	for i, v := range values {
		records[i] = commitlog.Record{Key: key, Value: v}
	}
	offs, err = t.Partitions[pid].AppendBatch(records)
	if err != nil {
		b.noteIOError(err)
		return 0, nil, err
	}
	atomic.StoreInt32(&b.ioErrStreak, 0)

	if b.cfg.FsyncMode == utils.FsyncSync {
		b.syncer.RequestFlush()
	}
	return pid, offs, nil
}

// Fetch reads records from (topic, pid) starting at offset, bounded by
// maxBytes of framed payload. At least one record is returned whenever
// one is available.
func (b *Broker) Fetch(topic string, pid int, offset uint64, maxBytes int64) ([]commitlog.Record, error) {
	p, err := b.partition(topic, pid)
	if err != nil {
		return nil, err
	}
	return p.ReadFrom(offset, fetchMaxMsgs, maxBytes)
}

// Subscribe registers a push subscription on (topic, pid) from
// fromOffset.
func (b *Broker) Subscribe(topic string, pid int, fromOffset uint64) (*commitlog.Subscription, error) {
	if atomic.LoadUint32(&b.closed) == 1 {
		return nil, ErrClosedBroker
	}
	p, err := b.partition(topic, pid)
	if err != nil {
		return nil, err
	}
	return p.Subscribe(fromOffset)
}

// CommitOffset durably records the next offset group will read on
// (topic, pid). Offsets beyond the partition's next offset are rejected.
func (b *Broker) CommitOffset(group, topic string, pid int, offset uint64) error {
	if atomic.LoadUint32(&b.closed) == 1 {
		return ErrClosedBroker
	}
	p, err := b.partition(topic, pid)
	if err != nil {
		return err
	}
	if offset > p.NextOffset() {
		return errors.Wrapf(commitlog.ErrOffsetOutOfRange,
			"commit %d beyond next offset %d", offset, p.NextOffset())
	}
	return b.offsets.Commit(group, topic, pid, offset)
}

// CommittedOffset returns the stored cursor for (group, topic, pid),
// ok=false when the group has never committed there.
func (b *Broker) CommittedOffset(group, topic string, pid int) (uint64, bool, error) {
	if _, err := b.partition(topic, pid); err != nil {
		return 0, false, err
	}
	return b.offsets.Committed(group, topic, pid)
}

func (b *Broker) noteIOError(err error) {
	if errors.Is(err, commitlog.ErrClosedPartition) {
		return
	}
	if atomic.AddInt32(&b.ioErrStreak, 1) >= ioErrThreshold {
		if atomic.CompareAndSwapUint32(&b.readOnly, 0, 1) {
			log.Error("entering degraded read-only mode after repeated IO failures: %v", err)
		}
	}
}

func (b *Broker) retentionLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.Retention.CheckInterval)
	defer ticker.Stop()

	var cleaner commitlog.Cleaner
	switch b.cfg.Retention.Policy {
	case utils.RetentionByteSize:
		cleaner = &commitlog.ByteSizeCleaner{MaxLogBytes: b.cfg.Retention.MaxLogBytes}
	case utils.RetentionDuration:
		cleaner = &commitlog.DurationCleaner{Duration: b.cfg.Retention.Duration}
	default:
		return
	}

	for {
		select {
		case <-ticker.C:
			for _, t := range b.topics() {
				for _, p := range t.Partitions {
					if _, err := p.Clean(cleaner); err != nil {
						log.Error("retention failed for %s/part%d: %v", p.Topic, p.ID, err)
					}
				}
			}
		case <-b.retentionStop:
			return
		}
	}
}

// Close drains every partition, forces a final flush, and releases all
// handles. Later calls return nil. After Close, Produce, CreateTopic,
// Subscribe and CommitOffset fail with ErrClosedBroker and Fetch fails
// with commitlog.ErrClosedPartition; ListTopics, DescribePartition and
// CommittedOffset still answer.
func (b *Broker) Close() error {
	if !atomic.CompareAndSwapUint32(&b.closed, 0, 1) {
		return nil
	}
	close(b.retentionStop)

	for _, t := range b.topics() {
		for _, p := range t.Partitions {
			p.BeginDrain()
		}
	}
	b.syncer.Stop()
	b.wg.Wait()

	var firstErr error
	for _, t := range b.topics() {
		for _, p := range t.Partitions {
			if err := p.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	b.pool.Close()
	return firstErr
}
