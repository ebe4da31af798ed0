package commitlog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eapache/channels"
	"github.com/google/uuid"

	"github.com/lkstream/lkstream/metrics"
)

// Subscription is a long-lived push delivery handle for one partition.
// Records enter an unbounded send-side buffer as the partition's next
// offset advances and drain through C at the consumer's read rate.
// Cancel unregisters the subscription and releases the buffer.
type Subscription struct {
	ID   uuid.UUID
	C    <-chan Record
	out  chan Record
	send *channels.InfiniteChannel
	p    *Partition

	cancel context.CancelFunc
	done   uint32
	wg     sync.WaitGroup
}

// Subscribe registers a subscriber that receives every record from
// fromOffset onward. Delivery starts with the existing backlog and then
// follows the append path with waiter wake-ups.
func (p *Partition) Subscribe(fromOffset uint64) (*Subscription, error) {
	if p.State() == Closed {
		return nil, ErrClosedPartition
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:     uuid.New(),
		out:    make(chan Record),
		send:   channels.NewInfiniteChannel(),
		p:      p,
		cancel: cancel,
	}
	sub.C = sub.out

	p.subMu.Lock()
	p.subs[sub.ID] = sub
	p.subMu.Unlock()
	metrics.Subscribers.Inc()

	sub.wg.Add(2)
	go sub.pump(ctx, fromOffset)
	go sub.deliver()
	return sub, nil
}

// pump reads from the partition and feeds the send buffer, blocking on
// the partition waiter queue whenever it is caught up.
func (s *Subscription) pump(ctx context.Context, cursor uint64) {
	defer s.wg.Done()
	defer s.send.Close()
	const batchMsgs = 512
	const batchBytes = 1 << 20
	for {
		if ctx.Err() != nil {
			return
		}
		recs, err := s.p.ReadFrom(cursor, batchMsgs, batchBytes)
		if err != nil {
			return
		}
		if len(recs) == 0 {
			if !s.p.WaitForOffset(ctx, cursor) {
				return
			}
			continue
		}
		for i := range recs {
			s.send.In() <- recs[i]
		}
		cursor = recs[len(recs)-1].Offset + 1
	}
}

// deliver drains the send buffer into the typed consumer channel.
func (s *Subscription) deliver() {
	defer s.wg.Done()
	defer close(s.out)
	for v := range s.send.Out() {
		s.out <- v.(Record)
	}
}

// Cancel removes the subscription from the partition and releases the
// send-side buffer. Safe to call more than once.
func (s *Subscription) Cancel() {
	if !atomic.CompareAndSwapUint32(&s.done, 0, 1) {
		return
	}
	s.cancel()
	s.p.subMu.Lock()
	delete(s.p.subs, s.ID)
	s.p.subMu.Unlock()
	metrics.Subscribers.Dec()
	// drain so deliver can finish even without a consumer
	go func() {
		for range s.out {
		}
	}()
	s.wg.Wait()
}
