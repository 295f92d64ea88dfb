package ssmiss

import (
	"sync"
)

// Delivery is what a subscriber receives: one published batch plus the number
// of samples dropped from this subscription's queue since its previous
// delivery. Producers never see drop counts.
type Delivery struct {
	Samples []Sample
	Dropped int
}

// SampleBus distributes published sample batches to any number of
// subscribers. Each subscription owns an independent bounded queue, so a slow
// consumer can only ever lose its own oldest batches; it cannot stall the
// publisher or other subscribers. Within one channel, batches preserve
// publish order for every subscriber.
type SampleBus struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// NewSampleBus creates an empty bus.
func NewSampleBus() *SampleBus {
	return &SampleBus{}
}

// Subscribe registers a new subscription whose queue holds up to capacity
// batches. When a publish arrives with the queue full, the oldest queued
// batch is dropped and its sample count reported in-band on the next
// delivery.
func (b *SampleBus) Subscribe(name string, capacity int) *Subscription {
	if capacity < 1 {
		capacity = 1
	}
	sub := &Subscription{
		name:     name,
		capacity: capacity,
		in:       make(chan []Sample),
		out:      make(chan Delivery),
	}
	go sub.run()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.in)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes the subscription from the bus. The delivery channel
// closes once the queued batches have been consumed, so callers should keep
// draining C until it closes.
func (b *SampleBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.in)
			return
		}
	}
}

// Publish hands one batch to every subscription. The batch is shared, not
// copied; samples are immutable by contract. Publish blocks only for the
// constant-time handoff to each subscription's pump, never for consumers.
func (b *SampleBus) Publish(batch []Sample) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.in <- batch
	}
}

// Close shuts the bus down. Every subscription's delivery channel closes
// after its queued batches are consumed. Publish after Close is a no-op.
func (b *SampleBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.in)
	}
	b.subs = nil
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	name     string
	capacity int
	in       chan []Sample
	out      chan Delivery
}

// Name returns the name given at Subscribe time.
func (s *Subscription) Name() string { return s.name }

// C is the delivery channel. It closes after Unsubscribe or bus Close once
// all queued batches have been delivered.
func (s *Subscription) C() <-chan Delivery {
	return s.out
}

// run pumps batches from the bus into the consumer, queueing up to capacity
// batches and dropping the oldest beyond that. Always ready to receive, so
// Publish never blocks on a consumer.
func (s *Subscription) run() {
	var queue [][]Sample
	dropped := 0
	push := func(batch []Sample) {
		if len(queue) == s.capacity {
			dropped += len(queue[0])
			queue = queue[1:]
		}
		queue = append(queue, batch)
	}
	for {
		if len(queue) == 0 {
			batch, ok := <-s.in
			if !ok {
				close(s.out)
				return
			}
			push(batch)
			continue
		}
		select {
		case s.out <- Delivery{Samples: queue[0], Dropped: dropped}:
			dropped = 0
			queue = queue[1:]
		case batch, ok := <-s.in:
			if !ok {
				// Input closed: deliver what remains, then finish.
				for _, item := range queue {
					s.out <- Delivery{Samples: item, Dropped: dropped}
					dropped = 0
				}
				close(s.out)
				return
			}
			push(batch)
		}
	}
}
