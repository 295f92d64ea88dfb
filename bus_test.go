package ssmiss

import (
	"testing"
	"time"
)

func batchOf(channel string, mono time.Duration, values ...float64) []Sample {
	batch := make([]Sample, 0, len(values))
	for i, v := range values {
		batch = append(batch, Sample{
			Module:  "testmod",
			Channel: channel,
			Mono:    mono + time.Duration(i),
			Value:   v,
			Quality: QualityOk,
		})
	}
	return batch
}

// collect drains deliveries until the wanted sample count arrives or the
// timeout passes.
func collect(t *testing.T, sub *Subscription, want int, timeout time.Duration) ([]Sample, int) {
	t.Helper()
	var samples []Sample
	dropped := 0
	deadline := time.After(timeout)
	for len(samples) < want {
		select {
		case d, ok := <-sub.C():
			if !ok {
				return samples, dropped
			}
			samples = append(samples, d.Samples...)
			dropped += d.Dropped
		case <-deadline:
			t.Fatalf("timed out with %d of %d samples", len(samples), want)
		}
	}
	return samples, dropped
}

func TestFanoutDeliversToAllSubscribers(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	a := bus.Subscribe("a", 8)
	b := bus.Subscribe("b", 8)

	for i := 0; i < 4; i++ {
		bus.Publish(batchOf("ch0", time.Duration(i)*time.Millisecond, float64(i)))
	}
	sa, da := collect(t, a, 4, time.Second)
	sb, db := collect(t, b, 4, time.Second)
	if da != 0 || db != 0 {
		t.Errorf("unexpected drops: a=%d b=%d", da, db)
	}
	for i := 0; i < 4; i++ {
		if sa[i].Value != float64(i) || sb[i].Value != float64(i) {
			t.Errorf("sample %d values a=%v b=%v, want %v", i, sa[i].Value, sb[i].Value, float64(i))
		}
	}
}

func TestSlowSubscriberDropsOldestOnly(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	slow := bus.Subscribe("slow", 2)
	fast := bus.Subscribe("fast", 100)

	// The slow subscriber reads nothing while 10 batches arrive.
	for i := 0; i < 10; i++ {
		bus.Publish(batchOf("ch0", time.Duration(i)*time.Millisecond, float64(i)))
	}
	// Give the fast subscriber time to queue everything.
	sf, df := collect(t, fast, 10, time.Second)
	if df != 0 {
		t.Errorf("fast subscriber dropped %d, want 0", df)
	}
	if len(sf) != 10 {
		t.Errorf("fast subscriber got %d samples, want 10", len(sf))
	}

	// The slow subscriber sees only the newest batches, with the loss
	// reported on its first delivery. 10 single-sample batches into a
	// 2-batch queue leaves 8 dropped.
	d := <-slow.C()
	if d.Dropped != 8 {
		t.Errorf("first slow delivery reported %d drops, want 8", d.Dropped)
	}
	got := []Sample{}
	got = append(got, d.Samples...)
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case d2 := <-slow.C():
			got = append(got, d2.Samples...)
			if d2.Dropped != 0 {
				t.Errorf("later slow delivery reported %d drops, want 0", d2.Dropped)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for surviving batches")
		}
	}
	// The queue holds the last two batches; the survivors must be the most
	// recent publishes, in order.
	last := got[len(got)-1]
	if last.Value != 9 {
		t.Errorf("last surviving sample value %v, want 9", last.Value)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Mono < got[i-1].Mono {
			t.Errorf("surviving samples out of order at %d: %v then %v", i, got[i-1].Mono, got[i].Mono)
		}
	}
}

func TestPublishNeverBlocksOnStalledConsumer(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	bus.Subscribe("stalled", 2) // never read

	const n = 5000
	start := time.Now()
	for i := 0; i < n; i++ {
		bus.Publish(batchOf("ch0", time.Duration(i), float64(i)))
	}
	elapsed := time.Since(start)
	// Generous bound: the point is that publishing N batches is not waiting
	// on the consumer, so even a loaded CI box finishes far inside this.
	if elapsed > 2*time.Second {
		t.Errorf("publishing %d batches took %v with a stalled consumer", n, elapsed)
	}
}

func TestPerChannelOrderPreserved(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	sub := bus.Subscribe("order", 64)

	for i := 0; i < 20; i++ {
		batch := append(batchOf("x", time.Duration(i)*time.Millisecond, float64(i)),
			batchOf("y", time.Duration(i)*time.Millisecond, float64(100+i))...)
		bus.Publish(batch)
	}
	samples, _ := collect(t, sub, 40, time.Second)
	lastMono := map[string]time.Duration{}
	lastValue := map[string]float64{}
	for _, s := range samples {
		if prev, seen := lastMono[s.Channel]; seen && s.Mono < prev {
			t.Errorf("channel %s timestamps went backward: %v after %v", s.Channel, s.Mono, prev)
		}
		if prev, seen := lastValue[s.Channel]; seen && s.Value <= prev {
			t.Errorf("channel %s publish order broken: %v after %v", s.Channel, s.Value, prev)
		}
		lastMono[s.Channel] = s.Mono
		lastValue[s.Channel] = s.Value
	}
}

func TestUnsubscribeClosesAfterDrain(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	sub := bus.Subscribe("leaver", 4)
	bus.Publish(batchOf("ch0", 0, 1.0))
	bus.Unsubscribe(sub)

	var total int
	for d := range sub.C() {
		total += len(d.Samples)
	}
	if total != 1 {
		t.Errorf("drained %d samples after Unsubscribe, want 1", total)
	}
	// Publishing after Unsubscribe must not reach or block anything.
	bus.Publish(batchOf("ch0", 1, 2.0))
}
