package ssmiss

import (
	"fmt"
	"sort"

	czmq "github.com/pebbe/zmq4"

	"github.com/ICE-QTM/SSMiSS/getbytes"
)

// DataPublisher forwards the sample stream to display clients over a ZMQ
// PUB socket: one two-frame message per channel per delivered batch. Frame
// one is a fixed little-endian header, frame two the packed float64 values.
// The publisher is an ordinary bus subscriber, so display pressure can only
// ever drop display data, never slow acquisition.
type DataPublisher struct {
	bus        *SampleBus
	ids        map[string]uint16 // "module/channel" -> wire id
	onChannels func(map[string]uint16)

	abort chan struct{}
	done  chan struct{}
}

// NewDataPublisher returns a publisher ready to Run.
func NewDataPublisher(bus *SampleBus) *DataPublisher {
	return &DataPublisher{
		bus:   bus,
		ids:   make(map[string]uint16),
		abort: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// OnChannelIndex registers a callback fired with a copy of the channel id
// table whenever a new channel appears on the wire. Set it before Run;
// clients typically forward the table over the status port.
func (dp *DataPublisher) OnChannelIndex(f func(map[string]uint16)) {
	dp.onChannels = f
}

// dataHeaderSize is the byte length of a live data message's first frame.
const dataHeaderSize = 2 + 4 + 8 + 8 + 4

// encodeDataHeader packs the header frame: channel id, sample count, wall
// times of the first and last sample in unix nanoseconds, and the
// subscriber's dropped-batch count.
func encodeDataHeader(id uint16, count uint32, first, last int64, dropped uint32) []byte {
	header := make([]byte, 0, dataHeaderSize)
	header = append(header, getbytes.FromUint16(id)...)
	header = append(header, getbytes.FromUint32(count)...)
	header = append(header, getbytes.FromInt64(first)...)
	header = append(header, getbytes.FromInt64(last)...)
	header = append(header, getbytes.FromUint32(dropped)...)
	return header
}

// channelRun is one channel's slice of a delivered batch.
type channelRun struct {
	key         string
	vals        []float64
	first, last int64
}

// splitByChannel groups a batch per channel, preserving first-appearance
// order so regular batches always publish in the same channel order.
func splitByChannel(samples []Sample) []channelRun {
	var runs []channelRun
	index := make(map[string]int)
	for _, s := range samples {
		key := s.Module + "/" + s.Channel
		ns := s.Time.UnixNano()
		ri, ok := index[key]
		if !ok {
			index[key] = len(runs)
			runs = append(runs, channelRun{key: key, vals: []float64{s.Value}, first: ns, last: ns})
			continue
		}
		runs[ri].vals = append(runs[ri].vals, s.Value)
		runs[ri].last = ns
	}
	return runs
}

// wireID returns the channel's id, assigning the next free one on first
// sight and firing the index callback.
func (dp *DataPublisher) wireID(key string) uint16 {
	if id, ok := dp.ids[key]; ok {
		return id
	}
	id := uint16(len(dp.ids))
	dp.ids[key] = id
	if dp.onChannels != nil {
		table := make(map[string]uint16, len(dp.ids))
		for k, v := range dp.ids {
			table[k] = v
		}
		dp.onChannels(table)
	}
	return id
}

// channelIndex returns the wire ids assigned so far, sorted by id. Only
// valid inside the Run goroutine or after Stop.
func (dp *DataPublisher) channelIndex() []string {
	keys := make([]string, 0, len(dp.ids))
	for k := range dp.ids {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return dp.ids[keys[i]] < dp.ids[keys[j]] })
	return keys
}

// Run binds the PUB socket and publishes until Stop.
func (dp *DataPublisher) Run(portdata int) error {
	defer close(dp.done)
	pubSocket, err := czmq.NewSocket(czmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	pubSocket.SetSndhwm(1000)
	pubSocket.SetLinger(0)
	hostname := fmt.Sprintf("tcp://*:%d", portdata)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("data publisher bind %s: %v", hostname, err)
	}

	sub := dp.bus.Subscribe("display", 512)
	defer func() {
		dp.bus.Unsubscribe(sub)
		for range sub.C() {
		}
	}()

	for {
		select {
		case <-dp.abort:
			return nil
		case delivery, ok := <-sub.C():
			if !ok {
				return nil
			}
			for _, run := range splitByChannel(delivery.Samples) {
				id := dp.wireID(run.key)
				header := encodeDataHeader(id, uint32(len(run.vals)), run.first, run.last, uint32(delivery.Dropped))
				if _, err := pubSocket.SendBytes(header, czmq.SNDMORE); err != nil {
					ProblemLogger.Printf("data publisher send: %v", err)
					continue
				}
				if _, err := pubSocket.SendBytes(getbytes.FromSliceFloat64(run.vals), 0); err != nil {
					ProblemLogger.Printf("data publisher send: %v", err)
				}
			}
		}
	}
}

// Stop ends Run and waits for the socket to close.
func (dp *DataPublisher) Stop() {
	closeIfOpen(dp.abort)
	<-dp.done
}
