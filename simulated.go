package ssmiss

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// SimWave selects the waveform a SimulatedAdapter fabricates.
type SimWave int

// Names for the possible values of SimWave
const (
	WaveTriangle SimWave = iota
	WaveSine
	WaveNoise
)

// ParseSimWave maps a configuration string to a waveform. The empty string
// means triangle.
func ParseSimWave(s string) (SimWave, error) {
	switch strings.ToLower(s) {
	case "triangle", "":
		return WaveTriangle, nil
	case "sine":
		return WaveSine, nil
	case "noise":
		return WaveNoise, nil
	}
	return WaveTriangle, fmt.Errorf("unknown waveform %q", s)
}

// SimulatedAdapter fabricates readings without hardware. Each channel gets a
// phase-shifted copy of the configured waveform, and any value written to a
// channel reads back in place of the waveform. Useful for exercising the
// full acquisition path on a machine with no instruments attached.
type SimulatedAdapter struct {
	name      string
	wave      SimWave
	period    time.Duration
	amplitude float64

	mu      sync.Mutex
	state   ConnState
	epoch   time.Time
	written map[string]float64
	noise   *rand.Rand
}

// NewSimulatedAdapter returns an adapter producing the given waveform with
// the given full-cycle period and amplitude.
func NewSimulatedAdapter(name string, wave SimWave, period time.Duration, amplitude float64) *SimulatedAdapter {
	seed := fnv.New64a()
	seed.Write([]byte(name))
	return &SimulatedAdapter{
		name:      name,
		wave:      wave,
		period:    period,
		amplitude: amplitude,
		state:     Disconnected,
		noise:     rand.New(rand.NewSource(int64(seed.Sum64()))),
	}
}

// Name returns the adapter's name.
func (sa *SimulatedAdapter) Name() string { return sa.name }

// Capabilities reports readable and writable.
func (sa *SimulatedAdapter) Capabilities() Capability { return CapReadable | CapWritable }

// State returns the connection state.
func (sa *SimulatedAdapter) State() ConnState {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.state
}

// Connect marks the adapter connected and restarts the waveform clock.
func (sa *SimulatedAdapter) Connect() error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.state == Connected {
		return nil
	}
	sa.state = Connected
	sa.epoch = time.Now()
	sa.written = make(map[string]float64)
	return nil
}

// Read fabricates a sample for the channel. Channels that have been written
// read back the stored value instead of the waveform.
func (sa *SimulatedAdapter) Read(channel string) (float64, Quality, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.state != Connected {
		return 0, QualityMissing, fmt.Errorf("simulated adapter %s: %w", sa.name, ErrDisconnected)
	}
	if v, ok := sa.written[channel]; ok {
		return v, QualityOk, nil
	}
	elapsed := time.Since(sa.epoch)
	phase := math.Mod(elapsed.Seconds()/sa.period.Seconds()+channelPhase(channel), 1.0)
	var v float64
	switch sa.wave {
	case WaveTriangle:
		v = sa.amplitude * (1 - 4*math.Abs(phase-0.5))
	case WaveSine:
		v = sa.amplitude * math.Sin(2*math.Pi*phase)
	case WaveNoise:
		v = sa.amplitude * sa.noise.NormFloat64()
	}
	return v, QualityOk, nil
}

// Write stores a value that later reads of the channel will report.
func (sa *SimulatedAdapter) Write(channel string, value float64) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.state != Connected {
		return fmt.Errorf("simulated adapter %s: %w", sa.name, ErrDisconnected)
	}
	sa.written[channel] = value
	return nil
}

// Disconnect marks the adapter disconnected. Safe to call repeatedly.
func (sa *SimulatedAdapter) Disconnect() error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.state = Disconnected
	return nil
}

// channelPhase spreads channels across the waveform so they do not all read
// identical values.
func channelPhase(channel string) float64 {
	h := fnv.New32a()
	h.Write([]byte(channel))
	return float64(h.Sum32()%360) / 360.0
}
