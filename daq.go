package ssmiss

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	sysctl "github.com/lorenzosaino/go-sysctl"

	"github.com/ICE-QTM/SSMiSS/frames"
)

// DAQConfig configures a DAQ adapter.
type DAQConfig struct {
	Name       string
	ListenAddr string        // UDP address to bind for incoming data frames
	DeviceAddr string        // UDP address output frames are sent to; empty disables writes
	ReadBuffer int           // socket receive buffer in bytes; 0 means 2 MB
	Timeout    time.Duration // wait bound for the first data on a channel; 0 means 1s
	Scale      float64       // volts per count; 0 means 1.0
}

// register is the last-value store for one input channel.
type register struct {
	value float64
	fresh bool // a frame updated this value since the last Read
	gap   bool // a sequence discontinuity occurred since the last Read
	ever  bool // any frame has ever carried this channel
}

// DAQ is a streaming analog I/O adapter. The instrument pushes UDP data
// frames at its own pace; a background loop drains them into per-channel
// last-value registers, and Read hands out the freshest value. Input
// channels are named "ai0", "ai1", ...; output channels "ao0", "ao1", ...
type DAQ struct {
	cfg DAQConfig

	mu       sync.Mutex
	state    ConnState
	fault    error
	conn     *net.UDPConn
	out      *net.UDPConn
	regs     []register
	lastSeq  uint64
	haveSeq  bool
	seqGaps  uint64
	writeSeq uint64
	loopDone sync.WaitGroup
}

// NewDAQ builds the adapter without opening any socket.
func NewDAQ(cfg DAQConfig) (*DAQ, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("DAQ config has no name")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("DAQ %s config has no listen address", cfg.Name)
	}
	if cfg.ReadBuffer == 0 {
		cfg.ReadBuffer = 2 << 20
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1.0
	}
	return &DAQ{cfg: cfg, state: Disconnected}, nil
}

// Name returns the adapter's name.
func (d *DAQ) Name() string { return d.cfg.Name }

// Capabilities reports readable, writable, and streaming.
func (d *DAQ) Capabilities() Capability { return CapReadable | CapWritable | CapStreaming }

// State returns the connection state.
func (d *DAQ) State() ConnState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SequenceGaps returns the running count of frames lost to sequence
// discontinuities since Connect.
func (d *DAQ) SequenceGaps() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seqGaps
}

// LastFault returns the error that faulted the adapter, if any.
func (d *DAQ) LastFault() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fault
}

// LocalAddr returns the bound listen address, or nil when disconnected.
func (d *DAQ) LocalAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Connect binds the listen socket, checks the kernel receive-buffer limit,
// and starts the frame drain loop.
func (d *DAQ) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Connected {
		return nil
	}
	laddr, err := net.ResolveUDPAddr("udp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("DAQ %s: resolve %s: %w", d.cfg.Name, d.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("DAQ %s: listen %s: %w", d.cfg.Name, d.cfg.ListenAddr, err)
	}
	if err := conn.SetReadBuffer(d.cfg.ReadBuffer); err != nil {
		ProblemLogger.Printf("DAQ %s: could not set %d byte receive buffer: %v", d.cfg.Name, d.cfg.ReadBuffer, err)
	}
	// The kernel silently caps SO_RCVBUF at net.core.rmem_max; warn when the
	// cap is below what frame bursts need.
	if s, err := sysctl.Get("net.core.rmem_max"); err == nil {
		if max, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && max < d.cfg.ReadBuffer {
			ProblemLogger.Printf("DAQ %s: net.core.rmem_max=%d is below the requested %d byte buffer; frames may drop",
				d.cfg.Name, max, d.cfg.ReadBuffer)
		}
	}

	if d.cfg.DeviceAddr != "" {
		raddr, err := net.ResolveUDPAddr("udp", d.cfg.DeviceAddr)
		if err != nil {
			conn.Close()
			return fmt.Errorf("DAQ %s: resolve device %s: %w", d.cfg.Name, d.cfg.DeviceAddr, err)
		}
		out, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			conn.Close()
			return fmt.Errorf("DAQ %s: dial device %s: %w", d.cfg.Name, d.cfg.DeviceAddr, err)
		}
		d.out = out
	}

	d.conn = conn
	d.state = Connected
	d.fault = nil
	d.regs = nil
	d.haveSeq = false
	d.seqGaps = 0
	d.loopDone.Add(1)
	go d.drainFrames(conn)
	return nil
}

// drainFrames receives data frames until the socket closes or a malformed
// frame faults the adapter.
func (d *DAQ) drainFrames(conn *net.UDPConn) {
	defer d.loopDone.Done()
	p := make([]byte, 16384)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		n, _, err := conn.ReadFromUDP(p)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.recordFault(fmt.Errorf("DAQ %s: receive: %w", d.cfg.Name, err))
			return
		}
		h, data, err := frames.ReadFrame(bytes.NewReader(p[:n]))
		if err != nil {
			d.recordFault(fmt.Errorf("DAQ %s: malformed frame: %v: %w", d.cfg.Name, err, ErrProtocol))
			return
		}
		if h.Kind != frames.KindData {
			continue
		}
		d.ingest(h, data)
	}
}

// ingest applies one data frame to the last-value registers.
func (d *DAQ) ingest(h *frames.Header, data []int16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.regs) < int(h.Nchan) {
		grown := make([]register, h.Nchan)
		copy(grown, d.regs)
		d.regs = grown
	}
	if d.haveSeq {
		switch {
		case h.Sequence == d.lastSeq+1:
		case h.Sequence > d.lastSeq+1:
			d.seqGaps += h.Sequence - d.lastSeq - 1
			d.markGap()
		default:
			// Late or duplicated frame: count it and drop it.
			d.seqGaps++
			d.markGap()
			return
		}
	}
	d.lastSeq = h.Sequence
	d.haveSeq = true

	// Last sample per channel wins; frames are channel-major per tick.
	base := int(h.Nsamp-1) * int(h.Nchan)
	for k := 0; k < int(h.Nchan); k++ {
		d.regs[k].value = float64(data[base+k]) * d.cfg.Scale
		d.regs[k].fresh = true
		d.regs[k].ever = true
	}
}

func (d *DAQ) markGap() {
	for k := range d.regs {
		d.regs[k].gap = true
	}
}

// Read returns the freshest value for an input channel. Quality is Stale
// when no new frame arrived since the previous read or when a sequence
// discontinuity occurred. The first read of a channel waits up to the
// configured timeout for the stream to begin.
func (d *DAQ) Read(channel string) (float64, Quality, error) {
	k, err := parseDAQChannel(channel, "ai")
	if err != nil {
		return 0, QualityMissing, fmt.Errorf("DAQ %s: %w", d.cfg.Name, err)
	}
	deadline := time.Now().Add(d.cfg.Timeout)
	for {
		d.mu.Lock()
		if d.state != Connected {
			d.mu.Unlock()
			return 0, QualityMissing, fmt.Errorf("DAQ %s: %w", d.cfg.Name, ErrDisconnected)
		}
		if k < len(d.regs) && d.regs[k].ever {
			reg := &d.regs[k]
			value := reg.value
			quality := QualityStale
			if reg.fresh && !reg.gap {
				quality = QualityOk
			}
			reg.fresh = false
			reg.gap = false
			d.mu.Unlock()
			return value, quality, nil
		}
		d.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, QualityMissing, fmt.Errorf("DAQ %s: no frames carried %s: %w", d.cfg.Name, channel, ErrTimeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Write sends one output frame commanding an analog output level. The frame
// is sent exactly once.
func (d *DAQ) Write(channel string, value float64) error {
	k, err := parseDAQChannel(channel, "ao")
	if err != nil {
		return fmt.Errorf("DAQ %s: %w", d.cfg.Name, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Connected {
		return fmt.Errorf("DAQ %s: %w", d.cfg.Name, ErrDisconnected)
	}
	if d.out == nil {
		return fmt.Errorf("DAQ %s has no device address for writes: %w", d.cfg.Name, ErrUnsupported)
	}
	counts := math.Round(value / d.cfg.Scale)
	if counts > math.MaxInt16 || counts < math.MinInt16 {
		return fmt.Errorf("DAQ %s: %g volts exceeds the output range", d.cfg.Name, value)
	}
	d.writeSeq++
	var buf bytes.Buffer
	if err := frames.WriteFrame(&buf, frames.OutputHeader(k, d.writeSeq), []int16{int16(counts)}); err != nil {
		return fmt.Errorf("DAQ %s: build output frame: %v", d.cfg.Name, err)
	}
	if _, err := d.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("DAQ %s: send output frame: %w", d.cfg.Name, ErrDisconnected)
	}
	return nil
}

// Disconnect closes the sockets and waits for the drain loop to exit. Safe
// to call repeatedly.
func (d *DAQ) Disconnect() error {
	d.mu.Lock()
	conn, out := d.conn, d.out
	d.conn, d.out = nil, nil
	d.state = Disconnected
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if out != nil {
		out.Close()
	}
	d.loopDone.Wait()
	return nil
}

// recordFault marks the adapter Faulted and drops the sockets so reads fail
// fast until Connect is retried.
func (d *DAQ) recordFault(err error) {
	ProblemLogger.Print(err)
	d.mu.Lock()
	conn, out := d.conn, d.out
	d.conn, d.out = nil, nil
	d.state = Faulted
	d.fault = err
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if out != nil {
		out.Close()
	}
}

// parseDAQChannel splits "ai3" or "ao0" into its index, enforcing the
// expected direction prefix.
func parseDAQChannel(channel, prefix string) (int, error) {
	if !strings.HasPrefix(channel, prefix) {
		return 0, fmt.Errorf("channel %s is not %s*: %w", channel, prefix, ErrUnsupported)
	}
	k, err := strconv.Atoi(channel[len(prefix):])
	if err != nil || k < 0 {
		return 0, fmt.Errorf("channel %s has no index: %w", channel, ErrUnsupported)
	}
	return k, nil
}
