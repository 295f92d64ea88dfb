package ssmiss

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ICE-QTM/SSMiSS/frames"
)

func startDAQ(t *testing.T, cfg DAQConfig) (*DAQ, *net.UDPConn) {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "daq"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	d, err := NewDAQ(cfg)
	if err != nil {
		t.Fatalf("NewDAQ: %v", err)
	}
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { d.Disconnect() })

	raddr, err := net.ResolveUDPAddr("udp", d.LocalAddr().String())
	if err != nil {
		t.Fatalf("resolve adapter address: %v", err)
	}
	feeder, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("dial adapter: %v", err)
	}
	t.Cleanup(func() { feeder.Close() })
	return d, feeder
}

func sendDataFrame(t *testing.T, feeder *net.UDPConn, seq uint64, data []int16, nchan int) {
	t.Helper()
	var buf bytes.Buffer
	h := frames.DataHeader(nchan, len(data)/nchan, seq)
	if err := frames.WriteFrame(&buf, h, data); err != nil {
		t.Fatalf("build frame: %v", err)
	}
	if _, err := feeder.Write(buf.Bytes()); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

// readUntil polls Read until the wanted quality arrives or the deadline
// passes. Frame ingestion is asynchronous, so tests cannot assert on the
// first read after a send.
func readUntil(t *testing.T, d *DAQ, channel string, want Quality) float64 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		v, q, err := d.Read(channel)
		if err != nil {
			t.Fatalf("Read(%s): %v", channel, err)
		}
		if q == want {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("Read(%s) never reached quality %v", channel, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDAQReadLatestAndStale(t *testing.T) {
	d, feeder := startDAQ(t, DAQConfig{Scale: 0.001})

	// Four ticks, two channels; the last tick's values win.
	sendDataFrame(t, feeder, 1, []int16{1, 2, 3, 4, 5, 6, 100, -200}, 2)
	if v := readUntil(t, d, "ai0", QualityOk); v != 0.1 {
		t.Errorf("ai0 = %v, want 0.1", v)
	}
	if v := readUntil(t, d, "ai1", QualityOk); v != -0.2 {
		t.Errorf("ai1 = %v, want -0.2", v)
	}

	// No new frame: same value, Stale quality.
	v, q, err := d.Read("ai0")
	if err != nil || v != 0.1 || q != QualityStale {
		t.Errorf("repeat read gave %v %v %v, want 0.1 Stale nil", v, q, err)
	}

	sendDataFrame(t, feeder, 2, []int16{300, 400}, 2)
	if v := readUntil(t, d, "ai0", QualityOk); v != 0.3 {
		t.Errorf("ai0 after second frame = %v, want 0.3", v)
	}
}

func TestDAQSequenceGaps(t *testing.T) {
	d, feeder := startDAQ(t, DAQConfig{})

	sendDataFrame(t, feeder, 10, []int16{1}, 1)
	readUntil(t, d, "ai0", QualityOk)

	// Jump from 10 to 13: frames 11 and 12 are gone.
	sendDataFrame(t, feeder, 13, []int16{2}, 1)
	deadline := time.Now().Add(2 * time.Second)
	for d.SequenceGaps() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("SequenceGaps=%d, want 2", d.SequenceGaps())
		}
		time.Sleep(2 * time.Millisecond)
	}

	// The discontinuity marks the next read Stale despite fresh data.
	v, q, err := d.Read("ai0")
	if err != nil || q != QualityStale || v != 2 {
		t.Errorf("post-gap read gave %v %v %v, want 2 Stale nil", v, q, err)
	}

	// An in-order frame restores Ok quality.
	sendDataFrame(t, feeder, 14, []int16{3}, 1)
	if v := readUntil(t, d, "ai0", QualityOk); v != 3 {
		t.Errorf("ai0 after recovery = %v, want 3", v)
	}

	// A duplicated frame is dropped and counted.
	sendDataFrame(t, feeder, 14, []int16{99}, 1)
	deadline = time.Now().Add(2 * time.Second)
	for d.SequenceGaps() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("SequenceGaps=%d after duplicate, want 3", d.SequenceGaps())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDAQReadTimeout(t *testing.T) {
	d, _ := startDAQ(t, DAQConfig{Timeout: 200 * time.Millisecond})
	start := time.Now()
	_, q, err := d.Read("ai0")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("read with no stream gave %v, want ErrTimeout", err)
	}
	if q != QualityMissing {
		t.Errorf("quality %v, want Missing", q)
	}
	if waited := time.Since(start); waited < 150*time.Millisecond {
		t.Errorf("timed out after %v, want the configured bound respected", waited)
	}
}

func TestDAQWriteSendsOutputFrame(t *testing.T) {
	device, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen device: %v", err)
	}
	defer device.Close()

	d, _ := startDAQ(t, DAQConfig{DeviceAddr: device.LocalAddr().String(), Scale: 0.001})
	if err := d.Write("ao1", 0.05); err != nil {
		t.Fatalf("Write: %v", err)
	}

	device.SetReadDeadline(time.Now().Add(2 * time.Second))
	p := make([]byte, 1024)
	n, _, err := device.ReadFromUDP(p)
	if err != nil {
		t.Fatalf("device receive: %v", err)
	}
	h, data, err := frames.ReadFrame(bytes.NewReader(p[:n]))
	if err != nil {
		t.Fatalf("parse output frame: %v", err)
	}
	if h.Kind != frames.KindOutput || h.Nchan != 1 || h.Sequence != 1 {
		t.Errorf("output header %+v, want kind=output channel=1 seq=1", h)
	}
	if len(data) != 1 || data[0] != 50 {
		t.Errorf("output payload %v, want [50]", data)
	}

	// 100 V at 1 mV per count overflows int16 counts.
	if err := d.Write("ao1", 100); err == nil {
		t.Error("out-of-range output should be rejected")
	}
}

func TestDAQUnsupportedChannels(t *testing.T) {
	d, _ := startDAQ(t, DAQConfig{})
	if _, _, err := d.Read("ao0"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Read(ao0) gave %v, want ErrUnsupported", err)
	}
	if err := d.Write("ai0", 1); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Write(ai0) gave %v, want ErrUnsupported", err)
	}
	// No device address configured: writes are unsupported.
	if err := d.Write("ao0", 1); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Write without device address gave %v, want ErrUnsupported", err)
	}
}

// TestDAQMalformedFrameFaults checks that garbage on the wire faults the
// adapter and later reads fail fast.
func TestDAQMalformedFrameFaults(t *testing.T) {
	d, feeder := startDAQ(t, DAQConfig{})
	if _, err := feeder.Write([]byte("not a frame at all, far too short to parse")); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for d.State() != Faulted {
		if time.Now().After(deadline) {
			t.Fatalf("adapter state %v, want Faulted", d.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !errors.Is(d.LastFault(), ErrProtocol) {
		t.Errorf("LastFault %v, want ErrProtocol", d.LastFault())
	}
	if _, _, err := d.Read("ai0"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("read after fault gave %v, want ErrDisconnected", err)
	}
}

func TestDAQDisconnectIdempotent(t *testing.T) {
	d, _ := startDAQ(t, DAQConfig{})
	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := d.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if _, _, err := d.Read("ai0"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("read after disconnect gave %v, want ErrDisconnected", err)
	}
}
