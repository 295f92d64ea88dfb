package main

import (
	"bytes"
	"net"
	"os"
	"testing"
	"time"

	"github.com/ICE-QTM/SSMiSS/frames"
)

func TestHelpers(t *testing.T) {
	f := 1.0
	j := 1
	mins := []float64{0, -10, 10}
	maxs := []float64{2, 0, 20}
	expect := []float64{1, 0, 10}
	for i := range mins {
		coerceFloat(&f, mins[i], maxs[i])
		if f != expect[i] {
			t.Errorf("coerceFloat made f=%.4f, want %.4f", f, expect[i])
		}
		coerceInt(&j, int(mins[i]), int(maxs[i]))
		e := int(expect[i])
		if j != e {
			t.Errorf("coerceInt made j=%d, want %d", j, e)
		}
	}
}

func TestWaveTable(t *testing.T) {
	control := SimControl{amplitude: 1.0, scale: 0.001, wave: "triangle"}
	table, err := waveTable(control)
	if err != nil {
		t.Fatalf("waveTable(triangle) returned %v", err)
	}
	if table[0] != 1000 {
		t.Errorf("triangle table[0] = %d, want 1000", table[0])
	}
	if table[500] != -1000 {
		t.Errorf("triangle table[500] = %d, want -1000", table[500])
	}

	control.wave = "sine"
	table, err = waveTable(control)
	if err != nil {
		t.Fatalf("waveTable(sine) returned %v", err)
	}
	if table[0] != 0 {
		t.Errorf("sine table[0] = %d, want 0", table[0])
	}
	if table[250] != 1000 {
		t.Errorf("sine table[250] = %d, want 1000", table[250])
	}

	control.wave = "square"
	if _, err = waveTable(control); err == nil {
		t.Errorf("waveTable(square) returned nil error, want unknown waveform")
	}
}

func TestOutputLevels(t *testing.T) {
	levels := new(outputLevels)
	if v := levels.get(0); v != 0 {
		t.Errorf("empty levels.get(0) = %d, want 0", v)
	}
	levels.set(2, 150)
	if v := levels.get(2); v != 150 {
		t.Errorf("levels.get(2) = %d, want 150", v)
	}
}

func TestGenerate(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("could not open listener: %v", err)
	}
	defer listener.Close()

	conn, err := net.DialUDP("udp", nil, listener.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("could not dial listener: %v", err)
	}
	defer conn.Close()

	cancel := make(chan os.Signal)
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(cancel)
	}()
	control := SimControl{nchan: 3, nsamp: 10, samplerate: 1000, amplitude: 1.0,
		scale: 0.001, wave: "triangle"}
	levels := new(outputLevels)
	levels.set(1, 500)
	if err := generateData(conn, levels, cancel, control); err != nil {
		t.Fatalf("generateData() returned %v", err)
	}

	listener.SetReadDeadline(time.Now().Add(time.Second))
	p := make([]byte, 16384)
	n, _, err := listener.ReadFromUDP(p)
	if err != nil {
		t.Fatalf("no frame arrived: %v", err)
	}
	h, data, err := frames.ReadFrame(bytes.NewReader(p[:n]))
	if err != nil {
		t.Fatalf("frame did not parse: %v", err)
	}
	if h.Kind != frames.KindData {
		t.Errorf("frame kind = %d, want %d", h.Kind, frames.KindData)
	}
	if h.Nchan != 3 || h.Nsamp != 10 {
		t.Errorf("frame geometry %d x %d, want 3 x 10", h.Nchan, h.Nsamp)
	}
	if len(data) != 30 {
		t.Fatalf("frame carried %d samples, want 30", len(data))
	}
	// Channel 1 carries the folded-back output level on top of the waveform.
	delta := data[1] - data[0]
	table, _ := waveTable(control)
	wavegap := table[len(table)/8] - table[0]
	if delta != wavegap+500 {
		t.Errorf("channel 1 offset = %d, want %d", delta, wavegap+500)
	}
}
