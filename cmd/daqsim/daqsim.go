package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ICE-QTM/SSMiSS/frames"
)

// SimControl holds the command-line settings for one simulated instrument.
type SimControl struct {
	nchan      int
	nsamp      int
	samplerate float64
	amplitude  float64
	scale      float64
	wave       string
	noiselevel float64
	target     string
	port       int
}

func coerceInt(v *int, min, max int) {
	if *v < min {
		*v = min
	}
	if *v > max {
		*v = max
	}
}

func coerceFloat(v *float64, min, max float64) {
	if *v < min {
		*v = min
	}
	if *v > max {
		*v = max
	}
}

// outputLevels stores the analog output counts most recently commanded by the
// host. The generator folds them back into the data stream so closed-loop
// demos see their own writes.
type outputLevels struct {
	mu     sync.Mutex
	counts map[int]int16
}

func (o *outputLevels) set(channel int, value int16) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[int]int16)
	}
	o.counts[channel] = value
}

func (o *outputLevels) get(channel int) int16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[channel]
}

// waveTable precomputes one full cycle of the chosen waveform in counts.
// Noise is not in the table; it is drawn fresh each frame.
func waveTable(control SimControl) ([]int16, error) {
	const tableLength = 1000
	table := make([]int16, tableLength)
	for j := 0; j < tableLength; j++ {
		phase := float64(j) / tableLength
		var v float64
		switch control.wave {
		case "triangle", "":
			v = control.amplitude * (4*math.Abs(phase-0.5) - 1)
		case "sine":
			v = control.amplitude * math.Sin(2*math.Pi*phase)
		case "noise":
			v = 0
		default:
			return nil, fmt.Errorf("unknown waveform %q (want triangle, sine, or noise)", control.wave)
		}
		counts := math.Round(v / control.scale)
		if counts > math.MaxInt16 {
			counts = math.MaxInt16
		}
		if counts < math.MinInt16 {
			counts = math.MinInt16
		}
		table[j] = int16(counts)
	}
	return table, nil
}

// generateData sends data frames to the host at the configured sample rate
// until cancel closes. Channel k carries the waveform delayed by k/8 cycle
// plus any output level the host has commanded for channel k.
func generateData(conn *net.UDPConn, levels *outputLevels, cancel chan os.Signal, control SimControl) error {
	table, err := waveTable(control)
	if err != nil {
		return err
	}
	randsource := rand.New(rand.NewSource(time.Now().UnixNano()))

	framePeriod := time.Duration(float64(control.nsamp) / control.samplerate * float64(time.Second))
	timer := time.NewTicker(framePeriod)
	defer timer.Stop()

	var sequence uint64
	phase := 0
	data := make([]int16, control.nchan*control.nsamp)
	for {
		select {
		case <-cancel:
			return nil
		case <-timer.C:
			for j := 0; j < control.nsamp; j++ {
				base := (phase + j) % len(table)
				for i := 0; i < control.nchan; i++ {
					v := table[(base+i*len(table)/8)%len(table)]
					if control.noiselevel > 0 {
						v += int16(randsource.NormFloat64() * control.noiselevel)
					}
					data[i+control.nchan*j] = v + levels.get(i)
				}
			}
			phase = (phase + control.nsamp) % len(table)

			var buf bytes.Buffer
			if err := frames.WriteFrame(&buf, frames.DataHeader(control.nchan, control.nsamp, sequence), data); err != nil {
				return err
			}
			sequence++
			if _, err := conn.Write(buf.Bytes()); err != nil {
				return fmt.Errorf("send data frame: %v", err)
			}
		}
	}
}

// acceptOutputs reads frames arriving on the device port. Output frames set
// the commanded level for their channel; anything else is ignored.
func acceptOutputs(conn *net.UDPConn, levels *outputLevels) {
	p := make([]byte, 1024)
	for {
		n, _, err := conn.ReadFromUDP(p)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		h, data, err := frames.ReadFrame(bytes.NewReader(p[:n]))
		if err != nil || h.Kind != frames.KindOutput || len(data) != 1 {
			continue
		}
		levels.set(int(h.Nchan), data[0])
		fmt.Printf("\routput ao%d <- %6d counts", h.Nchan, data[0])
	}
}

func main() {
	var control SimControl
	flag.IntVar(&control.nchan, "nchan", 4, "Number of channels, 1-64 allowed")
	flag.IntVar(&control.nsamp, "nsamp", 50, "Samples per channel per frame, 1-500 allowed")
	flag.Float64Var(&control.samplerate, "rate", 1000., "Samples per channel per second, 10-100000")
	flag.Float64Var(&control.amplitude, "amp", 1.0, "Waveform amplitude in volts")
	flag.Float64Var(&control.scale, "scale", 0.001, "Volts per count; must match the host's DAQ config")
	flag.StringVar(&control.wave, "wave", "triangle", "Waveform shape: triangle, sine, or noise")
	flag.Float64Var(&control.noiselevel, "noise", 0.0, "Additive white noise level in counts (<=0 means none)")
	flag.StringVar(&control.target, "target", "127.0.0.1:4510", "host:port the acquisition host listens on")
	flag.IntVar(&control.port, "port", 4511, "UDP port this instrument accepts output frames on")
	flag.Usage = func() {
		fmt.Println("daqsim, a simulated streaming DAQ instrument")
		fmt.Println("Usage:")
		flag.PrintDefaults()
	}
	flag.Parse()
	coerceInt(&control.nchan, 1, 64)
	coerceInt(&control.nsamp, 1, 500)
	coerceFloat(&control.samplerate, 10, 100000)

	raddr, err := net.ResolveUDPAddr("udp", control.target)
	if err != nil {
		fmt.Printf("Could not resolve target %s: %v\n", control.target, err)
		os.Exit(1)
	}
	laddr := &net.UDPAddr{Port: control.port}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		fmt.Printf("Could not open UDP port %d: %v\n", control.port, err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Printf("Sending %d channels at %g samples/sec to %s (%s wave, %g V)\n",
		control.nchan, control.samplerate, control.target, control.wave, control.amplitude)
	fmt.Printf("Accepting output frames on UDP port %d\n", control.port)

	levels := new(outputLevels)
	go acceptOutputs(conn, levels)

	cancel := make(chan os.Signal, 1)
	signal.Notify(cancel, os.Interrupt, syscall.SIGTERM)
	if err := generateData(conn, levels, cancel, control); err != nil {
		fmt.Println("daqsim ended with error:", err)
	}
}
