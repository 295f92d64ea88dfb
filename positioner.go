package ssmiss

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limits the ANC-150 controller enforces on its axis parameters.
const (
	maxStepVoltage   = 70   // volts
	maxStepFrequency = 8000 // Hz
)

// PositionerConfig configures a Positioner adapter.
type PositionerConfig struct {
	Name    string
	Addr    string        // host:port of the controller's serial bridge
	Axes    []int         // axis numbers to manage; empty means 1, 2, 3
	Timeout time.Duration // per-command response deadline; 0 means 2s
}

// Positioner drives an ANC-150-class piezo stepper controller over its
// line-oriented protocol, carried on a TCP connection to a serial bridge.
// Every command is answered by echoed lines terminated by OK or ERROR.
//
// Read channels: "cap<axis>" (capacitance, nF) and "v<axis>" (step voltage).
// Write channels: "v<axis>" (step voltage), "f<axis>" (step frequency),
// "stepu<axis>"/"stepd<axis>" (step count), "stop<axis>". Mode changes and
// continuous stepping are on the concrete type, not the channel interface.
type Positioner struct {
	cfg PositionerConfig

	mu      sync.Mutex
	state   ConnState
	conn    net.Conn
	reader  *bufio.Reader
	version string
}

// NewPositioner builds the adapter without touching the instrument.
func NewPositioner(cfg PositionerConfig) (*Positioner, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("positioner config has no name")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("positioner %s config has no address", cfg.Name)
	}
	if len(cfg.Axes) == 0 {
		cfg.Axes = []int{1, 2, 3}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Positioner{cfg: cfg, state: Disconnected}, nil
}

// Name returns the adapter's name.
func (p *Positioner) Name() string { return p.cfg.Name }

// Capabilities reports readable and writable. The controller does not stream.
func (p *Positioner) Capabilities() Capability { return CapReadable | CapWritable }

// State returns the connection state.
func (p *Positioner) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Version returns the controller's identification string from the last
// successful Connect.
func (p *Positioner) Version() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Connect dials the bridge and identifies the controller. Anything that does
// not report itself as an attocube controller is refused.
func (p *Positioner) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Connected {
		return nil
	}
	conn, err := net.DialTimeout("tcp", p.cfg.Addr, p.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("positioner %s: dial %s: %w", p.cfg.Name, p.cfg.Addr, err)
	}
	p.conn = conn
	p.reader = bufio.NewReader(conn)
	p.state = Connected

	lines, err := p.commandLocked("ver")
	if err != nil {
		p.dropLocked()
		return fmt.Errorf("positioner %s: identify: %w", p.cfg.Name, err)
	}
	if !identifiesAttocube(lines) {
		p.dropLocked()
		return fmt.Errorf("positioner %s at %s is not an attocube controller: %w",
			p.cfg.Name, p.cfg.Addr, ErrProtocol)
	}
	p.version = strings.Join(lines, " ")
	return nil
}

// Read queries one axis channel. "cap<axis>" asks for capacitance,
// "v<axis>" for the configured step voltage.
func (p *Positioner) Read(channel string) (float64, Quality, error) {
	kind, axis, err := p.parseChannel(channel)
	if err != nil {
		return 0, QualityMissing, err
	}
	var cmd string
	switch kind {
	case "cap":
		cmd = fmt.Sprintf("getc %d", axis)
	case "v":
		cmd = fmt.Sprintf("getv %d", axis)
	default:
		return 0, QualityMissing, fmt.Errorf("positioner %s: channel %s is write-only: %w", p.cfg.Name, channel, ErrUnsupported)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	lines, err := p.commandLocked(cmd)
	if err != nil {
		return 0, QualityMissing, err
	}
	v, err := parseReportedValue(lines)
	if err != nil {
		p.faultLocked()
		return 0, QualityMissing, fmt.Errorf("positioner %s: %s reply %q: %w", p.cfg.Name, cmd, lines, ErrProtocol)
	}
	return v, QualityOk, nil
}

// Write commands one axis channel. Out-of-range values are rejected before
// anything reaches the controller. Writes are issued exactly once.
func (p *Positioner) Write(channel string, value float64) error {
	kind, axis, err := p.parseChannel(channel)
	if err != nil {
		return err
	}
	var cmd string
	switch kind {
	case "v":
		n := int(value)
		if value < 0 || value > maxStepVoltage || float64(n) != value {
			return fmt.Errorf("positioner %s: voltage %g out of range 0..%d", p.cfg.Name, value, maxStepVoltage)
		}
		cmd = fmt.Sprintf("setv %d %d", axis, n)
	case "f":
		n := int(value)
		if value < 1 || value > maxStepFrequency || float64(n) != value {
			return fmt.Errorf("positioner %s: frequency %g out of range 1..%d", p.cfg.Name, value, maxStepFrequency)
		}
		cmd = fmt.Sprintf("setf %d %d", axis, n)
	case "stepu", "stepd":
		n := int(value)
		if n < 1 {
			return fmt.Errorf("positioner %s: step count %g, want >= 1", p.cfg.Name, value)
		}
		cmd = fmt.Sprintf("%s %d %d", kind, axis, n)
	case "stop":
		cmd = fmt.Sprintf("stop %d", axis)
	default:
		return fmt.Errorf("positioner %s: channel %s is read-only: %w", p.cfg.Name, channel, ErrUnsupported)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.commandLocked(cmd)
	return err
}

// SetMode switches one axis between ext, stp, gnd, and cap.
func (p *Positioner) SetMode(axis int, mode string) error {
	switch mode {
	case "ext", "stp", "gnd", "cap":
	default:
		return fmt.Errorf("positioner %s: unknown axis mode %q", p.cfg.Name, mode)
	}
	if err := p.checkAxis(axis); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.commandLocked(fmt.Sprintf("setm %d %s", axis, mode))
	return err
}

// StepContinuous starts continuous stepping on one axis until Stop.
func (p *Positioner) StepContinuous(axis int, up bool) error {
	if err := p.checkAxis(axis); err != nil {
		return err
	}
	dir := "stepd"
	if up {
		dir = "stepu"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.commandLocked(fmt.Sprintf("%s %d c", dir, axis))
	return err
}

// Stop halts motion on one axis.
func (p *Positioner) Stop(axis int) error {
	if err := p.checkAxis(axis); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.commandLocked(fmt.Sprintf("stop %d", axis))
	return err
}

// Disconnect stops and grounds every axis, then releases the transport.
// Safe to call repeatedly and in any state.
func (p *Positioner) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		p.state = Disconnected
		return nil
	}
	if p.state == Connected {
		for _, axis := range p.cfg.Axes {
			if _, err := p.commandLocked(fmt.Sprintf("stop %d", axis)); err != nil {
				ProblemLogger.Printf("positioner %s: stop axis %d on disconnect: %v", p.cfg.Name, axis, err)
				break
			}
			if _, err := p.commandLocked(fmt.Sprintf("setm %d gnd", axis)); err != nil {
				ProblemLogger.Printf("positioner %s: ground axis %d on disconnect: %v", p.cfg.Name, axis, err)
				break
			}
		}
	}
	p.dropLocked()
	return nil
}

// commandLocked sends one command and collects the reply lines up to the
// terminating OK or ERROR. Callers hold p.mu.
func (p *Positioner) commandLocked(cmd string) ([]string, error) {
	if p.state != Connected || p.conn == nil {
		return nil, fmt.Errorf("positioner %s: %w", p.cfg.Name, ErrDisconnected)
	}
	// Clear any partial reply a timed-out command left behind.
	if n := p.reader.Buffered(); n > 0 {
		p.reader.Discard(n)
	}
	p.conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
	if _, err := fmt.Fprintf(p.conn, "%s\r\n", cmd); err != nil {
		p.faultLocked()
		return nil, fmt.Errorf("positioner %s: send %q: %w", p.cfg.Name, cmd, ErrDisconnected)
	}
	var lines []string
	for {
		raw, err := p.reader.ReadString('\n')
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil, fmt.Errorf("positioner %s: %q: %w", p.cfg.Name, cmd, ErrTimeout)
			}
			p.faultLocked()
			return nil, fmt.Errorf("positioner %s: %q: %w", p.cfg.Name, cmd, ErrDisconnected)
		}
		line := strings.TrimSpace(raw)
		switch line {
		case "OK":
			return lines, nil
		case "ERROR":
			p.faultLocked()
			return nil, fmt.Errorf("positioner %s: controller rejected %q: %w", p.cfg.Name, cmd, ErrProtocol)
		case "":
		default:
			lines = append(lines, line)
		}
	}
}

// faultLocked drops the transport after a protocol violation. Later calls
// fail fast with ErrDisconnected until Connect is retried.
func (p *Positioner) faultLocked() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.reader = nil
	}
	p.state = Faulted
}

func (p *Positioner) dropLocked() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.reader = nil
	}
	p.state = Disconnected
}

func (p *Positioner) checkAxis(axis int) error {
	for _, a := range p.cfg.Axes {
		if a == axis {
			return nil
		}
	}
	return fmt.Errorf("positioner %s: axis %d not managed: %w", p.cfg.Name, axis, ErrUnsupported)
}

// parseChannel splits a channel name like "cap1" or "stepu2" into its kind
// and axis number.
func (p *Positioner) parseChannel(channel string) (string, int, error) {
	kind := ""
	for _, prefix := range []string{"stepu", "stepd", "stop", "cap", "v", "f"} {
		if strings.HasPrefix(channel, prefix) {
			kind = prefix
			break
		}
	}
	if kind == "" {
		return "", 0, fmt.Errorf("positioner %s: unknown channel %s: %w", p.cfg.Name, channel, ErrUnsupported)
	}
	axis, err := strconv.Atoi(channel[len(kind):])
	if err != nil {
		return "", 0, fmt.Errorf("positioner %s: channel %s has no axis number: %w", p.cfg.Name, channel, ErrUnsupported)
	}
	if err := p.checkAxis(axis); err != nil {
		return "", 0, err
	}
	return kind, axis, nil
}

// identifiesAttocube reports whether a ver reply names an attocube ANC
// controller.
func identifiesAttocube(lines []string) bool {
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "attocube") || strings.Contains(lower, "anc") {
			return true
		}
	}
	return false
}

// parseReportedValue extracts the number from a reply line shaped like
// "capacitance = 121 nF" or "voltage = 30 V".
func parseReportedValue(lines []string) (float64, error) {
	for _, line := range lines {
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		fields := strings.Fields(line[eq+1:])
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("no numeric value in reply")
}
