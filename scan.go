package ssmiss

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ScanConfig describes one raster scan over a pair of analog outputs.
// The x output steps a staircase from XStart to XStop in XSteps levels, each
// level held for Settle seconds, forward and then mirrored backward; the y
// output steps linearly across YSteps lines.
type ScanConfig struct {
	Module   string  `json:"module"`
	Adapter  string  `json:"adapter"`
	XChannel string  `json:"xchannel"` // e.g. "ao0"
	YChannel string  `json:"ychannel"` // e.g. "ao1"
	Monitor  string  `json:"monitor"`  // bus channel averaged per level
	XStart   float64 `json:"xstart"`
	XStop    float64 `json:"xstop"`
	XSteps   int     `json:"xsteps"`
	YStart   float64 `json:"ystart"`
	YStop    float64 `json:"ystop"`
	YSteps   int     `json:"ysteps"`
	Settle   float64 `json:"settle"` // seconds per level
	Suffix   string  `json:"suffix"` // trailing tag in the group name
}

// Validate checks the scan geometry.
func (c ScanConfig) Validate() error {
	if c.Module == "" || c.Adapter == "" {
		return fmt.Errorf("scan config needs a module and an adapter")
	}
	if c.XChannel == "" || c.YChannel == "" {
		return fmt.Errorf("scan config needs x and y output channels")
	}
	if c.Monitor == "" {
		return fmt.Errorf("scan config needs a monitor channel")
	}
	if c.XSteps < 2 {
		return fmt.Errorf("scan has %d x steps, want >= 2", c.XSteps)
	}
	if c.YSteps < 1 {
		return fmt.Errorf("scan has %d y lines, want >= 1", c.YSteps)
	}
	if c.Settle <= 0 {
		return fmt.Errorf("scan settle %g seconds, want > 0", c.Settle)
	}
	return nil
}

// GroupName encodes the scan parameters the way the data files are named:
// vx{lo}-{hi}-{n}_vy{lo}-{hi}-{n}_settle-{s}_{suffix}.
func (c ScanConfig) GroupName() string {
	name := fmt.Sprintf("vx%g-%g-%d_vy%g-%g-%d_settle-%g",
		c.XStart, c.XStop, c.XSteps, c.YStart, c.YStop, c.YSteps, c.Settle)
	if c.Suffix != "" {
		name += "_" + c.Suffix
	}
	return name
}

// xLine returns one scan line's staircase: forward levels then the same
// levels mirrored, so every line ends where it began.
func (c ScanConfig) xLine() []float64 {
	forward := floats.Span(make([]float64, c.XSteps), c.XStart, c.XStop)
	line := make([]float64, 0, 2*c.XSteps)
	line = append(line, forward...)
	for i := len(forward) - 1; i >= 0; i-- {
		line = append(line, forward[i])
	}
	return line
}

// yLevels returns the per-line y output values.
func (c ScanConfig) yLevels() []float64 {
	if c.YSteps == 1 {
		return []float64{c.YStart}
	}
	return floats.Span(make([]float64, c.YSteps), c.YStart, c.YStop)
}

// LoadScanProgram reads a JSON array of scan configurations to run
// back-to-back.
func LoadScanProgram(path string) ([]ScanConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfgs []ScanConfig
	if err := json.Unmarshal(raw, &cfgs); err != nil {
		return nil, fmt.Errorf("scan program %s: %v", path, err)
	}
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("scan program %s is empty", path)
	}
	for i, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("scan program %s entry %d: %w", path, i, err)
		}
	}
	return cfgs, nil
}

// ScanRunner executes a scan program against a running module. Output
// levels advance by counting monitor samples off its own bus subscription,
// so the dwell per level tracks the module's real tick rate; writes go
// through the module's request channel and never race the sampling reads.
type ScanRunner struct {
	program []ScanConfig
	m       *Module
	bus     *SampleBus
	sub     *Subscription
	emit    func(StatusEvent)
	session func(ScanConfig) (*RecordingSession, func(), error)

	mu      sync.Mutex
	running bool
	err     error
	scan    int // index into program
	line    int
	grid    [][]float64 // per-level monitor means for the current scan

	abort chan struct{}
	done  chan struct{}
}

// newScanRunner wires a runner; callers go through Supervisor.StartScan.
func newScanRunner(program []ScanConfig, m *Module, bus *SampleBus) *ScanRunner {
	return &ScanRunner{
		program: program,
		m:       m,
		bus:     bus,
		emit:    func(StatusEvent) {},
		session: func(ScanConfig) (*RecordingSession, func(), error) { return nil, func() {}, nil },
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Kind identifies the runner on the status stream.
func (r *ScanRunner) Kind() string { return "scan" }

// Err returns the error that ended the scan, if any.
func (r *ScanRunner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Running reports whether the scan program is still executing.
func (r *ScanRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Progress returns the current scan index and line number.
func (r *ScanRunner) Progress() (scan, line int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scan, r.line
}

// Grid returns a copy of the per-level monitor means collected so far in
// the current scan, one row per completed or in-progress line.
func (r *ScanRunner) Grid() [][]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	grid := make([][]float64, len(r.grid))
	for i, row := range r.grid {
		grid[i] = append([]float64(nil), row...)
	}
	return grid
}

// Stop aborts the program. The outputs are still driven back to zero.
func (r *ScanRunner) Stop() {
	closeIfOpen(r.abort)
	<-r.done
}

// Wait blocks until the program finishes and returns its error.
func (r *ScanRunner) Wait() error {
	<-r.done
	return r.Err()
}

// start launches the program goroutine.
func (r *ScanRunner) start() {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	go r.run()
}

func (r *ScanRunner) run() {
	defer close(r.done)
	var err error
	for i, cfg := range r.program {
		r.mu.Lock()
		r.scan = i
		r.mu.Unlock()
		if err = r.runScan(cfg); err != nil {
			break
		}
		select {
		case <-r.abort:
			err = fmt.Errorf("scan program aborted after scan %d", i)
		default:
		}
		if err != nil {
			break
		}
	}
	r.mu.Lock()
	r.running = false
	r.err = err
	r.mu.Unlock()
	if err != nil {
		ProblemLogger.Printf("scan program ended early: %v", err)
		r.emit(StatusEvent{Kind: "scan", Module: r.m.Name(), State: "failed", Error: err.Error()})
		return
	}
	r.emit(StatusEvent{Kind: "scan", Module: r.m.Name(), State: "done"})
}

// runScan executes one scan configuration.
func (r *ScanRunner) runScan(cfg ScanConfig) error {
	rate, err := r.monitorRate(cfg)
	if err != nil {
		return err
	}
	hold := int(math.Round(cfg.Settle * rate))
	if hold < 1 {
		hold = 1
	}
	sess, closeSession, err := r.session(cfg)
	if err != nil {
		return err
	}
	defer closeSession()

	r.sub = r.bus.Subscribe("scan:"+cfg.Module, 4*hold+64)
	defer func() {
		r.bus.Unsubscribe(r.sub)
		for range r.sub.C() {
		}
	}()

	line := cfg.xLine()
	ys := cfg.yLevels()
	r.mu.Lock()
	r.grid = make([][]float64, 0, len(ys))
	r.mu.Unlock()

	// Whatever happens, never leave voltage on the scan coils.
	defer func() {
		r.m.WriteChannel(cfg.Adapter, cfg.XChannel, 0)
		r.m.WriteChannel(cfg.Adapter, cfg.YChannel, 0)
	}()

	r.emit(StatusEvent{Kind: "scan", Module: cfg.Module, State: "started", Detail: cfg.GroupName()})
	for yi, y := range ys {
		if err := r.m.WriteChannel(cfg.Adapter, cfg.YChannel, y); err != nil {
			return fmt.Errorf("scan y write: %w", err)
		}
		r.mu.Lock()
		r.line = yi
		r.grid = append(r.grid, make([]float64, 0, len(line)))
		r.mu.Unlock()
		lineLabel := fmt.Sprintf("line %d of %d", yi+1, len(ys))
		if sess != nil {
			sess.SetStateLabel(lineLabel)
		}
		r.emit(StatusEvent{Kind: "scan", Module: cfg.Module, State: "line", Detail: lineLabel})

		for _, x := range line {
			if err := r.m.WriteChannel(cfg.Adapter, cfg.XChannel, x); err != nil {
				return fmt.Errorf("scan x write: %w", err)
			}
			held, err := r.collectLevel(cfg, hold)
			if err != nil {
				return err
			}
			mean := stat.Mean(held, nil)
			r.mu.Lock()
			r.grid[yi] = append(r.grid[yi], mean)
			r.mu.Unlock()
		}
	}
	if sess != nil {
		sess.SetStateLabel("scan done")
	}
	return nil
}

// collectLevel gathers one level's worth of monitor samples.
func (r *ScanRunner) collectLevel(cfg ScanConfig, hold int) ([]float64, error) {
	vals := make([]float64, 0, hold)
	for len(vals) < hold {
		select {
		case <-r.abort:
			return nil, fmt.Errorf("scan aborted")
		case delivery, ok := <-r.sub.C():
			if !ok {
				return nil, fmt.Errorf("sample bus closed during scan")
			}
			for _, s := range delivery.Samples {
				if s.Module == cfg.Module && s.Channel == cfg.Monitor {
					vals = append(vals, s.Value)
				}
			}
		}
	}
	return vals, nil
}

// monitorRate finds the monitor channel's sample rate in the module.
func (r *ScanRunner) monitorRate(cfg ScanConfig) (float64, error) {
	for _, c := range r.m.Descriptor().Channels {
		if c.Name == cfg.Monitor {
			return c.Rate, nil
		}
	}
	return 0, fmt.Errorf("module %s has no channel %s to monitor", cfg.Module, cfg.Monitor)
}

// StartScan runs a single scan on a running module. It is a one-element
// scan program.
func (s *Supervisor) StartScan(cfg ScanConfig) (*ScanRunner, error) {
	return s.StartScanProgram([]ScanConfig{cfg})
}

// StartScanProgram runs scans back-to-back on their module. Each scan gets
// its own recording session (labeled with the scan's group name and a
// timestamp) unless the module already records continuously.
func (s *Supervisor) StartScanProgram(program []ScanConfig) (*ScanRunner, error) {
	if len(program) == 0 {
		return nil, fmt.Errorf("scan program is empty")
	}
	module := program[0].Module
	for i, cfg := range program {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if cfg.Module != module {
			return nil, fmt.Errorf("scan program entry %d targets module %s, want %s", i, cfg.Module, module)
		}
	}
	m, err := s.module(module)
	if err != nil {
		return nil, err
	}
	if st := m.State(); st != Running {
		return nil, fmt.Errorf("module %s is %s, scans need Running", module, st)
	}

	r := newScanRunner(program, m, s.bus)
	r.emit = s.emit
	r.session = func(cfg ScanConfig) (*RecordingSession, func(), error) {
		// A continuously recording module keeps its session; the scan only
		// contributes phase labels to it.
		if sess, ok := s.Session(cfg.Module); ok {
			return sess, func() {}, nil
		}
		s.mu.Lock()
		rec := s.recorder
		rc := s.recording
		s.mu.Unlock()
		if rec == nil {
			return nil, func() {}, nil
		}
		groups, err := GroupsForDescriptor(m.Descriptor())
		if err != nil {
			return nil, func() {}, err
		}
		label := time.Now().Format("20060102-150405") + "_" + cfg.GroupName()
		sess, err := rec.Open(SessionConfig{
			BasePath:       rc.BasePath,
			Module:         cfg.Module,
			Label:          label,
			Intention:      "scan " + cfg.GroupName(),
			SamplePeriod:   m.SamplePeriod(),
			Groups:         groups,
			FlushInterval:  rc.FlushInterval,
			FlushThreshold: rc.FlushThreshold,
			QueueCapacity:  rc.QueueCapacity,
			OnFault: func(err error) {
				s.emit(StatusEvent{Kind: "session", Module: cfg.Module, State: RecAborted.String(), Error: err.Error()})
			},
		})
		if err != nil {
			return nil, func() {}, err
		}
		s.emit(StatusEvent{Kind: "session", Module: cfg.Module, State: RecOpen.String(), Detail: sess.FileName()})
		return sess, func() {
			if err := sess.Close(); err != nil {
				ProblemLogger.Printf("closing scan session: %v", err)
			}
			s.emit(StatusEvent{Kind: "session", Module: cfg.Module, State: sess.State().String(), Detail: sess.FileName()})
		}, nil
	}
	if err := s.registerProcedure(module, r); err != nil {
		return nil, err
	}
	r.start()
	return r, nil
}
