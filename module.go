package ssmiss

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ModuleState is the lifecycle state of a measurement module.
type ModuleState int

// Names for the possible values of ModuleState
const (
	Idle     ModuleState = iota // configured, not started
	Starting                    // adapters being opened, or resuming from pause
	Running                     // acquisition loop ticking
	Pausing                     // pause requested, loop not yet drained
	Paused                      // loop alive but not sampling
	Stopping                    // stop requested, loop tearing down
	Stopped                     // loop exited normally
	Failed                      // fatal fault; explicit reset required
)

func (s ModuleState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Pausing:
		return "Pausing"
	case Paused:
		return "Paused"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// DefaultReadRetries is how many times a timed-out read is retried when the
// descriptor does not say otherwise.
const DefaultReadRetries = 1

// ChannelSpec binds one bus channel to one instrument channel at a rate.
type ChannelSpec struct {
	Name          string  // channel name on the sample bus, unique per module
	Adapter       string  // name of the owning device adapter
	DeviceChannel string  // instrument-side channel, e.g. "ai0" or "cap1"
	Rate          float64 // samples per second
}

// ModuleDescriptor is the validated configuration for one module. The
// tightest channel rate sets the tick cadence; every other channel rate must
// divide it evenly so slower channels stay phase-aligned to the start tick.
type ModuleDescriptor struct {
	Name        string
	Channels    []ChannelSpec
	ReadRetries int // 0 means DefaultReadRetries; negative disables retries
	Recording   bool
}

// Validate checks the descriptor for internal consistency.
func (d ModuleDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("module descriptor has no name")
	}
	if len(d.Channels) == 0 {
		return fmt.Errorf("module %s has no channels", d.Name)
	}
	seen := make(map[string]bool)
	for _, c := range d.Channels {
		if c.Name == "" || c.Adapter == "" || c.DeviceChannel == "" {
			return fmt.Errorf("module %s channel %+v is missing a name, adapter, or device channel", d.Name, c)
		}
		if seen[c.Name] {
			return fmt.Errorf("module %s channel name %s repeats", d.Name, c.Name)
		}
		seen[c.Name] = true
		if c.Rate <= 0 {
			return fmt.Errorf("module %s channel %s rate is %g, want > 0", d.Name, c.Name, c.Rate)
		}
	}
	_, _, err := d.schedule()
	return err
}

// schedule derives the base tick period and the per-channel tick divisors.
func (d ModuleDescriptor) schedule() (time.Duration, []int, error) {
	base := 0.0
	for _, c := range d.Channels {
		if c.Rate > base {
			base = c.Rate
		}
	}
	divisors := make([]int, len(d.Channels))
	for i, c := range d.Channels {
		ratio := base / c.Rate
		rounded := math.Round(ratio)
		if math.Abs(ratio-rounded) > 1e-9*rounded {
			return 0, nil, fmt.Errorf("module %s channel %s rate %g does not divide the base rate %g evenly",
				d.Name, c.Name, c.Rate, base)
		}
		divisors[i] = int(rounded)
	}
	period := time.Duration(float64(time.Second) / base)
	return period, divisors, nil
}

// retries returns the effective read retry bound.
func (d ModuleDescriptor) retries() int {
	if d.ReadRetries < 0 {
		return 0
	}
	if d.ReadRetries == 0 {
		return DefaultReadRetries
	}
	return d.ReadRetries
}

// ModuleFault reports a fatal module transition to the supervisor.
type ModuleFault struct {
	Module string
	Prior  ModuleState
	Err    error
}

// adapterJob groups the channel indexes served by one adapter. Channels on
// distinct adapters are read concurrently within a tick; channels sharing an
// adapter are read in spec order.
type adapterJob struct {
	name    string
	adapter DeviceAdapter
	chans   []int
}

// Module runs one measurement procedure: it owns its adapters while active
// and publishes timestamped samples on the bus from its own loop goroutine.
type Module struct {
	desc     ModuleDescriptor
	adapters map[string]DeviceAdapter
	jobs     []adapterJob
	bus      *SampleBus
	faults   chan<- ModuleFault

	period   time.Duration
	divisors []int
	retries  int

	state     ModuleState
	lastErr   error
	abort     chan struct{}
	requests  chan func()
	stateLock sync.Mutex
	runDone   sync.WaitGroup

	// loop-goroutine state
	tickIndex int64
	paused    bool
}

// NewModule builds a module from a validated descriptor and the adapters it
// references. The supervisor grants adapter ownership before calling this.
func NewModule(desc ModuleDescriptor, adapters map[string]DeviceAdapter, bus *SampleBus, faults chan<- ModuleFault) (*Module, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	period, divisors, err := desc.schedule()
	if err != nil {
		return nil, err
	}
	m := &Module{
		desc:     desc,
		adapters: make(map[string]DeviceAdapter),
		bus:      bus,
		faults:   faults,
		period:   period,
		divisors: divisors,
		retries:  desc.retries(),
		state:    Idle,
	}
	jobIndex := make(map[string]int)
	for i, c := range desc.Channels {
		a, ok := adapters[c.Adapter]
		if !ok {
			return nil, fmt.Errorf("module %s channel %s references unknown adapter %s", desc.Name, c.Name, c.Adapter)
		}
		if !a.Capabilities().Readable() {
			return nil, fmt.Errorf("module %s channel %s: adapter %s cannot read: %w", desc.Name, c.Name, c.Adapter, ErrUnsupported)
		}
		m.adapters[c.Adapter] = a
		ji, ok := jobIndex[c.Adapter]
		if !ok {
			ji = len(m.jobs)
			jobIndex[c.Adapter] = ji
			m.jobs = append(m.jobs, adapterJob{name: c.Adapter, adapter: a})
		}
		m.jobs[ji].chans = append(m.jobs[ji].chans, i)
	}
	return m, nil
}

// Name returns the module's configured name.
func (m *Module) Name() string { return m.desc.Name }

// Descriptor returns a copy of the module's configuration.
func (m *Module) Descriptor() ModuleDescriptor { return m.desc }

// SamplePeriod returns the base tick period.
func (m *Module) SamplePeriod() time.Duration { return m.period }

// State returns the current lifecycle state.
func (m *Module) State() ModuleState {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	return m.state
}

// LastErr returns the error that drove the module to Failed, if any.
func (m *Module) LastErr() error {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	return m.lastErr
}

func (m *Module) setStateStarting() error {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	if m.state != Idle {
		return fmt.Errorf("module %s is %s, want Idle", m.desc.Name, m.state)
	}
	m.state = Starting
	return nil
}

// runDoneActivate marks the loop live; call only from start.
func (m *Module) runDoneActivate() {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	m.state = Running
	m.runDone.Add(1)
}

// runDoneDeactivate marks the loop finished; called as the loop returns.
func (m *Module) runDoneDeactivate() {
	m.stateLock.Lock()
	if m.state != Failed {
		m.state = Stopped
	}
	m.runDone.Done()
	m.stateLock.Unlock()
}

// RunDoneWait returns once the loop goroutine has exited.
func (m *Module) RunDoneWait() {
	m.runDone.Wait()
}

// start opens the module's adapters and launches the acquisition loop.
// Any connect failure aborts to Failed and disconnects whatever had opened.
func (m *Module) start() error {
	if err := m.setStateStarting(); err != nil {
		return err
	}
	if err := m.openAdapters(); err != nil {
		m.closeAdapters()
		m.stateLock.Lock()
		m.state = Failed
		m.lastErr = err
		m.stateLock.Unlock()
		return err
	}
	m.stateLock.Lock()
	m.abort = make(chan struct{})
	m.requests = make(chan func(), 16)
	m.stateLock.Unlock()
	m.tickIndex = 0
	m.paused = false
	m.runDoneActivate()
	go m.coreLoop()
	return nil
}

// stop signals the loop and waits until it has torn down its adapters.
func (m *Module) stop() error {
	m.stateLock.Lock()
	switch m.state {
	case Idle, Stopped, Failed:
		st := m.state
		m.stateLock.Unlock()
		return fmt.Errorf("module %s is %s, cannot stop", m.desc.Name, st)
	case Stopping:
		m.stateLock.Unlock()
		return nil
	}
	m.state = Stopping
	closeIfOpen(m.abort)
	m.stateLock.Unlock()

	m.runDone.Wait()
	return nil
}

// pause stops sampling without releasing adapters. The loop keeps servicing
// requests, so jog commands still work while paused.
func (m *Module) pause() error {
	m.stateLock.Lock()
	if m.state != Running {
		st := m.state
		m.stateLock.Unlock()
		return fmt.Errorf("module %s is %s, cannot pause", m.desc.Name, st)
	}
	m.state = Pausing
	m.stateLock.Unlock()
	return m.do(func() {
		m.paused = true
		m.stateLock.Lock()
		m.state = Paused
		m.stateLock.Unlock()
	})
}

// resume restarts sampling after a pause. The tick index continues, so
// divisor phase alignment to the original start tick is preserved.
func (m *Module) resume() error {
	m.stateLock.Lock()
	if m.state != Paused {
		st := m.state
		m.stateLock.Unlock()
		return fmt.Errorf("module %s is %s, cannot resume", m.desc.Name, st)
	}
	m.state = Starting
	m.stateLock.Unlock()
	return m.do(func() {
		m.paused = false
		m.stateLock.Lock()
		m.state = Running
		m.stateLock.Unlock()
	})
}

// reset returns a Failed module to Idle so it can be started again.
func (m *Module) reset() error {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	if m.state != Failed {
		return fmt.Errorf("module %s is %s, only Failed modules reset", m.desc.Name, m.state)
	}
	m.state = Idle
	m.lastErr = nil
	return nil
}

// do submits f to the loop goroutine and waits for it to run. Requests are
// serviced between ticks, which keeps all adapter mutation on one goroutine.
func (m *Module) do(f func()) error {
	m.stateLock.Lock()
	requests, abort := m.requests, m.abort
	alive := m.state == Running || m.state == Paused || m.state == Pausing || m.state == Starting
	m.stateLock.Unlock()
	if !alive || requests == nil {
		return fmt.Errorf("module %s is not accepting requests", m.desc.Name)
	}
	done := make(chan struct{})
	wrapped := func() {
		f()
		close(done)
	}
	select {
	case requests <- wrapped:
	case <-abort:
		return fmt.Errorf("module %s stopped before the request was queued", m.desc.Name)
	}
	select {
	case <-done:
		return nil
	case <-abort:
		return fmt.Errorf("module %s stopped before the request ran", m.desc.Name)
	}
}

// Do runs f on the module's loop goroutine and returns its error. Procedures
// use this to issue adapter writes serialized against the sampling reads.
func (m *Module) Do(f func() error) error {
	var err error
	if derr := m.do(func() { err = f() }); derr != nil {
		return derr
	}
	return err
}

// WriteChannel writes value to one instrument channel through the module's
// loop goroutine. The write is issued once and never retried.
func (m *Module) WriteChannel(adapter, channel string, value float64) error {
	a, ok := m.adapters[adapter]
	if !ok {
		return fmt.Errorf("module %s does not own adapter %s", m.desc.Name, adapter)
	}
	if !a.Capabilities().Writable() {
		return fmt.Errorf("adapter %s cannot write: %w", adapter, ErrUnsupported)
	}
	return m.Do(func() error { return a.Write(channel, value) })
}

// coreLoop services control requests and sampling ticks until stop or a
// fatal fault. Interleaving both in one select keeps adapter access
// single-goroutine without locks.
func (m *Module) coreLoop() {
	defer m.runDoneDeactivate()
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case request := <-m.requests:
			request()

		case <-m.abort:
			m.closeAdapters()
			return

		case <-ticker.C:
			if m.paused {
				continue
			}
			batch, err := m.tick()
			if len(batch) > 0 {
				m.bus.Publish(batch)
			}
			if err != nil {
				m.fail(err)
				return
			}
			m.tickIndex++
		}
	}
}

// tick reads every channel due at the current tick index and assembles the
// batch in channel spec order. A fatal adapter error aborts the tick; the
// samples already read are still returned for publishing.
func (m *Module) tick() ([]Sample, error) {
	mono := time.Duration(m.tickIndex) * m.period
	samples := make([]Sample, len(m.desc.Channels))
	have := make([]bool, len(m.desc.Channels))
	errs := make([]error, len(m.jobs))

	var wg sync.WaitGroup
	for ji := range m.jobs {
		job := &m.jobs[ji]
		due := job.chans[:0:0]
		for _, ci := range job.chans {
			if m.tickIndex%int64(m.divisors[ci]) == 0 {
				due = append(due, ci)
			}
		}
		if len(due) == 0 {
			continue
		}
		wg.Add(1)
		go func(ji int, adapter DeviceAdapter, due []int) {
			defer wg.Done()
			for _, ci := range due {
				value, quality, err := m.readChannel(adapter, ci)
				if err != nil {
					errs[ji] = err
					return
				}
				samples[ci] = Sample{
					Module:  m.desc.Name,
					Channel: m.desc.Channels[ci].Name,
					Mono:    mono,
					Time:    time.Now(),
					Value:   value,
					Quality: quality,
				}
				have[ci] = true
			}
		}(ji, job.adapter, due)
	}
	wg.Wait()

	batch := make([]Sample, 0, len(samples))
	for ci := range samples {
		if have[ci] {
			batch = append(batch, samples[ci])
		}
	}
	for _, err := range errs {
		if err != nil {
			return batch, err
		}
	}
	return batch, nil
}

// readChannel reads one channel, retrying timeouts up to the configured
// bound. Exhausting the budget degrades the sample to Missing quality rather
// than halting the module; any other error is fatal to the module.
func (m *Module) readChannel(adapter DeviceAdapter, ci int) (float64, Quality, error) {
	spec := m.desc.Channels[ci]
	attempts := 1 + m.retries
	for attempt := 0; attempt < attempts; attempt++ {
		value, quality, err := adapter.Read(spec.DeviceChannel)
		if err == nil {
			return value, quality, nil
		}
		if errors.Is(err, ErrTimeout) {
			continue
		}
		return 0, QualityMissing, fmt.Errorf("module %s channel %s (%s/%s): %w",
			m.desc.Name, spec.Name, spec.Adapter, spec.DeviceChannel, err)
	}
	ProblemLogger.Printf("module %s channel %s: read timed out %d times, sample marked missing",
		m.desc.Name, spec.Name, attempts)
	return 0, QualityMissing, nil
}

// fail records a fatal fault, disconnects the adapters, and tells the
// supervisor. The loop goroutine returns right after.
func (m *Module) fail(err error) {
	m.stateLock.Lock()
	prior := m.state
	m.state = Failed
	m.lastErr = err
	m.stateLock.Unlock()
	m.closeAdapters()
	ProblemLogger.Printf("module %s failed (was %s): %v", m.desc.Name, prior, err)
	if m.faults != nil {
		m.faults <- ModuleFault{Module: m.desc.Name, Prior: prior, Err: err}
	}
}

func (m *Module) openAdapters() error {
	for _, job := range m.jobs {
		if err := job.adapter.Connect(); err != nil {
			return fmt.Errorf("module %s: connect adapter %s: %w", m.desc.Name, job.name, err)
		}
	}
	return nil
}

func (m *Module) closeAdapters() {
	for _, job := range m.jobs {
		if err := job.adapter.Disconnect(); err != nil {
			ProblemLogger.Printf("module %s: disconnect adapter %s: %v", m.desc.Name, job.name, err)
		}
	}
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}
