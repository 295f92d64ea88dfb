package ssmiss

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// ErrAdapterBusy means a start was rejected because one of the requested
// adapters is attached to another running module. The rejected start leaves
// all state unchanged.
var ErrAdapterBusy = errors.New("adapter busy")

// StatusEvent is one entry on the supervisor's status stream: module
// transitions, session aborts, and procedure advances.
type StatusEvent struct {
	Kind   string    `json:"kind"` // "module", "session", "scan", "approach"
	Module string    `json:"module"`
	State  string    `json:"state"`
	Prior  string    `json:"prior,omitempty"`
	Error  string    `json:"error,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// RecordingConfig holds the recorder defaults applied to sessions the
// supervisor opens.
type RecordingConfig struct {
	BasePath       string
	FlushInterval  time.Duration
	FlushThreshold int
	QueueCapacity  int
}

// Supervisor owns the adapter registry and the running modules. Adapter
// ownership is granted with a check-and-set under one mutex, so two modules
// can never claim the same instrument.
type Supervisor struct {
	bus *SampleBus

	mu         sync.Mutex
	adapters   map[string]DeviceAdapter
	owners     map[string]string // adapter name -> owning module
	modules    map[string]*Module
	sessions   map[string]*RecordingSession
	procedures map[string]procedure
	recorder   *Recorder
	recording  RecordingConfig

	faults    chan ModuleFault
	events    chan StatusEvent
	abort     chan struct{}
	watchDone sync.WaitGroup
}

// NewSupervisor returns a supervisor publishing samples on bus.
func NewSupervisor(bus *SampleBus) *Supervisor {
	s := &Supervisor{
		bus:        bus,
		adapters:   make(map[string]DeviceAdapter),
		owners:     make(map[string]string),
		modules:    make(map[string]*Module),
		sessions:   make(map[string]*RecordingSession),
		procedures: make(map[string]procedure),
		faults:     make(chan ModuleFault, 16),
		events:     make(chan StatusEvent, 64),
		abort:      make(chan struct{}),
	}
	s.watchDone.Add(1)
	go s.watchFaults()
	return s
}

// RegisterAdapter adds an adapter to the registry. Names must be unique.
func (s *Supervisor) RegisterAdapter(a DeviceAdapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := a.Name()
	if _, ok := s.adapters[name]; ok {
		return fmt.Errorf("adapter %s is already registered", name)
	}
	s.adapters[name] = a
	return nil
}

// Adapter looks up a registered adapter by name.
func (s *Supervisor) Adapter(name string) (DeviceAdapter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adapters[name]
	return a, ok
}

// EnableRecording attaches a recorder; modules whose descriptors ask for
// recording get a session opened at start.
func (s *Supervisor) EnableRecording(r *Recorder, cfg RecordingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
	s.recording = cfg
}

// ConfigureRecording updates the recorder defaults for future sessions.
func (s *Supervisor) ConfigureRecording(cfg RecordingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.BasePath != "" {
		s.recording.BasePath = cfg.BasePath
	}
	if cfg.FlushInterval != 0 {
		s.recording.FlushInterval = cfg.FlushInterval
	}
	if cfg.FlushThreshold != 0 {
		s.recording.FlushThreshold = cfg.FlushThreshold
	}
	if cfg.QueueCapacity != 0 {
		s.recording.QueueCapacity = cfg.QueueCapacity
	}
}

// Events returns the status event stream. It closes on Shutdown.
func (s *Supervisor) Events() <-chan StatusEvent {
	return s.events
}

// StartModule validates the descriptor, claims its adapters, and starts the
// acquisition loop. ErrAdapterBusy is returned, with nothing changed, when
// any adapter is attached to another running module.
func (s *Supervisor) StartModule(desc ModuleDescriptor) error {
	if err := desc.Validate(); err != nil {
		ProblemLogger.Printf("rejected module descriptor: %v\n%s", err, spew.Sdump(desc))
		return err
	}

	s.mu.Lock()
	if m, ok := s.modules[desc.Name]; ok {
		switch m.State() {
		case Idle, Stopped, Failed:
		default:
			st := m.State()
			s.mu.Unlock()
			return fmt.Errorf("module %s is already %s", desc.Name, st)
		}
		if m.State() == Failed {
			s.mu.Unlock()
			return fmt.Errorf("module %s is Failed; reset it before starting", desc.Name)
		}
	}
	wanted := make(map[string]DeviceAdapter)
	for _, c := range desc.Channels {
		a, ok := s.adapters[c.Adapter]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("module %s wants unregistered adapter %s", desc.Name, c.Adapter)
		}
		if owner, owned := s.owners[c.Adapter]; owned {
			s.mu.Unlock()
			return fmt.Errorf("adapter %s is attached to module %s: %w", c.Adapter, owner, ErrAdapterBusy)
		}
		wanted[c.Adapter] = a
	}
	for name := range wanted {
		s.owners[name] = desc.Name
	}
	s.mu.Unlock()

	m, err := NewModule(desc, wanted, s.bus, s.faults)
	if err != nil {
		s.releaseAdapters(desc.Name)
		return err
	}
	s.mu.Lock()
	s.modules[desc.Name] = m
	s.mu.Unlock()

	if err := m.start(); err != nil {
		s.releaseAdapters(desc.Name)
		s.emit(StatusEvent{Kind: "module", Module: desc.Name, State: Failed.String(), Error: err.Error()})
		return err
	}
	s.emit(StatusEvent{Kind: "module", Module: desc.Name, State: Running.String()})

	if desc.Recording {
		if err := s.openSession(desc, m); err != nil {
			ProblemLogger.Printf("module %s started but its recording session did not open: %v", desc.Name, err)
			s.emit(StatusEvent{Kind: "session", Module: desc.Name, State: RecAborted.String(), Error: err.Error()})
		}
	}
	return nil
}

// openSession opens a recording session for a just-started module.
func (s *Supervisor) openSession(desc ModuleDescriptor, m *Module) error {
	s.mu.Lock()
	r := s.recorder
	rc := s.recording
	s.mu.Unlock()
	if r == nil {
		return fmt.Errorf("no recorder attached")
	}
	groups, err := GroupsForDescriptor(desc)
	if err != nil {
		return err
	}
	module := desc.Name
	cfg := SessionConfig{
		BasePath:       rc.BasePath,
		Module:         module,
		SamplePeriod:   m.SamplePeriod(),
		Groups:         groups,
		FlushInterval:  rc.FlushInterval,
		FlushThreshold: rc.FlushThreshold,
		QueueCapacity:  rc.QueueCapacity,
		OnFault: func(err error) {
			s.emit(StatusEvent{Kind: "session", Module: module, State: RecAborted.String(), Error: err.Error()})
		},
	}
	sess, err := r.Open(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[module] = sess
	s.mu.Unlock()
	s.emit(StatusEvent{Kind: "session", Module: module, State: RecOpen.String(), Detail: sess.FileName()})
	return nil
}

// Session returns the open recording session for a module, if any.
func (s *Supervisor) Session(module string) (*RecordingSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[module]
	return sess, ok
}

// StopModule stops acquisition, closes the module's session, and releases
// its adapters.
func (s *Supervisor) StopModule(name string) error {
	m, err := s.module(name)
	if err != nil {
		return err
	}
	s.stopProcedureQuiet(name)
	prior := m.State()
	if err := m.stop(); err != nil {
		return err
	}
	s.closeSession(name)
	s.releaseAdapters(name)
	s.emit(StatusEvent{Kind: "module", Module: name, State: Stopped.String(), Prior: prior.String()})
	return nil
}

// PauseModule suspends sampling without releasing adapters.
func (s *Supervisor) PauseModule(name string) error {
	m, err := s.module(name)
	if err != nil {
		return err
	}
	if err := m.pause(); err != nil {
		return err
	}
	s.emit(StatusEvent{Kind: "module", Module: name, State: Paused.String()})
	return nil
}

// ResumeModule resumes a paused module.
func (s *Supervisor) ResumeModule(name string) error {
	m, err := s.module(name)
	if err != nil {
		return err
	}
	if err := m.resume(); err != nil {
		return err
	}
	s.emit(StatusEvent{Kind: "module", Module: name, State: Running.String(), Prior: Paused.String()})
	return nil
}

// ResetModule returns a Failed module to Idle. Nothing is restarted.
func (s *Supervisor) ResetModule(name string) error {
	m, err := s.module(name)
	if err != nil {
		return err
	}
	if err := m.reset(); err != nil {
		return err
	}
	s.emit(StatusEvent{Kind: "module", Module: name, State: Idle.String(), Prior: Failed.String()})
	return nil
}

// Module returns a managed module by name.
func (s *Supervisor) Module(name string) (*Module, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[name]
	return m, ok
}

func (s *Supervisor) module(name string) (*Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[name]
	if !ok {
		return nil, fmt.Errorf("no module named %s", name)
	}
	return m, nil
}

// DoWithAdapter runs f on the loop goroutine of the module owning the
// adapter, handing it the adapter. Unowned adapters reject the call: manual
// operations go through an owning module or not at all.
func (s *Supervisor) DoWithAdapter(adapter string, f func(DeviceAdapter) error) error {
	s.mu.Lock()
	owner, owned := s.owners[adapter]
	if !owned {
		s.mu.Unlock()
		return fmt.Errorf("adapter %s is not attached to any module", adapter)
	}
	m := s.modules[owner]
	a := s.adapters[adapter]
	s.mu.Unlock()
	return m.Do(func() error { return f(a) })
}

// procedure is a long-running measurement routine (a scan program or a tip
// approach) driving one module. At most one runs per module at a time.
type procedure interface {
	Kind() string
	Running() bool
	Stop()
}

// registerProcedure claims the module's procedure slot. A finished runner
// still in the slot is displaced; a live one rejects the new start.
func (s *Supervisor) registerProcedure(module string, p procedure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.procedures[module]; ok && old.Running() {
		return fmt.Errorf("module %s is already running a %s", module, old.Kind())
	}
	s.procedures[module] = p
	return nil
}

// StopProcedure aborts whatever scan or approach is driving the module.
func (s *Supervisor) StopProcedure(module string) error {
	s.mu.Lock()
	p, ok := s.procedures[module]
	if ok {
		delete(s.procedures, module)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("module %s has no procedure running", module)
	}
	p.Stop()
	return nil
}

// stopProcedureQuiet aborts the module's procedure if one exists.
func (s *Supervisor) stopProcedureQuiet(module string) {
	s.mu.Lock()
	p, ok := s.procedures[module]
	delete(s.procedures, module)
	s.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// watchFaults releases adapters and reports status when modules fail. There
// is deliberately no restart here: a Failed module stays down until an
// operator resets it.
func (s *Supervisor) watchFaults() {
	defer s.watchDone.Done()
	for {
		select {
		case <-s.abort:
			return
		case fault := <-s.faults:
			s.stopProcedureQuiet(fault.Module)
			s.closeSession(fault.Module)
			s.releaseAdapters(fault.Module)
			s.emit(StatusEvent{
				Kind:   "module",
				Module: fault.Module,
				State:  Failed.String(),
				Prior:  fault.Prior.String(),
				Error:  fault.Err.Error(),
			})
		}
	}
}

// closeSession finalizes a module's recording session. Data recorded up to a
// module fault is still valid, so the container closes complete.
func (s *Supervisor) closeSession(module string) {
	s.mu.Lock()
	sess, ok := s.sessions[module]
	delete(s.sessions, module)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := sess.Close(); err != nil {
		ProblemLogger.Printf("closing session for module %s: %v", module, err)
		return
	}
	s.emit(StatusEvent{Kind: "session", Module: module, State: RecClosed.String(), Detail: sess.FileName()})
}

// releaseAdapters clears the ownership entries for one module. The module's
// loop already disconnected the instruments.
func (s *Supervisor) releaseAdapters(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, owner := range s.owners {
		if owner == module {
			delete(s.owners, name)
		}
	}
}

// emit queues a status event without ever blocking supervision.
func (s *Supervisor) emit(ev StatusEvent) {
	ev.Time = time.Now()
	select {
	case s.events <- ev:
	default:
		ProblemLogger.Printf("status event queue full, dropping %s/%s", ev.Kind, ev.Module)
	}
}

// Shutdown stops every live module and ends the fault watcher. The event
// stream closes once everything is down.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	procs := make([]procedure, 0, len(s.procedures))
	for _, p := range s.procedures {
		procs = append(procs, p)
	}
	s.procedures = make(map[string]procedure)
	names := make([]string, 0, len(s.modules))
	for name := range s.modules {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, p := range procs {
		p.Stop()
	}
	sort.Strings(names)
	for _, name := range names {
		m, err := s.module(name)
		if err != nil {
			continue
		}
		switch m.State() {
		case Starting, Running, Pausing, Paused:
			if err := s.StopModule(name); err != nil {
				ProblemLogger.Printf("stopping module %s on shutdown: %v", name, err)
			}
		}
	}
	closeIfOpen(s.abort)
	s.watchDone.Wait()
	close(s.events)
}

// ModuleStatus is one module's entry in a status snapshot.
type ModuleStatus struct {
	State        string  `json:"state"`
	Channels     int     `json:"channels"`
	SamplePeriod float64 `json:"samplePeriodSeconds"`
	LastError    string  `json:"lastError,omitempty"`
}

// AdapterStatus is one adapter's entry in a status snapshot.
type AdapterStatus struct {
	State        string `json:"state"`
	Capabilities string `json:"capabilities"`
	Owner        string `json:"owner,omitempty"`
}

// SessionStatus is one recording session's entry in a status snapshot.
type SessionStatus struct {
	State   string `json:"state"`
	File    string `json:"file"`
	Records int64  `json:"records"`
	Dropped int64  `json:"dropped"`
}

// ProcedureStatus is one running scan or approach in a status snapshot.
type ProcedureStatus struct {
	Kind    string `json:"kind"`
	Running bool   `json:"running"`
}

// SupervisorStatus is the full state snapshot published to clients.
type SupervisorStatus struct {
	Modules    map[string]ModuleStatus    `json:"modules"`
	Adapters   map[string]AdapterStatus   `json:"adapters"`
	Sessions   map[string]SessionStatus   `json:"sessions"`
	Procedures map[string]ProcedureStatus `json:"procedures"`
}

// Status builds a snapshot of every module, adapter, and session.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SupervisorStatus{
		Modules:    make(map[string]ModuleStatus),
		Adapters:   make(map[string]AdapterStatus),
		Sessions:   make(map[string]SessionStatus),
		Procedures: make(map[string]ProcedureStatus),
	}
	for name, m := range s.modules {
		ms := ModuleStatus{
			State:        m.State().String(),
			Channels:     len(m.Descriptor().Channels),
			SamplePeriod: m.SamplePeriod().Seconds(),
		}
		if err := m.LastErr(); err != nil {
			ms.LastError = err.Error()
		}
		status.Modules[name] = ms
	}
	for name, a := range s.adapters {
		status.Adapters[name] = AdapterStatus{
			State:        a.State().String(),
			Capabilities: a.Capabilities().String(),
			Owner:        s.owners[name],
		}
	}
	for name, sess := range s.sessions {
		status.Sessions[name] = SessionStatus{
			State:   sess.State().String(),
			File:    sess.FileName(),
			Records: sess.RecordsWritten(),
			Dropped: sess.DroppedSamples(),
		}
	}
	for name, p := range s.procedures {
		status.Procedures[name] = ProcedureStatus{Kind: p.Kind(), Running: p.Running()}
	}
	return status
}
