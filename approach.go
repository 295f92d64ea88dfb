package ssmiss

import (
	"fmt"
	"sync"
	"time"
)

// positionDrive is the slice of a positioner the approach routine drives.
// *Positioner satisfies it; tests substitute a fake.
type positionDrive interface {
	Write(channel string, value float64) error
	SetMode(axis int, mode string) error
	StepContinuous(axis int, up bool) error
	Stop(axis int) error
}

// ApproachStage is one leg of a staged coarse approach. Stepping runs
// continuously at the stage's voltage and frequency until the monitor
// signal's time derivative crosses Threshold on Consecutive samples in a
// row.
type ApproachStage struct {
	Voltage     float64 `json:"voltage"`     // step amplitude, V
	Frequency   float64 `json:"frequency"`   // step rate, Hz
	Threshold   float64 `json:"threshold"`   // monitor derivative, V/s
	Consecutive int     `json:"consecutive"` // crossings in a row to stop
	Retreat     int     `json:"retreat"`     // steps away before this stage
}

// ApproachConfig describes a staged approach of one positioner axis toward
// the sample, watched through a module input channel.
type ApproachConfig struct {
	Module     string          `json:"module"`
	Positioner string          `json:"positioner"` // adapter name
	Axis       int             `json:"axis"`
	Monitor    string          `json:"monitor"` // bus channel watched
	Stabilize  time.Duration   `json:"stabilize"`
	Stages     []ApproachStage `json:"stages"`
}

// Validate checks the approach parameters against the positioner limits.
func (c ApproachConfig) Validate() error {
	if c.Module == "" || c.Positioner == "" {
		return fmt.Errorf("approach config needs a module and a positioner")
	}
	if c.Axis < 1 {
		return fmt.Errorf("approach axis %d, want >= 1", c.Axis)
	}
	if c.Monitor == "" {
		return fmt.Errorf("approach config needs a monitor channel")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("approach config needs at least one stage")
	}
	for i, st := range c.Stages {
		if st.Voltage <= 0 || st.Voltage > maxStepVoltage {
			return fmt.Errorf("stage %d voltage %g V outside (0, %d]", i, st.Voltage, maxStepVoltage)
		}
		if st.Frequency <= 0 || st.Frequency > maxStepFrequency {
			return fmt.Errorf("stage %d frequency %g Hz outside (0, %d]", i, st.Frequency, maxStepFrequency)
		}
		if st.Threshold == 0 {
			return fmt.Errorf("stage %d has a zero derivative threshold", i)
		}
		if st.Consecutive < 1 {
			return fmt.Errorf("stage %d wants %d consecutive crossings, want >= 1", i, st.Consecutive)
		}
		if st.Retreat < 0 {
			return fmt.Errorf("stage %d retreat %d steps, want >= 0", i, st.Retreat)
		}
	}
	return nil
}

// ApproachRunner executes a staged approach against a running module. All
// positioner commands go through the module's request channel, and the
// monitor derivative is computed from the module's own published samples.
type ApproachRunner struct {
	cfg   ApproachConfig
	m     *Module
	bus   *SampleBus
	drive positionDrive
	sess  *RecordingSession
	emit  func(StatusEvent)

	mu      sync.Mutex
	running bool
	err     error
	stage   int

	abort chan struct{}
	done  chan struct{}
}

func newApproachRunner(cfg ApproachConfig, m *Module, bus *SampleBus, drive positionDrive) *ApproachRunner {
	return &ApproachRunner{
		cfg:   cfg,
		m:     m,
		bus:   bus,
		drive: drive,
		emit:  func(StatusEvent) {},
		abort: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Kind identifies the runner on the status stream.
func (r *ApproachRunner) Kind() string { return "approach" }

// Err returns the error that ended the approach, if any.
func (r *ApproachRunner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Running reports whether the approach is still executing.
func (r *ApproachRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stage returns the index of the stage currently executing.
func (r *ApproachRunner) Stage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Stop aborts the approach. Stepping is halted before Stop returns.
func (r *ApproachRunner) Stop() {
	closeIfOpen(r.abort)
	<-r.done
}

// Wait blocks until the approach finishes and returns its error.
func (r *ApproachRunner) Wait() error {
	<-r.done
	return r.Err()
}

func (r *ApproachRunner) start() {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	go r.run()
}

func (r *ApproachRunner) run() {
	defer close(r.done)
	err := r.approach()
	if err != nil {
		// Never leave the axis stepping after a failure.
		r.m.Do(func() error { return r.drive.Stop(r.cfg.Axis) })
	}
	r.mu.Lock()
	r.running = false
	r.err = err
	r.mu.Unlock()
	if err != nil {
		ProblemLogger.Printf("approach on %s axis %d ended early: %v", r.cfg.Positioner, r.cfg.Axis, err)
		r.emit(StatusEvent{Kind: "approach", Module: r.cfg.Module, State: "failed", Error: err.Error()})
		return
	}
	if r.sess != nil {
		r.sess.SetStateLabel("approach done")
	}
	r.emit(StatusEvent{Kind: "approach", Module: r.cfg.Module, State: "done"})
}

func (r *ApproachRunner) approach() error {
	sub := r.bus.Subscribe("approach:"+r.cfg.Module, 256)
	defer func() {
		r.bus.Unsubscribe(sub)
		for range sub.C() {
		}
	}()

	axis := r.cfg.Axis
	for si, st := range r.cfg.Stages {
		r.mu.Lock()
		r.stage = si
		r.mu.Unlock()
		label := fmt.Sprintf("approach stage %d of %d", si+1, len(r.cfg.Stages))
		if r.sess != nil {
			r.sess.SetStateLabel(label)
		}
		r.emit(StatusEvent{Kind: "approach", Module: r.cfg.Module, State: "stage", Detail: label})

		stage := st
		err := r.m.Do(func() error {
			if err := r.drive.Stop(axis); err != nil {
				return err
			}
			if stage.Retreat > 0 {
				if err := r.drive.Write(fmt.Sprintf("stepd%d", axis), float64(stage.Retreat)); err != nil {
					return err
				}
			}
			if err := r.drive.Write(fmt.Sprintf("v%d", axis), stage.Voltage); err != nil {
				return err
			}
			if err := r.drive.Write(fmt.Sprintf("f%d", axis), stage.Frequency); err != nil {
				return err
			}
			return r.drive.SetMode(axis, "stp")
		})
		if err != nil {
			return fmt.Errorf("approach stage %d setup: %w", si+1, err)
		}

		if r.cfg.Stabilize > 0 {
			select {
			case <-r.abort:
				return fmt.Errorf("approach aborted")
			case <-time.After(r.cfg.Stabilize):
			}
		}
		// Samples taken while repositioning carry movement transients;
		// derivative watching starts from live data only.
		drainPending(sub)

		if err := r.m.Do(func() error { return r.drive.StepContinuous(axis, true) }); err != nil {
			return fmt.Errorf("approach stage %d stepping: %w", si+1, err)
		}
		watchErr := r.watchForContact(sub, stage)
		if err := r.m.Do(func() error { return r.drive.Stop(axis) }); err != nil {
			return fmt.Errorf("approach stage %d stop: %w", si+1, err)
		}
		if watchErr != nil {
			return watchErr
		}
		r.emit(StatusEvent{Kind: "approach", Module: r.cfg.Module, State: "contact", Detail: label})
	}
	return nil
}

// watchForContact consumes monitor samples until the stage's derivative
// threshold is crossed on the required number of consecutive samples.
// Missing samples are skipped; the derivative then spans the gap.
func (r *ApproachRunner) watchForContact(sub *Subscription, st ApproachStage) error {
	var prev Sample
	havePrev := false
	consec := 0
	for consec < st.Consecutive {
		select {
		case <-r.abort:
			return fmt.Errorf("approach aborted")
		case delivery, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("sample bus closed during approach")
			}
			for _, s := range delivery.Samples {
				if s.Module != r.cfg.Module || s.Channel != r.cfg.Monitor {
					continue
				}
				if s.Quality == QualityMissing {
					continue
				}
				if havePrev && s.Mono > prev.Mono {
					dt := (s.Mono - prev.Mono).Seconds()
					deriv := (s.Value - prev.Value) / dt
					if crossed(deriv, st.Threshold) {
						consec++
					} else {
						consec = 0
					}
				}
				prev = s
				havePrev = true
				if consec >= st.Consecutive {
					break
				}
			}
		}
	}
	return nil
}

// crossed reports whether the derivative passed the threshold, toward
// positive for positive thresholds and toward negative otherwise.
func crossed(deriv, threshold float64) bool {
	if threshold >= 0 {
		return deriv >= threshold
	}
	return deriv <= threshold
}

// drainPending discards whatever deliveries are already queued.
func drainPending(sub *Subscription) {
	for {
		select {
		case <-sub.C():
		default:
			return
		}
	}
}

// StartApproach runs a staged approach on a running module. The positioner
// must be one of the module's own adapters so its commands serialize with
// sampling.
func (s *Supervisor) StartApproach(cfg ApproachConfig) (*ApproachRunner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := s.module(cfg.Module)
	if err != nil {
		return nil, err
	}
	if st := m.State(); st != Running {
		return nil, fmt.Errorf("module %s is %s, approaches need Running", cfg.Module, st)
	}
	monitored := false
	for _, c := range m.Descriptor().Channels {
		if c.Name == cfg.Monitor {
			monitored = true
			break
		}
	}
	if !monitored {
		return nil, fmt.Errorf("module %s has no channel %s to monitor", cfg.Module, cfg.Monitor)
	}

	s.mu.Lock()
	owner := s.owners[cfg.Positioner]
	a := s.adapters[cfg.Positioner]
	s.mu.Unlock()
	if owner != cfg.Module {
		return nil, fmt.Errorf("positioner %s is not attached to module %s", cfg.Positioner, cfg.Module)
	}
	drive, ok := a.(positionDrive)
	if !ok {
		return nil, fmt.Errorf("adapter %s cannot drive an approach: %w", cfg.Positioner, ErrUnsupported)
	}

	r := newApproachRunner(cfg, m, s.bus, drive)
	r.emit = s.emit
	if sess, ok := s.Session(cfg.Module); ok {
		r.sess = sess
	}
	if err := s.registerProcedure(cfg.Module, r); err != nil {
		return nil, err
	}
	r.start()
	return r, nil
}
