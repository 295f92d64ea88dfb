package ssmiss

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ICE-QTM/SSMiSS/internal/rundb"
	"github.com/ICE-QTM/SSMiSS/tsf"
)

// RecState is the lifecycle state of a recording session.
type RecState int

// Names for the possible values of RecState
const (
	RecOpen    RecState = iota // draining the bus and flushing to disk
	RecClosed                  // finalized with a complete trailer
	RecAborted                 // storage fault; container marked incomplete
)

func (s RecState) String() string {
	switch s {
	case RecOpen:
		return "Open"
	case RecClosed:
		return "Closed"
	case RecAborted:
		return "Aborted"
	}
	return "Unknown"
}

// SessionConfig configures one recording session.
type SessionConfig struct {
	BasePath     string          // root of the data tree; run directories are created below it
	Module       string          // module whose samples are recorded
	Label        string          // file name label, e.g. a scan group name; default "acq"
	Intention    string          // free-form purpose, stored in the run database
	SamplePeriod time.Duration   // the module's base tick period
	Groups       []tsf.GroupInfo // record groups; index is the group number, Name matches the bus channel

	FlushInterval  time.Duration // default 1s
	FlushThreshold int           // records buffered before an early flush; default 4096
	QueueCapacity  int           // bus subscription queue depth; default 1024
	OnFault        func(error)   // called once if the session aborts
}

func (cfg *SessionConfig) fillDefaults() error {
	if cfg.BasePath == "" {
		return fmt.Errorf("session config has no base path")
	}
	if cfg.Module == "" {
		return fmt.Errorf("session config has no module")
	}
	if len(cfg.Groups) == 0 {
		return fmt.Errorf("session config has no record groups")
	}
	if cfg.SamplePeriod <= 0 {
		return fmt.Errorf("session config sample period %v, want > 0", cfg.SamplePeriod)
	}
	if cfg.Label == "" {
		cfg.Label = "acq"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.FlushThreshold == 0 {
		cfg.FlushThreshold = 4096
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 1024
	}
	return nil
}

// GroupsForDescriptor builds the record group table for a module: one group
// per channel, carrying its tick divisor.
func GroupsForDescriptor(d ModuleDescriptor) ([]tsf.GroupInfo, error) {
	_, divisors, err := d.schedule()
	if err != nil {
		return nil, err
	}
	groups := make([]tsf.GroupInfo, len(d.Channels))
	for i, c := range d.Channels {
		groups[i] = tsf.GroupInfo{Name: c.Name, Divisor: divisors[i]}
	}
	return groups, nil
}

// containerWriter is what a session needs from the container format. Tests
// substitute a failing writer to exercise the abort path.
type containerWriter interface {
	WriteRecord(group int, mono uint64, wall int64, value float64, quality uint8) error
	Flush() error
	WriteTrailer(complete bool) error
	RecordsWritten() int64
	GroupRecords() []int64
	Close() error
}

// Recorder opens recording sessions against one sample bus and one run
// database connection.
type Recorder struct {
	bus *SampleBus
	db  *rundb.Connection

	createWriter func(fileName string, h tsf.Header) (containerWriter, error)
}

// NewRecorder returns a Recorder. db may be a DummyConnection.
func NewRecorder(bus *SampleBus, db *rundb.Connection) *Recorder {
	return &Recorder{
		bus: bus,
		db:  db,
		createWriter: func(fileName string, h tsf.Header) (containerWriter, error) {
			return tsf.Create(fileName, h)
		},
	}
}

type pendingRecord struct {
	group   int
	mono    uint64
	wall    int64
	value   float64
	quality uint8
}

// RecordingSession drains one bus subscription into a TSF container. Samples
// are buffered and flushed at a bounded interval or at a size threshold,
// whichever comes first. A storage fault aborts the session without touching
// acquisition; whatever was flushed stays readable.
type RecordingSession struct {
	id        string
	cfg       SessionConfig
	bus       *SampleBus
	db        *rundb.Connection
	dbmsg     *rundb.SessionMessage
	sub       *Subscription
	writer    containerWriter
	fileName  string
	labelName string
	start     time.Time
	groupOf   map[string]int

	mu         sync.Mutex
	state      RecState
	err        error
	recorded   int64
	dropped    int64
	labelFile  *os.File
	labelCount int64

	// drain-goroutine state
	pending []pendingRecord
	warned  map[string]bool

	abort         chan struct{}
	flushNow      chan struct{}
	flushComplete chan error
	drainDone     sync.WaitGroup
}

// Open creates the run directory, the container, and the label file, enters
// the session in the run database, and starts draining the bus.
func (r *Recorder) Open(cfg SessionConfig) (*RecordingSession, error) {
	if err := cfg.fillDefaults(); err != nil {
		return nil, err
	}
	pattern, code, err := makeDirectory(cfg.BasePath)
	if err != nil {
		return nil, err
	}
	id := ulid.Make().String()
	now := time.Now()
	fileName := fmt.Sprintf(pattern, cfg.Label, "tsf")
	header := tsf.Header{
		SessionID:           id,
		Module:              cfg.Module,
		Start:               now,
		SamplePeriodSeconds: cfg.SamplePeriod.Seconds(),
		Groups:              cfg.Groups,
	}
	w, err := r.createWriter(fileName, header)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", fileName, err)
	}
	labelName := fmt.Sprintf(pattern, "state", "txt")
	labelFile, err := os.Create(labelName)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("create label file %s: %w", labelName, err)
	}
	if _, err := labelFile.WriteString("# unix time in nanoseconds, state label\n"); err != nil {
		w.Close()
		labelFile.Close()
		return nil, err
	}

	s := &RecordingSession{
		id:        id,
		cfg:       cfg,
		bus:       r.bus,
		db:        r.db,
		writer:    w,
		fileName:  fileName,
		labelName: labelName,
		labelFile: labelFile,
		start:     now,
		groupOf:   make(map[string]int),
		warned:    make(map[string]bool),
		state:     RecOpen,

		abort:         make(chan struct{}),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan error),
	}
	for i, g := range cfg.Groups {
		s.groupOf[g.Name] = i
	}
	s.mu.Lock()
	s.writeLabelLocked("START")
	s.mu.Unlock()

	// Blocking insert: the session row must exist before any file rows.
	s.dbmsg = &rundb.SessionMessage{
		ID:           id,
		SessionCode:  code,
		Intention:    cfg.Intention,
		Module:       cfg.Module,
		Directory:    filepath.Dir(fileName),
		Nchannels:    len(cfg.Groups),
		SamplePeriod: cfg.SamplePeriod.Seconds(),
		Start:        now,
	}
	r.db.RecordSession(s.dbmsg)

	s.sub = r.bus.Subscribe("recorder:"+cfg.Module, cfg.QueueCapacity)
	s.drainDone.Add(1)
	go s.drain()
	return s, nil
}

// ID returns the session's ULID.
func (s *RecordingSession) ID() string { return s.id }

// FileName returns the container path.
func (s *RecordingSession) FileName() string { return s.fileName }

// LabelFileName returns the state label file path.
func (s *RecordingSession) LabelFileName() string { return s.labelName }

// State returns the session state.
func (s *RecordingSession) State() RecState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the storage error that aborted the session, if any.
func (s *RecordingSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// RecordsWritten returns the number of records flushed to the container.
func (s *RecordingSession) RecordsWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorded
}

// DroppedSamples returns the number of samples the bus dropped on this
// session's queue.
func (s *RecordingSession) DroppedSamples() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// SetStateLabel appends a phase label to the session's state file so offline
// analysis can segment the record stream.
func (s *RecordingSession) SetStateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("state label is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labelFile == nil {
		return fmt.Errorf("recording session %s label file is closed", s.id)
	}
	return s.writeLabelLocked(label)
}

func (s *RecordingSession) writeLabelLocked(label string) error {
	if s.labelFile == nil {
		return nil
	}
	_, err := fmt.Fprintf(s.labelFile, "%d, %s\n", time.Now().UnixNano(), label)
	if err == nil {
		s.labelCount++
	}
	return err
}

func (s *RecordingSession) closeLabelLocked() {
	if s.labelFile != nil {
		s.labelFile.Close()
		s.labelFile = nil
	}
}

// Flush forces buffered records to disk and returns the storage error, if
// any. The write happens on the drain goroutine.
func (s *RecordingSession) Flush() error {
	select {
	case s.flushNow <- struct{}{}:
		return <-s.flushComplete
	case <-s.abort:
		return fmt.Errorf("recording session %s is not draining", s.id)
	}
}

// drain consumes bus deliveries until Close or a storage fault.
func (s *RecordingSession) drain() {
	defer s.drainDone.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.abort:
			return

		case delivery, ok := <-s.sub.C():
			if !ok {
				return
			}
			s.ingest(delivery)
			if len(s.pending) >= s.cfg.FlushThreshold {
				if err := s.flush(); err != nil {
					s.abortWith(err)
					return
				}
			}

		case <-ticker.C:
			if err := s.flush(); err != nil {
				s.abortWith(err)
				return
			}

		case <-s.flushNow:
			err := s.flush()
			s.flushComplete <- err
			if err != nil {
				s.abortWith(err)
				return
			}
		}
	}
}

// ingest buffers one delivery's samples as pending records.
func (s *RecordingSession) ingest(delivery Delivery) {
	if delivery.Dropped > 0 {
		s.mu.Lock()
		s.dropped += int64(delivery.Dropped)
		s.mu.Unlock()
		ProblemLogger.Printf("recording session %s: bus dropped %d samples before delivery", s.id, delivery.Dropped)
	}
	for _, sample := range delivery.Samples {
		if sample.Module != s.cfg.Module {
			continue
		}
		g, ok := s.groupOf[sample.Channel]
		if !ok {
			if !s.warned[sample.Channel] {
				s.warned[sample.Channel] = true
				ProblemLogger.Printf("recording session %s: no record group for channel %s", s.id, sample.Channel)
			}
			continue
		}
		s.pending = append(s.pending, pendingRecord{
			group:   g,
			mono:    uint64(sample.Mono),
			wall:    sample.Time.UnixNano(),
			value:   sample.Value,
			quality: uint8(sample.Quality),
		})
	}
}

// flush writes the pending records through the container writer.
func (s *RecordingSession) flush() error {
	n := 0
	for _, rec := range s.pending {
		if err := s.writer.WriteRecord(rec.group, rec.mono, rec.wall, rec.value, rec.quality); err != nil {
			return err
		}
		n++
	}
	s.pending = s.pending[:0]
	if err := s.writer.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	s.recorded += int64(n)
	s.mu.Unlock()
	return nil
}

// abortWith marks the session Aborted after a storage fault. The container
// gets a best-effort incomplete trailer; already-flushed data stays on disk.
// Acquisition is never unwound from here.
func (s *RecordingSession) abortWith(err error) {
	s.mu.Lock()
	if s.state != RecOpen {
		s.mu.Unlock()
		return
	}
	s.state = RecAborted
	s.err = err
	s.mu.Unlock()
	ProblemLogger.Printf("recording session %s aborted: %v", s.id, err)
	closeIfOpen(s.abort)
	s.bus.Unsubscribe(s.sub)
	for range s.sub.C() {
	}
	s.writer.WriteTrailer(false)
	s.writer.Close()
	s.mu.Lock()
	s.writeLabelLocked("ABORTED")
	s.closeLabelLocked()
	s.mu.Unlock()
	s.finishDB(false)
	if s.cfg.OnFault != nil {
		s.cfg.OnFault(err)
	}
}

// Close stops draining, writes whatever is still queued, and finalizes the
// container with a complete trailer.
func (s *RecordingSession) Close() error {
	s.mu.Lock()
	switch s.state {
	case RecClosed:
		s.mu.Unlock()
		return nil
	case RecAborted:
		err := s.err
		s.mu.Unlock()
		return fmt.Errorf("recording session %s was aborted: %w", s.id, err)
	}
	s.mu.Unlock()

	closeIfOpen(s.abort)
	s.drainDone.Wait()
	s.mu.Lock()
	if s.state == RecAborted {
		err := s.err
		s.mu.Unlock()
		return fmt.Errorf("recording session %s was aborted: %w", s.id, err)
	}
	s.mu.Unlock()

	// The drain goroutine is gone; finish its queue from here.
	s.bus.Unsubscribe(s.sub)
	for delivery := range s.sub.C() {
		s.ingest(delivery)
	}
	if err := s.flush(); err != nil {
		s.abortWith(err)
		return fmt.Errorf("recording session %s final flush: %w", s.id, err)
	}
	if err := s.writer.WriteTrailer(true); err != nil {
		s.abortWith(err)
		return fmt.Errorf("recording session %s trailer: %w", s.id, err)
	}
	if err := s.writer.Close(); err != nil {
		s.abortWith(err)
		return fmt.Errorf("recording session %s close: %w", s.id, err)
	}
	s.mu.Lock()
	s.writeLabelLocked("STOP")
	s.closeLabelLocked()
	s.state = RecClosed
	s.mu.Unlock()
	s.finishDB(true)
	return nil
}

// finishDB stamps the session row and records the output files.
func (s *RecordingSession) finishDB(complete bool) {
	s.db.FinishSession(s.dbmsg)
	end := time.Now()
	if info, err := os.Stat(s.fileName); err == nil {
		s.db.RecordFile(&rundb.FileMessage{
			SessionID: s.id,
			Filename:  s.fileName,
			Filetype:  "tsf",
			Start:     s.start,
			End:       end,
			Records:   s.writer.RecordsWritten(),
			Size:      info.Size(),
			Complete:  complete,
		})
	}
	if info, err := os.Stat(s.labelName); err == nil {
		s.mu.Lock()
		labels := s.labelCount
		s.mu.Unlock()
		s.db.RecordFile(&rundb.FileMessage{
			SessionID: s.id,
			Filename:  s.labelName,
			Filetype:  "label",
			Start:     s.start,
			End:       end,
			Records:   labels,
			Size:      info.Size(),
			Complete:  complete,
		})
	}
}

// makeDirectory creates a directory of the form basepath/20060102/000x for
// writing files, returning a pattern for file names in it ("label", "ext"
// fill the two verbs) and the run code.
func makeDirectory(basepath string) (string, string, error) {
	if len(basepath) == 0 {
		return "", "", fmt.Errorf("BasePath is the empty string")
	}
	today := time.Now().Format("20060102")
	todayDir := filepath.Join(basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", "", err
	}
	for i := 0; i < 10000; i++ {
		newDir := filepath.Join(todayDir, fmt.Sprintf("%4.4d", i))
		_, err := os.Stat(newDir)
		if os.IsNotExist(err) {
			if err2 := os.MkdirAll(newDir, 0755); err2 != nil {
				return "", "", err2
			}
			code := fmt.Sprintf("%s_run%4.4d", today, i)
			return filepath.Join(newDir, code+"_%s.%s"), code, nil
		}
	}
	return "", "", fmt.Errorf("out of 4-digit run numbers in %s", todayDir)
}
