package ssmiss

import (
	"errors"
	"testing"
	"time"

	"github.com/ICE-QTM/SSMiSS/tsf"
)

func superDesc(module, adapter string, rate float64) ModuleDescriptor {
	return ModuleDescriptor{
		Name: module,
		Channels: []ChannelSpec{
			{Name: module + "-v", Adapter: adapter, DeviceChannel: "ai0", Rate: rate},
		},
	}
}

func waitEvent(t *testing.T, events <-chan StatusEvent, match func(StatusEvent) bool) StatusEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed before the expected event")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected status event never arrived")
		}
	}
}

func TestAdapterExclusivity(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	s := NewSupervisor(bus)
	defer s.Shutdown()
	fa := newFakeAdapter("squidA")
	fb := newFakeAdapter("squidB")
	if err := s.RegisterAdapter(fa); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
	if err := s.RegisterAdapter(fb); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
	if err := s.RegisterAdapter(fa); err == nil {
		t.Error("duplicate adapter registration should fail")
	}

	if err := s.StartModule(superDesc("m1", "squidA", 200)); err != nil {
		t.Fatalf("StartModule m1: %v", err)
	}

	// A second module wanting the same adapter is refused with no state change.
	err := s.StartModule(superDesc("m2", "squidA", 200))
	if !errors.Is(err, ErrAdapterBusy) {
		t.Fatalf("StartModule m2 gave %v, want ErrAdapterBusy", err)
	}
	if _, ok := s.Module("m2"); ok {
		t.Error("rejected module should not be tracked")
	}
	if owner := s.Status().Adapters["squidA"].Owner; owner != "m1" {
		t.Errorf("squidA owner %q, want m1", owner)
	}

	// A disjoint adapter runs concurrently.
	if err := s.StartModule(superDesc("m3", "squidB", 200)); err != nil {
		t.Fatalf("StartModule m3: %v", err)
	}

	// Stopping m1 frees its adapter for m2.
	if err := s.StopModule("m1"); err != nil {
		t.Fatalf("StopModule m1: %v", err)
	}
	if err := s.StartModule(superDesc("m2", "squidA", 200)); err != nil {
		t.Fatalf("StartModule m2 after release: %v", err)
	}
}

func TestFaultReleasesAdaptersAndEmits(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	s := NewSupervisor(bus)
	defer s.Shutdown()
	fa := newFakeAdapter("sim")
	fa.script("ai0", readResult{err: ErrProtocol})
	if err := s.RegisterAdapter(fa); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
	if err := s.StartModule(superDesc("m", "sim", 200)); err != nil {
		t.Fatalf("StartModule: %v", err)
	}

	ev := waitEvent(t, s.Events(), func(ev StatusEvent) bool {
		return ev.Kind == "module" && ev.State == "Failed"
	})
	if ev.Prior != "Running" {
		t.Errorf("failure event prior %q, want Running", ev.Prior)
	}
	if ev.Error == "" {
		t.Error("failure event carries no error")
	}

	m, _ := s.Module("m")
	m.RunDoneWait()
	if m.State() != Failed {
		t.Errorf("module state %v, want Failed", m.State())
	}
	if fa.State() != Disconnected {
		t.Errorf("adapter %v, want Disconnected", fa.State())
	}
	if owner := s.Status().Adapters["sim"].Owner; owner != "" {
		t.Errorf("failed module still owns adapter via %q", owner)
	}

	// No auto-restart: it stays Failed until an explicit reset.
	time.Sleep(50 * time.Millisecond)
	if m.State() != Failed {
		t.Errorf("module restarted itself to %v", m.State())
	}
	if err := s.StartModule(superDesc("m", "sim", 200)); err == nil {
		t.Error("starting a Failed module without reset should be refused")
	}
	if err := s.ResetModule("m"); err != nil {
		t.Fatalf("ResetModule: %v", err)
	}
	if err := s.StartModule(superDesc("m", "sim", 200)); err != nil {
		t.Fatalf("StartModule after reset: %v", err)
	}
}

func TestSupervisorRejectionsLeaveNoState(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	s := NewSupervisor(bus)
	defer s.Shutdown()

	if err := s.StartModule(ModuleDescriptor{Name: "empty"}); err == nil {
		t.Error("descriptor with no channels should be rejected")
	}
	if err := s.StartModule(superDesc("m", "ghost", 100)); err == nil {
		t.Error("descriptor naming an unregistered adapter should be rejected")
	}
	status := s.Status()
	if len(status.Modules) != 0 || len(status.Sessions) != 0 {
		t.Errorf("rejected starts left state behind: %+v", status)
	}
}

func TestDoWithAdapter(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	s := NewSupervisor(bus)
	defer s.Shutdown()
	fa := newFakeAdapter("pos")
	if err := s.RegisterAdapter(fa); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}

	// Unowned adapter: manual operations are refused.
	err := s.DoWithAdapter("pos", func(DeviceAdapter) error { return nil })
	if err == nil {
		t.Error("DoWithAdapter on an unowned adapter should fail")
	}

	if err := s.StartModule(superDesc("m", "pos", 200)); err != nil {
		t.Fatalf("StartModule: %v", err)
	}
	var got DeviceAdapter
	err = s.DoWithAdapter("pos", func(a DeviceAdapter) error {
		got = a
		return a.Write("ao0", 7)
	})
	if err != nil {
		t.Fatalf("DoWithAdapter: %v", err)
	}
	if got != DeviceAdapter(fa) {
		t.Error("DoWithAdapter handed a different adapter")
	}
	wrote := fa.wroteValues("ao0")
	if len(wrote) != 1 || wrote[0] != 7 {
		t.Errorf("adapter saw writes %v, want [7]", wrote)
	}
}

func TestSupervisorRecordingLifecycle(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	s := NewSupervisor(bus)
	defer s.Shutdown()
	fa := newFakeAdapter("sim")
	fa.value = 1.25
	if err := s.RegisterAdapter(fa); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
	s.EnableRecording(NewRecorder(bus, nil), RecordingConfig{
		BasePath:      t.TempDir(),
		FlushInterval: 20 * time.Millisecond,
	})

	desc := superDesc("m", "sim", 200)
	desc.Recording = true
	if err := s.StartModule(desc); err != nil {
		t.Fatalf("StartModule: %v", err)
	}
	waitEvent(t, s.Events(), func(ev StatusEvent) bool {
		return ev.Kind == "session" && ev.State == "Open"
	})
	sess, ok := s.Session("m")
	if !ok {
		t.Fatal("no session for recording module")
	}

	deadline := time.Now().Add(2 * time.Second)
	for sess.RecordsWritten() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no records flushed while running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.StopModule("m"); err != nil {
		t.Fatalf("StopModule: %v", err)
	}
	if sess.State() != RecClosed {
		t.Errorf("session state %v after stop, want Closed", sess.State())
	}
	if _, ok := s.Session("m"); ok {
		t.Error("closed session still tracked")
	}

	reader, err := tsf.Open(sess.FileName())
	if err != nil {
		t.Fatalf("open container: %v", err)
	}
	defer reader.Close()
	records, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("container is empty")
	}
	if !reader.Complete() {
		t.Error("container should be complete after StopModule")
	}
	for i, rec := range records {
		if rec.Value != 1.25 {
			t.Errorf("record %d value %g, want 1.25", i, rec.Value)
			break
		}
	}
}

func TestStatusSnapshot(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	s := NewSupervisor(bus)
	defer s.Shutdown()
	fa := newFakeAdapter("sim")
	if err := s.RegisterAdapter(fa); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
	if err := s.StartModule(superDesc("m", "sim", 100)); err != nil {
		t.Fatalf("StartModule: %v", err)
	}

	status := s.Status()
	ms, ok := status.Modules["m"]
	if !ok {
		t.Fatal("status has no module entry")
	}
	if ms.State != "Running" || ms.Channels != 1 || ms.SamplePeriod != 0.01 {
		t.Errorf("module status %+v", ms)
	}
	as, ok := status.Adapters["sim"]
	if !ok {
		t.Fatal("status has no adapter entry")
	}
	if as.Owner != "m" || as.Capabilities != "rw" || as.State != "Connected" {
		t.Errorf("adapter status %+v", as)
	}
}
