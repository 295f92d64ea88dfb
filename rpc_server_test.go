package ssmiss

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"testing"
	"time"
)

// startTestRPC serves the control interface on an ephemeral port and
// returns a connected JSON-RPC client.
func startTestRPC(t *testing.T, sup *Supervisor) *rpc.Client {
	t.Helper()
	control := NewMeasurementControl(sup, nil)
	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		t.Fatalf("registering control: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	abort := make(chan struct{})
	go serveRPC(server, control, listener, abort)
	t.Cleanup(func() {
		close(abort)
		listener.Close()
	})

	var client *rpc.Client
	wait := 10 * time.Millisecond
	for tries := 0; tries < 5; tries++ {
		client, err = jsonrpc.Dial("tcp", listener.Addr().String())
		if err == nil {
			break
		}
		time.Sleep(wait)
		wait *= 2
	}
	if err != nil {
		t.Fatalf("could not connect to RPC server: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRPCModuleLifecycle(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	sup := NewSupervisor(bus)
	defer sup.Shutdown()
	fd := newFakeDrive("anc")
	if err := sup.RegisterAdapter(fd); err != nil {
		t.Fatal(err)
	}
	if err := sup.RegisterAdapter(newFakeAdapter("sim")); err != nil {
		t.Fatal(err)
	}
	client := startTestRPC(t, sup)

	var status SupervisorStatus
	dummy := ""
	if err := client.Call("MeasurementControl.ReadStatus", &dummy, &status); err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if len(status.Modules) != 0 || len(status.Adapters) != 2 {
		t.Errorf("fresh status has %d modules and %d adapters, want 0 and 2",
			len(status.Modules), len(status.Adapters))
	}

	var okay bool
	desc := approachDesc("anc")
	if err := client.Call("MeasurementControl.Start", &desc, &okay); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !okay {
		t.Error("Start returned !okay, want okay")
	}
	if err := client.Call("MeasurementControl.Start", &desc, &okay); err == nil {
		t.Error("expected error starting an already running module")
	}

	if err := client.Call("MeasurementControl.Pause", &desc.Name, &okay); err != nil {
		t.Errorf("Pause: %v", err)
	}
	if err := client.Call("MeasurementControl.ReadStatus", &dummy, &status); err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if status.Modules["m"].State != Paused.String() {
		t.Errorf("paused module reports %s, want %s", status.Modules["m"].State, Paused)
	}
	if err := client.Call("MeasurementControl.Resume", &desc.Name, &okay); err != nil {
		t.Errorf("Resume: %v", err)
	}

	if err := client.Call("MeasurementControl.Stop", &desc.Name, &okay); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if !okay {
		t.Error("Stop returned !okay, want okay")
	}
	if err := client.Call("MeasurementControl.Stop", &desc.Name, &okay); err == nil {
		t.Error("expected error stopping a stopped module")
	}
	if err := client.Call("MeasurementControl.Reset", &desc.Name, &okay); err == nil {
		t.Error("expected error resetting a module that is not Failed")
	}
}

func TestRPCJog(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	sup := NewSupervisor(bus)
	defer sup.Shutdown()
	fd := newFakeDrive("anc")
	plain := newFakeAdapter("sim")
	if err := sup.RegisterAdapter(fd); err != nil {
		t.Fatal(err)
	}
	if err := sup.RegisterAdapter(plain); err != nil {
		t.Fatal(err)
	}
	client := startTestRPC(t, sup)

	var okay bool
	jog := JogArgs{Adapter: "anc", Axis: 1, Command: "up", Count: 3}
	if err := client.Call("MeasurementControl.Jog", &jog, &okay); err == nil {
		t.Error("expected error jogging an unowned positioner")
	}

	desc := ModuleDescriptor{
		Name: "m",
		Channels: []ChannelSpec{
			{Name: "z", Adapter: "anc", DeviceChannel: "ai0", Rate: 100},
			{Name: "aux", Adapter: "sim", DeviceChannel: "ai0", Rate: 100},
		},
	}
	if err := client.Call("MeasurementControl.Start", &desc, &okay); err != nil {
		t.Fatalf("Start: %v", err)
	}

	jogs := []struct {
		args JogArgs
		want string
	}{
		{JogArgs{Adapter: "anc", Axis: 1, Command: "up", Count: 3}, "w stepu1 3"},
		{JogArgs{Adapter: "anc", Axis: 2, Command: "down", Count: 5}, "w stepd2 5"},
		{JogArgs{Adapter: "anc", Axis: 1, Command: "voltage", Value: 25}, "w v1 25"},
		{JogArgs{Adapter: "anc", Axis: 1, Command: "frequency", Value: 900}, "w f1 900"},
		{JogArgs{Adapter: "anc", Axis: 1, Command: "mode", Mode: "gnd"}, "setm 1 gnd"},
		{JogArgs{Adapter: "anc", Axis: 1, Command: "stop"}, "stop 1"},
	}
	for _, j := range jogs {
		if err := client.Call("MeasurementControl.Jog", &j.args, &okay); err != nil {
			t.Errorf("Jog %s: %v", j.args.Command, err)
		}
	}
	log := strings.Join(fd.callLog(), "; ")
	for _, j := range jogs {
		if !strings.Contains(log, j.want) {
			t.Errorf("drive log %q is missing %q", log, j.want)
		}
	}

	bad := []JogArgs{
		{Adapter: "anc", Axis: 0, Command: "up", Count: 1},
		{Adapter: "anc", Axis: 1, Command: "wiggle"},
		{Adapter: "sim", Axis: 1, Command: "up", Count: 1},
		{Adapter: "ghost", Axis: 1, Command: "up", Count: 1},
	}
	for i, args := range bad {
		if err := client.Call("MeasurementControl.Jog", &args, &okay); err == nil {
			t.Errorf("bad jog %d succeeded, want error", i)
		}
	}
}

func TestRPCProceduresAndRecording(t *testing.T) {
	bus := NewSampleBus()
	defer bus.Close()
	sup := NewSupervisor(bus)
	defer sup.Shutdown()
	fa := newFakeAdapter("sim")
	if err := sup.RegisterAdapter(fa); err != nil {
		t.Fatal(err)
	}
	client := startTestRPC(t, sup)

	var okay bool
	cfg := RecordingConfig{BasePath: t.TempDir(), FlushThreshold: 100}
	if err := client.Call("MeasurementControl.ConfigureRecording", &cfg, &okay); err != nil {
		t.Errorf("ConfigureRecording: %v", err)
	}
	if !okay {
		t.Error("ConfigureRecording returned !okay")
	}

	scan := smallScan()
	if err := client.Call("MeasurementControl.StartScan", &scan, &okay); err == nil {
		t.Error("expected error starting a scan with no module running")
	}
	approach := twoStageApproach()
	if err := client.Call("MeasurementControl.StartApproach", &approach, &okay); err == nil {
		t.Error("expected error starting an approach with no module running")
	}
	module := "m"
	if err := client.Call("MeasurementControl.StopProcedure", &module, &okay); err == nil {
		t.Error("expected error stopping a procedure that is not running")
	}

	desc := scanModuleDesc("sim")
	if err := client.Call("MeasurementControl.Start", &desc, &okay); err != nil {
		t.Fatalf("Start: %v", err)
	}
	slow := smallScan()
	slow.Settle = 30
	if err := client.Call("MeasurementControl.StartScan", &slow, &okay); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if !okay {
		t.Error("StartScan returned !okay")
	}
	var status SupervisorStatus
	dummy := ""
	if err := client.Call("MeasurementControl.ReadStatus", &dummy, &status); err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if p, ok := status.Procedures["m"]; !ok || p.Kind != "scan" || !p.Running {
		t.Errorf("status procedures %v, want a running scan on m", status.Procedures)
	}
	if err := client.Call("MeasurementControl.StopProcedure", &module, &okay); err != nil {
		t.Errorf("StopProcedure: %v", err)
	}
}
