package ssmiss

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MeasurementControl is the RPC receiver that operates the suite: module
// lifecycle, recording, positioner jogs, and measurement procedures. All
// mutating calls go through the Supervisor.
type MeasurementControl struct {
	sup    *Supervisor
	status *StatusPublisher
}

// NewMeasurementControl wires the RPC receiver. The status publisher may be
// nil; snapshots are then simply not broadcast.
func NewMeasurementControl(sup *Supervisor, status *StatusPublisher) *MeasurementControl {
	return &MeasurementControl{sup: sup, status: status}
}

func (c *MeasurementControl) broadcastStatus(force bool) {
	if c.status == nil {
		return
	}
	if force {
		c.status.QueueForce("STATUS", c.sup.Status())
		return
	}
	c.status.Queue("STATUS", c.sup.Status())
}

// Start validates the descriptor, claims its adapters, and starts the
// module's acquisition loop.
func (c *MeasurementControl) Start(desc *ModuleDescriptor, reply *bool) error {
	log.Printf("Start module %s: %d channels\n", desc.Name, len(desc.Channels))
	err := c.sup.StartModule(*desc)
	*reply = (err == nil)
	c.broadcastStatus(false)
	return err
}

// Stop stops a module, closes its recording session, and releases its
// adapters.
func (c *MeasurementControl) Stop(name *string, reply *bool) error {
	log.Printf("Stop module %s\n", *name)
	err := c.sup.StopModule(*name)
	*reply = (err == nil)
	c.broadcastStatus(false)
	return err
}

// Pause suspends a module's sampling without releasing its adapters.
func (c *MeasurementControl) Pause(name *string, reply *bool) error {
	err := c.sup.PauseModule(*name)
	*reply = (err == nil)
	c.broadcastStatus(false)
	return err
}

// Resume resumes a paused module.
func (c *MeasurementControl) Resume(name *string, reply *bool) error {
	err := c.sup.ResumeModule(*name)
	*reply = (err == nil)
	c.broadcastStatus(false)
	return err
}

// Reset returns a Failed module to Idle. Nothing restarts automatically.
func (c *MeasurementControl) Reset(name *string, reply *bool) error {
	err := c.sup.ResetModule(*name)
	*reply = (err == nil)
	c.broadcastStatus(false)
	return err
}

// ReadStatus fills the reply with a full state snapshot.
func (c *MeasurementControl) ReadStatus(dummy *string, reply *SupervisorStatus) error {
	*reply = c.sup.Status()
	return nil
}

// ConfigureRecording updates the recorder defaults for future sessions and
// persists them to the config file when one is in use.
func (c *MeasurementControl) ConfigureRecording(cfg *RecordingConfig, reply *bool) error {
	log.Printf("ConfigureRecording: base %q\n", cfg.BasePath)
	c.sup.ConfigureRecording(*cfg)
	if viper.ConfigFileUsed() != "" {
		viper.Set("recording", *cfg)
		if err := viper.WriteConfig(); err != nil {
			ProblemLogger.Printf("recording config not persisted: %v", err)
		}
	}
	*reply = true
	c.broadcastStatus(false)
	return nil
}

// JogArgs holds one manual positioner operation.
type JogArgs struct {
	Adapter string
	Axis    int
	Command string  // up, down, stop, mode, voltage, frequency
	Count   int     // steps for up/down
	Value   float64 // for voltage/frequency
	Mode    string  // for mode
}

// Jog runs one manual positioner operation through the owning module's
// request channel. Unowned positioners reject the jog.
func (c *MeasurementControl) Jog(args *JogArgs, reply *bool) error {
	if args.Axis < 1 {
		return fmt.Errorf("jog axis %d, want >= 1", args.Axis)
	}
	err := c.sup.DoWithAdapter(args.Adapter, func(a DeviceAdapter) error {
		drive, ok := a.(positionDrive)
		if !ok {
			return fmt.Errorf("adapter %s cannot jog: %w", args.Adapter, ErrUnsupported)
		}
		switch strings.ToLower(args.Command) {
		case "up":
			return drive.Write(fmt.Sprintf("stepu%d", args.Axis), float64(args.Count))
		case "down":
			return drive.Write(fmt.Sprintf("stepd%d", args.Axis), float64(args.Count))
		case "stop":
			return drive.Stop(args.Axis)
		case "mode":
			return drive.SetMode(args.Axis, args.Mode)
		case "voltage":
			return drive.Write(fmt.Sprintf("v%d", args.Axis), args.Value)
		case "frequency":
			return drive.Write(fmt.Sprintf("f%d", args.Axis), args.Value)
		}
		return fmt.Errorf("jog command %q is not recognized", args.Command)
	})
	*reply = (err == nil)
	return err
}

// StartScan launches one raster scan on a running module.
func (c *MeasurementControl) StartScan(cfg *ScanConfig, reply *bool) error {
	log.Printf("StartScan %s on module %s\n", cfg.GroupName(), cfg.Module)
	_, err := c.sup.StartScan(*cfg)
	*reply = (err == nil)
	c.broadcastStatus(false)
	return err
}

// StartScanProgram loads a JSON scan program file and runs its scans
// back-to-back.
func (c *MeasurementControl) StartScanProgram(path *string, reply *bool) error {
	log.Printf("StartScanProgram %s\n", *path)
	program, err := LoadScanProgram(*path)
	if err != nil {
		*reply = false
		return err
	}
	_, err = c.sup.StartScanProgram(program)
	*reply = (err == nil)
	c.broadcastStatus(false)
	return err
}

// StartApproach launches a staged coarse approach on a running module.
func (c *MeasurementControl) StartApproach(cfg *ApproachConfig, reply *bool) error {
	log.Printf("StartApproach on module %s, %d stages\n", cfg.Module, len(cfg.Stages))
	_, err := c.sup.StartApproach(*cfg)
	*reply = (err == nil)
	c.broadcastStatus(false)
	return err
}

// StopProcedure aborts the scan or approach driving a module.
func (c *MeasurementControl) StopProcedure(module *string, reply *bool) error {
	log.Printf("StopProcedure on module %s\n", *module)
	err := c.sup.StopProcedure(*module)
	*reply = (err == nil)
	c.broadcastStatus(false)
	return err
}

// RunRPCServer serves JSON-RPC on portrpc until abort closes. Each new
// client gets a fresh status snapshot pushed over the status port.
func RunRPCServer(control *MeasurementControl, portrpc int, abort <-chan struct{}) error {
	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("RPC server listen %s: %v", port, err)
	}
	go func() {
		<-abort
		listener.Close()
	}()
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				control.broadcastStatus(false)
			}
		}
	}()
	return serveRPC(server, control, listener, abort)
}

func serveRPC(server *rpc.Server, control *MeasurementControl, listener net.Listener, abort <-chan struct{}) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-abort:
				return nil
			default:
				return fmt.Errorf("RPC accept: %v", err)
			}
		}
		log.Printf("new RPC connection from %s\n", conn.RemoteAddr())
		control.broadcastStatus(true)
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
