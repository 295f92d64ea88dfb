package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	ssmiss "github.com/ICE-QTM/SSMiSS"
	"github.com/ICE-QTM/SSMiSS/internal/rundb"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotSsmiss := filepath.Join(HOME, ".ssmiss")
	const filename string = "ssmiss"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotSsmiss, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/ssmiss"))
	viper.AddConfigPath(dotSsmiss)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// simulatedConfig is the config-file shape of one simulated adapter.
type simulatedConfig struct {
	Name      string
	Wave      string  // triangle, sine, noise
	Period    float64 // seconds per waveform cycle
	Amplitude float64
}

// registerAdapters builds every instrument named in the config file.
func registerAdapters(sup *ssmiss.Supervisor) error {
	var sims []simulatedConfig
	if err := viper.UnmarshalKey("simulated", &sims); err != nil {
		return fmt.Errorf("simulated adapter config: %v", err)
	}
	for _, sc := range sims {
		wave, err := ssmiss.ParseSimWave(sc.Wave)
		if err != nil {
			return fmt.Errorf("simulated adapter %s: %v", sc.Name, err)
		}
		period := time.Duration(sc.Period * float64(time.Second))
		if period <= 0 {
			period = time.Second
		}
		amplitude := sc.Amplitude
		if amplitude == 0 {
			amplitude = 1
		}
		if err := sup.RegisterAdapter(ssmiss.NewSimulatedAdapter(sc.Name, wave, period, amplitude)); err != nil {
			return err
		}
	}

	var daqs []ssmiss.DAQConfig
	if err := viper.UnmarshalKey("daqs", &daqs); err != nil {
		return fmt.Errorf("DAQ config: %v", err)
	}
	for _, dc := range daqs {
		d, err := ssmiss.NewDAQ(dc)
		if err != nil {
			return fmt.Errorf("DAQ %s: %v", dc.Name, err)
		}
		if err := sup.RegisterAdapter(d); err != nil {
			return err
		}
	}

	var positioners []ssmiss.PositionerConfig
	if err := viper.UnmarshalKey("positioners", &positioners); err != nil {
		return fmt.Errorf("positioner config: %v", err)
	}
	for _, pc := range positioners {
		p, err := ssmiss.NewPositioner(pc)
		if err != nil {
			return fmt.Errorf("positioner %s: %v", pc.Name, err)
		}
		if err := sup.RegisterAdapter(p); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	ssmiss.Build.Date = buildDate
	ssmiss.Build.Githash = githash
	ssmiss.Build.Summary = fmt.Sprintf("SSMiSS version %s (git commit %s of %s)", ssmiss.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		ssmiss.Build.Host = host
	} else {
		ssmiss.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is SSMiSS version %s\n", ssmiss.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is SSMiSS version %s (git commit %s)\n", ssmiss.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".ssmiss", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	ssmiss.ProblemLogger = startLogger(problemname)
	ssmiss.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging status updates to %s\n\n", logname)
	ssmiss.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	if base := viper.GetInt("portbase"); base > 0 {
		ssmiss.Ports.RPC = base
		ssmiss.Ports.Status = base + 1
		ssmiss.Ports.Data = base + 2
	}

	// Session metadata goes to ClickHouse when a database is configured.
	dbAbort := make(chan struct{})
	var db *rundb.Connection
	if viper.GetBool("usedatabase") {
		activity := &rundb.ActivityMessage{
			ID:        ulid.Make().String(),
			Hostname:  ssmiss.Build.Host,
			Githash:   githash,
			Version:   ssmiss.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     time.Now(),
		}
		db = rundb.StartConnection(activity, dbAbort)
		if !db.IsConnected() {
			ssmiss.ProblemLogger.Printf("database not connected; session metadata will not be recorded")
		}
	} else {
		db = rundb.DummyConnection()
	}

	bus := ssmiss.NewSampleBus()
	sup := ssmiss.NewSupervisor(bus)
	if err := registerAdapters(sup); err != nil {
		panic(err)
	}

	var recCfg ssmiss.RecordingConfig
	if err := viper.UnmarshalKey("recording", &recCfg); err != nil {
		panic(fmt.Sprintf("recording config: %v", err))
	}
	if recCfg.BasePath == "" {
		recCfg.BasePath = filepath.Join(HOME, "ssmiss-data")
	}
	sup.EnableRecording(ssmiss.NewRecorder(bus, db), recCfg)

	statusPub := ssmiss.NewStatusPublisher()
	dataPub := ssmiss.NewDataPublisher(bus)
	dataPub.OnChannelIndex(func(table map[string]uint16) {
		statusPub.Queue("CHANNELS", table)
	})
	control := ssmiss.NewMeasurementControl(sup, statusPub)

	rpcAbort := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error { return statusPub.Run(ssmiss.Ports.Status) })
	g.Go(func() error { statusPub.WatchSupervisor(sup); return nil })
	g.Go(func() error { return dataPub.Run(ssmiss.Ports.Data) })
	g.Go(func() error { return ssmiss.RunRPCServer(control, ssmiss.Ports.RPC, rpcAbort) })

	// Modules named in the config start immediately.
	var descs []ssmiss.ModuleDescriptor
	if err := viper.UnmarshalKey("modules", &descs); err != nil {
		ssmiss.ProblemLogger.Printf("module config: %v", err)
	}
	for _, d := range descs {
		if err := sup.StartModule(d); err != nil {
			ssmiss.ProblemLogger.Printf("module %s from config did not start: %v", d.Name, err)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nSSMiSS shutting down")
		sup.Shutdown()
		dataPub.Stop()
		statusPub.Stop()
		close(rpcAbort)
		close(dbAbort)
	}()

	if err := g.Wait(); err != nil {
		ssmiss.ProblemLogger.Printf("service ended: %v", err)
		fmt.Fprintf(os.Stderr, "service ended: %v\n", err)
	}
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
