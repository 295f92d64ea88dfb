package ssmiss

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by SSMiSS.
type Portnumbers struct {
	RPC    int
	Status int
	Data   int
}

// Ports globally holds all TCP port numbers used by SSMiSS.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Data = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log normal activity messages to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(4500)
	StartTime = time.Now()

	// The ssmiss main program will override these, but at least initialize
	// them with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
