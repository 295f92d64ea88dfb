package rundb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the suiteactivity table: one row
// per run of the ssmiss process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information required to make an entry in the
// sessions table.
type SessionMessage struct {
	ID           string
	SuiteID      string
	SessionCode  string // date and run number, e.g. 20260825_run0003
	Intention    string
	Module       string
	Directory    string
	Nchannels    int
	SamplePeriod float64 // seconds per base tick
	Start        time.Time
	End          time.Time
}

// FileMessage is the information required to make an entry in the files
// table.
type FileMessage struct {
	SessionID string
	Filename  string
	Filetype  string // "tsf" or "label"
	Start     time.Time
	End       time.Time
	Records   int64
	Size      int64
	Complete  bool
}
