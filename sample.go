package ssmiss

import (
	"time"
)

// Quality indicates whether a sample's value was measured normally.
type Quality uint8

// Names for the possible values of Quality
const (
	QualityOk      Quality = iota // value measured normally
	QualityStale                  // no fresh data arrived; value repeats the previous one
	QualityMissing                // read failed after retries; value is zero
)

func (q Quality) String() string {
	switch q {
	case QualityOk:
		return "Ok"
	case QualityStale:
		return "Stale"
	case QualityMissing:
		return "Missing"
	}
	return "Unknown"
}

// Sample is one timestamped measurement from one channel of one module.
// Samples are immutable once published.
type Sample struct {
	Module  string        // name of the module that produced the sample
	Channel string        // channel name, unique within the module
	Mono    time.Duration // scheduled time since the module's start tick
	Time    time.Time     // wall-clock time the read completed
	Value   float64
	Quality Quality
}
