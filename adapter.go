package ssmiss

import (
	"errors"
)

// Capability is the set of operations one instrument supports, declared
// statically per adapter type.
type Capability uint8

// The capability bits.
const (
	CapReadable  Capability = 1 << iota // supports Read
	CapWritable                         // supports Write
	CapStreaming                        // pushes data continuously; reads drain a buffer
)

// Readable reports whether the set includes CapReadable.
func (c Capability) Readable() bool { return c&CapReadable != 0 }

// Writable reports whether the set includes CapWritable.
func (c Capability) Writable() bool { return c&CapWritable != 0 }

// Streaming reports whether the set includes CapStreaming.
func (c Capability) Streaming() bool { return c&CapStreaming != 0 }

func (c Capability) String() string {
	s := ""
	if c.Readable() {
		s += "r"
	}
	if c.Writable() {
		s += "w"
	}
	if c.Streaming() {
		s += "s"
	}
	if s == "" {
		return "none"
	}
	return s
}

// ConnState is the connection state of a device adapter.
type ConnState int

// Names for the possible values of ConnState
const (
	Disconnected ConnState = iota // no transport open
	Connected                     // transport open, instrument identified
	Faulted                       // protocol fault observed; reconnect required
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Faulted:
		return "Faulted"
	}
	return "Unknown"
}

// Sentinel errors for adapter operations. Adapter implementations wrap these
// with fmt.Errorf and %w so callers can test with errors.Is.
var (
	// ErrTimeout means a read took longer than the adapter's configured
	// bound. Transient: the owning module may retry per its policy.
	ErrTimeout = errors.New("adapter operation timed out")

	// ErrProtocol means the instrument sent a malformed or unexpected
	// response. Fatal to the owning module; the adapter goes Faulted.
	ErrProtocol = errors.New("adapter protocol error")

	// ErrDisconnected means the adapter has no usable connection, either
	// because Connect was never called or because a fault was observed.
	ErrDisconnected = errors.New("adapter not connected")

	// ErrUnsupported means the operation is outside the adapter's declared
	// capability set.
	ErrUnsupported = errors.New("operation not supported by adapter")
)

// DeviceAdapter is the uniform interface over one physical instrument.
//
// A DeviceAdapter is exclusively owned by at most one running module; the
// supervisor enforces this, so implementations may assume all calls after
// Connect come from a single goroutine. Reads may block up to the adapter's
// configured timeout and then fail with ErrTimeout. Writes change physical
// device state and are never retried by the adapter itself. Disconnect is
// idempotent and always releases the underlying transport.
type DeviceAdapter interface {
	Name() string
	Capabilities() Capability
	State() ConnState
	Connect() error
	Read(channel string) (value float64, quality Quality, err error)
	Write(channel string, value float64) error
	Disconnect() error
}
