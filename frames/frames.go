// Package frames reads and writes the UDP frame format spoken by the
// streaming DAQ instruments. A frame is a fixed 20-byte big-endian header
// followed by a payload of int16 samples.
//
// bytes    type      meaning
// 0-3      uint32    magic number
// 4        uint8     format version
// 5        uint8     frame kind (data or output)
// 6-7      uint16    number of channels
// 8-9      uint16    samples per channel
// 10-11    uint16    flags (unused, zero)
// 12-19    uint64    sequence number
//
// Data frames carry Nchan*Nsamp samples, channel-major within each sample
// tick. Output frames request an analog write: Nchan holds the output channel
// index, Nsamp is 1, and the payload is the single requested level in counts.
package frames

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameMagic is the frame header's magic number.
const FrameMagic uint32 = 0x53534d46

// Version is the frame format version this package reads and writes.
const Version uint8 = 1

// Frame kinds.
const (
	KindData   uint8 = 1 // instrument -> host sample data
	KindOutput uint8 = 2 // host -> instrument analog output request
)

// Header represents the fixed-size header of one DAQ frame.
type Header struct {
	Magic    uint32
	Version  uint8
	Kind     uint8
	Nchan    uint16
	Nsamp    uint16
	Flags    uint16
	Sequence uint64
}

// HeaderLength is the encoded size of a Header in bytes.
const HeaderLength = 20

// ReadHeader reads and validates a frame header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	h := new(Header)
	if err := binary.Read(r, binary.BigEndian, h); err != nil {
		return nil, err
	}
	if h.Magic != FrameMagic {
		return nil, fmt.Errorf("frame magic was 0x%x, want 0x%x", h.Magic, FrameMagic)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("frame version was %d, want %d", h.Version, Version)
	}
	switch h.Kind {
	case KindData:
		if h.Nchan == 0 || h.Nsamp == 0 {
			return nil, fmt.Errorf("frame geometry %d chan x %d samp, want both nonzero", h.Nchan, h.Nsamp)
		}
	case KindOutput:
		if h.Nsamp != 1 {
			return nil, fmt.Errorf("output frame has %d samples, want 1", h.Nsamp)
		}
	default:
		return nil, fmt.Errorf("frame kind was %d, want %d or %d", h.Kind, KindData, KindOutput)
	}
	return h, nil
}

// ReadFrame reads a complete frame (header plus payload) from r.
func ReadFrame(r io.Reader) (*Header, []int16, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}
	n := int(h.Nsamp)
	if h.Kind == KindData {
		n = int(h.Nchan) * int(h.Nsamp)
	}
	data := make([]int16, n)
	if err := binary.Read(r, binary.BigEndian, &data); err != nil {
		return nil, nil, fmt.Errorf("frame payload short: %v", err)
	}
	return h, data, nil
}

// WriteFrame writes a complete frame to w. The payload length must match the
// header geometry.
func WriteFrame(w io.Writer, h *Header, data []int16) error {
	want := int(h.Nsamp)
	if h.Kind == KindData {
		want = int(h.Nchan) * int(h.Nsamp)
	}
	if len(data) != want {
		return fmt.Errorf("payload has %d samples, header wants %d", len(data), want)
	}
	if err := binary.Write(w, binary.BigEndian, h); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, data)
}

// DataHeader builds a header for a data frame of nchan channels and nsamp
// samples per channel.
func DataHeader(nchan, nsamp int, sequence uint64) *Header {
	return &Header{
		Magic:    FrameMagic,
		Version:  Version,
		Kind:     KindData,
		Nchan:    uint16(nchan),
		Nsamp:    uint16(nsamp),
		Sequence: sequence,
	}
}

// OutputHeader builds a header for an output frame addressing one analog
// output channel.
func OutputHeader(channel int, sequence uint64) *Header {
	return &Header{
		Magic:    FrameMagic,
		Version:  Version,
		Kind:     KindOutput,
		Nchan:    uint16(channel),
		Nsamp:    1,
		Sequence: sequence,
	}
}
