// Package tsf reads and writes TSF files, the structured time-series
// container for recorded measurement sessions.
// A TSF file has a JSON header, a "#End of Header" tag line, then records
// written sequentially in little endian format:
// bytes    type      meaning
// 0-1      uint16    group index into the header's group table
// 2-9      uint64    monotonic timestamp, ns since session start tick
// 10-17    int64     wall-clock timestamp, ns since the Unix epoch
// 18-25    float64   sample value
// 26       uint8     quality flag
// A record with group index 0xffff is the trailer mark; one JSON line with
// per-group record counts and a completeness flag follows it. A file without
// the trailer mark is readable to its last whole record and is incomplete.
package tsf

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/ICE-QTM/SSMiSS/getbytes"
)

// FormatName identifies the container format in file headers.
const FormatName = "SSMISS-TSF"

// FormatVersion is the version written into new file headers.
const FormatVersion = "1.0"

const headerEndTag = "#End of Header"

// trailerMark is the reserved group index that introduces the trailer.
const trailerMark uint16 = 0xffff

// recordLength is the encoded size of one record in bytes.
const recordLength = 27

// GroupInfo describes one record group (one acquisition channel).
type GroupInfo struct {
	Name    string
	Divisor int
}

// Header holds the session metadata serialized as the file's JSON header.
type Header struct {
	Format              string
	Version             string
	SessionID           string
	Module              string
	Start               time.Time
	SamplePeriodSeconds float64
	Groups              []GroupInfo
}

// Trailer summarizes a finished file. Complete is false when the session was
// aborted before its final flush.
type Trailer struct {
	Complete     bool
	TotalRecords int64
	GroupRecords []int64
}

// Record is one decoded sample record.
type Record struct {
	Group   int
	Mono    uint64
	Wall    int64
	Value   float64
	Quality uint8
}

// Writer writes TSF files.
type Writer struct {
	Header
	fileName       string
	file           *os.File
	writer         *bufio.Writer
	trailerWritten bool
	groupRecords   []int64
	totalRecords   int64
}

// Create makes the file at fileName and writes its header. The header's
// Format and Version fields are filled in; Groups must be nonempty.
func Create(fileName string, h Header) (*Writer, error) {
	if len(h.Groups) == 0 {
		return nil, errors.New("header has no groups")
	}
	if len(h.Groups) >= int(trailerMark) {
		return nil, fmt.Errorf("header has %d groups, limit %d", len(h.Groups), trailerMark-1)
	}
	h.Format = FormatName
	h.Version = FormatVersion
	file, err := os.Create(fileName)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		Header:       h,
		fileName:     fileName,
		file:         file,
		writer:       bufio.NewWriterSize(file, 32768),
		groupRecords: make([]int64, len(h.Groups)),
	}
	s, err := json.Marshal(w.Header)
	if err != nil {
		file.Close()
		return nil, err
	}
	if _, err := w.writer.Write(s); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := w.writer.WriteString("\n" + headerEndTag + "\n"); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// WriteRecord appends one record to the file.
func (w *Writer) WriteRecord(group int, mono uint64, wall int64, value float64, quality uint8) error {
	if group < 0 || group >= len(w.Groups) {
		return fmt.Errorf("group index %d out of range [0, %d)", group, len(w.Groups))
	}
	if w.trailerWritten {
		return errors.New("trailer already written")
	}
	if _, err := w.writer.Write(getbytes.FromUint16(uint16(group))); err != nil {
		return err
	}
	if _, err := w.writer.Write(getbytes.FromUint64(mono)); err != nil {
		return err
	}
	if _, err := w.writer.Write(getbytes.FromInt64(wall)); err != nil {
		return err
	}
	if _, err := w.writer.Write(getbytes.FromFloat64(value)); err != nil {
		return err
	}
	if _, err := w.writer.Write(getbytes.FromUint8(quality)); err != nil {
		return err
	}
	w.groupRecords[group]++
	w.totalRecords++
	return nil
}

// Flush pushes buffered records to the operating system.
func (w *Writer) Flush() error {
	return w.writer.Flush()
}

// WriteTrailer appends the trailer mark and summary line, then syncs the file.
func (w *Writer) WriteTrailer(complete bool) error {
	if w.trailerWritten {
		return errors.New("trailer already written")
	}
	if _, err := w.writer.Write(getbytes.FromUint16(trailerMark)); err != nil {
		return err
	}
	var zeros [recordLength - 2]byte
	if _, err := w.writer.Write(zeros[:]); err != nil {
		return err
	}
	trailer := Trailer{
		Complete:     complete,
		TotalRecords: w.totalRecords,
		GroupRecords: w.groupRecords,
	}
	s, err := json.Marshal(trailer)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(append(s, '\n')); err != nil {
		return err
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	w.trailerWritten = true
	return w.file.Sync()
}

// RecordsWritten returns the number of records written so far.
func (w *Writer) RecordsWritten() int64 {
	return w.totalRecords
}

// GroupRecords returns the per-group record counts written so far.
func (w *Writer) GroupRecords() []int64 {
	out := make([]int64, len(w.groupRecords))
	copy(out, w.groupRecords)
	return out
}

// Close flushes and closes the file. It does not write a trailer.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		w.file = nil
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Reader reads TSF files, including files truncated before their trailer.
type Reader struct {
	Header  Header
	Trailer *Trailer // nil until the trailer mark is reached
	file    *os.File
	reader  *bufio.Reader
	nread   int64
	done    bool
}

// Open opens the file and parses its header.
func Open(fileName string) (*Reader, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	r := &Reader{file: file, reader: bufio.NewReader(file)}
	if err := r.parseHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// parseHeader reads JSON lines up to the end-of-header tag.
func (r *Reader) parseHeader() error {
	var jsonText strings.Builder
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("header end tag not found: %v", err)
		}
		if strings.HasPrefix(line, headerEndTag) {
			break
		}
		jsonText.WriteString(line)
	}
	if err := json.Unmarshal([]byte(jsonText.String()), &r.Header); err != nil {
		return fmt.Errorf("header is not valid JSON: %v", err)
	}
	if r.Header.Format != FormatName {
		return fmt.Errorf("file format is %q, want %q", r.Header.Format, FormatName)
	}
	if len(r.Header.Groups) == 0 {
		return errors.New("header has no groups")
	}
	return nil
}

// ReadRecord returns the next record, or io.EOF after the last one. After
// io.EOF the Trailer field is set if a trailer was present; Complete()
// reports whether the file was finished cleanly.
func (r *Reader) ReadRecord() (Record, error) {
	var rec Record
	if r.done {
		return rec, io.EOF
	}
	var buf [recordLength]byte
	if _, err := io.ReadFull(r.reader, buf[:]); err != nil {
		// A short final record means the writer died mid-append. The file
		// stays readable up to here.
		r.done = true
		return rec, io.EOF
	}
	group := binary.LittleEndian.Uint16(buf[0:2])
	if group == trailerMark {
		r.readTrailer()
		r.done = true
		return rec, io.EOF
	}
	if int(group) >= len(r.Header.Groups) {
		r.done = true
		return rec, fmt.Errorf("record group %d out of range [0, %d)", group, len(r.Header.Groups))
	}
	rec.Group = int(group)
	rec.Mono = binary.LittleEndian.Uint64(buf[2:10])
	rec.Wall = int64(binary.LittleEndian.Uint64(buf[10:18]))
	rec.Value = math.Float64frombits(binary.LittleEndian.Uint64(buf[18:26]))
	rec.Quality = buf[26]
	r.nread++
	return rec, nil
}

func (r *Reader) readTrailer() {
	line, err := r.reader.ReadString('\n')
	if err != nil && len(line) == 0 {
		return
	}
	var trailer Trailer
	if err := json.Unmarshal([]byte(line), &trailer); err != nil {
		return
	}
	r.Trailer = &trailer
}

// Complete reports whether the file carries a trailer that marks it complete.
func (r *Reader) Complete() bool {
	return r.Trailer != nil && r.Trailer.Complete
}

// RecordsRead returns the number of records returned so far.
func (r *Reader) RecordsRead() int64 {
	return r.nread
}

// ReadAll returns every remaining record in the file.
func (r *Reader) ReadAll() ([]Record, error) {
	var records []Record
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
