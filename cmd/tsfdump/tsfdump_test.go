package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sbinet/npyio"

	"github.com/ICE-QTM/SSMiSS/tsf"
)

// writeTestFile builds a small session file with two groups. Group "v" gets
// a record every base tick, group "aux" every second tick.
func writeTestFile(t *testing.T, withTrailer bool) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "session.tsf")
	w, err := tsf.Create(name, tsf.Header{
		SessionID:           "01TEST",
		Module:              "m",
		SamplePeriodSeconds: 0.01,
		Groups: []tsf.GroupInfo{
			{Name: "v", Divisor: 1},
			{Name: "aux", Divisor: 2},
		},
	})
	if err != nil {
		t.Fatalf("could not create test file: %v", err)
	}
	for i := 0; i < 10; i++ {
		mono := uint64(i) * 10_000_000
		if err := w.WriteRecord(0, mono, int64(mono), float64(i), 0); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
		if i%2 == 0 {
			if err := w.WriteRecord(1, mono, int64(mono), -float64(i), 1); err != nil {
				t.Fatalf("WriteRecord: %v", err)
			}
		}
	}
	if withTrailer {
		if err := w.WriteTrailer(true); err != nil {
			t.Fatalf("WriteTrailer: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return name
}

func TestVerifyTrailer(t *testing.T) {
	name := writeTestFile(t, true)
	r, err := tsf.Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 15 {
		t.Errorf("read %d records, want 15", len(records))
	}
	if err := verifyTrailer(r, records); err != nil {
		t.Errorf("verifyTrailer returned %v, want nil", err)
	}

	cut := writeTestFile(t, false)
	r2, err := tsf.Open(cut)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r2.Close()
	records2, _ := r2.ReadAll()
	err = verifyTrailer(r2, records2)
	if err == nil || !strings.Contains(err.Error(), "no trailer") {
		t.Errorf("verifyTrailer on cut file returned %v, want a no-trailer error", err)
	}
}

func TestDumpRuns(t *testing.T) {
	name := writeTestFile(t, true)
	if err := dump(name, dumpControl{nrecords: 3}); err != nil {
		t.Errorf("dump returned %v", err)
	}
	if err := dump(filepath.Join(t.TempDir(), "no-such.tsf"), dumpControl{}); err == nil {
		t.Errorf("dump of a missing file returned nil error")
	}
}

func TestRebuildGrid(t *testing.T) {
	h := tsf.Header{
		SamplePeriodSeconds: 0.01,
		Groups:              []tsf.GroupInfo{{Name: "v", Divisor: 1}},
	}
	control := dumpControl{monitor: "v", xsteps: 2, ysteps: 2, settle: 0.05, skip: 0.5}
	// 2 lines x 4 levels x 5 records each. The first 2 records of every
	// level are settling transients the skip fraction must discard.
	const hold = 5
	var records []tsf.Record
	for level := 0; level < 8; level++ {
		for j := 0; j < hold; j++ {
			value := float64(level)
			if j < 2 {
				value = 999
			}
			records = append(records, tsf.Record{Group: 0, Value: value})
		}
	}
	grid, err := rebuildGrid(h, records, control)
	if err != nil {
		t.Fatalf("rebuildGrid returned %v", err)
	}
	rows, cols := grid.Dims()
	if rows != 2 || cols != 4 {
		t.Fatalf("grid is %dx%d, want 2x4", rows, cols)
	}
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			want := float64(y*cols + x)
			if got := grid.At(y, x); got != want {
				t.Errorf("grid[%d][%d] = %g, want %g", y, x, got, want)
			}
		}
	}

	control.monitor = "ghost"
	if _, err := rebuildGrid(h, records, control); err == nil {
		t.Errorf("rebuildGrid with an unknown monitor returned nil error")
	}
	control.monitor = "v"
	control.skip = 1.0
	if _, err := rebuildGrid(h, records, control); err == nil {
		t.Errorf("rebuildGrid with skip=1 returned nil error")
	}
	control.skip = 0
	control.ysteps = 50
	if _, err := rebuildGrid(h, records, control); err == nil {
		t.Errorf("rebuildGrid with too few records returned nil error")
	}
}

func TestExportNPY(t *testing.T) {
	name := writeTestFile(t, true)
	r, err := tsf.Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	records, _ := r.ReadAll()

	dir := t.TempDir()
	if err := exportNPY(dir, r.Header, records); err != nil {
		t.Fatalf("exportNPY returned %v", err)
	}
	f, err := os.Open(filepath.Join(dir, "v.npy"))
	if err != nil {
		t.Fatalf("exported file missing: %v", err)
	}
	defer f.Close()
	var values []float64
	if err := npyio.Read(f, &values); err != nil {
		t.Fatalf("npy readback: %v", err)
	}
	if len(values) != 10 {
		t.Fatalf("readback has %d values, want 10", len(values))
	}
	for i, v := range values {
		if v != float64(i) {
			t.Errorf("value[%d] = %g, want %d", i, v, i)
		}
	}
}

func TestExportCSV(t *testing.T) {
	name := writeTestFile(t, true)
	r, err := tsf.Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	records, _ := r.ReadAll()

	csvname := filepath.Join(t.TempDir(), "out.csv")
	if err := exportCSV(csvname, r.Header, records); err != nil {
		t.Fatalf("exportCSV returned %v", err)
	}
	raw, err := os.ReadFile(csvname)
	if err != nil {
		t.Fatalf("read exported csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	// 1 comment line, 1 column header, 10 timestamp rows.
	if len(lines) != 12 {
		t.Fatalf("csv has %d lines, want 12", len(lines))
	}
	if !strings.HasPrefix(lines[0], "# session 01TEST") {
		t.Errorf("csv comment line = %q", lines[0])
	}
	if lines[1] != "time_s,v,aux" {
		t.Errorf("csv header line = %q, want time_s,v,aux", lines[1])
	}
	if !strings.HasPrefix(lines[2], "0.000000000,0,-0") {
		t.Errorf("csv first row = %q", lines[2])
	}
	// Odd ticks carry no aux record, so the cell is empty.
	if !strings.HasSuffix(lines[3], ",") {
		t.Errorf("csv second row = %q, want an empty trailing cell", lines[3])
	}
}

func TestFilenameFor(t *testing.T) {
	if got := filenameFor("m/v 1:a"); got != "m_v_1_a" {
		t.Errorf("filenameFor = %q, want m_v_1_a", got)
	}
}
