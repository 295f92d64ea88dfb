package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	ssmiss "github.com/ICE-QTM/SSMiSS"
	"github.com/ICE-QTM/SSMiSS/tsf"
)

type dumpControl struct {
	nrecords int
	npydir   string
	csvname  string
	grid     bool
	monitor  string
	xsteps   int
	ysteps   int
	settle   float64
	skip     float64
}

// groupRate returns a group's sample rate in Hz.
func groupRate(h tsf.Header, g tsf.GroupInfo) float64 {
	if h.SamplePeriodSeconds <= 0 || g.Divisor <= 0 {
		return 0
	}
	return 1.0 / (h.SamplePeriodSeconds * float64(g.Divisor))
}

func printHeader(fileName string, h tsf.Header) {
	fmt.Printf("File:    %s\n", fileName)
	fmt.Printf("Format:  %s version %s\n", h.Format, h.Version)
	fmt.Printf("Session: %s  module %s\n", h.SessionID, h.Module)
	fmt.Printf("Started: %s\n", h.Start.Format(time.RFC3339))
	fmt.Printf("Base sample period %g s\n", h.SamplePeriodSeconds)
	fmt.Println("Groups:")
	for i, g := range h.Groups {
		fmt.Printf("  %3d  %-20s divisor %3d  %10.4g Hz\n", i, g.Name, g.Divisor, groupRate(h, g))
	}
}

// verifyTrailer checks the trailer's counts against the records actually read.
func verifyTrailer(r *tsf.Reader, records []tsf.Record) error {
	counts := make([]int64, len(r.Header.Groups))
	for _, rec := range records {
		counts[rec.Group]++
	}

	if r.Trailer == nil {
		return fmt.Errorf("file has no trailer; %d records were readable before the cut", len(records))
	}
	t := r.Trailer
	if !t.Complete {
		fmt.Println("Trailer marks the session ABORTED.")
	} else {
		fmt.Println("Trailer marks the session complete.")
	}
	if t.TotalRecords != int64(len(records)) {
		return fmt.Errorf("trailer counts %d records, file holds %d", t.TotalRecords, len(records))
	}
	if len(t.GroupRecords) != len(counts) {
		return fmt.Errorf("trailer counts %d groups, header declares %d", len(t.GroupRecords), len(counts))
	}
	for i := range counts {
		if t.GroupRecords[i] != counts[i] {
			return fmt.Errorf("trailer counts %d records for group %s, file holds %d",
				t.GroupRecords[i], r.Header.Groups[i].Name, counts[i])
		}
	}
	fmt.Printf("Trailer verified: %d records across %d groups.\n", t.TotalRecords, len(counts))
	return nil
}

func printSummary(h tsf.Header, records []tsf.Record) {
	type tally struct {
		n         int64
		ok        int64
		stale     int64
		missing   int64
		firstMono uint64
		lastMono  uint64
	}
	tallies := make([]tally, len(h.Groups))
	for _, rec := range records {
		t := &tallies[rec.Group]
		if t.n == 0 {
			t.firstMono = rec.Mono
		}
		t.lastMono = rec.Mono
		t.n++
		switch ssmiss.Quality(rec.Quality) {
		case ssmiss.QualityOk:
			t.ok++
		case ssmiss.QualityStale:
			t.stale++
		case ssmiss.QualityMissing:
			t.missing++
		}
	}
	fmt.Println("Records:")
	for i, t := range tallies {
		span := float64(t.lastMono-t.firstMono) / 1e9
		fmt.Printf("  %-20s %8d records over %8.3f s  (ok %d, stale %d, missing %d)\n",
			h.Groups[i].Name, t.n, span, t.ok, t.stale, t.missing)
	}
}

func printRecords(h tsf.Header, records []tsf.Record, n int) {
	if n > len(records) {
		n = len(records)
	}
	fmt.Printf("First %d records:\n", n)
	for _, rec := range records[:n] {
		fmt.Printf("  %-20s mono %12d ns  value %14.7g  %s\n",
			h.Groups[rec.Group].Name, rec.Mono, rec.Value, ssmiss.Quality(rec.Quality))
	}
}

// filenameFor flattens a group name into something the filesystem accepts.
func filenameFor(group string) string {
	r := strings.NewReplacer("/", "_", " ", "_", ":", "_")
	return r.Replace(group)
}

// exportNPY writes one .npy file of float64 values per group.
func exportNPY(dir string, h tsf.Header, records []tsf.Record) error {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return err
	}
	values := make([][]float64, len(h.Groups))
	for _, rec := range records {
		values[rec.Group] = append(values[rec.Group], rec.Value)
	}
	for i, g := range h.Groups {
		if len(values[i]) == 0 {
			continue
		}
		name := filepath.Join(dir, filenameFor(g.Name)+".npy")
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		if err := npyio.Write(f, values[i]); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %v", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Printf("Wrote %d values to %s\n", len(values[i]), name)
	}
	return nil
}

/// exportCSV writes a time-aligned table: one row per monotonic timestamp that
// carries at least one record, one column per group, empty cells where a
// group has no record at that time.
func exportCSV(csvname string, h tsf.Header, records []tsf.Record) error {
	f, err := os.Create(csvname)
	if err != nil {
		return err
	}
	defer f.Close()

	byMono := make(map[uint64][]string)
	var monos []uint64
	for _, rec := range records {
		row, seen := byMono[rec.Mono]
		if !seen {
			row = make([]string, len(h.Groups))
			monos = append(monos, rec.Mono)
		}
		row[rec.Group] = fmt.Sprintf("%.9g", rec.Value)
		byMono[rec.Mono] = row
	}
	sort.Slice(monos, func(i, j int) bool { return monos[i] < monos[j] })

	fmt.Fprintf(f, "# session %s module %s started %s\n", h.SessionID, h.Module, h.Start.Format(time.RFC3339))
	names := make([]string, len(h.Groups))
	for i, g := range h.Groups {
		names[i] = g.Name
	}
	fmt.Fprintf(f, "time_s,%s\n", strings.Join(names, ","))
	for _, mono := range monos {
		fmt.Fprintf(f, "%.9f,%s\n", float64(mono)/1e9, strings.Join(byMono[mono], ","))
	}
	fmt.Printf("Wrote %d rows to %s\n", len(monos), csvname)
	return nil
}

/// rebuildGrid reaverages the monitor channel into the scan grid: each line is
// 2*xsteps levels (the staircase runs forward then mirrored back) held for
// settle seconds each. The skip fraction discards the leading records of
// every level, where the output was still settling.
func rebuildGrid(h tsf.Header, records []tsf.Record, control dumpControl) (*mat.Dense, error) {
	group := -1
	for i, g := range h.Groups {
		if g.Name == control.monitor {
			group = i
			break
		}
	}
	if group < 0 {
		return nil, fmt.Errorf("file has no group %q to rebuild from", control.monitor)
	}
	rate := groupRate(h, h.Groups[group])
	if rate <= 0 {
		return nil, fmt.Errorf("group %s has no usable sample rate", control.monitor)
	}
	hold := int(control.settle*rate + 0.5)
	if hold < 1 {
		hold = 1
	}
	skip := int(control.skip * float64(hold))
	if skip >= hold {
		return nil, fmt.Errorf("skip fraction %g leaves no records per level", control.skip)
	}

	var vals []float64
	for _, rec := range records {
		if rec.Group == group {
			vals = append(vals, rec.Value)
		}
	}
	cols := 2 * control.xsteps
	rows := control.ysteps
	need := rows * cols * hold
	if len(vals) < need {
		return nil, fmt.Errorf("group %s holds %d records, grid needs %d (%dx%d levels x %d each)",
			control.monitor, len(vals), need, rows, cols, hold)
	}

	grid := mat.NewDense(rows, cols, nil)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			level := vals[(y*cols+x)*hold : (y*cols+x+1)*hold]
			grid.Set(y, x, stat.Mean(level[skip:], nil))
		}
	}
	return grid, nil
}

func printGrid(grid *mat.Dense) {
	rows, cols := grid.Dims()
	fmt.Printf("Scan grid, %d lines x %d levels:\n", rows, cols)
	for y := 0; y < rows; y++ {
		parts := make([]string, cols)
		for x := 0; x < cols; x++ {
			parts[x] = fmt.Sprintf("%10.4g", grid.At(y, x))
		}
		fmt.Println("  " + strings.Join(parts, " "))
	}
}

func dump(fileName string, control dumpControl) error {
	r, err := tsf.Open(fileName)
	if err != nil {
		return err
	}
	defer r.Close()
	printHeader(fileName, r.Header)

	records, err := r.ReadAll()
	if err != nil {
		return err
	}
	printSummary(r.Header, records)
	if control.nrecords > 0 {
		printRecords(r.Header, records, control.nrecords)
	}
	if err := verifyTrailer(r, records); err != nil {
		fmt.Println("TRAILER PROBLEM:", err)
	}

	if control.npydir != "" {
		if err := exportNPY(control.npydir, r.Header, records); err != nil {
			return err
		}
	}
	if control.csvname != "" {
		if err := exportCSV(control.csvname, r.Header, records); err != nil {
			return err
		}
	}
	if control.grid {
		if control.monitor == "" && len(r.Header.Groups) > 0 {
			control.monitor = r.Header.Groups[0].Name
		}
		grid, err := rebuildGrid(r.Header, records, control)
		if err != nil {
			return err
		}
		printGrid(grid)
		if control.npydir != "" {
			name := filepath.Join(control.npydir, "grid.npy")
			f, err := os.Create(name)
			if err != nil {
				return err
			}
			if err := npyio.Write(f, grid); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %v", name, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Printf("Wrote grid to %s\n", name)
		}
	}
	return nil
}

func main() {
	var control dumpControl
	flag.IntVar(&control.nrecords, "records", 0, "Print the first N records")
	flag.StringVar(&control.npydir, "npy", "", "Export each group's values to DIR/<group>.npy")
	flag.StringVar(&control.csvname, "csv", "", "Export a time-aligned table to FILE")
	flag.BoolVar(&control.grid, "grid", false, "Rebuild the averaged scan grid from the monitor group")
	flag.StringVar(&control.monitor, "monitor", "", "Monitor group for -grid (default: first group)")
	flag.IntVar(&control.xsteps, "xsteps", 0, "Scan x steps per line for -grid")
	flag.IntVar(&control.ysteps, "ysteps", 0, "Scan lines for -grid")
	flag.Float64Var(&control.settle, "settle", 0, "Seconds per scan level for -grid")
	flag.Float64Var(&control.skip, "skip", 0.5, "Fraction of each level discarded as settling transient, 0-0.9")
	flag.Usage = func() {
		fmt.Println("tsfdump, a program to inspect and export recorded session files")
		fmt.Println("Usage: tsfdump [flags] file.tsf [file2.tsf ...]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	if control.grid && (control.xsteps < 2 || control.ysteps < 1 || control.settle <= 0) {
		fmt.Println("-grid needs -xsteps >= 2, -ysteps >= 1, and -settle > 0.")
		os.Exit(1)
	}
	if control.skip < 0 || control.skip > 0.9 {
		fmt.Println("-skip must be in [0, 0.9].")
		os.Exit(1)
	}

	status := 0
	for i, fileName := range flag.Args() {
		if i > 0 {
			fmt.Println()
		}
		if err := dump(fileName, control); err != nil {
			fmt.Println("dump returned error:", err)
			status = 1
		}
	}
	os.Exit(status)
}
