package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/ICE-QTM/SSMiSS/tsf"
)

const flushWithinBlock = false
const flushAfterBlocks = true

// writetester measures sustained container write rates: N session files get
// a block of records every tick, with the flush strategy pinned by the
// constants above. Use it to size flush thresholds before trusting a long
// acquisition to a new disk.
func main() {
	dirname := flag.String("dir", "", "directory for the test files (default: a temp dir)")
	nfiles := flag.Int("files", 50, "number of session files written concurrently")
	recordsPerTick := flag.Int("records", 200, "records per file per tick")
	flag.Parse()

	if *dirname == "" {
		d, err := os.MkdirTemp("", "writetester")
		if err != nil {
			panic(err)
		}
		*dirname = d
	}
	fmt.Println(*dirname)

	writers := make([]*tsf.Writer, *nfiles)
	for i := range writers {
		w, err := tsf.Create(filepath.Join(*dirname, fmt.Sprintf("%v.tsf", i)), tsf.Header{
			SessionID:           fmt.Sprintf("writetester-%d", i),
			Module:              "writetester",
			Start:               time.Now(),
			SamplePeriodSeconds: 0.001,
			Groups:              []tsf.GroupInfo{{Name: "v", Divisor: 1}},
		})
		if err != nil {
			panic(fmt.Sprintf("failed create file: %v\n", err))
		}
		writers[i] = w
	}

	abortChan := make(chan struct{})
	go func() {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, os.Interrupt)
		<-signalChan
		close(abortChan)
	}()

	tickDuration := 50 * time.Millisecond
	ticker := time.NewTicker(tickDuration)
	z := 0
	tLast := time.Now()
	recordBytes := 27
	fmt.Printf("recordsPerTick %v, files %v, tickDuration %v\n", *recordsPerTick, *nfiles, tickDuration)
	fmt.Printf("records/second/file %v, records/second total %v\n",
		float64(*recordsPerTick)/tickDuration.Seconds(), float64(*recordsPerTick**nfiles)/tickDuration.Seconds())
	fmt.Printf("megabytes/second total %v\n",
		float64(recordBytes)*float64(*recordsPerTick**nfiles)/tickDuration.Seconds()*1e-6)
	fmt.Printf("flushWithinBlock %v, flushAfterBlocks %v\n", flushWithinBlock, flushAfterBlocks)
	for {
		z++
		select {
		case <-abortChan:
			for _, w := range writers {
				w.WriteTrailer(true)
				w.Close()
			}
			fmt.Println("clean exit")
			return
		case <-ticker.C:
			var wg sync.WaitGroup
			writeDurations := make([]time.Duration, *nfiles)
			flushDurations := make([]time.Duration, *nfiles)
			for i, w := range writers {
				wg.Add(1)
				go func(w *tsf.Writer, i int) {
					tStart := time.Now()
					defer wg.Done()
					for j := 0; j < *recordsPerTick; j++ {
						mono := uint64(z*10000 + j)
						if err := w.WriteRecord(0, mono, int64(mono), float64(i), 0); err != nil {
							panic(fmt.Sprintf("failed write record: %v\n", err))
						}
					}
					tWrite := time.Now()
					if flushWithinBlock {
						w.Flush() // Flush here for terrible performance
					}
					writeDurations[i] = tWrite.Sub(tStart)
					flushDurations[i] = time.Now().Sub(tWrite)
				}(w, i)
			}
			wg.Wait()
			for _, w := range writers {
				if flushAfterBlocks {
					w.Flush() // Flush here or not at all for reasonable performance
				}
			}
			var writeSum time.Duration
			var flushSum time.Duration
			for i := range writeDurations {
				writeSum += writeDurations[i]
				flushSum += flushDurations[i]
			}
			if z%100 == 0 || time.Now().Sub(tLast) > 75*time.Millisecond {
				fmt.Printf("z %v, time.Now().Sub(tLast) %v\n", z, time.Now().Sub(tLast))
				fmt.Printf("writeSum %v, flushSum %v\n", writeSum, flushSum)
			}
			tLast = time.Now()
		}
	}
}
