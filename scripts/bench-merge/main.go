// bench-merge measures the full read-merge-persist cycle on synthetic
// artifacts: a prior artifact of --windows daily rows is re-merged with
// one fresh window per iteration, which is the per-window cost a long
// running report pays on every update pass.
//
// Usage:
//
//	go run ./scripts/bench-merge --windows 3650 --columns 12 --iterations 50 \
//	  --profile-dir /tmp/bench-merge --cpu-profile
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/Sumatoshi-tech/reportmill/internal/artifact"
	"github.com/Sumatoshi-tech/reportmill/internal/interval"
	"github.com/Sumatoshi-tech/reportmill/internal/report"
	"github.com/Sumatoshi-tech/reportmill/internal/writer"
)

func main() {
	windows := flag.Int("windows", 3650, "Daily windows in the seeded prior artifact")
	columns := flag.Int("columns", 12, "Value columns per row")
	funnelRows := flag.Int("funnel-rows", 1, "Rows per window (>1 benches funnel reports)")
	iterations := flag.Int("iterations", 50, "Merge-and-persist cycles to run")
	outputDir := flag.String("output", "", "Artifact folder (default: a temp dir)")
	profileDir := flag.String("profile-dir", "", "Directory to write pprof profiles")
	cpuProfile := flag.Bool("cpu-profile", false, "Write CPU profile to profile-dir/cpu.prof")

	flag.Parse()

	dir := *outputDir
	if dir == "" {
		tempDir, err := os.MkdirTemp("", "bench-merge-")
		if err != nil {
			log.Fatalf("mkdir temp: %v", err)
		}
		defer os.RemoveAll(tempDir)

		dir = tempDir
	}

	if *profileDir != "" {
		if err := os.MkdirAll(*profileDir, 0o755); err != nil {
			log.Fatalf("mkdir profile-dir: %v", err)
		}
	}

	if *cpuProfile {
		if *profileDir == "" {
			log.Fatal("--cpu-profile requires --profile-dir")
		}

		cpuPath := filepath.Join(*profileDir, "cpu.prof")

		cpuFile, cpuErr := os.Create(cpuPath)
		if cpuErr != nil {
			log.Fatalf("create cpu profile: %v", cpuErr)
		}
		defer cpuFile.Close()

		if startErr := pprof.StartCPUProfile(cpuFile); startErr != nil {
			log.Fatalf("start cpu profile: %v", startErr)
		}

		defer pprof.StopCPUProfile()

		log.Printf("CPU profiling enabled -> %s", cpuPath)
	}

	takeSnapshot := snapshotter()
	writeProfile := profiler(*profileDir)

	first := time.Date(2016, time.January, 1, 0, 0, 0, 0, time.UTC)

	def := &report.Definition{
		Key:         "bench",
		Type:        report.TypeScript,
		Granularity: interval.Days,
		FirstDate:   first,
		Funnel:      *funnelRows > 1,
	}

	inst := report.NewInstance(def, nil)
	header := buildHeader(*columns)

	store := artifact.NewStore(dir)
	wr := writer.New(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	takeSnapshot("before_seed")

	// Seed the prior artifact in one save.
	seed := report.NewResultSet(header)

	for w := range *windows {
		date := first.AddDate(0, 0, w)
		for r := range *funnelRows {
			seed.Append(date, buildRow(header, date, r))
		}
	}

	if err := store.Save(inst, seed); err != nil {
		log.Fatalf("seed artifact: %v", err)
	}

	takeSnapshot("after_seed")
	writeProfile("heap_after_seed.prof")

	log.Printf("seeded %d windows x %d rows x %d columns in %s",
		*windows, *funnelRows, *columns, store.Path(inst))

	ctx := context.Background()
	started := time.Now()

	for i := range *iterations {
		date := first.AddDate(0, 0, *windows+i)

		fresh := report.NewResultSet(header)
		for r := range *funnelRows {
			fresh.Append(date, buildRow(header, date, r))
		}

		windowed := inst.WithWindow(date, date.AddDate(0, 0, 1))

		if err := wr.UpdateAndPersist(ctx, windowed, fresh); err != nil {
			log.Fatalf("iteration %d: %v", i+1, err)
		}
	}

	elapsed := time.Since(started)

	takeSnapshot("after_iterations")
	writeProfile("heap_after_iterations.prof")

	perCycle := elapsed / time.Duration(*iterations)
	totalRows := (*windows + *iterations) * *funnelRows

	log.Printf("%d cycles in %s (%.1f ms/cycle, final artifact %d rows)",
		*iterations, elapsed.Round(time.Millisecond),
		float64(perCycle.Microseconds())/1e3, totalRows)
}

func buildHeader(columns int) []string {
	header := make([]string, 0, columns+1)
	header = append(header, "date")

	for c := range columns {
		header = append(header, "v"+strconv.Itoa(c+1))
	}

	return header
}

func buildRow(header []string, date time.Time, salt int) report.Row {
	row := make(report.Row, len(header))
	row[0] = report.FormatDate(date)

	for c := 1; c < len(header); c++ {
		row[c] = strconv.Itoa((date.YearDay()*c + salt) % 997)
	}

	return row
}

// snapshotter returns a helper that logs heap usage under a label after
// forcing collection, so numbers are comparable across labels.
func snapshotter() func(label string) {
	return func(label string) {
		runtime.GC()
		runtime.GC()

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		log.Printf("  [heap] %-20s inuse=%6.1f MB  sys=%6.1f MB",
			label, float64(m.HeapInuse)/1e6, float64(m.HeapSys)/1e6)
	}
}

func profiler(profileDir string) func(name string) {
	return func(name string) {
		if profileDir == "" {
			return
		}

		runtime.GC()
		runtime.GC()

		path := filepath.Join(profileDir, name)

		f, ferr := os.Create(path)
		if ferr != nil {
			log.Printf("warning: create heap profile %s: %v", path, ferr)

			return
		}
		defer f.Close()

		if perr := pprof.WriteHeapProfile(f); perr != nil {
			log.Printf("warning: write heap profile %s: %v", path, perr)
		}
	}
}
