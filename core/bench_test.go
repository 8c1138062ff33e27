package worldstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/meigma/worldstore/core/testutil"
)

type benchMetric struct {
	name  string
	value float64
}

func metric(name string, value float64) benchMetric {
	return benchMetric{name: name, value: value}
}

func reportAndEmit(b *testing.B, params map[string]any, metrics ...benchMetric) {
	b.Helper()
	results := make(map[string]any, len(metrics))
	for _, m := range metrics {
		b.ReportMetric(m.value, m.name)
		results[m.name] = m.value
	}
	emitBenchJSON(b, params, results)
}

type benchJSONRecord struct {
	Benchmark string         `json:"benchmark"`
	Params    map[string]any `json:"params,omitempty"`
	Results   map[string]any `json:"results,omitempty"`
}

var benchJSONMu sync.Mutex

// emitBenchJSON prints one JSON line per benchmark when
// WORLDSTORE_BENCH_JSON is set.
func emitBenchJSON(b *testing.B, params, results map[string]any) {
	b.Helper()
	if os.Getenv("WORLDSTORE_BENCH_JSON") == "" {
		return
	}
	data, err := json.Marshal(benchJSONRecord{Benchmark: b.Name(), Params: params, Results: results})
	if err != nil {
		b.Logf("failed to marshal benchmark json: %v", err)
		return
	}
	benchJSONMu.Lock()
	defer benchJSONMu.Unlock()
	fmt.Fprintln(os.Stdout, string(data))
}

func throughputMBs(totalBytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(totalBytes) / (1 << 20) / elapsed.Seconds()
}

var benchCodecs = []struct {
	name        string
	compression Compression
}{
	{"none", CompressionNone},
	{"fast", CompressionFastBlock},
	{"frame", CompressionFrameBlock},
}

func benchSections(size int) map[SectionID][]byte {
	return map[SectionID][]byte{
		SectionWorld:    testutil.Compressible(size),
		SectionAgents:   testutil.Pattern(size/4, 1),
		SectionEconomy:  testutil.Compressible(size / 8),
		SectionSettings: []byte("difficulty=normal"),
	}
}

func writeBenchArchive(b *testing.B, path string, sections map[SectionID][]byte, c Compression) int64 {
	b.Helper()
	var mask SectionMask
	for id := range sections {
		mask |= id.Bit()
	}
	w, err := Create(path, mask, c)
	if err != nil {
		b.Fatal(err)
	}
	var total int64
	for _, id := range mask.IDs() {
		if err := w.WriteSection(id, sections[id], c); err != nil {
			b.Fatal(err)
		}
		total += int64(len(sections[id]))
	}
	if err := w.Close(); err != nil {
		b.Fatal(err)
	}
	return total
}

func BenchmarkArchiveWrite(b *testing.B) {
	const size = 4 << 20
	sections := benchSections(size)

	for _, bc := range benchCodecs {
		b.Run(bc.name, func(b *testing.B) {
			path := filepath.Join(b.TempDir(), "bench.sim")
			var raw int64
			b.ReportAllocs()
			b.ResetTimer()
			for b.Loop() {
				raw = writeBenchArchive(b, path, sections, bc.compression)
			}
			b.StopTimer()

			st, err := os.Stat(path)
			if err != nil {
				b.Fatal(err)
			}
			reportAndEmit(b, map[string]any{"compression": bc.name, "section_bytes": raw},
				metric("throughput_mb_s", throughputMBs(raw*int64(b.N), b.Elapsed())),
				metric("ratio", float64(st.Size())/float64(raw)),
			)
		})
	}
}

func BenchmarkArchiveReadSections(b *testing.B) {
	const size = 4 << 20
	sections := benchSections(size)

	for _, bc := range benchCodecs {
		b.Run(bc.name, func(b *testing.B) {
			path := filepath.Join(b.TempDir(), "bench.sim")
			raw := writeBenchArchive(b, path, sections, bc.compression)
			arc, err := Open(path)
			if err != nil {
				b.Fatal(err)
			}
			defer arc.Close()

			b.ReportAllocs()
			b.ResetTimer()
			for b.Loop() {
				for _, id := range arc.SectionOrder() {
					if _, err := arc.ReadSection(id); err != nil {
						b.Fatal(err)
					}
				}
			}
			reportAndEmit(b, map[string]any{"compression": bc.name},
				metric("throughput_mb_s", throughputMBs(raw*int64(b.N), b.Elapsed())))
		})
	}
}

func BenchmarkVerify(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.sim")
	writeBenchArchive(b, path, benchSections(8<<20), CompressionFastBlock)
	st, err := os.Stat(path)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		if err := Verify(path); err != nil {
			b.Fatal(err)
		}
	}
	reportAndEmit(b, nil, metric("throughput_mb_s", throughputMBs(st.Size()*int64(b.N), b.Elapsed())))
}
