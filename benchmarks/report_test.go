package benchmarks

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `goos: linux
goarch: amd64
pkg: github.com/KilimcininKorOglu/mvdb/mvstore
BenchmarkMapGet-8              1000000          1200 ns/op         64 B/op          2 allocs/op
BenchmarkMapPut-8               500000          2500 ns/op        512 B/op          9 allocs/op
BenchmarkOpenVersionGet-8       200000         45000 ns/op       2048 B/op         30 allocs/op
BenchmarkCommit-8                 1000       1500000 ns/op
PASS
ok  	github.com/KilimcininKorOglu/mvdb/mvstore	8.035s`

func TestParseBenchmarkOutput(t *testing.T) {
	results, err := ParseBenchmarkOutput(strings.NewReader(sampleOutput))
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, Result{
		Name:        "BenchmarkMapGet",
		Package:     "github.com/KilimcininKorOglu/mvdb/mvstore",
		Iterations:  1000000,
		NsPerOp:     1200,
		BytesPerOp:  64,
		AllocsPerOp: 2,
	}, results[0])
	assert.Zero(t, results[3].BytesPerOp)
	assert.Equal(t, 1500000.0, results[3].NsPerOp)
}

func TestParseBenchmarkOutputIgnoresNoise(t *testing.T) {
	results, err := ParseBenchmarkOutput(strings.NewReader("PASS\nok  \tpkg\t1s\n--- FAIL: TestX\n"))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChecks(t *testing.T) {
	results, err := ParseBenchmarkOutput(strings.NewReader(sampleOutput))
	require.NoError(t, err)
	r := NewReport()
	r.AddResults(results)

	checks := r.Checks()
	require.Len(t, checks, 4)
	passed := make(map[string]bool)
	for _, c := range checks {
		passed[c.Target.Benchmark] = c.Passed
	}
	assert.Equal(t, map[string]bool{
		"BenchmarkMapGet":         true,
		"BenchmarkMapPut":         true,
		"BenchmarkOpenVersionGet": false,
		"BenchmarkCommit":         true,
	}, passed)
	assert.False(t, r.Passed())
}

func TestWriteFormats(t *testing.T) {
	results, err := ParseBenchmarkOutput(strings.NewReader(sampleOutput))
	require.NoError(t, err)
	r := NewReport()
	r.AddResults(results)

	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"BenchmarkMapGet", "FAIL", "1.20 us"}},
		{"md", []string{"| BenchmarkCommit |", "## Targets"}},
		{"json", []string{`"checks"`, `"BenchmarkMapPut"`}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, r.Write(&buf, tt.format))
			for _, want := range tt.want {
				assert.Contains(t, buf.String(), want)
			}
		})
	}

	err = r.Write(&bytes.Buffer{}, "pdf")
	assert.True(t, errors.Is(err, ErrUnknownFormat))
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "500.00 ns", formatDuration(500))
	assert.Equal(t, "2.50 ms", formatDuration(2.5e6))
	assert.Equal(t, "3.00 s", formatDuration(3e9))
	assert.Equal(t, "1.50M/s", formatOpsPerSec(1.5e6))
	assert.Equal(t, "12.00/s", formatOpsPerSec(12))
}
