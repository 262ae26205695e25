// Package benchmarks turns `go test -bench` output for the store into
// reports and checks it against latency and throughput targets.
package benchmarks

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnknownFormat is returned for a report format that is not supported.
var ErrUnknownFormat = errors.New("unknown report format")

// Result is a single benchmark line.
type Result struct {
	Name        string  `json:"name"`
	Package     string  `json:"package"`
	Iterations  int     `json:"iterations"`
	NsPerOp     float64 `json:"nsPerOp"`
	BytesPerOp  int64   `json:"bytesPerOp"`
	AllocsPerOp int64   `json:"allocsPerOp"`
}

// Target is a performance goal for one benchmark. Exactly one of
// MaxNsPerOp and MinOpsPerSec is set.
type Target struct {
	Benchmark    string  `json:"benchmark"`
	Description  string  `json:"description"`
	MaxNsPerOp   float64 `json:"maxNsPerOp,omitempty"`
	MinOpsPerSec float64 `json:"minOpsPerSec,omitempty"`
}

// Check is the outcome of comparing a result with its target.
type Check struct {
	Target          Target  `json:"target"`
	Passed          bool    `json:"passed"`
	ActualNsPerOp   float64 `json:"actualNsPerOp"`
	ActualOpsPerSec float64 `json:"actualOpsPerSec"`
}

// Report collects benchmark results from one run.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	GoVersion string    `json:"goVersion"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	Results   []Result  `json:"results"`
	Targets   []Target  `json:"-"`
}

// NewReport creates a report for the running platform with the default
// targets.
func NewReport() *Report {
	return &Report{
		Timestamp: time.Now(),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Targets:   DefaultTargets(),
	}
}

// DefaultTargets returns the targets for the mvstore benchmarks.
func DefaultTargets() []Target {
	return []Target{
		{Benchmark: "BenchmarkMapGet", Description: "point lookup", MaxNsPerOp: 5000},
		{Benchmark: "BenchmarkMapPut", Description: "uncommitted write", MinOpsPerSec: 100000},
		{Benchmark: "BenchmarkOpenVersionGet", Description: "lookup at an old version", MaxNsPerOp: 20000},
		{Benchmark: "BenchmarkCommit", Description: "commit of 100 changes to memory", MaxNsPerOp: 5000000},
	}
}

// Format: BenchmarkName-N    iterations    ns/op    B/op    allocs/op
var benchLine = regexp.MustCompile(`^(Benchmark[\w/]+?)(?:-\d+)?\s+(\d+)\s+([\d.]+)\s+ns/op(?:\s+(\d+)\s+B/op)?(?:\s+(\d+)\s+allocs/op)?`)

// ParseBenchmarkOutput parses `go test -bench` output.
func ParseBenchmarkOutput(r io.Reader) ([]Result, error) {
	var (
		results []Result
		pkg     string
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "pkg:") {
			if fields := strings.Fields(line); len(fields) >= 2 {
				pkg = fields[1]
			}
			continue
		}

		m := benchLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		res := Result{Name: m[1], Package: pkg}
		res.Iterations, _ = strconv.Atoi(m[2])
		res.NsPerOp, _ = strconv.ParseFloat(m[3], 64)
		if m[4] != "" {
			res.BytesPerOp, _ = strconv.ParseInt(m[4], 10, 64)
		}
		if m[5] != "" {
			res.AllocsPerOp, _ = strconv.ParseInt(m[5], 10, 64)
		}
		results = append(results, res)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read benchmark output")
	}
	return results, nil
}

// AddResults appends results to the report.
func (r *Report) AddResults(results []Result) {
	r.Results = append(r.Results, results...)
}

// Checks compares every result that has a target.
func (r *Report) Checks() []Check {
	targets := make(map[string]Target, len(r.Targets))
	for _, t := range r.Targets {
		targets[t.Benchmark] = t
	}

	var checks []Check
	for _, res := range r.Results {
		t, ok := targets[res.Name]
		if !ok || res.NsPerOp <= 0 {
			continue
		}
		c := Check{
			Target:          t,
			ActualNsPerOp:   res.NsPerOp,
			ActualOpsPerSec: 1e9 / res.NsPerOp,
		}
		if t.MaxNsPerOp > 0 {
			c.Passed = res.NsPerOp <= t.MaxNsPerOp
		} else {
			c.Passed = c.ActualOpsPerSec >= t.MinOpsPerSec
		}
		checks = append(checks, c)
	}
	return checks
}

// byPackage groups results by package, each group sorted by name.
func (r *Report) byPackage() ([]string, map[string][]Result) {
	groups := make(map[string][]Result)
	for _, res := range r.Results {
		pkg := res.Package
		if pkg == "" {
			pkg = "unknown"
		}
		groups[pkg] = append(groups[pkg], res)
	}
	pkgs := make([]string, 0, len(groups))
	for pkg, results := range groups {
		sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs, groups
}

func (c Check) limits() (actual, target string) {
	if c.Target.MaxNsPerOp > 0 {
		return formatDuration(c.ActualNsPerOp), "< " + formatDuration(c.Target.MaxNsPerOp)
	}
	return formatOpsPerSec(c.ActualOpsPerSec), ">= " + formatOpsPerSec(c.Target.MinOpsPerSec)
}

// WriteText writes a plain text report.
func (r *Report) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "=== mvdb benchmark report ===\n\n")
	fmt.Fprintf(w, "Generated: %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Go Version: %s\n", r.GoVersion)
	fmt.Fprintf(w, "Platform: %s/%s\n\n", r.OS, r.Arch)

	pkgs, groups := r.byPackage()
	for _, pkg := range pkgs {
		fmt.Fprintf(w, "--- %s ---\n", pkg)
		fmt.Fprintf(w, "%-40s %12s %12s %10s %10s\n", "Benchmark", "Iterations", "ns/op", "B/op", "allocs/op")
		fmt.Fprintln(w, strings.Repeat("-", 88))
		for _, res := range groups[pkg] {
			fmt.Fprintf(w, "%-40s %12d %12.2f %10d %10d\n",
				res.Name, res.Iterations, res.NsPerOp, res.BytesPerOp, res.AllocsPerOp)
		}
		fmt.Fprintln(w)
	}

	checks := r.Checks()
	if len(checks) == 0 {
		return nil
	}
	fmt.Fprintf(w, "%-28s %-26s %12s %14s %6s\n", "Target", "Benchmark", "Actual", "Limit", "Status")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, c := range checks {
		actual, target := c.limits()
		fmt.Fprintf(w, "%-28s %-26s %12s %14s %6s\n",
			c.Target.Description, c.Target.Benchmark, actual, target, status(c.Passed))
	}
	return nil
}

// WriteMarkdown writes a Markdown report.
func (r *Report) WriteMarkdown(w io.Writer) error {
	fmt.Fprintln(w, "# mvdb benchmark report")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Generated %s with %s on %s/%s.\n\n", r.Timestamp.Format(time.RFC3339), r.GoVersion, r.OS, r.Arch)

	pkgs, groups := r.byPackage()
	for _, pkg := range pkgs {
		fmt.Fprintf(w, "## %s\n\n", pkg)
		fmt.Fprintln(w, "| Benchmark | Iterations | ns/op | B/op | allocs/op |")
		fmt.Fprintln(w, "|-----------|------------|-------|------|-----------|")
		for _, res := range groups[pkg] {
			fmt.Fprintf(w, "| %s | %d | %.2f | %d | %d |\n",
				res.Name, res.Iterations, res.NsPerOp, res.BytesPerOp, res.AllocsPerOp)
		}
		fmt.Fprintln(w)
	}

	checks := r.Checks()
	if len(checks) == 0 {
		return nil
	}
	fmt.Fprintln(w, "## Targets")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "| Target | Benchmark | Actual | Limit | Status |")
	fmt.Fprintln(w, "|--------|-----------|--------|-------|--------|")
	for _, c := range checks {
		actual, target := c.limits()
		fmt.Fprintf(w, "| %s | %s | %s | %s | %s |\n",
			c.Target.Description, c.Target.Benchmark, actual, target, status(c.Passed))
	}
	return nil
}

// WriteJSON writes the results and checks as JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	out := struct {
		*Report
		Checks []Check `json:"checks"`
	}{r, r.Checks()}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

// Write writes the report in the named format: text, markdown or json.
func (r *Report) Write(w io.Writer, format string) error {
	switch format {
	case "", "text", "txt":
		return r.WriteText(w)
	case "markdown", "md":
		return r.WriteMarkdown(w)
	case "json":
		return r.WriteJSON(w)
	default:
		return errors.Wrap(ErrUnknownFormat, format)
	}
}

// Passed reports whether every checked target was met.
func (r *Report) Passed() bool {
	for _, c := range r.Checks() {
		if !c.Passed {
			return false
		}
	}
	return true
}

func status(passed bool) string {
	if passed {
		return "PASS"
	}
	return "FAIL"
}

func formatDuration(ns float64) string {
	switch {
	case ns < 1e3:
		return fmt.Sprintf("%.2f ns", ns)
	case ns < 1e6:
		return fmt.Sprintf("%.2f us", ns/1e3)
	case ns < 1e9:
		return fmt.Sprintf("%.2f ms", ns/1e6)
	}
	return fmt.Sprintf("%.2f s", ns/1e9)
}

func formatOpsPerSec(ops float64) string {
	switch {
	case ops >= 1e6:
		return fmt.Sprintf("%.2fM/s", ops/1e6)
	case ops >= 1e3:
		return fmt.Sprintf("%.2fK/s", ops/1e3)
	}
	return fmt.Sprintf("%.2f/s", ops)
}
