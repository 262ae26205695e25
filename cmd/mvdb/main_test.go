package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mvdb runs the CLI and returns its exit code and output.
func mvdb(args ...string) (int, string, string) {
	var w, e bytes.Buffer
	code := run(append([]string{"mvdb"}, args...), &w, &e)
	return code, w.String(), e.String()
}

func TestRunVersion(t *testing.T) {
	code, out, _ := mvdb("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "mvdb version "+version)
}

func TestRunHelp(t *testing.T) {
	code, out, _ := mvdb("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "compact")
}

func TestRunUnknownCommand(t *testing.T) {
	code, _, errOut := mvdb("frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestRunWithoutFile(t *testing.T) {
	code, _, errOut := mvdb("info")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no store file")
}

func TestPutGetRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.mv")

	code, _, errOut := mvdb("--file", path, "put", "users", "alice", "1")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = mvdb("--file", path, "put", "users", "alice", "2")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = mvdb("--file", path, "put", "users", "bob", "3")
	require.Equal(t, 0, code, errOut)

	code, out, _ := mvdb("--file", path, "get", "users", "alice")
	assert.Equal(t, 0, code)
	assert.Equal(t, "2\n", out)

	code, out, _ = mvdb("--file", path, "get", "--at", "1", "users", "alice")
	assert.Equal(t, 0, code)
	assert.Equal(t, "1\n", out)

	code, out, _ = mvdb("--file", path, "dump", "users")
	assert.Equal(t, 0, code)
	assert.Equal(t, "alice\t2\nbob\t3\n", out)

	code, _, errOut = mvdb("--file", path, "remove", "users", "alice")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = mvdb("--file", path, "get", "users", "alice")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "key not found")

	code, out, _ = mvdb("--file", path, "maps")
	assert.Equal(t, 0, code)
	assert.Equal(t, "users\n", out)

	code, _, errOut = mvdb("--file", path, "get", "missing", "x")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "does not exist")
}

func TestArgumentCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.mv")
	code, _, errOut := mvdb("--file", path, "put", "users", "alice")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "expects 3 arguments")
}

func TestInfoAndLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.mv")
	code, _, errOut := mvdb("--file", path, "put", "m", "k", "v")
	require.Equal(t, 0, code, errOut)

	code, out, _ := mvdb("--file", path, "info")
	require.Equal(t, 0, code)
	var info storeInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, uint64(1), info.LastCommittedVersion)
	assert.Equal(t, 1, info.Maps)
	assert.Equal(t, 1, info.Chunks)

	code, out, _ = mvdb("--file", path, "layout")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "chunk.1=")
	assert.Contains(t, out, "root.1=")
}

func TestCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.mv")
	for _, v := range []string{"a", "b", "c"} {
		code, _, errOut := mvdb("--file", path, "put", "m", "k", v)
		require.Equal(t, 0, code, errOut)
	}

	code, out, errOut := mvdb("--file", path, "compact", "--fill-rate", "100")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "fill rate")

	code, out, _ = mvdb("--file", path, "get", "m", "k")
	assert.Equal(t, 0, code)
	assert.Equal(t, "c\n", out)
}

func TestBackupRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.mv")
	archive := filepath.Join(dir, "data.mvbk")
	restored := filepath.Join(dir, "restored.mv")

	code, _, errOut := mvdb("--file", path, "put", "m", "k", "v")
	require.Equal(t, 0, code, errOut)

	code, out, errOut := mvdb("--file", path, "backup", "--output", archive, "--compress")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "backup written")

	code, _, errOut = mvdb("--file", path, "backup", "--output", archive)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "create archive")

	code, out, errOut = mvdb("--file", path, "restore", "--input", archive, "--verify-only")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "archive ok")

	code, _, errOut = mvdb("--file", path, "restore", "--input", archive, "--output", restored)
	require.Equal(t, 0, code, errOut)

	code, out, _ = mvdb("--file", restored, "get", "m", "k")
	assert.Equal(t, 0, code)
	assert.Equal(t, "v\n", out)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "mvdb.conf")
	source := `
local dir = arg[0]:match("(.*/)") or "./"
return {
    store = {
        file = dir .. "from-config.mv",
        versions_to_keep = 3,
    },
    logging = {
        directory = dir,
        file = "mvdb.log",
        level = "warn",
    },
}
`
	require.NoError(t, os.WriteFile(conf, []byte(source), 0o644))

	code, _, errOut := mvdb("--config", conf, "put", "m", "k", "v")
	require.Equal(t, 0, code, errOut)
	_, err := os.Stat(filepath.Join(dir, "from-config.mv"))
	assert.NoError(t, err)

	code, _, errOut = mvdb("--config", filepath.Join(dir, "missing.conf"), "info")
	assert.Equal(t, 1, code)
	assert.True(t, strings.Contains(errOut, "not found"), errOut)
}

func TestBenchReport(t *testing.T) {
	input := filepath.Join(t.TempDir(), "bench.txt")
	output := "pkg: github.com/KilimcininKorOglu/mvdb/mvstore\n" +
		"BenchmarkMapGet-8   1000000   1200 ns/op   64 B/op   2 allocs/op\n" +
		"BenchmarkCommit-8   100   9000000 ns/op\n"
	require.NoError(t, os.WriteFile(input, []byte(output), 0o644))

	code, out, errOut := mvdb("bench-report", "--input", input, "--format", "md")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "| BenchmarkMapGet |")

	code, _, errOut = mvdb("bench-report", "--input", input, "--strict")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "targets not met")
}
