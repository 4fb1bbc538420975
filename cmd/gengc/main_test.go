package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/gengc/gc"
)

func testOptions(t *testing.T, workload string) options {
	dir := t.TempDir()
	return options{
		flags:      "-Xms4m -Xmx8m -Xmn2m -XX:TLABSize=4k",
		workload:   workload,
		iterations: 20,
		depth:      10,
		mutators:   2,
		seed:       1,
		logPath:    filepath.Join(dir, "gc.log"),
		verify:     true,
	}
}

func TestWorkloads(t *testing.T) {
	for _, name := range workloadNames() {
		t.Run(name, func(t *testing.T) {
			o := testOptions(t, name)
			o.dumpPath = filepath.Join(filepath.Dir(o.logPath), "heap.json")
			require.NoError(t, run(o))

			log, err := os.ReadFile(o.logPath)
			require.NoError(t, err)
			require.Contains(t, string(log), "[info][gc] heap initialized")
			require.Contains(t, string(log), "workload done workload="+name)

			data, err := os.ReadFile(o.dumpPath)
			require.NoError(t, err)
			var dump struct {
				Objects []json.RawMessage `json:"objects"`
				Roots   []uint64          `json:"roots"`
			}
			require.NoError(t, json.Unmarshal(data, &dump))
		})
	}
}

func TestLogIsLocked(t *testing.T) {
	o := testOptions(t, "list")
	_, _, closeLog, err := openLog(o.logPath)
	require.NoError(t, err)
	defer closeLog()

	err = run(o)
	require.Error(t, err)
	require.Contains(t, err.Error(), "in use by another process")
}

func TestRunErrors(t *testing.T) {
	o := testOptions(t, "nope")
	require.ErrorContains(t, run(o), "unknown workload")

	o = testOptions(t, "churn")
	o.flags = "-XX:NoSuchOption=1"
	require.Error(t, run(o))
}

func TestOutOfMemoryIsReported(t *testing.T) {
	o := testOptions(t, "tree")
	o.flags = "-Xms1m -Xmx1m -XX:-UseTLAB"
	o.mutators = 1
	o.depth = 16
	o.verify = false
	err := run(o)
	require.ErrorIs(t, err, gc.ErrOutOfMemory)
	require.True(t, strings.HasPrefix(err.Error(), "mutator-0: "))
}
