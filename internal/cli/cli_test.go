package cli_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/instcache/internal/cli"
	"github.com/calvinalkan/instcache/pkg/instcache"
	"github.com/calvinalkan/instcache/pkg/shm"
	"github.com/calvinalkan/instcache/pkg/value"
)

var smallShape = []string{"--memory-limit", "256KiB", "--workers", "2", "--shards", "17"}

func withShape(segment string, args ...string) []string {
	return append(append([]string{"--segment", segment}, smallShape...), args...)
}

// serveSegment creates and initializes a segment at path the way serve
// does, holding the creator lock for the rest of the test.
func serveSegment(t *testing.T, path string) (*shm.Segment, *instcache.Master) {
	t.Helper()

	opts := instcache.Options{MemoryLimit: 256 << 10, Workers: 2, Shards: 17}

	size, err := instcache.SegmentSize(opts)
	require.NoError(t, err)

	seg, err := shm.Create(path, size)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = seg.Close()
		_ = seg.Remove()
	})

	m, err := instcache.Init(seg.Bytes(), opts)
	require.NoError(t, err)

	return seg, m
}

func Test_Bare_Command_Prints_Usage_When_Invoked(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := cli.Run(nil, &stdout, &stderr, []string{"icache"}, nil, nil)

	require.Equal(t, 0, code)
	require.Empty(t, stderr.String())
	cli.AssertContains(t, stdout.String(), "icache - shared memory instance cache")
	cli.AssertContains(t, stdout.String(), "--segment")
	cli.AssertContains(t, stdout.String(), "serve [flags]")
	cli.AssertContains(t, stdout.String(), "repl [--worker <id>]")
}

func Test_Invalid_Global_Flag_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, code := c.Run("--invalid-flag", "stats")

	require.Equal(t, 1, code)
	require.Empty(t, stdout)
	cli.AssertContains(t, stderr, "unknown flag")
	cli.AssertContains(t, stderr, "--invalid-flag")
	cli.AssertContains(t, stderr, "Global flags:")
}

func Test_Unknown_Command_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "Commands:")
}

func Test_Command_Rejects_Positional_Args_When_None_Expected(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("stats", "extra")

	cli.AssertContains(t, stderr, "expects 0 argument(s), got 1")
}

func Test_Command_Help_Lists_Flags_When_Requested(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("serve", "--help")

	cli.AssertContains(t, stdout, "Usage: icache serve [flags]")
	cli.AssertContains(t, stdout, "--max-ticks")
	cli.AssertContains(t, stdout, "--keep")
}

func Test_Invalid_Config_Fails_When_Memory_Limit_Is_Too_Small(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--memory-limit", "1KiB", "print-config")

	cli.AssertContains(t, stderr, "invalid config")
}

func Test_PrintConfig_Shows_Project_File_And_Flags_When_Both_Set(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir, ".icache.json"), []byte(`{
		// three php-fpm children
		"workers": 3,
	}`), 0o600))

	stdout := c.MustRun("--memory-limit", "2MiB", "print-config")

	cli.AssertContains(t, stdout, `"workers": 3`)
	cli.AssertContains(t, stdout, `"memory_limit": "2MiB"`)
	cli.AssertContains(t, stdout, "project_config="+filepath.Join(c.Dir, ".icache.json"))
	cli.AssertNotContains(t, stdout, "(defaults only)")
}

func Test_Serve_Writes_Stats_And_Removes_Segment_When_Ticks_Run_Out(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seg := filepath.Join(c.Dir, "seg")

	stdout := c.MustRun(withShape(seg, "--purge-interval", "5ms", "--stats-file", "out/stats.json", "serve", "--max-ticks", "3")...)
	cli.AssertContains(t, stdout, "serving "+seg+" (256KiB per slot, 2 workers)")

	data, err := os.ReadFile(filepath.Join(c.Dir, "out", "stats.json"))
	require.NoError(t, err)

	var snap struct {
		Segment string                 `json:"segment"`
		Stats   instcache.Stats        `json:"stats"`
		Slots   []instcache.SlotMemory `json:"slots"`
	}

	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, seg, snap.Segment)
	require.Len(t, snap.Slots, 2)
	require.True(t, snap.Slots[0].Active)
	require.NotZero(t, snap.Slots[0].Memory.Limit)
	require.LessOrEqual(t, snap.Slots[0].Memory.Limit, uint64(256<<10))

	_, err = os.Stat(seg)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func Test_Serve_Keeps_Segment_When_Keep_Is_Set(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seg := filepath.Join(c.Dir, "seg")

	c.MustRun(withShape(seg, "--purge-interval", "1ms", "serve", "--max-ticks", "1", "--keep")...)

	s, err := shm.Open(seg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func Test_Serve_Stops_Cleanly_When_Signalled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	seg := filepath.Join(dir, "seg")

	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGTERM

	var stdout, stderr bytes.Buffer

	args := append([]string{"icache", "--cwd", dir}, withShape(seg, "serve")...)
	code := cli.Run(nil, &stdout, &stderr, args, map[string]string{}, sigCh)

	require.Equal(t, 0, code, stderr.String())
	cli.AssertContains(t, stderr.String(), "received signal")

	_, err := os.Stat(seg)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func Test_Serve_Fails_When_Another_Master_Holds_Segment(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	seg := filepath.Join(c.Dir, "seg")
	serveSegment(t, seg)

	stderr := c.MustFail(withShape(seg, "serve", "--max-ticks", "1")...)
	cli.AssertContains(t, stderr, "another master serves "+seg)
}

func Test_Stats_Prints_Counters_When_Segment_Is_Served(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := filepath.Join(c.Dir, "seg")
	seg, _ := serveSegment(t, path)

	w, err := instcache.Attach(seg.Bytes(), instcache.WorkerConfig{ID: 1})
	require.NoError(t, err)

	w.Refresh()
	require.Equal(t, instcache.StoreSuccess, w.Store([]byte("k"), value.Int(7), 60))
	w.Free()

	stdout := c.MustRun("--segment", path, "stats")

	var snap struct {
		Stats instcache.Stats `json:"stats"`
	}

	require.NoError(t, json.Unmarshal([]byte(stdout), &snap))
	require.Equal(t, uint64(1), snap.Stats.StoreSuccess)
	require.Equal(t, int64(1), snap.Stats.Elements)
}

func Test_Stats_Warns_When_Master_Is_Gone(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := filepath.Join(c.Dir, "seg")
	seg, _ := serveSegment(t, path)

	// Unmaps and drops the creator lock but leaves the file behind.
	require.NoError(t, seg.Close())

	stdout, stderr, code := c.Run("--segment", path, "stats")

	require.Equal(t, 1, code)
	cli.AssertContains(t, stdout, `"store_success": 0`)
	cli.AssertContains(t, stderr, "no live master")
}

func Test_Stats_Fails_When_Segment_Is_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--segment", filepath.Join(c.Dir, "absent"), "stats")

	cli.AssertContains(t, stderr, "open segment")
}

func Test_Repl_Runs_Commands_When_Reading_Stdin(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	path := filepath.Join(c.Dir, "seg")
	serveSegment(t, path)

	script := `store greeting 60 {"hello": [1, 2.5, true, null]}
fetch greeting
ttl greeting 120
del greeting
fetch greeting
fetch greeting stale
ttl greeting 5
store broken 60 {"a":
bulk 3 n
fetch n-2
bogus
quit
fetch never-reached
`

	stdout, stderr, code := c.RunWithInput(script, "--segment", path, "repl")
	require.Equal(t, 0, code, stderr)

	want := `success
{"hello": [1, 2.5, true, null]}
updated
deleted
(miss)
{"hello": [1, 2.5, true, null]}
(not found)
`
	require.Contains(t, stdout, want)
	cli.AssertContains(t, stdout, "error: parse:")
	cli.AssertContains(t, stdout, "success: 3\n2\n")
	cli.AssertContains(t, stdout, "unknown command: bogus")
	cli.AssertNotContains(t, stdout, "never-reached")
}

func Test_Bench_Reports_Throughput_When_Run(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("--memory-limit", "1MiB", "--shards", "31",
		"bench", "--clients", "2", "--requests", "50", "--keys", "20")

	cli.AssertContains(t, stdout, "clients=2 requests=100")
	cli.AssertContains(t, stdout, "ops/s=")
	cli.AssertContains(t, stdout, "hit_ratio=")
	cli.AssertContains(t, stdout, "stores: success=")
}
