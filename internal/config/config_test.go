package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/instcache/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func Test_Load_Returns_Defaults_When_No_Config_Files_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := config.Load(config.LoadInput{WorkDir: dir, Env: map[string]string{}})
	require.NoError(t, err)

	want := config.Default()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Applies_Files_Then_Overrides_When_All_Sources_Present(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := filepath.Join(dir, "xdg")

	writeFile(t, filepath.Join(xdg, "icache", "config.json"), `{
		// global defaults for this user
		"memory_limit": "32MiB",
		"workers": 4,
		"purge_delay": "30s",
	}`)
	writeFile(t, filepath.Join(dir, config.FileName), `{
		"segment": "run/cache.shm",
		"workers": 12,
		"purge_interval": 0.5,
		"stats_file": "stats.json"
	}`)

	cfg, err := config.Load(config.LoadInput{
		WorkDir:   dir,
		Env:       map[string]string{"XDG_CONFIG_HOME": xdg},
		Overrides: config.Config{Shards: 101},
	})
	require.NoError(t, err)

	require.Equal(t, filepath.Join(dir, "run/cache.shm"), cfg.Segment)
	require.Equal(t, config.ByteSize(32<<20), cfg.MemoryLimit)
	require.Equal(t, 12, cfg.Workers)
	require.Equal(t, 101, cfg.Shards)
	require.Equal(t, config.Duration(500*time.Millisecond), cfg.PurgeInterval)
	require.Equal(t, config.Duration(30*time.Second), cfg.PurgeDelay)
	require.Equal(t, filepath.Join(dir, "stats.json"), cfg.StatsFile)
	require.Equal(t, filepath.Join(xdg, "icache", "config.json"), cfg.Sources.Global)
	require.Equal(t, filepath.Join(dir, config.FileName), cfg.Sources.Project)
}

func Test_Load_Returns_ErrConfigFileNotFound_When_Explicit_File_Is_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(config.LoadInput{WorkDir: t.TempDir(), ConfigPath: "nope.json"})
	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}

func Test_Load_Returns_ErrConfigInvalid_When_File_Or_Values_Are_Bad(t *testing.T) {
	t.Parallel()

	for name, content := range map[string]string{
		"syntax":        `{"workers": }`,
		"unknown field": `{"wrokers": 3}`,
		"bad size":      `{"memory_limit": "lots"}`,
		"bad duration":  `{"purge_delay": "soon"}`,
		"one slot":      `{"slots": 1}`,
		"tiny arena":    `{"memory_limit": 16}`,
	} {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "c.json"), content)

		_, err := config.Load(config.LoadInput{WorkDir: dir, ConfigPath: "c.json"})
		require.ErrorIs(t, err, config.ErrConfigInvalid, name)
	}
}

func Test_ParseByteSize_Accepts_Units_When_Suffix_Is_Known(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]config.ByteSize{
		"4096":    4096,
		"100B":    100,
		"64KiB":   64 << 10,
		"64 MiB":  64 << 20,
		"2GiB":    2 << 30,
		"512kB":   512000,
		"3MB":     3000000,
		"1GB":     1000000000,
	} {
		got, err := config.ParseByteSize(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "MiB", "-1", "1.5MiB", "99999999999999999999GiB"} {
		_, err := config.ParseByteSize(in)
		require.Error(t, err, in)
	}
}

func Test_ByteSize_String_Uses_Largest_Exact_Binary_Unit(t *testing.T) {
	t.Parallel()

	require.Equal(t, "64MiB", config.ByteSize(64<<20).String())
	require.Equal(t, "1GiB", config.ByteSize(1<<30).String())
	require.Equal(t, "1536", config.ByteSize(1536).String())
	require.Equal(t, "0", config.ByteSize(0).String())
}
