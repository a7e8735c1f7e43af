package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("test", nil)
	require.NoError(t, err)
	require.NotNil(t, cfg.Manager())
	cfg.manager, cfg.pinned = nil, nil
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeFile(t, "fastio.yaml", `
workers: 3
connections: 4096
reuse_after: 5s
listen:
  addrs: ["127.0.0.1:9000", "unix:/tmp/fio.sock"]
  reuse_port: true
accept:
  delay: 250ms
  high_water: 0.75
  multi_accept: true
output:
  bufs_size: 64k
  limit_rate: 100000
offload:
  workers: 4
log:
  level: debug
`)

	cfg, err := Load("test", []string{"-config", path})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 4096, cfg.Connections)
	assert.Equal(t, 5*time.Second, cfg.ReuseAfter)
	assert.Equal(t, []string{"127.0.0.1:9000", "unix:/tmp/fio.sock"}, cfg.Listen.Addrs)
	assert.True(t, cfg.Listen.ReusePort)
	assert.Equal(t, 250*time.Millisecond, cfg.Accept.Delay)
	assert.Equal(t, 0.75, cfg.Accept.HighWater)
	assert.True(t, cfg.Accept.MultiAccept)
	assert.Equal(t, 64<<10, cfg.Output.BufsSize)
	assert.Equal(t, int64(100000), cfg.Output.LimitRate)
	assert.Equal(t, 4, cfg.Offload.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched keys keep their defaults
	assert.Equal(t, 1460, cfg.Output.PostponeOutput)
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeFile(t, "fastio.json", `{"workers": 2, "accept": {"mutex": false, "disable_for": 1.5}}`)

	cfg, err := Load("test", []string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.False(t, cfg.Accept.Mutex)
	assert.Equal(t, 1500*time.Millisecond, cfg.Accept.DisableFor)
}

func TestLoad_EnvOverridesFileAndFlagsOverrideEnv(t *testing.T) {
	path := writeFile(t, "fastio.yml", "workers: 2\nconnections: 100\n")
	t.Setenv("FASTIO_WORKERS", "6")
	t.Setenv("FASTIO_CONNECTIONS", "200")
	t.Setenv("FASTIO_ACCEPT__HIGH_WATER", "0.5")
	t.Setenv("FASTIO_LISTEN__ADDRS", "127.0.0.1:1, 127.0.0.1:2")

	cfg, err := Load("test", []string{"-config", path, "-workers", "8"})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 200, cfg.Connections)
	assert.Equal(t, 0.5, cfg.Accept.HighWater)
	assert.Equal(t, []string{"127.0.0.1:1", "127.0.0.1:2"}, cfg.Listen.Addrs)
}

func TestLoad_UnsupportedFile(t *testing.T) {
	path := writeFile(t, "fastio.toml", "workers = 1\n")
	_, err := Load("test", []string{"-config", path})
	assert.Error(t, err)
}

func TestLoad_BadValue(t *testing.T) {
	t.Setenv("FASTIO_CONNECTIONS", "lots")
	_, err := Load("test", nil)
	assert.ErrorContains(t, err, "connections")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Workers = 0
	cfg.Accept.HighWater = 1.5
	cfg.Output.Alignment = 100
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "workers")
	assert.ErrorContains(t, err, "high_water")
	assert.ErrorContains(t, err, "alignment")
}

func TestNetwork(t *testing.T) {
	n, a := Network("unix:/run/fio.sock")
	assert.Equal(t, "unix", n)
	assert.Equal(t, "/run/fio.sock", a)

	n, a = Network("0.0.0.0:80")
	assert.Equal(t, "tcp", n)
	assert.Equal(t, "0.0.0.0:80", a)
}

func TestManager_Getters(t *testing.T) {
	m := NewManager()
	m.Set("a.int", "42")
	m.Set("a.size", "2m")
	m.Set("a.bool", "yes")
	m.Set("a.dur", "1m30s")

	assert.Equal(t, 42, m.GetInt("a.int"))
	assert.Equal(t, 2<<20, m.GetInt("a.size"))
	assert.True(t, m.GetBool("a.bool"))
	assert.Equal(t, 90*time.Second, m.GetDuration("a.dur"))
	assert.Equal(t, "42", m.GetString("a.int"))
	assert.Equal(t, 7, m.GetInt("missing", 7))
	assert.Len(t, m.GetAll(), 4)
}

func TestManager_Watch(t *testing.T) {
	m := NewManager()
	got := make(chan interface{}, 1)
	m.Watch("log.level", func(_ string, v interface{}) { got <- v })

	m.Set("log.level", "warn")
	select {
	case v := <-got:
		assert.Equal(t, "warn", v)
	case <-time.After(time.Second):
		t.Fatal("watcher not called")
	}
}

func TestManager_UnmarshalRejectsNonPointer(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.Unmarshal("", Config{}))
	var n int
	assert.Error(t, m.Unmarshal("", &n))
}

func TestLoad_GCSection(t *testing.T) {
	t.Setenv("FASTIO_GC__PERCENT", "300")
	t.Setenv("FASTIO_GC__MEMORY_LIMIT", "512m")

	cfg, err := Load("test", nil)
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.GC.Percent)
	assert.Equal(t, int64(512<<20), cfg.GC.MemoryLimit)
}

func TestReload_SetsChangedKeysAndKeepsFlags(t *testing.T) {
	path := writeFile(t, "fastio.yaml", "workers: 2\nlog:\n  level: info\ngc:\n  percent: 100\n")
	cfg, err := Load("test", []string{"-config", path, "-workers", "4"})
	require.NoError(t, err)
	m := cfg.Manager()
	assert.Equal(t, 4, m.GetInt("workers"), "flags are visible through the manager")

	changed := make(chan string, 8)
	for _, key := range []string{"workers", "log.level", "gc.percent", "metrics_interval"} {
		m.Watch(key, func(k string, _ interface{}) { changed <- k })
	}

	require.NoError(t, os.WriteFile(path, []byte("workers: 8\nlog:\n  level: debug\ngc:\n  percent: 100\nmetrics_interval: 250ms\n"), 0o600))
	require.NoError(t, cfg.Reload())

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case k := <-changed:
			got[k] = true
		case <-time.After(time.Second):
			t.Fatalf("watchers ran for %v only", got)
		}
	}
	assert.True(t, got["log.level"])
	assert.True(t, got["metrics_interval"])

	select {
	case k := <-changed:
		t.Fatalf("unexpected change of %s", k)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, "debug", m.GetString("log.level"))
	assert.Equal(t, 250*time.Millisecond, m.GetDuration("metrics_interval"))
	assert.Equal(t, 4, m.GetInt("workers"))
	assert.Equal(t, "info", cfg.Log.Level, "the struct keeps its startup values")
}

func TestReload_RequiresLoad(t *testing.T) {
	assert.ErrorIs(t, Default().Reload(), ErrNotLoaded)
}
