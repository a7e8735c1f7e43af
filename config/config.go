package config

import (
	"errors"
	"flag"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// EnvPrefix is the prefix of environment overrides (FASTIO_WORKERS=4).
const EnvPrefix = "FASTIO"

// ErrNotLoaded is returned by Reload on a Config that Load did not build.
var ErrNotLoaded = errors.New("config: not loaded from file or environment")

// Config holds all application configuration.
type Config struct {
	Workers     int           `config:"workers"`
	Connections int           `config:"connections"`
	ReuseAfter  time.Duration `config:"reuse_after"`

	Listen  ListenConfig  `config:"listen"`
	Accept  AcceptConfig  `config:"accept"`
	Output  OutputConfig  `config:"output"`
	Offload OffloadConfig `config:"offload"`
	Log     LogConfig     `config:"log"`
	Static  StaticConfig  `config:"static"`
	GC      GCConfig      `config:"gc"`

	MetricsInterval time.Duration `config:"metrics_interval"`
	// MetricsFile, when set, receives a protobuf snapshot of every worker's
	// stats each MetricsInterval.
	MetricsFile string `config:"metrics_file"`

	// File is the configuration file Load read, if any.
	File string `config:"-"`

	manager *Manager
	pinned  map[string]bool
}

// ListenConfig describes the listening sockets. Addresses are host:port
// for TCP or unix:/path for unix domain sockets.
type ListenConfig struct {
	Addrs     []string `config:"addrs"`
	Backlog   int      `config:"backlog"`
	RcvBuf    int      `config:"rcvbuf"`
	SndBuf    int      `config:"sndbuf"`
	ReusePort bool     `config:"reuse_port"`
	KeepAlive bool     `config:"keepalive"`
	NoDelay   bool     `config:"nodelay"`
	Sendfile  bool     `config:"sendfile"`
}

type AcceptConfig struct {
	Mutex       bool          `config:"mutex"`
	MutexFile   string        `config:"mutex_file"`
	Delay       time.Duration `config:"delay"`
	MultiAccept bool          `config:"multi_accept"`
	HighWater   float64       `config:"high_water"`
	DisableFor  time.Duration `config:"disable_for"`
}

type OutputConfig struct {
	BufsNum          int           `config:"bufs_num"`
	BufsSize         int           `config:"bufs_size"`
	Directio         bool          `config:"directio"`
	Alignment        int           `config:"alignment"`
	PostponeOutput   int           `config:"postpone_output"`
	LimitRate        int64         `config:"limit_rate"`
	LimitRateAfter   int64         `config:"limit_rate_after"`
	SendfileMaxChunk int64         `config:"sendfile_max_chunk"`
	SendTimeout      time.Duration `config:"send_timeout"`
}

type OffloadConfig struct {
	Workers int           `config:"workers"`
	Queue   int           `config:"queue"`
	Timeout time.Duration `config:"timeout"`
}

type LogConfig struct {
	Level       string `config:"level"`
	File        string `config:"file"`
	Development bool   `config:"development"`
	MaxSizeMB   int    `config:"max_size_mb"`
	MaxBackups  int    `config:"max_backups"`
	MaxAgeDays  int    `config:"max_age_days"`
}

// GCConfig tunes the Go garbage collector at startup. Zero values keep
// the runtime's settings.
type GCConfig struct {
	Percent     int   `config:"percent"`
	MemoryLimit int64 `config:"memory_limit"`
}

// StaticConfig configures the demo producer that serves one file.
type StaticConfig struct {
	File      string        `config:"file"`
	CacheSize int           `config:"cache_size"`
	Keepalive time.Duration `config:"keepalive"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Workers:     runtime.NumCPU(),
		Connections: 1024,
		ReuseAfter:  2 * time.Second,
		Listen: ListenConfig{
			Addrs:    []string{":8080"},
			Backlog:  511,
			NoDelay:  true,
			Sendfile: true,
		},
		Accept: AcceptConfig{
			Mutex:     true,
			Delay:     500 * time.Millisecond,
			HighWater: 7.0 / 8,
		},
		Output: OutputConfig{
			BufsNum:          2,
			BufsSize:         32 << 10,
			Alignment:        512,
			PostponeOutput:   1460,
			SendfileMaxChunk: 2 << 20,
			SendTimeout:      60 * time.Second,
		},
		Offload: OffloadConfig{
			Queue:   256,
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Static: StaticConfig{
			CacheSize: 64,
			Keepalive: 75 * time.Second,
		},
		MetricsInterval: 10 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional file named by
// -config, FASTIO_* environment variables and finally command-line flags.
func Load(name string, args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	file := fs.String("config", "", "YAML or JSON configuration file")
	workers := fs.Int("workers", cfg.Workers, "number of worker loops")
	listen := fs.String("listen", strings.Join(cfg.Listen.Addrs, ","), "comma-separated listen addresses")
	level := fs.String("log-level", cfg.Log.Level, "log level (debug/info/warn/error)")
	static := fs.String("file", cfg.Static.File, "file served by the static producer")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	if *file != "" {
		if err := m.LoadFile(*file); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	// flags win over the file and the environment, on reloads too
	pinned := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			cfg.Workers = *workers
			m.Set("workers", *workers)
			pinned["workers"] = true
		case "listen":
			cfg.Listen.Addrs = toStrings(*listen)
			m.Set("listen.addrs", *listen)
			pinned["listen.addrs"] = true
		case "log-level":
			cfg.Log.Level = *level
			m.Set("log.level", *level)
			pinned["log.level"] = true
		case "file":
			cfg.Static.File = *static
			m.Set("static.file", *static)
			pinned["static.file"] = true
		}
	})
	cfg.File = *file
	cfg.manager = m
	cfg.pinned = pinned

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Manager returns the key/value view Load built, or nil for a Config that
// did not come from Load. Watchers registered on it see Reload changes.
func (c *Config) Manager() *Manager { return c.manager }

// Reload reads the configuration file and the environment again. Keys whose
// value changed are Set on the Manager, which runs their watchers. Keys
// given as flags keep their flag value. The Config struct itself is not
// modified; only watched settings can change at run time.
func (c *Config) Reload() error {
	if c.manager == nil {
		return ErrNotLoaded
	}

	fresh := NewManager()
	if c.File != "" {
		if err := fresh.LoadFile(c.File); err != nil {
			return err
		}
	}
	fresh.LoadFromEnv(EnvPrefix)

	for key, value := range fresh.GetAll() {
		if c.pinned[key] {
			continue
		}
		if old, ok := c.manager.Get(key); ok && reflect.DeepEqual(old, value) {
			continue
		}
		c.manager.Set(key, value)
	}
	return nil
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Connections <= 0 {
		errs = append(errs, fmt.Errorf("connections must be positive, got %d", c.Connections))
	}
	if len(c.Listen.Addrs) == 0 {
		errs = append(errs, errors.New("no listen address"))
	}
	if c.Accept.HighWater <= 0 || c.Accept.HighWater > 1 {
		errs = append(errs, fmt.Errorf("accept.high_water must be in (0, 1], got %g", c.Accept.HighWater))
	}
	if c.Output.BufsNum <= 0 || c.Output.BufsSize <= 0 {
		errs = append(errs, errors.New("output buffers must have positive number and size"))
	}
	if a := c.Output.Alignment; a <= 0 || a&(a-1) != 0 {
		errs = append(errs, fmt.Errorf("output.alignment must be a power of two, got %d", a))
	}
	if c.Output.LimitRate < 0 || c.Output.LimitRateAfter < 0 {
		errs = append(errs, errors.New("limit_rate must not be negative"))
	}
	if c.Offload.Workers < 0 {
		errs = append(errs, fmt.Errorf("offload.workers must not be negative, got %d", c.Offload.Workers))
	}
	return multierr.Combine(errs...)
}

// Network splits a configured address into network and address.
func Network(addr string) (string, string) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", path
	}
	return "tcp", addr
}
