package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/fast-io/config"
	"github.com/searchktools/fast-io/core"
	"github.com/searchktools/fast-io/core/accept"
	"github.com/searchktools/fast-io/core/conn"
	"github.com/searchktools/fast-io/core/logging"
	"github.com/searchktools/fast-io/core/observability"
	"github.com/searchktools/fast-io/core/output"
	"github.com/searchktools/fast-io/core/pools"
	"github.com/searchktools/fast-io/core/sendfile"
	"github.com/searchktools/fast-io/core/static"
	"github.com/searchktools/fast-io/core/writer"
)

// App is a fleet of worker loops sharing one set of listeners.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	level   *zap.AtomicLevel
	monitor *observability.Monitor

	// interval carries report interval changes to the report loop.
	interval chan time.Duration

	mutex     *accept.Mutex
	offload   *pools.WorkerPool
	cache     *sendfile.FileCache
	static    *static.Server
	listeners []*conn.Listener
	engines   []*core.Engine
}

// New builds the fleet: logger, accept mutex, listeners and one engine per
// worker. Setup errors are returned before anything runs.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, level, err := logging.NewWithLevel(logging.Options{
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
		Development: cfg.Log.Development,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return newApp(cfg, log, &level)
}

// NewWithLogger is New with a caller-supplied logger. Its level is not
// changed by configuration reloads.
func NewWithLogger(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newApp(cfg, log, nil)
}

func newApp(cfg *config.Config, log *zap.Logger, level *zap.AtomicLevel) (*App, error) {
	a := &App{
		cfg:      cfg,
		log:      log,
		level:    level,
		monitor:  observability.NewMonitor(),
		cache:    sendfile.NewFileCache(cfg.Static.CacheSize),
		interval: make(chan time.Duration, 1),
	}
	if err := a.setup(); err != nil {
		a.Close()
		return nil, err
	}
	a.watch()
	return a, nil
}

// watch applies reloaded settings that can change while running.
func (a *App) watch() {
	m := a.cfg.Manager()
	if m == nil {
		return
	}

	if a.level != nil {
		m.Watch("log.level", func(key string, _ interface{}) {
			name := m.GetString(key, a.cfg.Log.Level)
			if err := logging.SetLevel(*a.level, name); err != nil {
				a.log.Warn("invalid log level on reload", zap.String("level", name), zap.Error(err))
				return
			}
			a.log.Info("log level changed", zap.String("level", name))
		})
	}

	gc := func(string, interface{}) {
		cfg := pools.GCConfig{
			Percent:     m.GetInt("gc.percent", a.cfg.GC.Percent),
			MemoryLimit: int64(m.GetInt("gc.memory_limit", int(a.cfg.GC.MemoryLimit))),
		}
		pools.ApplyGCConfig(cfg)
		a.log.Info("gc retuned", zap.Int("percent", cfg.Percent), zap.Int64("memory_limit", cfg.MemoryLimit))
	}
	m.Watch("gc.percent", gc)
	m.Watch("gc.memory_limit", gc)

	m.Watch("metrics_interval", func(key string, _ interface{}) {
		iv := m.GetDuration(key, a.cfg.MetricsInterval)
		if iv <= 0 {
			a.log.Warn("metrics interval must be positive", zap.Duration("interval", iv))
			return
		}
		// the latest value replaces one the report loop has not taken yet
		select {
		case <-a.interval:
		default:
		}
		select {
		case a.interval <- iv:
		default:
		}
	})
}

func (a *App) setup() error {
	cfg := a.cfg

	if cfg.GC.Percent != 0 || cfg.GC.MemoryLimit > 0 {
		pools.ApplyGCConfig(pools.GCConfig{Percent: cfg.GC.Percent, MemoryLimit: cfg.GC.MemoryLimit})
		a.log.Info("gc tuned", zap.Int("percent", cfg.GC.Percent), zap.Int64("memory_limit", cfg.GC.MemoryLimit))
	}

	if cfg.Offload.Workers > 0 {
		a.offload = pools.NewWorkerPool(cfg.Offload.Workers, cfg.Offload.Queue)
		a.cache.Offload = true
	}

	a.static = static.New(static.Options{
		File:  cfg.Static.File,
		Cache: a.cache,
		Output: output.Config{
			Sendfile:  cfg.Listen.Sendfile,
			Alignment: int64(cfg.Output.Alignment),
			Bufs:      output.Bufs{Num: cfg.Output.BufsNum, Size: cfg.Output.BufsSize},
		},
		Writer: writer.Config{
			PostponeOutput:   int64(cfg.Output.PostponeOutput),
			LimitRate:        cfg.Output.LimitRate,
			LimitRateAfter:   cfg.Output.LimitRateAfter,
			SendfileMaxChunk: cfg.Output.SendfileMaxChunk,
		},
		SendTimeout: cfg.Output.SendTimeout,
		Keepalive:   cfg.Static.Keepalive,
		Log:         a.log,
		Monitor:     a.monitor,
	})

	shared, err := a.openListeners()
	if err != nil {
		return err
	}

	if cfg.Accept.Mutex && cfg.Workers > 1 && shared {
		if cfg.Accept.MutexFile != "" {
			if a.mutex, err = accept.CreateSharedMutex(cfg.Accept.MutexFile); err != nil {
				return err
			}
		} else {
			a.mutex = accept.NewMutex()
		}
		a.mutex.Monitor = a.monitor
	}

	for w := 0; w < cfg.Workers; w++ {
		e, err := core.NewEngine(core.Options{
			Worker:         w,
			Connections:    cfg.Connections,
			ReuseAfter:     cfg.ReuseAfter,
			Offload:        a.offload,
			OffloadTimeout: cfg.Offload.Timeout,
			Monitor:        a.monitor,
			Log:            a.log,
			Accept: accept.Options{
				Mutex:       a.mutex,
				Owner:       accept.Owner(os.Getpid(), w),
				Delay:       cfg.Accept.Delay,
				MultiAccept: cfg.Accept.MultiAccept,
				HighWater:   cfg.Accept.HighWater,
				DisableFor:  cfg.Accept.DisableFor,
			},
		})
		if err != nil {
			return err
		}
		a.engines = append(a.engines, e)

		if err := e.Listen(a.workerListeners(w, e)...); err != nil {
			return err
		}
	}
	return nil
}

// openListeners opens every configured address. ReusePort TCP addresses
// get one socket per worker. It reports whether any listener is shared by
// the whole fleet.
func (a *App) openListeners() (bool, error) {
	lc := a.cfg.Listen
	shared := false

	for _, addr := range lc.Addrs {
		network, address := config.Network(addr)
		ln := accept.ListenSpec{
			Network:   network,
			Addr:      address,
			Backlog:   lc.Backlog,
			RcvBuf:    lc.RcvBuf,
			SndBuf:    lc.SndBuf,
			KeepAlive: lc.KeepAlive,
			NoDelay:   lc.NoDelay,
			Sendfile:  lc.Sendfile,
		}

		if lc.ReusePort && network == "tcp" {
			ln.ReusePort = true
			for w := 0; w < a.cfg.Workers; w++ {
				ln.Worker = w
				ls, err := accept.Open(ln)
				if err != nil {
					return false, err
				}
				a.listeners = append(a.listeners, ls)
				// later sockets bind the port the first one got
				ln.Addr = ls.Addr
			}
			continue
		}

		ls, err := accept.Open(ln)
		if err != nil {
			return false, err
		}
		a.listeners = append(a.listeners, ls)
		shared = true
	}

	for _, ls := range a.listeners {
		a.log.Info("listening",
			zap.String("network", ls.Network), zap.String("addr", ls.Addr),
			zap.Bool("reuseport", ls.ReusePort), zap.Int("worker", ls.Worker))
	}
	return shared, nil
}

// workerListeners returns worker w's records: a clone of every shared
// listener and the ReusePort sockets opened for w.
func (a *App) workerListeners(w int, e *core.Engine) []*conn.Listener {
	handler := a.static.Handler(e.Table())
	var lss []*conn.Listener
	for _, ls := range a.listeners {
		if ls.ReusePort && ls.Worker != w {
			continue
		}
		cp := accept.Clone(ls, w)
		cp.Handler = handler
		lss = append(lss, cp)
	}
	return lss
}

// Engines returns the worker loops.
func (a *App) Engines() []*core.Engine { return a.engines }

// Addrs returns the bound addresses, one per listening socket.
func (a *App) Addrs() []string {
	addrs := make([]string, 0, len(a.listeners))
	for _, ls := range a.listeners {
		addrs = append(addrs, ls.Addr)
	}
	return addrs
}

// Static returns the content producer served on every listener.
func (a *App) Static() *static.Server { return a.static }

// Monitor returns the shared transfer monitor.
func (a *App) Monitor() *observability.Monitor { return a.monitor }

// Run starts every worker and blocks until ctx is done, SIGINT or SIGTERM
// arrives, or a worker fails.
func (a *App) Run(ctx context.Context) error {
	if len(a.engines) == 0 {
		return core.ErrNoEngine
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range a.engines {
		e := e
		g.Go(func() error { return e.Run(gctx) })
	}

	if a.cfg.Manager() != nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
				}
				if err := a.cfg.Reload(); err != nil {
					a.log.Error("config reload failed", zap.Error(err))
					continue
				}
				a.log.Info("config reloaded", zap.String("file", a.cfg.File))
			}
		})
	}

	if iv := a.cfg.MetricsInterval; iv > 0 {
		a.monitor.Enable()
		g.Go(func() error {
			a.monitor.Run(gctx, iv)
			return nil
		})
		g.Go(func() error {
			a.report(gctx, iv)
			return nil
		})
	}

	a.log.Info("server started",
		zap.Int("workers", len(a.engines)), zap.Strings("addrs", a.Addrs()),
		zap.Bool("accept_mutex", a.mutex != nil))

	err := g.Wait()
	a.log.Info("server stopped", zap.Error(err))
	return err
}

func (a *App) report(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case iv := <-a.interval:
			ticker.Reset(iv)
			a.log.Info("metrics interval changed", zap.Duration("interval", iv))
			continue
		case <-ticker.C:
		}
		if path := a.cfg.MetricsFile; path != "" {
			if err := a.writeSnapshot(path); err != nil {
				a.log.Warn("metrics snapshot failed", zap.String("file", path), zap.Error(err))
			}
		}
		for _, e := range a.engines {
			s := e.Stats()
			a.log.Info("worker stats",
				zap.Int("worker", s.Worker),
				zap.Int("active", s.Connections.Active),
				zap.Int("reusable", s.Connections.Reusable),
				zap.Uint64("accepted", s.Accept.Accepted),
				zap.String("accept_state", s.Accept.State))
		}
		gc := pools.GetGCStats()
		a.log.Info("runtime stats",
			zap.Uint32("num_gc", gc.NumGC),
			zap.Duration("last_pause", gc.LastPause),
			zap.Uint64("heap_alloc", gc.HeapAlloc),
			zap.Int("goroutines", gc.NumGoroutine))
		for _, b := range a.monitor.GetBottlenecks() {
			a.log.Warn("transfer bottleneck", zap.Any("bottleneck", b))
		}
	}
}

// writeSnapshot replaces path with a protobuf ListValue holding one Struct
// per worker.
func (a *App) writeSnapshot(path string) error {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(a.engines))}
	for _, e := range a.engines {
		s, err := e.StatsProto()
		if err != nil {
			return fmt.Errorf("worker stats: %w", err)
		}
		list.Values = append(list.Values, structpb.NewStructValue(s))
	}

	data, err := proto.Marshal(list)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Close releases engines that never ran, listeners, the mutex mapping, the
// offload pool and the file cache. Call it after Run returns.
func (a *App) Close() error {
	for _, e := range a.engines {
		e.Discard()
	}

	var err error
	err = multierr.Append(err, accept.Close(a.listeners...))
	a.listeners = nil
	if a.mutex != nil {
		err = multierr.Append(err, a.mutex.Close())
		a.mutex = nil
	}
	if a.offload != nil {
		a.offload.Close()
		a.offload = nil
	}
	a.cache.Close()
	_ = a.log.Sync()
	return err
}
