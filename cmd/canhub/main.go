// Command canhub brings up the CAN controllers described by a configuration
// file, opens one client per bus and logs every frame the clients accept.
// Frames given with -send are transmitted on the -bus client at startup.
//
//	canhub -config canhub.toml -bus 0 -send 123#DEADBEEF -send 1ABCDEFF#R
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notnil/canhub"
	"github.com/notnil/canhub/config"
)

// frameList collects repeated -send flags.
type frameList []canhub.Frame

func (l *frameList) String() string {
	parts := make([]string, len(*l))
	for i, f := range *l {
		parts[i] = f.String()
	}
	return strings.Join(parts, ", ")
}

func (l *frameList) Set(s string) error {
	f, err := canhub.ParseFrame(s)
	if err != nil {
		return err
	}
	*l = append(*l, f)
	return nil
}

func main() {
	var (
		configPath string
		logLevel   string
		bus        int
		timeout    time.Duration
		sends      frameList
	)
	flag.StringVar(&configPath, "config", "", "Configuration file path (.toml, .yaml)")
	flag.StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")
	flag.IntVar(&bus, "bus", canhub.DefaultVirtualBus, "Bus used for -send")
	flag.DurationVar(&timeout, "timeout", 0, "Exit after this long (0 runs until interrupted)")
	flag.Var(&sends, "send", "Frame to send, cansend syntax (repeatable)")
	flag.Parse()

	cfg, err := loadConfig(configPath, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canhub: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canhub: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := run(ctx, cfg, bus, sends, logger); err != nil {
		logger.Error("canhub failed", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path, level string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if len(cfg.Buses) == 0 {
		cfg.Buses = []config.BusConfig{{
			Number:  canhub.DefaultVirtualBus,
			Driver:  config.DriverVirtual,
			BitRate: canhub.BitRate10K,
			Mode:    config.ModeLoopback,
		}}
	}
	if level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Level() == zap.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.Level())
	return zc.Build()
}

func run(ctx context.Context, cfg config.Config, sendBus int, sends []canhub.Frame, logger *zap.Logger) (err error) {
	reg, err := canhub.NewRegistry(
		canhub.WithLogger(logger),
		canhub.WithMeterProvider(otel.GetMeterProvider()),
	)
	if err != nil {
		return err
	}
	pool := canhub.NewMessagePool(cfg.MessageLimit)
	wire := canhub.NewVirtualBus()
	g, gctx := errgroup.WithContext(ctx)

	var clients []*canhub.Client
	defer func() {
		for _, c := range clients {
			err = multierr.Append(err, c.Close())
		}
		err = multierr.Append(err, reg.Close())
		err = multierr.Append(err, wire.Close())
		if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) && !errors.Is(werr, context.DeadlineExceeded) {
			err = multierr.Append(err, werr)
		}
	}()

	for _, b := range cfg.Buses {
		client, err := startBus(gctx, g, reg, pool, wire, cfg, b, logger)
		if err != nil {
			return fmt.Errorf("bus %d: %w", b.Number, err)
		}
		clients = append(clients, client)
	}

	if len(sends) > 0 {
		client, err := canhub.Open(reg, sendBus)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		clients = append(clients, client)
		for _, f := range sends {
			if err := client.Send(f); err != nil {
				return fmt.Errorf("send %s: %w", f, err)
			}
			logger.Info("frame sent", zap.String("bus", client.Bus()), zap.Stringer("frame", f))
		}
	}

	<-gctx.Done()
	for _, c := range reg.Controllers() {
		st := c.Stats()
		logger.Info("controller stats",
			zap.String("bus", c.Name()),
			zap.Int64("dispatched", st.Dispatched),
			zap.Int64("delivered", st.Delivered),
			zap.Int64("dropped", st.Dropped),
			zap.Int64("filtered", st.Filtered),
		)
	}
	return nil
}

func startBus(
	ctx context.Context,
	g *errgroup.Group,
	reg *canhub.Registry,
	pool *canhub.MessagePool,
	wire *canhub.VirtualBus,
	cfg config.Config,
	b config.BusConfig,
	logger *zap.Logger,
) (*canhub.Client, error) {
	busCfg, err := b.CANConfig()
	if err != nil {
		return nil, err
	}

	var ops canhub.ControllerOps
	switch b.Driver {
	case config.DriverVirtual:
		opts := []canhub.VirtualOption{canhub.WithBitRate(b.BitRate), canhub.WithMode(busCfg.Mode)}
		if busCfg.Mode == canhub.ModeNormal {
			opts = append(opts, canhub.WithWire(wire))
		}
		if ops, err = canhub.NewVirtualDriver(opts...); err != nil {
			return nil, err
		}
	case config.DriverSocketCAN:
		drv, runDriver, err := openSocketCAN(b, logger)
		if err != nil {
			return nil, err
		}
		ops = drv
		g.Go(func() error { return runDriver(ctx) })
	default:
		return nil, fmt.Errorf("%w: driver %q", canhub.ErrNotSupported, b.Driver)
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		ops = canhub.NewLoggedOps(ops, logger.Named("driver"), zap.DebugLevel, canhub.LogAll)
	}

	cntl, err := canhub.NewController(b.Number, ops, canhub.WithMessagePool(pool))
	if err != nil {
		return nil, err
	}
	if err := reg.Register(cntl); err != nil {
		return nil, err
	}
	if err := cntl.SetConfig(busCfg); err != nil {
		return nil, err
	}

	client, err := canhub.Open(reg, b.Number, canhub.WithQueueDepth(cfg.QueueDepth))
	if err != nil {
		return nil, err
	}
	for _, fc := range b.Filters {
		if _, err := client.AddFilter(fc.Filter()); err != nil {
			return nil, multierr.Append(err, client.Close())
		}
	}
	if len(b.IDs) > 0 {
		if _, err := client.AddFrameFilter(canhub.ByIDs(b.IDs...)); err != nil {
			return nil, multierr.Append(err, client.Close())
		}
	}
	bus := client.Bus()
	if err := client.Serve(func(f canhub.Frame) {
		logger.Info("frame received", zap.String("bus", bus), zap.Stringer("frame", f))
	}); err != nil {
		return nil, multierr.Append(err, client.Close())
	}
	logger.Info("bus up",
		zap.String("bus", bus),
		zap.String("driver", b.Driver),
		zap.Uint32("bitrate", busCfg.BitRate),
		zap.Stringer("mode", busCfg.Mode),
	)
	return client, nil
}
