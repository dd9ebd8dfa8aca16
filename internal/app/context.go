package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"phaseline/internal/batch"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/logging"
	"phaseline/internal/metrics"
	"phaseline/internal/migrate"
	"phaseline/internal/notify"
	"phaseline/internal/provider"
)

// Options select the workspace and override parts of its config.
type Options struct {
	Workspace  string
	ConfigPath string
	// LogLevel and LogFormat override the config's log section when set.
	LogLevel  string
	LogFormat string
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Runtime is a fully wired workspace: store, engines and their sinks.
type Runtime struct {
	Config  *config.Config
	DB      *sql.DB
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Engine  engine.Engine
	Batch   *batch.Engine

	dispatcher *notify.Dispatcher
	nc         *nats.Conn
}

// LoadConfig reads the explicit config path if given, otherwise the
// workspace's phaseline.yml, falling back to the defaults.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.Load(opts.Workspace)
}

// Open loads config, migrates the workspace database and wires the engines.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level, format := cfg.Log.Level, cfg.Log.Format
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger, err := logging.New(level, format, out)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt := &Runtime{Config: cfg, DB: conn, Logger: logger, Metrics: metrics.Default()}

	sinks := notify.Multi{notify.LogSink{Logger: logger}}
	if cfg.Notify.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.Notify.NATSURL)
		if err != nil {
			logger.Warn("nats unavailable; notifications go to the log only", zap.String("url", cfg.Notify.NATSURL), zap.Error(err))
		} else {
			rt.nc = nc
			sinks = append(sinks, notify.NATSSink{Conn: nc, Prefix: cfg.Notify.SubjectPrefix})
		}
	}
	rt.dispatcher = notify.NewDispatcher(sinks, cfg.Notify.Buffer, logger, rt.Metrics)

	eng := engine.New(conn, cfg)
	eng.Logger = logger
	eng.Metrics = rt.Metrics
	eng.Notifier = rt.dispatcher
	rt.Engine = eng

	p, err := provider.FromConfig(cfg)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("provider: %w", err)
	}
	rt.Batch = batch.New(eng, p, cfg.Batch)
	return rt, nil
}

// Close drains pending notifications and releases connections.
func (rt *Runtime) Close() error {
	if rt.dispatcher != nil {
		rt.dispatcher.Close()
	}
	if rt.nc != nil {
		if err := rt.nc.Drain(); err != nil {
			rt.Logger.Warn("nats drain", zap.Error(err))
		}
	}
	_ = logging.Sync(rt.Logger)
	return rt.DB.Close()
}
