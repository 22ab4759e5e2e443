// Package daemon assembles the hidstream services into one runnable unit.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/hidio/hidstream/internal/configsvc"
	"github.com/hidio/hidstream/internal/hidsvc"
	"github.com/hidio/hidstream/internal/hidsvc/linux"
)

type Daemon struct {
	config Config

	log       *zap.Logger
	db        *badger.DB
	configSvc *configsvc.Service
	hidSvc    *hidsvc.Service
}

func New(config Config) (*Daemon, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if config.LogLevel != "" {
		level, err := zapcore.ParseLevel(config.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", config.LogLevel, err)
		}
		loggerConfig.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	configSvc := configsvc.New(logger.Named("config"))
	linuxBackend := linux.NewBackend(logger.Named("hid.linux"), configSvc, config.DevicesConfigPath)
	hidSvc := hidsvc.New(db, logger.Named("hid"), time.Now,
		hidsvc.WithBackend("linux", linuxBackend))

	return &Daemon{
		config:    config,
		log:       logger,
		db:        db,
		configSvc: configSvc,
		hidSvc:    hidSvc,
	}, nil
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return d.hidSvc.Start(groupCtx)
	})

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return nil
}

func (d *Daemon) Close() error {
	return d.db.Close()
}

// HID exposes the device service, e.g. for an embedding process that
// opens reader sessions in-process.
func (d *Daemon) HID() *hidsvc.Service {
	return d.hidSvc
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}
