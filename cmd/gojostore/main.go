// Command gojostore is the operator tool for a gojostore storage core. It
// opens and recovers the engine files, inspects the write-ahead log, drives
// transaction status and takes verified backups.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/alecthomas/kong"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/config"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

// cli defines the command-line interface for gojostore.
type cli struct {
	// Global flags
	Config   string `name:"config" short:"c" help:"Path to a YAML config file" type:"existingfile"`
	Base     string `name:"base" short:"b" help:"Engine base path, overrides storage.base_path"`
	LogLevel string `name:"log-level" help:"Log level (debug, info, warn, error)"`

	Open   OpenCmd   `cmd:"" help:"Open and recover the engine files, then close them"`
	Log    LogGroup  `cmd:"" help:"Write-ahead log operations"`
	Txn    TxnGroup  `cmd:"" help:"Transaction status operations"`
	Backup BackupCmd `cmd:"" help:"Copy the engine files into a verified snapshot"`
}

// CLI holds the parsed command line.
var CLI cli

// LogGroup contains write-ahead log operations.
type LogGroup struct {
	Dump LogDumpCmd `cmd:"" help:"Print every record in the log"`
}

// TxnGroup contains transaction status operations.
type TxnGroup struct {
	Status TxnStatusCmd `cmd:"" help:"Print the status of a transaction"`
	Begin  TxnBeginCmd  `cmd:"" help:"Allocate a new transaction id"`
	Commit TxnCommitCmd `cmd:"" help:"Mark a transaction committed"`
	Abort  TxnAbortCmd  `cmd:"" help:"Mark a transaction aborted"`
}

// app carries what every command needs once flags and config are resolved.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *internaltelemetry.StorageMetrics
	shutdown telemetry.ShutdownFunc
}

func newApp() (*app, error) {
	cfg := config.Default()
	if CLI.Config != "" {
		var err error
		if cfg, err = config.Load(CLI.Config); err != nil {
			return nil, err
		}
	}
	if CLI.Base != "" {
		cfg.Storage.BasePath = CLI.Base
	}
	if CLI.LogLevel != "" {
		cfg.Logger.Level = CLI.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("can't initialize logger: %w", err)
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("can't initialize telemetry: %w", err)
	}
	metrics, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, fmt.Errorf("can't register storage metrics: %w", err)
	}
	if tel.MetricsAddr != "" {
		zlogger.Info("Serving metrics", zap.String("addr", tel.MetricsAddr))
	}
	return &app{cfg: cfg, logger: zlogger, tracer: tel.Tracer, metrics: metrics, shutdown: shutdown}, nil
}

func (a *app) close() {
	if err := a.shutdown(context.Background()); err != nil {
		a.logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withEngine opens the engine inside a span named op, runs fn and closes the
// engine again.
func (a *app) withEngine(op string, fn func(ctx context.Context, e *storageengine.Engine) error) (err error) {
	ctx, span := a.tracer.Start(context.Background(), "gojostore."+op,
		trace.WithAttributes(attribute.String("base", a.cfg.Storage.BasePath)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	e, err := storageengine.Open(a.cfg.Storage, a.logger, a.metrics)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, e.Close())
	}()
	return fn(ctx, e)
}

// OpenCmd opens and recovers all components.
type OpenCmd struct{}

func (c *OpenCmd) Run(k *kong.Context, a *app) error {
	return a.withEngine("open", func(_ context.Context, e *storageengine.Engine) error {
		info := e.Log.RecoveryInfo()
		fmt.Fprintf(k.Stdout, "base:        %s\n", a.cfg.Storage.BasePath)
		fmt.Fprintf(k.Stdout, "created:     %t\n", e.Created())
		fmt.Fprintf(k.Stdout, "pages:       %d\n", e.Pages.PageNumber())
		fmt.Fprintf(k.Stdout, "log records: %d (checksum %d, %d bad-tail bytes removed)\n",
			info.Records, info.Checksum, info.TruncatedBytes)
		fmt.Fprintf(k.Stdout, "xid counter: %d\n", e.Txns.Counter())
		return nil
	})
}

// LogDumpCmd prints every record in the log.
type LogDumpCmd struct {
	Data bool `name:"data" help:"Also print record payloads as quoted strings"`
}

func (c *LogDumpCmd) Run(k *kong.Context, a *app) error {
	return a.withEngine("log.dump", func(_ context.Context, e *storageengine.Engine) error {
		e.Log.Rewind()
		var total int64
		n := 0
		for {
			data, err := e.Log.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			n++
			total += int64(len(data))
			if c.Data {
				fmt.Fprintf(k.Stdout, "%6d  %8d  %q\n", n, len(data), data)
			} else {
				fmt.Fprintf(k.Stdout, "%6d  %8d\n", n, len(data))
			}
		}
		fmt.Fprintf(k.Stdout, "%d records, %d payload bytes, file size %d\n", n, total, e.Log.Size())
		return nil
	})
}

// TxnStatusCmd prints the status of one transaction.
type TxnStatusCmd struct {
	XID uint64 `arg:"" name:"xid" help:"Transaction id"`
}

func (c *TxnStatusCmd) Run(k *kong.Context, a *app) error {
	return a.withEngine("txn.status", func(_ context.Context, e *storageengine.Engine) error {
		status, err := e.Txns.Status(c.XID)
		if err != nil {
			return err
		}
		fmt.Fprintf(k.Stdout, "%d %s\n", c.XID, status)
		return nil
	})
}

// TxnBeginCmd allocates a new xid.
type TxnBeginCmd struct{}

func (c *TxnBeginCmd) Run(k *kong.Context, a *app) error {
	return a.withEngine("txn.begin", func(_ context.Context, e *storageengine.Engine) error {
		xid, err := e.Txns.Begin()
		if err != nil {
			return err
		}
		fmt.Fprintln(k.Stdout, xid)
		return nil
	})
}

// TxnCommitCmd marks a transaction committed.
type TxnCommitCmd struct {
	XID uint64 `arg:"" name:"xid" help:"Transaction id"`
}

func (c *TxnCommitCmd) Run(a *app) error {
	return a.withEngine("txn.commit", func(_ context.Context, e *storageengine.Engine) error {
		return e.Txns.Commit(c.XID)
	})
}

// TxnAbortCmd marks a transaction aborted.
type TxnAbortCmd struct {
	XID uint64 `arg:"" name:"xid" help:"Transaction id"`
}

func (c *TxnAbortCmd) Run(a *app) error {
	return a.withEngine("txn.abort", func(_ context.Context, e *storageengine.Engine) error {
		return e.Txns.Abort(c.XID)
	})
}

// BackupCmd recovers the engine, closes it and copies its files.
type BackupCmd struct {
	Dest     string `name:"dest" help:"Directory to create the snapshot in (default backup.dir)" type:"path"`
	Rate     int64  `name:"rate" help:"Copy rate limit in bytes per second, 0 for unlimited (default backup.rate_bytes_per_sec)" default:"-1"`
	Compress bool   `name:"compress" help:"Store xz-compressed copies"`
	Nice     bool   `name:"nice" help:"Lower process priority while copying"`
}

func (c *BackupCmd) Run(k *kong.Context, a *app) error {
	// Opening first cuts any bad log tail so the snapshot starts clean.
	if err := a.withEngine("backup.recover", func(context.Context, *storageengine.Engine) error { return nil }); err != nil {
		return err
	}

	dest := c.Dest
	if dest == "" {
		dest = a.cfg.Backup.Dir
	}
	opts := common.CopyOptions{
		RateBytesPerSec: c.Rate,
		Compress:        c.Compress || a.cfg.Backup.Compress,
		LowPriority:     c.Nice,
	}
	if opts.RateBytesPerSec < 0 {
		opts.RateBytesPerSec = int64(a.cfg.Backup.RateBytesPerSec)
	}

	ctx, span := a.tracer.Start(context.Background(), "gojostore.backup")
	defer span.End()

	snap, err := common.Backup(ctx, dest, storageengine.Paths(a.cfg.Storage.BasePath), opts)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := common.VerifySnapshot(snap.Dir); err != nil {
		span.RecordError(err)
		return err
	}
	a.logger.Info("Backup complete", zap.String("snapshot", snap.ID.String()), zap.String("dir", snap.Dir))
	fmt.Fprintf(k.Stdout, "snapshot %s\n", snap.Dir)
	for _, f := range snap.Files {
		fmt.Fprintf(k.Stdout, "  %s  %10d  %s\n", f.Digest, f.Size, f.Name)
	}
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("gojostore"),
		kong.Description("gojostore - page cache, write-ahead log and transaction status storage core"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	a, err := newApp()
	ctx.FatalIfErrorf(err)

	err = ctx.Run(a)
	if storageengine.IsFatal(err) {
		a.close()
		a.logger.Fatal("CRITICAL: engine files are corrupt", zap.Error(err))
	}
	a.close()
	ctx.FatalIfErrorf(err)
}
