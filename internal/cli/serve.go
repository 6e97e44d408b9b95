package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/instcache/internal/fs"
	"github.com/calvinalkan/instcache/pkg/instcache"
	"github.com/calvinalkan/instcache/pkg/shm"
)

// ServeCmd returns the serve command.
func ServeCmd(app *App) *Command {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	maxTicks := flags.Int("max-ticks", 0, "Stop after `n` maintenance ticks (0 runs until signalled)")
	keep := flags.Bool("keep", false, "Keep the segment file after shutdown")

	return &Command{
		Flags: flags,
		Usage: "serve [flags]",
		Short: "Create the segment and run the master",
		Long: `Create the shared memory segment, initialize the cache and run the master
maintenance loop: every purge interval it purges expired elements, swaps
slots under memory pressure and releases slots held by dead workers.

Runs until SIGINT or SIGTERM. The segment file is removed on shutdown
unless --keep is given.`,
		Args: 0,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execServe(ctx, o, app, *maxTicks, *keep)
		},
	}
}

// snapshot is the JSON document written by serve and printed by stats.
type snapshot struct {
	Time    time.Time              `json:"time"`
	Segment string                 `json:"segment"`
	Stats   instcache.Stats        `json:"stats"`
	Slots   []instcache.SlotMemory `json:"slots"`
}

func execServe(ctx context.Context, o *IO, app *App, maxTicks int, keep bool) error {
	cfg := app.Cfg

	opts := cfg.Options()
	opts.Logger = app.Log

	size, err := instcache.SegmentSize(opts)
	if err != nil {
		return err
	}

	seg, err := shm.Create(cfg.Segment, size)
	if err != nil {
		if errors.Is(err, shm.ErrBusy) {
			return fmt.Errorf("another master serves %s: %w", cfg.Segment, err)
		}

		return err
	}

	defer func() {
		if !keep {
			if err := seg.Remove(); err != nil {
				app.Log.Warn("remove segment", zap.Error(err))
			}
		}

		_ = seg.Close()
	}()

	m, err := instcache.Init(seg.Bytes(), opts)
	if err != nil {
		return err
	}

	o.Printf("serving %s (%s per slot, %d workers)\n", cfg.Segment, cfg.MemoryLimit, cfg.Workers)

	ticker := time.NewTicker(time.Duration(cfg.PurgeInterval))
	defer ticker.Stop()

	for ticks := 0; maxTicks == 0 || ticks < maxTicks; ticks++ {
		select {
		case <-ctx.Done():
			app.Log.Info("master stopping", zap.Int("ticks", ticks))

			return writeSnapshot(cfg.StatsFile, cfg.Segment, m)
		case <-ticker.C:
		}

		tick(app.Log, m)

		if err := writeSnapshot(cfg.StatsFile, cfg.Segment, m); err != nil {
			app.Log.Warn("stats snapshot", zap.Error(err))
		}
	}

	return nil
}

// tick runs one round of master maintenance. Failures are logged and
// retried on the next tick.
func tick(log *zap.Logger, m *instcache.Master) {
	m.PurgeExpiredElements()

	if _, err := m.TrySwapMemory(); err != nil {
		log.Error("swap memory", zap.Error(err))
	}

	if _, err := m.ReapDeadWorkers(); err != nil {
		log.Error("reap dead workers", zap.Error(err))
	}
}

func writeSnapshot(path, segment string, m *instcache.Master) error {
	if path == "" {
		return nil
	}

	data, err := json.MarshalIndent(snapshot{
		Time:    time.Now().UTC(),
		Segment: segment,
		Stats:   m.Stats(),
		Slots:   m.MemoryStats(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	return fs.WriteFileAtomic(path, append(data, '\n'), 0o644)
}
