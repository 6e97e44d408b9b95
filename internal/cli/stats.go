package cli

import (
	"context"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/instcache/pkg/instcache"
	"github.com/calvinalkan/instcache/pkg/shm"
)

// StatsCmd returns the stats command.
func StatsCmd(app *App) *Command {
	flags := flag.NewFlagSet("stats", flag.ContinueOnError)
	worker := flags.Int("worker", 0, "Worker `id` to attach as; stats never acquires a slot")

	return &Command{
		Flags: flags,
		Usage: "stats [--worker <id>]",
		Short: "Print cache counters and slot memory as JSON",
		Args:  0,
		Exec: func(_ context.Context, o *IO, _ []string) error {
			seg, w, err := attach(app, *worker)
			if err != nil {
				return err
			}

			defer func() { _ = seg.Close() }()

			checkMaster(o, app.Cfg.Segment)

			return o.JSON(snapshot{
				Time:    time.Now().UTC(),
				Segment: app.Cfg.Segment,
				Stats:   w.Stats(),
				Slots:   w.MemoryStats(),
			})
		},
	}
}

// attach maps the configured segment and attaches a worker view to it. A
// segment without a live master is still attached, with a warning, since
// its contents stay readable.
func attach(app *App, id int) (*shm.Segment, *instcache.Worker, error) {
	seg, err := shm.Open(app.Cfg.Segment)
	if err != nil {
		return nil, nil, err
	}

	w, err := instcache.Attach(seg.Bytes(), instcache.WorkerConfig{
		ID:            id,
		PendingBudget: uint64(app.Cfg.PendingBudget),
		Logger:        app.Log,
	})
	if err != nil {
		_ = seg.Close()

		return nil, nil, fmt.Errorf("attach %s: %w", app.Cfg.Segment, err)
	}

	return seg, w, nil
}

// checkMaster warns when nobody serves the segment any more.
func checkMaster(o *IO, path string) {
	alive, err := shm.MasterAlive(path)
	if err != nil || !alive {
		o.Warn(fmt.Sprintf("%s: %s", errMasterGone, path), "counters are frozen and nothing purges or swaps; restart icache serve")
	}
}
