package cli

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/instcache/pkg/instcache"
	"github.com/calvinalkan/instcache/pkg/shm"
	"github.com/calvinalkan/instcache/pkg/value"
)

// benchPIDBase keeps the synthetic pids of in-process bench workers clear
// of real process ids.
const benchPIDBase = 1 << 30

// BenchCmd returns the bench command.
func BenchCmd(app *App) *Command {
	flags := flag.NewFlagSet("bench", flag.ContinueOnError)
	clients := flags.Int("clients", 4, "Concurrent workers")
	requests := flags.Int("requests", 2000, "Requests per worker")
	keys := flags.Int("keys", 1000, "Distinct keys")
	valueSize := flags.Int("value-size", 64, "Bytes per stored string")
	ttl := flags.Int64("ttl", 60, "TTL of stored values in seconds")

	return &Command{
		Flags: flags,
		Usage: "bench [flags]",
		Short: "Benchmark cache-aside requests on a private segment",
		Long: `Create a private anonymous segment with the configured shape and run
concurrent workers doing cache-aside requests against it: fetch a key and
store it on a miss. A master goroutine purges and swaps meanwhile.`,
		Args: 0,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execBench(ctx, o, app, benchParams{
				clients:   *clients,
				requests:  *requests,
				keys:      *keys,
				valueSize: *valueSize,
				ttl:       *ttl,
			})
		},
	}
}

type benchParams struct {
	clients, requests, keys, valueSize int
	ttl                                int64
}

func execBench(ctx context.Context, o *IO, app *App, p benchParams) error {
	if p.clients < 1 || p.requests < 1 || p.keys < 1 || p.valueSize < 0 {
		return fmt.Errorf("%w: clients, requests and keys must be positive", errUsage)
	}

	opts := app.Cfg.Options()
	opts.Workers = max(opts.Workers, p.clients)
	opts.Logger = app.Log

	size, err := instcache.SegmentSize(opts)
	if err != nil {
		return err
	}

	seg, err := shm.NewAnonymous(size)
	if err != nil {
		return err
	}

	defer func() { _ = seg.Close() }()

	m, err := instcache.Init(seg.Bytes(), opts)
	if err != nil {
		return err
	}

	workers := make([]*instcache.Worker, p.clients)

	for i := range workers {
		workers[i], err = instcache.Attach(seg.Bytes(), instcache.WorkerConfig{
			ID:            i,
			PID:           uint32(benchPIDBase + i),
			PendingBudget: uint64(app.Cfg.PendingBudget),
			Logger:        app.Log,
		})
		if err != nil {
			return err
		}
	}

	payload := value.String(strings.Repeat("x", p.valueSize))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	masterDone := make(chan struct{})

	go func() {
		defer close(masterDone)

		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// No reaping: the synthetic pids would all look dead.
				m.PurgeExpiredElements()

				if _, err := m.TrySwapMemory(); err != nil {
					app.Log.Error("swap memory", zap.Error(err))
				}
			}
		}
	}()

	start := time.Now()

	var wg sync.WaitGroup

	for i, w := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rng := rand.New(rand.NewPCG(uint64(i), uint64(start.UnixNano())))

			for range p.requests {
				if ctx.Err() != nil {
					return
				}

				w.Refresh()

				key := fmt.Appendf(nil, "bench-%d", rng.IntN(p.keys))
				if _, ok := w.Fetch(key, false); !ok {
					w.Store(key, value.List(value.Int(i), payload), p.ttl)
				}

				w.Free()
			}
		}()
	}

	wg.Wait()

	elapsed := time.Since(start)

	cancel()
	<-masterDone

	st := m.Stats()
	total := st.Hits + st.Misses

	app.Log.Debug("bench finished", zap.Duration("elapsed", elapsed), zap.Uint64("requests", total))

	o.Printf("clients=%d requests=%d elapsed=%s ops/s=%.0f\n",
		p.clients, total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	o.Printf("hits=%d misses=%d early_misses=%d hit_ratio=%.3f\n",
		st.Hits, st.Misses, st.EarlyMisses, ratio(st.Hits, total))
	o.Printf("stores: success=%d skipped=%d delayed=%d memory_limit=%d failed=%d\n",
		st.StoreSuccess, st.StoreSkipped, st.StoreDelayed, st.StoreMemoryLimitExceeded, st.StoreFailed)
	o.Printf("swaps=%d forbidden=%d purged=%d destroyed=%d\n",
		st.Swaps, st.SwapsForbidden, st.Purged, st.Destroyed)

	return nil
}

func ratio(a, b uint64) float64 {
	if b == 0 {
		return 0
	}

	return float64(a) / float64(b)
}
