package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/instcache/pkg/instcache"
	"github.com/calvinalkan/instcache/pkg/value"
)

// ReplCmd returns the repl command.
func ReplCmd(app *App) *Command {
	flags := flag.NewFlagSet("repl", flag.ContinueOnError)
	worker := flags.Int("worker", 0, "Worker `id` to attach as; must not be used by another live worker")

	return &Command{
		Flags: flags,
		Usage: "repl [--worker <id>]",
		Short: "Interactive store/fetch shell on a served segment",
		Long: `Attach to a served segment as a worker and read commands from stdin.
Every command runs as one request: the worker acquires the current slot,
runs the command and frees the slot again.

Commands:
  store <key> <ttl> <json>   Store a JSON or JSONC value (ttl <= 0 never expires)
  fetch <key> [stale]        Fetch a value; "stale" also returns expired ones
  del <key>                  Delete a key
  ttl <key> <ttl>            Reset the lifetime of a key
  bulk <count> [prefix]      Store count integers under prefix-<i>
  stats                      Print the cache counters
  mem                        Print slot memory usage
  help                       Show this help
  exit / quit / q            Exit`,
		Args: 0,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execRepl(ctx, o, app, *worker)
		},
	}
}

// lineSource is satisfied by *liner.State.
type lineSource interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// scanSource reads lines from a non-terminal input.
type scanSource struct{ sc *bufio.Scanner }

func (s scanSource) Prompt(string) (string, error) {
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return s.sc.Text(), nil
}

func (scanSource) AppendHistory(string) {}

func (scanSource) Close() error { return nil }

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".icache_history")
}

func execRepl(ctx context.Context, o *IO, app *App, id int) error {
	seg, w, err := attach(app, id)
	if err != nil {
		return err
	}

	defer func() { _ = seg.Close() }()

	checkMaster(o, app.Cfg.Segment)

	var src lineSource = scanSource{sc: bufio.NewScanner(app.In)}

	if f, ok := app.In.(*os.File); ok && f == os.Stdin {
		ln := liner.NewLiner()
		ln.SetCtrlCAborts(true)

		if hf, err := os.Open(historyFile()); err == nil {
			_, _ = ln.ReadHistory(hf)
			_ = hf.Close()
		}

		defer func() {
			if hf, err := os.Create(historyFile()); err == nil {
				_, _ = ln.WriteHistory(hf)
				_ = hf.Close()
			}
		}()

		src = ln
	}

	defer func() { _ = src.Close() }()

	r := &repl{o: o, w: w}

	for ctx.Err() == nil {
		line, err := src.Prompt("icache> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		src.AppendHistory(line)

		if r.exec(line) {
			return nil
		}
	}

	return nil
}

type repl struct {
	o *IO
	w *instcache.Worker
}

// exec runs one command line and reports whether the shell should exit.
func (r *repl) exec(line string) bool {
	cmd, rest := cutField(line)

	switch strings.ToLower(cmd) {
	case "exit", "quit", "q":
		return true
	case "help", "?":
		r.o.Println("commands: store <key> <ttl> <json>, fetch <key> [stale], del <key>, ttl <key> <ttl>, bulk <count> [prefix], stats, mem, exit")
	case "store", "set", "put":
		r.request(func() error { return r.store(rest) })
	case "fetch", "get":
		r.request(func() error { return r.fetch(rest) })
	case "del", "delete":
		r.request(func() error { return r.del(rest) })
	case "ttl":
		r.request(func() error { return r.ttl(rest) })
	case "bulk":
		r.request(func() error { return r.bulk(rest) })
	case "stats":
		if err := r.o.JSON(r.w.Stats()); err != nil {
			r.o.Println("error:", err)
		}
	case "mem":
		r.mem()
	default:
		r.o.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
	}

	return false
}

// request runs fn as one worker request.
func (r *repl) request(fn func() error) {
	r.w.Refresh()
	defer r.w.Free()

	if err := fn(); err != nil {
		r.o.Println("error:", err)
	}
}

func (r *repl) store(args string) error {
	key, args := cutField(args)
	ttlArg, doc := cutField(args)

	if key == "" || ttlArg == "" || doc == "" {
		return fmt.Errorf("%w: store <key> <ttl> <json>", errUsage)
	}

	ttl, err := strconv.ParseInt(ttlArg, 10, 64)
	if err != nil {
		return fmt.Errorf("ttl %q: %w", ttlArg, err)
	}

	v, err := value.ParseJSON([]byte(doc))
	if err != nil {
		return err
	}

	r.o.Println(r.w.Store([]byte(key), v, ttl))

	return nil
}

func (r *repl) fetch(args string) error {
	key, mode := cutField(args)
	if key == "" || (mode != "" && mode != "stale") {
		return fmt.Errorf("%w: fetch <key> [stale]", errUsage)
	}

	v, ok := r.w.Fetch([]byte(key), mode == "stale")
	if !ok {
		r.o.Println("(miss)")

		return nil
	}

	r.o.Println(value.Format(v))

	return nil
}

func (r *repl) del(args string) error {
	key, extra := cutField(args)
	if key == "" || extra != "" {
		return fmt.Errorf("%w: del <key>", errUsage)
	}

	if r.w.Delete([]byte(key)) {
		r.o.Println("deleted")
	} else {
		r.o.Println("(not found)")
	}

	return nil
}

func (r *repl) ttl(args string) error {
	key, ttlArg := cutField(args)
	if key == "" || ttlArg == "" {
		return fmt.Errorf("%w: ttl <key> <ttl>", errUsage)
	}

	ttl, err := strconv.ParseInt(ttlArg, 10, 64)
	if err != nil {
		return fmt.Errorf("ttl %q: %w", ttlArg, err)
	}

	if r.w.UpdateTTL([]byte(key), ttl) {
		r.o.Println("updated")
	} else {
		r.o.Println("(not found)")
	}

	return nil
}

func (r *repl) bulk(args string) error {
	countArg, prefix := cutField(args)

	count, err := strconv.Atoi(countArg)
	if err != nil || count < 1 {
		return fmt.Errorf("%w: bulk <count> [prefix]", errUsage)
	}

	if prefix == "" {
		prefix = "bulk"
	}

	results := map[instcache.StoreResult]int{}

	for i := range count {
		results[r.w.Store(fmt.Appendf(nil, "%s-%d", prefix, i), value.Int(i), 0)]++
	}

	for _, res := range []instcache.StoreResult{
		instcache.StoreSuccess, instcache.StoreSkipped, instcache.StoreDelayed,
		instcache.StoreMemoryLimitExceeded, instcache.StoreFailed,
	} {
		if n := results[res]; n > 0 {
			r.o.Printf("%s: %d\n", res, n)
		}
	}

	return nil
}

func (r *repl) mem() {
	r.o.Printf("%-5s %-7s %-4s %-9s %-8s %s\n", "slot", "active", "gen", "elements", "holders", "used/limit")

	for _, sm := range r.w.MemoryStats() {
		r.o.Printf("%-5d %-7t %-4d %-9d %-8d %d/%d\n",
			sm.Slot, sm.Active, sm.Generation, sm.Elements, sm.Holders, sm.Memory.RealUsed, sm.Memory.Limit)
	}
}

// cutField splits off the first whitespace separated field of s.
func cutField(s string) (field, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)

	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}

	return s[:i], strings.TrimSpace(s[i:])
}
