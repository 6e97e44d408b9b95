// Package cli implements the icache command line: a master that serves a
// shared memory cache segment and worker-side tools attached to it.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/instcache/internal/config"
)

// App carries what every command needs: the resolved config, the logger
// and stdin.
type App struct {
	Cfg config.Config
	Log *zap.Logger
	In  io.Reader
}

type globalOptions struct {
	workDir    string
	configPath string
	verbose    bool
	help       bool
	overrides  config.Config
}

func globalFlagSet(g *globalOptions) *flag.FlagSet {
	fs := flag.NewFlagSet("icache", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(&strings.Builder{})

	fs.StringVarP(&g.workDir, "cwd", "C", "", "Run as if started in `dir`")
	fs.StringVarP(&g.configPath, "config", "c", "", "Use specified config `file`")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "Log at debug level in console format")
	fs.BoolVarP(&g.help, "help", "h", false, "Show help")

	o := &g.overrides
	fs.StringVar(&o.Segment, "segment", "", "Shared memory segment `path`")
	fs.Var(&o.MemoryLimit, "memory-limit", "Arena size per slot (e.g. 64MiB)")
	fs.IntVar(&o.Workers, "workers", 0, "Number of worker ids in the segment")
	fs.IntVar(&o.Slots, "slots", 0, "Number of swappable slots")
	fs.IntVar(&o.Shards, "shards", 0, "Key shards per slot")
	fs.Var(&o.PurgeInterval, "purge-interval", "Time between maintenance ticks of serve")
	fs.Var(&o.PurgeDelay, "purge-delay", "Grace period before expired elements are purged")
	fs.Var(&o.MaxPostDeletionLifetime, "max-post-deletion-lifetime", "How long deleted elements stay visible to stale reads")
	fs.Var(&o.PendingBudget, "pending-budget", "Per-worker budget of delayed stores")
	fs.StringVar(&o.StatsFile, "stats-file", "", "Write a JSON stats snapshot to `file` on every tick of serve")

	return fs
}

// Run is the main entry point. Returns exit code. A signal on sigCh
// cancels the running command.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	var g globalOptions

	globals := globalFlagSet(&g)

	if err := globals.Parse(args[min(1, len(args)):]); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals, nil)

		return 1
	}

	rest := globals.Args()

	if g.help || len(rest) == 0 {
		printUsage(out, globals, commands(nil))

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    g.workDir,
		ConfigPath: g.configPath,
		Overrides:  g.overrides,
		Env:        env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	log := newLogger(errOut, g.verbose)
	defer func() { _ = log.Sync() }()

	app := &App{Cfg: cfg, Log: log, In: in}

	var cmd *Command

	for _, c := range commands(app) {
		if c.Name() == rest[0] {
			cmd = c
		}
	}

	if cmd == nil {
		fprintln(errOut, "error: unknown command:", rest[0])
		printUsage(errOut, globals, commands(nil))

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				log.Info("received signal, shutting down", zap.String("signal", sig.String()))
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	o := NewIO(out, errOut)

	if code := cmd.Run(ctx, o, rest[1:]); code != 0 {
		return code
	}

	return o.Finish()
}

func commands(app *App) []*Command {
	return []*Command{
		ServeCmd(app),
		StatsCmd(app),
		ReplCmd(app),
		BenchCmd(app),
		PrintConfigCmd(app),
	}
}

// newLogger writes JSON lines at info level, or console lines at debug
// level when verbose.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	level := zapcore.InfoLevel

	if verbose {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		level = zapcore.DebugLevel
	}

	return zap.New(zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), level))
}

var errMasterGone = errors.New("no live master")

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, cmds []*Command) {
	fprintln(w, `icache - shared memory instance cache

Usage: icache [global flags] <command> [args]

Global flags:`)
	fprintln(w, globals.FlagUsages())

	if len(cmds) == 0 {
		return
	}

	fprintln(w, "Commands:")

	for _, c := range cmds {
		fprintln(w, c.HelpLine())
	}
}
