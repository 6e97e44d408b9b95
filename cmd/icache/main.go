// Package main provides icache, the master and tooling for a shared memory
// instance cache.
package main

import (
	"os"
	"strings"
	"syscall"

	"github.com/calvinalkan/instcache/internal/cli"
	"github.com/calvinalkan/instcache/pkg/ipcmutex"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	// Signals wait for any open lock critical section to close.
	sigCh, stop := ipcmutex.NotifyDeferred(os.Interrupt, syscall.SIGTERM)

	exitCode := cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh)

	stop()
	os.Exit(exitCode)
}
