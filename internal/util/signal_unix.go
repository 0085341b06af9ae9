//go:build !windows

package util

import (
	"os"
	"syscall"
)

// ShutdownSignals returns the signals that stop the daemon.
func ShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// InterruptProcess asks a capture process to flush and exit.
func InterruptProcess(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}
