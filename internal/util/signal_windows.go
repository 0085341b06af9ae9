//go:build windows

package util

import "os"

// ShutdownSignals returns the signals that stop the daemon.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// InterruptProcess terminates p. Windows cannot deliver SIGINT to a child process.
func InterruptProcess(p *os.Process) error {
	return p.Kill()
}
