//go:build windows

package mcp

import (
	"os"
	"os/signal"
)

// notifySignals routes interrupts to ch so Run can stop the stdio loop.
// On Windows, only os.Interrupt (Ctrl+C) is supported.
func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt)
}
