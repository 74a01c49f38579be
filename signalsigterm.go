//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

func init() {
	interruptSignals = []os.Signal{os.Interrupt, unix.SIGTERM}
}
