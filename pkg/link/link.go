// Package link defines the LinkIO byte-pipe contract the T=1 engine drives,
// and a small registry for named backend constructors, mirroring the
// plugin-registration pattern used by CAN-bus backends in the reference
// corpus (register by name at init() time, look up by name at runtime).
package link

import (
	"errors"
	"fmt"
	"time"
)

// LinkIO is the abstract half-duplex byte pipe between host and secure
// element. Implementations talk SPI, a character device, or (for tests) an
// in-memory loopback. None of the T=1/APDU layers know which.
type LinkIO interface {
	// Transmit writes buf to the pipe. endOfFrame is a hint that chip
	// select (or equivalent) should be deasserted after the last byte.
	Transmit(buf []byte, endOfFrame bool) (int, error)

	// Receive reads len(buf) bytes from the pipe into buf.
	Receive(buf []byte, endOfFrame bool) (int, error)

	// Poll waits for a single byte equal to target to appear on the
	// pipe, used to locate the frame preamble (the host address byte).
	// It checks at most maxIterations times, interval apart — the
	// 7-etu cadence and bwt/etu/7 budget from hw.Profile.PollInterval /
	// PollIterations — rather than blocking once for a single deadline.
	// It returns (true, nil) if found before the budget is exhausted.
	Poll(target byte, interval time.Duration, maxIterations int, endOfFrame bool) (bool, error)

	// Reset pulses the hardware reset line.
	Reset() error

	// Wait is a cooperative delay, used between protocol phases.
	Wait(d time.Duration)
}

// ErrShortWrite/ErrShortRead are returned when the underlying pipe accepts
// or returns fewer bytes than requested, without itself erroring.
var (
	ErrShortWrite = errors.New("link: short write")
	ErrShortRead  = errors.New("link: short read")
)

// NewFunc constructs a LinkIO backend for a named device path (e.g. a
// spidev path or character device node).
type NewFunc func(devicePath string) (LinkIO, error)

var registry = make(map[string]NewFunc)

// Register adds a named backend constructor. Called from a backend
// package's init(), e.g. `link.Register("spidev", spidev.New)`.
func Register(name string, ctor NewFunc) {
	registry[name] = ctor
}

// New constructs a LinkIO backend by registered name.
func New(name, devicePath string) (LinkIO, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("link: unsupported backend %q", name)
	}
	return ctor(devicePath)
}

// Implemented lists the backends this module provides (not necessarily
// imported/built into the current binary — see each backend package's
// build constraints). Only "spidev" and "chardev" register themselves for
// New; "virtual" endpoints are built in pairs by virtual.NewPair and are
// not in the registry.
var Implemented = []string{"spidev", "chardev", "virtual"}
