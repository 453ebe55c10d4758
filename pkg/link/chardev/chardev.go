// Package chardev implements link.LinkIO over a plain serial character
// device (e.g. a UART-backed eSE), the simpler of the two byte-pipe
// transports alongside SPI. It wraps github.com/tarm/serial the way
// amken3d-gopper's host/serial package wraps it for its native backend:
// a small Config plus a thin adapter satisfying the target interface.
//
// tarm/serial's read timeout is fixed at OpenPort time, so Poll cannot ask
// the driver for a different timeout per call. Instead it mirrors the
// original platform driver's poll loop: read one byte at a time with a
// fixed per-read quantum and loop until the byte matches or the caller's
// total timeout elapses.
package chardev

import (
	"fmt"
	"os"
	"time"

	"github.com/tarm/serial"

	"github.com/quartzse/goese/pkg/link"
)

func init() {
	link.Register("chardev", New)
}

// readQuantum is the fixed per-byte read timeout handed to the serial
// driver; Poll loops in units of this quantum to honor a variable overall
// timeout (bwt, possibly extended by WTX).
const readQuantum = 20 * time.Millisecond

// Config mirrors amken3d-gopper's serial.Config: device path and baud,
// without an application-visible read timeout knob since Link manages
// polling itself.
type Config struct {
	Device string
	Baud   int
}

// Link drives a secure element over a character device via tarm/serial.
type Link struct {
	port      *serial.Port
	resetPath string
}

// New opens devicePath at a default baud rate appropriate for an eSE UART
// bridge.
func New(devicePath string) (link.LinkIO, error) {
	return Open(Config{Device: devicePath, Baud: 115200})
}

// Open opens a character device per cfg.
func Open(cfg Config) (*Link, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: readQuantum,
	})
	if err != nil {
		return nil, fmt.Errorf("chardev: open %s: %w", cfg.Device, err)
	}
	return &Link{port: port}, nil
}

// WithResetGPIO sets a sysfs GPIO value path toggled by Reset.
func (l *Link) WithResetGPIO(path string) *Link {
	l.resetPath = path
	return l
}

func (l *Link) Transmit(buf []byte, endOfFrame bool) (int, error) {
	n, err := l.port.Write(buf)
	if err != nil {
		return n, fmt.Errorf("chardev: transmit: %w", err)
	}
	if n < len(buf) {
		return n, link.ErrShortWrite
	}
	return n, nil
}

func (l *Link) Receive(buf []byte, endOfFrame bool) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := l.port.Read(buf[n:])
		if err != nil {
			return n, fmt.Errorf("chardev: receive: %w", err)
		}
		if m == 0 {
			return n, link.ErrShortRead
		}
		n += m
	}
	return n, nil
}

// Poll reads one byte at a time, looking for target. interval and
// maxIterations describe the caller's overall polling budget
// (hw.Profile.PollInterval/PollIterations); since tarm/serial fixes the
// per-read timeout at OpenPort time, Poll re-derives its own quantum-sized
// iteration count from that same total budget rather than honoring
// interval directly.
func (l *Link) Poll(target byte, interval time.Duration, maxIterations int, endOfFrame bool) (bool, error) {
	total := interval * time.Duration(maxIterations)
	iterations := int(total/readQuantum) + 1
	var b [1]byte
	for i := 0; i < iterations; i++ {
		n, err := l.port.Read(b[:])
		if err != nil {
			return false, fmt.Errorf("chardev: poll: %w", err)
		}
		if n == 1 && b[0] == target {
			return true, nil
		}
	}
	return false, nil
}

func (l *Link) Reset() error {
	if l.resetPath == "" {
		return nil
	}
	if err := writeGPIO(l.resetPath, false); err != nil {
		return err
	}
	time.Sleep(1 * time.Millisecond)
	if err := writeGPIO(l.resetPath, true); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond)
	return nil
}

func (l *Link) Wait(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// Close releases the underlying port.
func (l *Link) Close() error { return l.port.Close() }

func writeGPIO(path string, high bool) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("chardev: gpio %s: %w", path, err)
	}
	defer f.Close()
	val := "0"
	if high {
		val = "1"
	}
	_, err = f.WriteString(val)
	return err
}
