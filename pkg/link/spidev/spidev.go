//go:build linux

// Package spidev implements link.LinkIO over a Linux /dev/spidevB.C
// device node, the transport the reference hardware (an NXP PN80T-class
// eSE wired to a host SPI controller) actually uses. Chip-select assertion
// is handled by the kernel spidev driver per transfer; this backend only
// needs to honor the endOfFrame hint by closing out the ioctl transfer
// list, matching the original platform driver's "complete" flag on every
// transmit/receive call.
package spidev

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/quartzse/goese/pkg/link"
)

func init() {
	link.Register("spidev", New)
}

// Linux SPI ioctl request codes (include/uapi/linux/spi/spidev.h),
// computed via the standard _IOW/_IOR macros since golang.org/x/sys/unix
// does not define device-specific ioctls.
const (
	iocWrMode    = 0x40016b01
	iocWrBits    = 0x40016b03
	iocWrMaxSpeedHz = 0x40046b04
)

type spiIOCTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	pad         uint32
}

const iocMessageBase = 0x40006b00 // SPI_IOC_MESSAGE(1) base; size bits added below

// Config holds the SPI link parameters for a spidev device, matching the
// mode/speed/bits fields the original platform driver sets via ioctl
// before any transfer.
type Config struct {
	Mode      uint8
	Bits      uint8
	SpeedHz   uint32
	ResetGPIO string // sysfs gpio "value" path, e.g. "/sys/class/gpio/gpio42/value"
}

// Link drives a secure element over a Linux spidev node.
type Link struct {
	fd   int
	cfg  Config
}

// New opens devicePath (e.g. "/dev/spidev0.0") and configures mode/bits/
// speed. Resetting relies on the optional Config.ResetGPIO sysfs path;
// callers without a reset GPIO should treat Reset as a no-op and perform
// a power-cycle externally.
func New(devicePath string) (link.LinkIO, error) {
	return Open(devicePath, Config{Mode: 0, Bits: 8, SpeedHz: 1_000_000})
}

// Open is like New but accepts an explicit Config.
func Open(devicePath string, cfg Config) (*Link, error) {
	fd, err := unix.Open(devicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("spidev: open %s: %w", devicePath, err)
	}
	l := &Link{fd: fd, cfg: cfg}
	if err := unix.IoctlSetInt(fd, iocWrMode, int(cfg.Mode)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("spidev: set mode: %w", err)
	}
	if err := unix.IoctlSetInt(fd, iocWrBits, int(cfg.Bits)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("spidev: set bits: %w", err)
	}
	if err := unix.IoctlSetInt(fd, iocWrMaxSpeedHz, int(cfg.SpeedHz)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("spidev: set speed: %w", err)
	}
	return l, nil
}

func (l *Link) transfer(tx, rx []byte, csChange bool) error {
	length := len(tx)
	if len(rx) > length {
		length = len(rx)
	}
	xfer := spiIOCTransfer{
		length:      uint32(length),
		speedHz:     l.cfg.SpeedHz,
		bitsPerWord: l.cfg.Bits,
	}
	if csChange {
		xfer.csChange = 1
	}
	if len(tx) > 0 {
		xfer.txBuf = uint64(uintptr(unsafe.Pointer(&tx[0])))
	}
	if len(rx) > 0 {
		xfer.rxBuf = uint64(uintptr(unsafe.Pointer(&rx[0])))
	}
	req := iocMessageBase | (uint(unsafe.Sizeof(xfer)) << 16)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(l.fd), uintptr(req), uintptr(unsafe.Pointer(&xfer)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (l *Link) Transmit(buf []byte, endOfFrame bool) (int, error) {
	if err := l.transfer(buf, nil, !endOfFrame); err != nil {
		return 0, fmt.Errorf("spidev: transmit: %w", err)
	}
	return len(buf), nil
}

func (l *Link) Receive(buf []byte, endOfFrame bool) (int, error) {
	if err := l.transfer(nil, buf, !endOfFrame); err != nil {
		return 0, fmt.Errorf("spidev: receive: %w", err)
	}
	return len(buf), nil
}

// Poll issues one SPI transfer per iteration, pacing each attempt
// interval apart rather than hammering the bus continuously, and gives
// up after maxIterations attempts.
func (l *Link) Poll(target byte, interval time.Duration, maxIterations int, endOfFrame bool) (bool, error) {
	var b [1]byte
	for i := 0; i < maxIterations; i++ {
		if _, err := l.Receive(b[:], endOfFrame); err != nil {
			return false, err
		}
		if b[0] == target {
			return true, nil
		}
		time.Sleep(interval)
	}
	return false, nil
}

func (l *Link) Reset() error {
	if l.cfg.ResetGPIO == "" {
		return errors.New("spidev: no reset GPIO configured")
	}
	if err := writeGPIO(l.cfg.ResetGPIO, false); err != nil {
		return err
	}
	time.Sleep(1 * time.Millisecond)
	if err := writeGPIO(l.cfg.ResetGPIO, true); err != nil {
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

// Close releases the underlying file descriptor.
func (l *Link) Close() error { return unix.Close(l.fd) }

func writeGPIO(path string, high bool) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("spidev: gpio %s: %w", path, err)
	}
	defer f.Close()
	val := "0"
	if high {
		val = "1"
	}
	_, err = f.WriteString(val)
	return err
}
