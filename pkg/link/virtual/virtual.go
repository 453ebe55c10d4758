// Package virtual provides an in-memory LinkIO pair connected back to
// back, for tests and examples. It generalizes the reference corpus's
// virtual CAN bus (a TCP loopback used to unit-test a CANopen stack
// without real hardware) to a half-duplex byte-stream pipe: two
// link.LinkIO endpoints sharing one synchronous, full-duplex in-memory
// connection, one side driven by the engine under test and the other by a
// test's scripted "card" behavior.
package virtual

import (
	"net"
	"time"
)

// Endpoint is one side of an in-memory LinkIO pair.
type Endpoint struct {
	conn      net.Conn
	resetFunc func() error
}

// NewPair returns two connected LinkIO endpoints: conventionally "host" is
// driven by the T=1 engine and "card" by the test's scripted responder.
func NewPair() (host, card *Endpoint) {
	a, b := net.Pipe()
	host = &Endpoint{conn: a}
	card = &Endpoint{conn: b}
	host.resetFunc = func() error { return nil }
	card.resetFunc = func() error { return nil }
	return host, card
}

// OnReset installs a callback invoked when Reset is called on this
// endpoint, letting a test observe the hardware reset sequence.
func (e *Endpoint) OnReset(fn func() error) { e.resetFunc = fn }

func (e *Endpoint) Transmit(buf []byte, endOfFrame bool) (int, error) {
	return e.conn.Write(buf)
}

func (e *Endpoint) Receive(buf []byte, endOfFrame bool) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := e.conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (e *Endpoint) Poll(target byte, interval time.Duration, maxIterations int, endOfFrame bool) (bool, error) {
	defer e.conn.SetReadDeadline(time.Time{})

	var b [1]byte
	for i := 0; i < maxIterations; i++ {
		if err := e.conn.SetReadDeadline(time.Now().Add(interval)); err != nil {
			return false, err
		}
		_, err := e.conn.Read(b[:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return false, err
		}
		if b[0] == target {
			return true, nil
		}
	}
	return false, nil
}

func (e *Endpoint) Reset() error {
	if e.resetFunc != nil {
		return e.resetFunc()
	}
	return nil
}

func (e *Endpoint) Wait(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// Close releases the underlying connection.
func (e *Endpoint) Close() error { return e.conn.Close() }
