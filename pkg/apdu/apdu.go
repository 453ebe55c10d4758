// Package apdu implements logical-channel lifecycle (MANAGE CHANNEL
// OPEN/CLOSE), AID selection, scatter/gather APDU assembly in both
// ISO 7816-4 short and extended length encodings, and status-word
// classification. It drives an underlying T=1 transceiver (pkg/t1's
// Engine) without importing it, mirroring the reference corpus's
// convention of a session/client type that depends on a narrow transport
// interface (gocanopen's SDOClient depends on *BusManager's Send, not on
// the CAN backend directly) rather than a concrete struct.
package apdu

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Transceiver is the subset of pkg/t1's Engine that ApduChannel depends
// on: fragment, drive the T=1 state machine to completion, and hand back
// the fully reassembled response (body plus trailing SW1 SW2).
type Transceiver interface {
	Transceive(segments ...[]byte) ([]byte, error)
}

// Channel multiplexes APDU conversations with an applet over one or more
// logical channels sharing a single Transceiver.
type Channel struct {
	link Transceiver
	log  *logrus.Entry
}

// New builds a Channel driving t for APDU exchanges. log may be nil, in
// which case an entry on the logrus standard logger is used, keeping the
// *logrus.Entry field never-nil once a Channel is constructed.
func New(t Transceiver, log *logrus.Entry) *Channel {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Channel{link: t, log: log}
}

// Session is a logical-channel session opened against one applet AID. It
// exclusively owns ChannelID until Close; the Channel (and its underlying
// Transceiver) is shared across concurrently open Sessions but the caller
// must serialize Exchange calls across them.
type Session struct {
	channel   *Channel
	ChannelID uint8
	active    bool
}

// Active reports whether the session has been opened and not yet closed.
func (s *Session) Active() bool { return s != nil && s.active }

// Manage-channel and select APDU constants.
const (
	claManageChannel = 0x00
	insManageChannel = 0x70
	p1OpenChannel    = 0x00
	p1CloseChannel   = 0x80

	claSelect = 0x00
	insSelect = 0xA4
	p1Select  = 0x04
	p2Select  = 0x00
)

// BootApplicationAID is the boot-storage applet identifier.
var BootApplicationAID = []byte{
	0xA0, 0x00, 0x00, 0x04, 0x76, 0x50, 0x49, 0x58,
	0x4C, 0x42, 0x4F, 0x4F, 0x54, 0x00, 0x01, 0x01, 0x00,
}

// Open issues MANAGE CHANNEL OPEN, captures the assigned channel id (1..3)
// from the one-byte response body, then SELECTs aid on that channel. It
// returns an active *Session on success.
func (c *Channel) Open(aid []byte) (*Session, error) {
	body, sw, err := c.rawExchange(claManageChannel, insManageChannel, p1OpenChannel, 0x00, nil, 1)
	if err != nil {
		return nil, err
	}
	if err := classify(sw); err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, &InvalidArgumentError{Msg: "MANAGE CHANNEL OPEN returned an empty body"}
	}
	channelID := body[0]
	if channelID == 0 || channelID > 3 {
		return nil, &InvalidArgumentError{Msg: fmt.Sprintf("card assigned invalid channel id %d", channelID)}
	}

	sess := &Session{channel: c, ChannelID: channelID, active: true}
	c.log.WithField("channel", channelID).Debug("opened logical channel")

	if _, _, err := c.exchangeOn(sess, claSelect, insSelect, p1Select, p2Select, aid, 0); err != nil {
		return nil, err
	}
	return sess, nil
}

// Close issues MANAGE CHANNEL CLOSE on sess's channel and marks it
// inactive regardless of the card's response, so a caller that ignores
// the returned error cannot accidentally reuse a dead channel id.
func (s *Session) Close() error {
	if !s.active {
		return &InvalidArgumentError{Msg: "session already closed"}
	}
	cla := claManageChannel | s.ChannelID
	p2 := s.ChannelID
	_, sw, err := s.channel.rawExchange(cla, insManageChannel, p1CloseChannel, p2, nil, 0)
	s.active = false
	s.channel.log.WithField("channel", s.ChannelID).Debug("closed logical channel")
	if err != nil {
		return err
	}
	return classify(sw)
}

// Exchange builds and sends one APDU on sess's channel (CLA OR-ed with the
// channel id), returning the response body with the trailing status word
// stripped and classified separately. A non-OK
// status word is returned as a *CardStatus error; the body is still
// returned alongside it so callers that want the raw bytes (e.g. for
// logging) are not forced to re-derive them.
func (s *Session) Exchange(cla, ins, p1, p2 byte, dataIn []byte, expectedOutLen int) ([]byte, error) {
	if !s.active {
		return nil, &InvalidArgumentError{Msg: "exchange on inactive channel"}
	}
	body, sw, err := s.channel.exchangeOn(s, cla, ins, p1, p2, dataIn, expectedOutLen)
	if err != nil {
		return nil, err
	}
	if cerr := classify(sw); cerr != nil {
		return body, cerr
	}
	return body, nil
}

// exchangeOn OR-s the channel id into CLA's low two bits and defers to
// rawExchange.
func (c *Channel) exchangeOn(s *Session, cla, ins, p1, p2 byte, dataIn []byte, expectedOutLen int) ([]byte, [2]byte, error) {
	cla = (cla &^ 0x03) | (s.ChannelID & 0x03)
	return c.rawExchange(cla, ins, p1, p2, dataIn, expectedOutLen)
}

// rawExchange assembles the APDU as an ordered list of scatter/gather
// segments (CLA|channel, INS, P1P2, then Lc, data and Le as present, no
// intermediate contiguous buffer) and hands it to the Transceiver, then
// splits the trailing two status-word bytes from the response body.
func (c *Channel) rawExchange(cla, ins, p1, p2 byte, dataIn []byte, expectedOutLen int) ([]byte, [2]byte, error) {
	segments := buildSegments(cla, ins, p1, p2, dataIn, expectedOutLen)
	resp, err := c.link.Transceive(segments...)
	if err != nil {
		return nil, [2]byte{}, err
	}
	if len(resp) < 2 {
		return nil, [2]byte{}, &InvalidArgumentError{Msg: "response shorter than a status word"}
	}
	body := resp[:len(resp)-2]
	var sw [2]byte
	copy(sw[:], resp[len(resp)-2:])
	return body, sw, nil
}

// buildSegments assembles the CLA, INS, P1P2, Lc, data and Le segments of
// one APDU (each of the last three only when present), choosing the
// extended form over short form when dataIn or the expected response
// length exceeds what a single byte can encode.
func buildSegments(cla, ins, p1, p2 byte, dataIn []byte, expectedOutLen int) [][]byte {
	segments := make([][]byte, 0, 6)
	segments = append(segments, []byte{cla}, []byte{ins}, []byte{p1, p2})

	extended := len(dataIn) > 255 || expectedOutLen > 256

	switch {
	case len(dataIn) == 0 && expectedOutLen == 0:
		// Case 1: no Lc, no data, no Le.
	case len(dataIn) == 0:
		segments = append(segments, encodeLe(expectedOutLen, extended))
	case expectedOutLen == 0:
		segments = append(segments, encodeLc(len(dataIn), extended))
		segments = append(segments, dataIn)
	default:
		segments = append(segments, encodeLc(len(dataIn), extended))
		segments = append(segments, dataIn)
		segments = append(segments, encodeLe(expectedOutLen, extended))
	}
	return segments
}

func encodeLc(n int, extended bool) []byte {
	if !extended {
		return []byte{byte(n)}
	}
	return []byte{0x00, byte(n >> 8), byte(n)}
}

func encodeLe(n int, extended bool) []byte {
	if n == 256 {
		n = 0
	}
	if !extended {
		return []byte{byte(n)}
	}
	if n == 65536 {
		n = 0
	}
	return []byte{0x00, byte(n >> 8), byte(n)}
}
