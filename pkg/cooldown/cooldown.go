// Package cooldown sends an end-of-session marker over the raw T=1
// transceiver and decodes the TLV reply for the three penalty tags (F1
// secure timer, F2 attack-counter decrement, F3 restricted-mode penalty).
// The probe is advisory: a parse failure is reported but never treated as
// fatal by its caller, since power-down scheduling is a platform decision
// this probe only informs.
package cooldown

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

// endOfSessionMarker is the raw S-block-like payload sent to request the
// cooldown TLV reply.
var endOfSessionMarker = []byte{0x5A, 0xC5, 0x00, 0xC5}

const (
	tagSecureTimer     = 0xF1
	tagAttackDecrement = 0xF2
	tagRestrictedPenalty = 0xF3
)

// Transceiver is the narrow dependency this probe needs: one raw
// request/response round trip over the shared T=1 engine.
type Transceiver interface {
	Transceive(segments ...[]byte) ([]byte, error)
}

// Result is the decoded cooldown TLV reply, all fields in minutes.
type Result struct {
	SecureTimerMinutes      uint32
	AttackDecrementMinutes  uint32
	RestrictedPenaltyMinutes uint32
}

// Query sends the end-of-session marker and parses the TLV reply. A parse
// error is returned to the caller to log, not to treat as fatal: the
// caller should schedule power-down using whatever partial information it
// has, or none at all, rather than aborting session teardown.
func Query(t Transceiver, log *logrus.Entry) (Result, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	raw, err := t.Transceive(endOfSessionMarker)
	if err != nil {
		return Result{}, fmt.Errorf("cooldown: transceive: %w", err)
	}
	res, err := parseTLV(raw)
	if err != nil {
		log.WithError(err).Warn("cooldown probe reply did not parse; proceeding without penalty data")
		return Result{}, err
	}
	return res, nil
}

// parseTLV walks a sequence of one-byte tag, one-byte length, value TLVs
// (F1/F2/F3, each a 4-byte big-endian integer), skipping any leading bytes
// before the first recognized tag (a reply may be prefixed with framing
// bytes this probe does not otherwise interpret).
func parseTLV(buf []byte) (Result, error) {
	var res Result
	i := 0
	found := false
	for i+1 < len(buf) {
		tag := buf[i]
		length := int(buf[i+1])
		if tag != tagSecureTimer && tag != tagAttackDecrement && tag != tagRestrictedPenalty {
			i++
			continue
		}
		if i+2+length > len(buf) {
			return Result{}, fmt.Errorf("cooldown: tag %#x length %d exceeds buffer", tag, length)
		}
		if length != 4 {
			return Result{}, fmt.Errorf("cooldown: tag %#x has unexpected length %d (want 4)", tag, length)
		}
		value := binary.BigEndian.Uint32(buf[i+2 : i+2+length])
		switch tag {
		case tagSecureTimer:
			res.SecureTimerMinutes = value
		case tagAttackDecrement:
			res.AttackDecrementMinutes = value
		case tagRestrictedPenalty:
			res.RestrictedPenaltyMinutes = value
		}
		found = true
		i += 2 + length
	}
	if !found {
		return Result{}, fmt.Errorf("cooldown: no recognized TLV tags in %d-byte reply", len(buf))
	}
	return res, nil
}
