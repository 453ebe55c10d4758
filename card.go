// Package goese wires the T=1 transport, APDU session layer and cooldown
// probe into one Card type, the host-side entry point for talking to an
// embedded secure element over a half-duplex byte pipe. It plays the role
// the reference corpus's root-level Network/BusManager pairing plays for a
// CANopen bus: a thin struct gluing together a transport (pkg/t1's Engine,
// analogous to BusManager) and a session layer (pkg/apdu's Channel,
// analogous to an SDO client) behind one caller-facing API.
package goese

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/quartzse/goese/pkg/apdu"
	"github.com/quartzse/goese/pkg/cooldown"
	"github.com/quartzse/goese/pkg/hw"
	"github.com/quartzse/goese/pkg/link"
	"github.com/quartzse/goese/pkg/t1"
)

// Card is the top-level handle for one secure element. It is not safe for
// concurrent Exchange/Open calls from multiple goroutines — the caller
// must serialize, since a blocking transceive on the shared transport
// cannot be interleaved the way a mutex-protected listener table can.
type Card struct {
	link    link.LinkIO
	profile hw.Profile
	engine  *t1.Engine
	apdu    *apdu.Channel

	sessions map[uint8]*apdu.Session

	log *logrus.Entry
}

// Open constructs a Card over l using the named, already-registered
// HwProfile (see pkg/hw.Register / pkg/hw.LoadAndRegisterProfiles). reg may
// be nil to skip Prometheus registration.
func Open(l link.LinkIO, profileName string, reg prometheus.Registerer) (*Card, error) {
	profile, err := hw.Get(profileName)
	if err != nil {
		return nil, fmt.Errorf("goese: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("goese: %w", err)
	}

	log := logrus.WithField("component", "card").WithField("profile", profile.Name)
	engine := t1.New(l, profile, reg)

	return &Card{
		link:     l,
		profile:  profile,
		engine:   engine,
		apdu:     apdu.New(engine, log),
		sessions: make(map[uint8]*apdu.Session),
		log:      log,
	}, nil
}

// Reset pulses the hardware reset line and zeroes all T=1 sequence state.
// Any open sessions become invalid; the caller is responsible for not
// reusing them (the same InvalidState discipline that applies to closing
// an engine out from under live sessions applies symmetrically here).
func (c *Card) Reset() error {
	txn := xid.New().String()
	c.log.WithField("txn", txn).Debug("hw_reset")
	if err := c.engine.Reset(); err != nil {
		return err
	}
	for id := range c.sessions {
		delete(c.sessions, id)
	}
	return nil
}

// OpenSession opens a logical channel and selects aid on it. The returned
// Session exclusively owns its channel id until Close.
func (c *Card) OpenSession(aid []byte) (*apdu.Session, error) {
	txn := xid.New().String()
	log := c.log.WithField("txn", txn)
	log.WithField("aid", fmt.Sprintf("% X", aid)).Debug("session_open")

	sess, err := c.apdu.Open(aid)
	if err != nil {
		log.WithError(err).Warn("session_open failed")
		return nil, err
	}
	c.sessions[sess.ChannelID] = sess
	log.WithField("channel", sess.ChannelID).Debug("session_open succeeded")
	return sess, nil
}

// CloseSession issues MANAGE CHANNEL CLOSE and releases the Card's
// bookkeeping for sess's channel id regardless of the card's reply.
func (c *Card) CloseSession(sess *apdu.Session) error {
	delete(c.sessions, sess.ChannelID)
	return sess.Close()
}

// CooldownProbe issues the end-of-session marker and parses the TLV reply.
// It is advisory: a parse failure is returned to the caller to log, never
// treated as grounds to fail session teardown.
func (c *Card) CooldownProbe() (cooldown.Result, error) {
	return cooldown.Query(c.engine, c.log)
}

// Engine exposes the underlying T1Engine for callers that need direct
// transceive access (the bootapplet example client does not; this exists
// for applet command sets this repository does not itself implement).
func (c *Card) Engine() *t1.Engine { return c.engine }
