// Package bootapplet is an example applet client built on pkg/apdu,
// exercising it end to end with the boot-storage applet's rollback index
// commands, grounded in
// original_source/apps/boot/boot.c's ese_boot_rollback_index_read/write.
// Applet command sets are otherwise out of scope for this repository; this
// package is the one concrete client it implements.
package bootapplet

import (
	"encoding/binary"
	"fmt"

	"github.com/quartzse/goese/pkg/apdu"
)

// RollbackSlotCount is the number of rollback-index slots the boot applet
// exposes, from original_source/apps/boot/include/ese/app/boot.h.
const RollbackSlotCount = 8

// Boot-storage APDU instruction bytes, original_source's kStoreCmd/kLoadCmd
// (CLA 0x80, distinct INS for write/read).
const (
	claBoot  = 0x80
	insStore = 0x04
	insLoad  = 0x02
)

// Client drives the boot-storage applet over an already-open apdu.Session.
type Client struct {
	sess *apdu.Session
}

// New wraps an already-open Session. The caller is expected to have opened
// it against apdu.BootApplicationAID.
func New(sess *apdu.Session) *Client {
	return &Client{sess: sess}
}

// WriteRollbackIndex writes value to slot. value is encoded little-endian
// on the wire, matching the original source's raw `(uint8_t *)&value` cast
// on a little-endian host.
func (c *Client) WriteRollbackIndex(slot uint8, value uint64) error {
	if slot >= RollbackSlotCount {
		return fmt.Errorf("bootapplet: slot %d out of range [0,%d)", slot, RollbackSlotCount)
	}
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, value)

	body, err := c.sess.Exchange(claBoot, insStore, slot, 0x00, data, 0)
	if err != nil {
		return err
	}
	if len(body) != 2 || body[0] != 0x00 || body[1] != 0x00 {
		return fmt.Errorf("bootapplet: write returned applet error code %X", body)
	}
	return nil
}

// ReadRollbackIndex reads the current value of slot.
func (c *Client) ReadRollbackIndex(slot uint8) (uint64, error) {
	if slot >= RollbackSlotCount {
		return 0, fmt.Errorf("bootapplet: slot %d out of range [0,%d)", slot, RollbackSlotCount)
	}

	body, err := c.sess.Exchange(claBoot, insLoad, slot, 0x00, nil, 8+2)
	if err != nil {
		return 0, err
	}
	if len(body) != 10 {
		return 0, fmt.Errorf("bootapplet: read returned %d bytes, want 10", len(body))
	}
	if body[0] != 0x00 || body[1] != 0x00 {
		return 0, fmt.Errorf("bootapplet: read returned applet error code %X", body[:2])
	}
	return binary.LittleEndian.Uint64(body[2:10]), nil
}
