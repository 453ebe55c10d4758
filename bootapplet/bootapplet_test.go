package bootapplet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartzse/goese/pkg/apdu"
)

// fakeTransceiver scripts one response per call and records the assembled
// wire segments for assertions on the APDU the client built.
type fakeTransceiver struct {
	responses [][]byte
	calls     [][][]byte
}

func (f *fakeTransceiver) Transceive(segments ...[]byte) ([]byte, error) {
	f.calls = append(f.calls, segments)
	return f.responses[len(f.calls)-1], nil
}

func flatten(segments [][]byte) []byte {
	var out []byte
	for _, s := range segments {
		out = append(out, s...)
	}
	return out
}

func openedSession(t *testing.T, tx *fakeTransceiver) *apdu.Session {
	t.Helper()
	ch := apdu.New(tx, nil)
	sess, err := ch.Open(apdu.BootApplicationAID)
	require.NoError(t, err)
	return sess
}

func TestWriteRollbackIndexEncodesLittleEndian(t *testing.T) {
	tx := &fakeTransceiver{
		responses: [][]byte{
			{0x01, 0x90, 0x00}, // OPEN -> channel 1
			{0x90, 0x00},       // SELECT
			{0x00, 0x00, 0x90, 0x00},
		},
	}
	sess := openedSession(t, tx)

	c := New(sess)
	writeErr := c.WriteRollbackIndex(3, 0x0102030405060708)
	require.NoError(t, writeErr)

	apduBytes := flatten(tx.calls[2])
	assert.Equal(t, byte(0x81), apduBytes[0], "CLA is OR-ed with the channel id")
	assert.Equal(t, byte(0x04), apduBytes[1])
	assert.Equal(t, byte(0x03), apduBytes[2], "P1 carries the slot")
	assert.Equal(t, byte(0x08), apduBytes[4])
	assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, apduBytes[5:13])
}

func TestWriteRollbackIndexRejectsOutOfRangeSlot(t *testing.T) {
	tx := &fakeTransceiver{responses: [][]byte{{0x01, 0x90, 0x00}, {0x90, 0x00}}}
	sess := openedSession(t, tx)
	c := New(sess)
	require.Error(t, c.WriteRollbackIndex(RollbackSlotCount, 0))
}

func TestReadRollbackIndexDecodesLittleEndian(t *testing.T) {
	tx := &fakeTransceiver{
		responses: [][]byte{
			{0x01, 0x90, 0x00},
			{0x90, 0x00},
			{0x00, 0x00, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0x90, 0x00},
		},
	}
	sess := openedSession(t, tx)
	c := New(sess)

	value, err := c.ReadRollbackIndex(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), value)
}
