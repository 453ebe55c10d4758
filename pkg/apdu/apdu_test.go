package apdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransceiver scripts canned responses keyed by call order, letting
// tests assert on the exact scatter/gather segments the channel built
// without standing up a real T=1 engine.
type fakeTransceiver struct {
	responses [][]byte
	calls     [][][]byte
}

func (f *fakeTransceiver) Transceive(segments ...[]byte) ([]byte, error) {
	f.calls = append(f.calls, segments)
	resp := f.responses[len(f.calls)-1]
	return resp, nil
}

func flatten(segments [][]byte) []byte {
	var out []byte
	for _, s := range segments {
		out = append(out, s...)
	}
	return out
}

func TestOpenAssignsChannelAndSelectsAID(t *testing.T) {
	aid := []byte{0xA0, 0x00, 0x01}
	tx := &fakeTransceiver{
		responses: [][]byte{
			{0x02, 0x90, 0x00}, // MANAGE CHANNEL OPEN -> channel id 2
			{0x90, 0x00},       // SELECT
		},
	}
	ch := New(tx, nil)

	sess, err := ch.Open(aid)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), sess.ChannelID)
	assert.True(t, sess.Active())

	require.Len(t, tx.calls, 2)
	assert.Equal(t, []byte{0x00, 0x70, 0x00, 0x00, 0x01}, flatten(tx.calls[0]))

	selectAPDU := flatten(tx.calls[1])
	assert.Equal(t, byte(0x02), selectAPDU[0], "SELECT CLA is OR-ed with channel id")
	assert.Equal(t, byte(0xA4), selectAPDU[1])
	assert.Equal(t, byte(len(aid)), selectAPDU[4])
	assert.Equal(t, aid, selectAPDU[5:])
}

func TestOpenRejectsOutOfRangeChannelID(t *testing.T) {
	tx := &fakeTransceiver{responses: [][]byte{{0x00, 0x90, 0x00}}}
	ch := New(tx, nil)

	_, err := ch.Open([]byte{0xA0})
	require.Error(t, err)
}

func TestCloseOrsChannelIDIntoClaAndP2(t *testing.T) {
	tx := &fakeTransceiver{
		responses: [][]byte{
			{0x01, 0x90, 0x00},
			{0x90, 0x00},
			{0x90, 0x00},
		},
	}
	ch := New(tx, nil)
	sess, err := ch.Open([]byte{0xA0})
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	assert.False(t, sess.Active())

	closeAPDU := flatten(tx.calls[2])
	assert.Equal(t, byte(0x01), closeAPDU[0])
	assert.Equal(t, byte(0x70), closeAPDU[1])
	assert.Equal(t, byte(0x01), closeAPDU[3], "P2 carries the channel id on MANAGE CHANNEL CLOSE")
}

func TestExchangeOnInactiveSessionFails(t *testing.T) {
	sess := &Session{channel: New(&fakeTransceiver{}, nil), ChannelID: 1, active: false}
	_, err := sess.Exchange(0x80, 0x04, 0, 0, nil, 0)
	require.Error(t, err)
}

func TestStatusDecodeTable(t *testing.T) {
	cases := []struct {
		sw   [2]byte
		kind StatusKind
		ok   bool
	}{
		{[2]byte{0x90, 0x00}, StatusOK, true},
		{[2]byte{0x66, 0xA5}, StatusCooldownRequired, false},
		{[2]byte{0x6A, 0x83}, StatusUnconfigured, false},
		{[2]byte{0x6F, 0x00}, StatusGenericOsError, false},
	}
	for _, tc := range cases {
		err := classify(tc.sw)
		if tc.ok {
			assert.NoError(t, err)
			continue
		}
		require.Error(t, err)
		cs, ok := err.(*CardStatus)
		require.True(t, ok)
		assert.Equal(t, tc.kind, cs.Kind)
		assert.Equal(t, tc.sw[0], cs.SW1)
		assert.Equal(t, tc.sw[1], cs.SW2)
	}
}

func TestBuildSegmentsShortForm(t *testing.T) {
	segs := buildSegments(0x80, 0x04, 0x03, 0x00, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0)
	flat := flatten(segs)
	assert.Equal(t, []byte{0x80, 0x04, 0x03, 0x00, 0x08, 1, 2, 3, 4, 5, 6, 7, 8}, flat)
}

func TestBuildSegmentsExtendedFormForLargeData(t *testing.T) {
	data := make([]byte, 300)
	segs := buildSegments(0x80, 0x04, 0x00, 0x00, data, 0)
	flat := flatten(segs)
	assert.Equal(t, byte(0x00), flat[4])
	assert.Equal(t, byte(300>>8), flat[5])
	assert.Equal(t, byte(300), flat[6])
	assert.Len(t, flat, 4+3+300)
}

func TestBuildSegmentsNoDataNoLe(t *testing.T) {
	segs := buildSegments(0x00, 0x70, 0x80, 0x00, nil, 0)
	assert.Equal(t, []byte{0x00, 0x70, 0x80, 0x00}, flatten(segs))
}
