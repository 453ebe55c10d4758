package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRCRoundtrip(t *testing.T) {
	codec := Codec{HostAddr: 0xA5, NodeAddr: 0x5A}

	cases := [][]byte{
		{},
		{0x01},
		{0x00, 0x70, 0x00, 0x00, 0x01},
		make([]byte, MaxInfLen),
	}
	for i := range cases[3] {
		cases[3][i] = byte(i)
	}

	for _, inf := range cases {
		wire, err := codec.Build(BuildIPCB(0, false), inf)
		require.NoError(t, err)
		require.Len(t, wire, HeaderLen+len(inf)+1)

		got, err := codec.Parse(wire)
		require.NoError(t, err)
		assert.Equal(t, inf, got.INF)
		assert.Equal(t, uint8(0x00), got.NAD, "Parse normalizes NAD to zero")

		// Corrupt LRC and confirm detection.
		corrupted := append([]byte(nil), wire...)
		corrupted[len(corrupted)-1] ^= 0xFF
		_, err = codec.Parse(corrupted)
		assert.Error(t, err)
		var mismatch *ErrLrcMismatch
		assert.ErrorAs(t, err, &mismatch)
	}
}

func TestBuildOversizedInf(t *testing.T) {
	codec := Codec{}
	_, err := codec.Build(BuildIPCB(0, false), make([]byte, MaxInfLen+1))
	require.Error(t, err)
	var oversized *ErrOversizedInf
	assert.ErrorAs(t, err, &oversized)
}

func TestNADStampedOnBuild(t *testing.T) {
	codec := Codec{HostAddr: 0xA5, NodeAddr: 0x5A}
	wire, err := codec.Build(BuildIPCB(0, false), []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, codec.NAD(), wire[0])
	assert.Equal(t, uint8(0x5A), wire[0])
}

func TestPCBEncodeDecode(t *testing.T) {
	for seq := uint8(0); seq <= 1; seq++ {
		for _, more := range []bool{false, true} {
			pcb := BuildIPCB(seq, more)
			f := Frame{PCB: pcb}
			assert.Equal(t, KindI, f.Kind())
			assert.Equal(t, seq, IBlockSeq(pcb))
			assert.Equal(t, more, IBlockMore(pcb))
		}
	}

	for seq := uint8(0); seq <= 1; seq++ {
		for _, ec := range []Kind2{RErrorNone, RErrorCRC, RErrorOther} {
			pcb := BuildRPCB(seq, ec)
			f := Frame{PCB: pcb}
			assert.Equal(t, KindR, f.Kind())
			assert.Equal(t, seq, RBlockSeq(pcb))
			assert.Equal(t, ec, RBlockError(pcb))
		}
	}

	for _, rt := range []Kind2{SRequestResynch, SRequestIFS, SRequestAbort, SRequestWTX} {
		for _, resp := range []bool{false, true} {
			pcb := BuildSPCB(rt, resp)
			f := Frame{PCB: pcb}
			assert.Equal(t, KindS, f.Kind())
			assert.Equal(t, rt, SBlockType(pcb))
			assert.Equal(t, resp, SBlockIsResponse(pcb))
		}
	}
}

func TestNADNormalizationHook(t *testing.T) {
	var seenOrig uint8
	codec := Codec{
		HostAddr: 0xA5,
		NodeAddr: 0x5A,
		Preprocess: func(f *Frame, tx bool, origNAD uint8) {
			if !tx {
				seenOrig = origNAD
			}
		},
	}
	wire, err := codec.Build(BuildIPCB(0, false), []byte{0x90, 0x00})
	require.NoError(t, err)

	_, err = codec.Parse(wire)
	require.NoError(t, err)
	assert.Equal(t, codec.NAD(), seenOrig)
}
