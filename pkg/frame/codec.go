package frame

// Preprocess is the vendor-specific hook invoked around LRC compute/verify.
// On transmit (tx=true) it runs before the LRC is computed, with f.NAD
// already forced to 0x00; the hook may leave it there (default) or do
// nothing else, and Build stamps the true NAD afterwards. On receive
// (tx=false) it runs after Parse has already forced f.NAD to 0x00 and
// verified the LRC, and may inspect/log the frame's original NAD via the
// origNAD argument.
type Preprocess func(f *Frame, tx bool, origNAD uint8)

// Codec builds and parses T=1 frames for one link, applying NAD
// normalization the way the card firmware expects: LRC is always computed
// and verified with NAD forced to zero, then the real address is stamped
// on for transmission (or the observed address is handed to Preprocess for
// inspection on receive).
type Codec struct {
	// HostAddr is the NAD byte the card stamps on frames it sends to the
	// host; NodeAddr is the NAD byte the host stamps on frames it sends
	// to the card. Each packs sender in the high nibble and receiver in
	// the low nibble (e.g. node_address 0x5A = host(5)->card(A),
	// host_address 0xA5 = card(A)->host(5)), matching the vendor
	// constants in original_source's kTeq1Options.
	HostAddr, NodeAddr uint8
	Preprocess         Preprocess
}

// NAD is the NAD byte this codec stamps on outbound (host->card) frames.
func (c Codec) NAD() uint8 {
	return c.NodeAddr
}

// Build serializes (pcb, inf) into an outbound frame, computing the LRC
// with NAD normalized to zero before stamping the real NAD, and returns
// the wire bytes ready for LinkIO.transmit.
func (c Codec) Build(pcb uint8, inf []byte) ([]byte, error) {
	if len(inf) > MaxInfLen {
		return nil, &ErrOversizedInf{Len: len(inf), Max: MaxInfLen}
	}
	f := Frame{NAD: 0x00, PCB: pcb, INF: inf}
	if c.Preprocess != nil {
		c.Preprocess(&f, true, 0)
	}
	f.LRC = computeLRC(f.NAD, f.PCB, f.INF)
	f.NAD = c.NAD()

	out := make([]byte, 0, 3+len(inf)+1)
	out = append(out, f.NAD, f.PCB, uint8(len(inf)))
	out = append(out, inf...)
	out = append(out, f.LRC)
	return out, nil
}

// Parse decodes a complete frame (NAD, PCB, LEN, INF, LRC already read off
// the wire in buf) verifying its LRC under NAD normalization. buf must be
// exactly 3+len(inf)+1 bytes.
func (c Codec) Parse(buf []byte) (Frame, error) {
	if len(buf) < 4 {
		return Frame{}, &ErrLrcMismatch{}
	}
	origNAD := buf[0]
	pcb := buf[1]
	length := int(buf[2])
	inf := buf[3 : 3+length]
	lrc := buf[3+length]

	f := Frame{NAD: 0x00, PCB: pcb, INF: inf}
	want := computeLRC(f.NAD, f.PCB, f.INF)
	if want != lrc {
		return Frame{}, &ErrLrcMismatch{Got: lrc, Want: want}
	}
	f.LRC = lrc
	if c.Preprocess != nil {
		c.Preprocess(&f, false, origNAD)
	}
	return f, nil
}

// HeaderLen is the number of bytes preceding INF (NAD, PCB, LEN).
const HeaderLen = 3
