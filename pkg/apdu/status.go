package apdu

// classify maps a trailing status word to a *CardStatus: 90 00 is OK (nil,
// not an error); 66 A5 and 6A 83 are named conditions; everything else is
// a generic OS error carrying the raw bytes.
func classify(sw [2]byte) error {
	switch {
	case sw[0] == 0x90 && sw[1] == 0x00:
		return nil
	case sw[0] == 0x66 && sw[1] == 0xA5:
		return &CardStatus{SW1: sw[0], SW2: sw[1], Kind: StatusCooldownRequired}
	case sw[0] == 0x6A && sw[1] == 0x83:
		return &CardStatus{SW1: sw[0], SW2: sw[1], Kind: StatusUnconfigured}
	default:
		return &CardStatus{SW1: sw[0], SW2: sw[1], Kind: StatusGenericOsError}
	}
}
