package wire

// Request and response slots share the same shape: a one-byte sync flag,
// 56 bits of reserved padding, then the payload (spec §6). The flag is
// always put *after* the payload by the caller (internal/linkmgr), so these
// helpers only deal with slicing a slot buffer into its flag and payload
// halves, not with ordering.

// PutFlag sets slot[0] to 1 or 0; the remaining 7 bytes of the flag prefix
// are reserved and left untouched.
func PutFlag(slot []byte, set bool) {
	if set {
		slot[0] = 1
	} else {
		slot[0] = 0
	}
}

// GetFlag reports whether a slot's sync flag is set.
func GetFlag(slot []byte) bool {
	return slot[0] != 0
}

// RequestPayload returns the payload region of a request slot buffer,
// i.e. everything after the 8-byte flag prefix.
func RequestPayload(slot []byte) []byte {
	return slot[RequestSlotFlagSize:]
}

// ResponsePayload returns the payload region of a response slot buffer.
func ResponsePayload(slot []byte) []byte {
	return slot[ResponseSlotFlagSize:]
}

// NewRequestSlot allocates a zeroed request slot buffer of the full 112 KiB
// capacity declared by spec §6.
func NewRequestSlot() []byte {
	return make([]byte, RequestSlotFlagSize+RequestPayloadSize)
}

// NewResponseSlot allocates a zeroed response slot buffer of the full
// 16 KiB capacity declared by spec §6.
func NewResponseSlot() []byte {
	return make([]byte, ResponseSlotFlagSize+ResponsePayloadSize)
}
