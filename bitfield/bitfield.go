package bitfield

// Sent as the first message immediately after handshake.
// Used to efficiently encode which pieces a peer is able to send.
// Note: pieces are zero indexed.
//
// Example:
//   - [0 0 1 0 1 0 0 0] (only pieces 2 and 4 are available)
//   - [1 1 1 1 1 1 1 1] (only pieces in the interval [0, 7] are available)
//   - [0 0 0 0 0 0 0 0] [0 0 0 0 0 0 0 1] (only piece 15 is available)
type Bitfield []byte

// New returns an empty bitfield able to hold numPieces pieces.
func New(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// HasPiece checks if the piece at the given index is set.
// Out of range indices report false, spare bits included.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	offset := index % 8

	if index < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// SetPiece marks the piece at the given index as available.
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8

	if index < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}

// Count returns the number of set pieces.
func (bf Bitfield) Count() int {
	count := 0
	for _, b := range bf {
		for b != 0 {
			count += int(b & 1)
			b >>= 1
		}
	}
	return count
}

// Empty reports whether no piece is set.
func (bf Bitfield) Empty() bool {
	for _, b := range bf {
		if b != 0 {
			return false
		}
	}
	return true
}
