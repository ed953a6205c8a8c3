package handshake

import (
	"errors"
	"fmt"
	"io"

	"github.com/ztrue/tracerr"
)

// A handshake consists of (in order):
//   - 1 byte for pstr length (length of protocol identifier - has to be 19)
//   - 19 bytes for pstr (protocol identifier - "BitTorrent protocol")
//   - 8 reserved bytes for extension support (none supported here)
//   - 20 bytes for infohash (SHA-1 of bencoded info dict)
//   - 20 bytes for peerID (random id to identify ourselves)
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

// length of handshake string in bytes
const Length = 68

const protocolIdentifier = "BitTorrent protocol"

// Handshake failures are connection-fatal and the address is not
// retried within the swarm's backoff window.
var (
	ErrBadProtocol      = errors.New("handshake: unknown protocol identifier")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
)

// New creates a Handshake with the given infoHash and peerID.
func New(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     protocolIdentifier,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// Serialize puts together the 68-byte handshake string.
// There is no outer length prefix.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, Length)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], make([]byte, 8))
	curr += copy(buf[curr:], h.InfoHash[:])
	curr += copy(buf[curr:], h.PeerID[:])
	return buf
}

// Read converts a raw handshake string into a Handshake struct.
// A premature close surfaces as the underlying read error.
func Read(r io.Reader) (*Handshake, error) {
	pstrLenBuf := make([]byte, 1)
	_, err := io.ReadFull(r, pstrLenBuf)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(protocolIdentifier) {
		return nil, fmt.Errorf("%w: pstr length %d", ErrBadProtocol, pstrLen)
	}

	handshakeBuf := make([]byte, Length-1)
	_, err = io.ReadFull(r, handshakeBuf)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	if string(handshakeBuf[:pstrLen]) != protocolIdentifier {
		return nil, fmt.Errorf("%w: %q", ErrBadProtocol, handshakeBuf[:pstrLen])
	}

	var infoHash, peerID [20]byte
	copy(infoHash[:], handshakeBuf[pstrLen+8:pstrLen+8+20])
	copy(peerID[:], handshakeBuf[pstrLen+8+20:])

	h := Handshake{
		Pstr:     string(handshakeBuf[:pstrLen]),
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	return &h, nil
}

// Verify checks that the remote handshake references the same torrent.
func (h *Handshake) Verify(infoHash [20]byte) error {
	if h.InfoHash != infoHash {
		return fmt.Errorf("%w: expected %x got %x", ErrInfoHashMismatch, infoHash, h.InfoHash)
	}
	return nil
}
