package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ztrue/tracerr"
)

type messageID uint8

// All non-keepalive messages with their IDs:
//   - choke 0 (remote will not upload to us right now)
//   - unchoke 1 (remote is willing to upload to us)
//   - interested 2 (we want to download from the remote)
//   - not interested 3 (we do not want to download from the remote)
//   - have 4 (piece index the sender has verified)
//   - bitfield 5 (encodes which pieces the sender is able to send)
//   - request 6 (payload <index><begin><length> requesting a block)
//   - piece 7 (payload <index><begin><block> delivering a block)
//   - cancel 8 (identical payload to request, withdraws a block request)
//   - port 9 (2-byte DHT listen port)
const (
	Choke         messageID = 0
	Unchoke       messageID = 1
	Interested    messageID = 2
	NotInterested messageID = 3
	Have          messageID = 4
	Bitfield      messageID = 5
	Request       messageID = 6
	Piece         messageID = 7
	Cancel        messageID = 8
	Port          messageID = 9
)

const maxBlockLength = 128 * 1024

// The largest legitimate frame for every message type but bitfield is a
// piece message carrying one block.
const maxFrameLength = maxBlockLength + 13

// Bitfield frames scale with the torrent's piece count, one bit per
// piece. 8 MiB of bits covers far beyond any real torrent, so anything
// larger is rejected before allocating for it.
const maxBitfieldFrame = 8*1024*1024 + 1

// Malformed frames are connection-fatal; the peer is dropped immediately.
var ErrMalformed = errors.New("message: malformed")

// Every message is of the following form:
// | 4-byte BE length | 1-byte ID | optional payload |
//
// The length covers id+payload. A length of zero is a keep-alive, which
// this package represents as a nil *Message.
type Message struct {
	ID      messageID
	Payload []byte
}

func CreateRequestMessage(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// CreateCancelMessage withdraws an outstanding block request. The
// payload layout is identical to a request message.
func CreateCancelMessage(index, begin, length int) *Message {
	msg := CreateRequestMessage(index, begin, length)
	msg.ID = Cancel
	return msg
}

func CreateHaveMessage(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

func CreatePieceMessage(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

func CreatePortMessage(port uint16) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)
	return &Message{ID: Port, Payload: payload}
}

// ReadHaveMessage extracts the piece index from a HAVE message.
func ReadHaveMessage(msg *Message) (int, error) {
	if msg.ID != Have {
		return -1, fmt.Errorf("%w: expected ID %d (HAVE), got %d", ErrMalformed, Have, msg.ID)
	}
	if len(msg.Payload) != 4 {
		return -1, fmt.Errorf("%w: have payload length %d", ErrMalformed, len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ReadRequestMessage extracts (index, begin, length) from a REQUEST or
// CANCEL message.
func ReadRequestMessage(msg *Message) (index, begin, length int, err error) {
	if msg.ID != Request && msg.ID != Cancel {
		return 0, 0, 0, fmt.Errorf("%w: expected ID %d or %d, got %d", ErrMalformed, Request, Cancel, msg.ID)
	}
	if len(msg.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload length %d", ErrMalformed, len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

// ReadPieceMessage extracts (index, begin, block) from a PIECE message.
// The block slice aliases the message payload.
func ReadPieceMessage(msg *Message) (index, begin int, block []byte, err error) {
	if msg.ID != Piece {
		return 0, 0, nil, fmt.Errorf("%w: expected ID %d (PIECE), got %d", ErrMalformed, Piece, msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload length %d", ErrMalformed, len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	return index, begin, msg.Payload[8:], nil
}

// ReadPortMessage extracts the DHT listen port from a PORT message.
func ReadPortMessage(msg *Message) (uint16, error) {
	if msg.ID != Port {
		return 0, fmt.Errorf("%w: expected ID %d (PORT), got %d", ErrMalformed, Port, msg.ID)
	}
	if len(msg.Payload) != 2 {
		return 0, fmt.Errorf("%w: port payload length %d", ErrMalformed, len(msg.Payload))
	}
	return binary.BigEndian.Uint16(msg.Payload), nil
}

// Serialize puts together a message. A nil message serializes as the
// 4-byte keep-alive.
func (msg *Message) Serialize() []byte {
	if msg == nil {
		return make([]byte, 4)
	}

	length := uint32(len(msg.Payload) + 1) // payload + ID (1 byte)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// Read converts a raw message into a Message struct. A keep-alive is
// returned as (nil, nil).
func Read(r io.Reader) (*Message, error) {
	bufLen := make([]byte, 4)
	_, err := io.ReadFull(r, bufLen)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	length := binary.BigEndian.Uint32(bufLen)

	// keepalive
	if length == 0 {
		return nil, nil
	}
	if length > maxBitfieldFrame {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformed, length)
	}

	idBuf := make([]byte, 1)
	_, err = io.ReadFull(r, idBuf)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	id := messageID(idBuf[0])
	if id != Bitfield && length > maxFrameLength {
		return nil, fmt.Errorf("%w: frame length %d for id %d", ErrMalformed, length, id)
	}

	payload := make([]byte, length-1)
	_, err = io.ReadFull(r, payload)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	msg := Message{
		ID:      id,
		Payload: payload,
	}
	return &msg, nil
}

func (msg *Message) name() string {
	if msg == nil {
		return "KeepAlive"
	}
	switch msg.ID {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	default:
		return fmt.Sprintf("unknown message type with ID: %d", msg.ID)
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return msg.name()
	}
	return fmt.Sprintf("%s [%d]", msg.name(), len(msg.Payload))
}
