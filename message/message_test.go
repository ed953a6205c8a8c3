package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestRead(t *testing.T) {
	testPayload := []byte{0x13, 0xAD, 0xBE, 0xEF}
	testMessageID := byte(Have)

	bodyLength := 1 + len(testPayload)
	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, uint32(bodyLength))

	raw := bytes.NewBuffer(lengthPrefix)
	raw.WriteByte(testMessageID)
	raw.Write(testPayload)

	msg, err := Read(raw)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.ID != Have {
		t.Errorf("expected message id %d, got %d", Have, msg.ID)
	}
	if !bytes.Equal(msg.Payload, testPayload) {
		t.Errorf("expected payload %v, got %v", testPayload, msg.Payload)
	}
}

func TestReadKeepAlive(t *testing.T) {
	msg, err := Read(bytes.NewReader(make([]byte, 4)))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message for keep-alive, got %v", msg)
	}
}

func TestReadOversizedFrame(t *testing.T) {
	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, 1<<24)

	_, err := Read(bytes.NewReader(lengthPrefix))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for oversized frame, got %v", err)
	}
}

func TestReadOversizedNonBitfieldFrame(t *testing.T) {
	// a block-sized cap applies to everything but bitfields, and the
	// frame is rejected after the id byte without reading the payload
	raw := make([]byte, 5)
	binary.BigEndian.PutUint32(raw, 1<<20)
	raw[4] = byte(Piece)

	_, err := Read(bytes.NewReader(raw))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for oversized piece frame, got %v", err)
	}
}

func TestReadLargeBitfield(t *testing.T) {
	// a bitfield for a many-piece torrent is far larger than any block
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = 0xAA
	}
	raw := (&Message{ID: Bitfield, Payload: payload}).Serialize()

	msg, err := Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.ID != Bitfield || !bytes.Equal(msg.Payload, payload) {
		t.Errorf("large bitfield did not round trip")
	}
}

func TestSerializeKeepAlive(t *testing.T) {
	var msg *Message
	if !bytes.Equal(msg.Serialize(), make([]byte, 4)) {
		t.Errorf("keep-alive should serialize as 4 zero bytes")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	msg, err := Read(bytes.NewReader(CreateRequestMessage(3, 16384, 4096).Serialize()))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	index, begin, length, err := ReadRequestMessage(msg)
	if err != nil {
		t.Fatalf("ReadRequestMessage failed: %v", err)
	}
	if index != 3 || begin != 16384 || length != 4096 {
		t.Errorf("got (%d, %d, %d), want (3, 16384, 4096)", index, begin, length)
	}
}

func TestCancelSharesRequestLayout(t *testing.T) {
	req := CreateRequestMessage(1, 2, 3)
	cancel := CreateCancelMessage(1, 2, 3)

	if cancel.ID != Cancel {
		t.Errorf("expected cancel id %d, got %d", Cancel, cancel.ID)
	}
	if !bytes.Equal(req.Payload, cancel.Payload) {
		t.Errorf("cancel payload must match request payload")
	}
}

func TestPieceRoundTrip(t *testing.T) {
	block := []byte("block of data")
	msg, err := Read(bytes.NewReader(CreatePieceMessage(7, 32768, block).Serialize()))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	index, begin, got, err := ReadPieceMessage(msg)
	if err != nil {
		t.Fatalf("ReadPieceMessage failed: %v", err)
	}
	if index != 7 || begin != 32768 || !bytes.Equal(got, block) {
		t.Errorf("piece round trip mismatch: (%d, %d, %q)", index, begin, got)
	}
}

func TestPieceTooShort(t *testing.T) {
	msg := &Message{ID: Piece, Payload: []byte{0, 0, 0, 1}}
	if _, _, _, err := ReadPieceMessage(msg); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for short piece payload, got %v", err)
	}
}

func TestPortRoundTrip(t *testing.T) {
	port, err := ReadPortMessage(CreatePortMessage(6881))
	if err != nil {
		t.Fatalf("ReadPortMessage failed: %v", err)
	}
	if port != 6881 {
		t.Errorf("expected port 6881, got %d", port)
	}
}

func TestHaveRoundTrip(t *testing.T) {
	index, err := ReadHaveMessage(CreateHaveMessage(42))
	if err != nil {
		t.Fatalf("ReadHaveMessage failed: %v", err)
	}
	if index != 42 {
		t.Errorf("expected index 42, got %d", index)
	}
}

func TestString(t *testing.T) {
	var keepAlive *Message
	if keepAlive.String() != "KeepAlive" {
		t.Errorf("unexpected keep-alive string %q", keepAlive.String())
	}
	if CreateHaveMessage(1).String() != "Have [4]" {
		t.Errorf("unexpected have string %q", CreateHaveMessage(1).String())
	}
}
