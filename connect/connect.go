package connect

import (
	"encoding/binary"

	"github.com/yangkx1024/ytorrent/helper"
)

const connectLen = 16

// Connect is the first exchange of the UDP tracker protocol. The
// response carries the connection id required by the announce packet.
type Connect struct {
	ProtocolID    uint64 // request & response
	Action        uint32 // request & response
	TransactionID []byte // request & response

	ConnectionID []byte // response
}

func New() *Connect {
	return &Connect{
		ProtocolID:    0x41727101980,
		Action:        0,
		TransactionID: helper.GenerateRandomID(4),
	}
}

func (c *Connect) Serialize() []byte {
	buf := make([]byte, connectLen)
	binary.BigEndian.PutUint64(buf[0:8], c.ProtocolID)
	binary.BigEndian.PutUint32(buf[8:12], c.Action)
	copy(buf[12:16], c.TransactionID)
	return buf
}

func Read(buf []byte) *Connect {
	response := make([]byte, connectLen)
	copy(response, buf)

	transactionID := make([]byte, 4)
	connectionID := make([]byte, 8)
	copy(transactionID, response[4:8])
	copy(connectionID, response[8:16])

	return &Connect{
		Action:        binary.BigEndian.Uint32(response[0:4]),
		TransactionID: transactionID,
		ConnectionID:  connectionID,
	}
}
