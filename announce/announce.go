package announce

import (
	"encoding/binary"

	"github.com/yangkx1024/ytorrent/helper"
)

const announceLen = 98

// Announce is the second exchange of the UDP tracker protocol,
// requesting a compact peer list for one info hash.
type Announce struct {
	Action        uint32 // request & response
	TransactionID []byte // request & response

	ConnectionID []byte   // request
	InfoHash     [20]byte // request
	PeerID       [20]byte // request
	Downloaded   uint64   // request
	Left         uint64   // request
	Uploaded     uint64   // request
	Event        uint32   // request
	IP           uint32   // request
	Key          []byte   // request
	NumWant      int      // request
	Port         uint16   // request

	Interval uint32 // response
	Leechers uint32 // response
	Seeders  uint32 // response
	Peers    []byte // response
}

func New(infoHash, peerID [20]byte, left int, connectionID []byte) *Announce {
	return &Announce{
		ConnectionID:  connectionID,
		Action:        1,
		TransactionID: helper.GenerateRandomID(4),
		InfoHash:      infoHash,
		PeerID:        peerID,
		Left:          uint64(left),
		Key:           helper.GenerateRandomID(4),
		NumWant:       -1,
	}
}

func (a *Announce) Serialize() []byte {
	buf := make([]byte, announceLen)
	copy(buf[:8], a.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], a.Action)
	copy(buf[12:16], a.TransactionID)
	copy(buf[16:36], a.InfoHash[:])
	copy(buf[36:56], a.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], a.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], a.Left)
	binary.BigEndian.PutUint64(buf[72:80], a.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], a.Event)
	binary.BigEndian.PutUint32(buf[84:88], a.IP)
	copy(buf[88:92], a.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(a.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], a.Port)
	return buf
}

func Read(buf []byte) *Announce {
	header := make([]byte, 20)
	copy(header, buf[:20])

	transactionID := make([]byte, 4)
	copy(transactionID, header[4:8])

	numLeechers := binary.BigEndian.Uint32(header[12:16])
	numSeeders := binary.BigEndian.Uint32(header[16:20])

	peersBuf := make([]byte, (numLeechers+numSeeders)*6)
	copy(peersBuf, buf[20:])

	return &Announce{
		Action:        binary.BigEndian.Uint32(header[0:4]),
		TransactionID: transactionID,
		Interval:      binary.BigEndian.Uint32(header[8:12]),
		Leechers:      numLeechers,
		Seeders:       numSeeders,
		Peers:         peersBuf,
	}
}
