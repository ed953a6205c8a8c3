package peer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Peer is a candidate network address, wherever it was discovered
// (tracker announce, DHT, static configuration).
type Peer struct {
	IP   net.IP
	Port uint16
}

// Unmarshal parses a compact peer list.
//
// Each peer is 6 bytes long: 4 for IP and 2 for port number.
// Hence, the list has to be a multiple of 6.
func Unmarshal(peersBinary []byte) ([]Peer, error) {
	const peerSize = 6
	if len(peersBinary)%peerSize != 0 {
		err := fmt.Errorf("received malformed binary of peers")
		return nil, err
	}

	numPeers := len(peersBinary) / peerSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		peers[i].IP = net.IP(peersBinary[offset : offset+4])
		peers[i].Port = binary.BigEndian.Uint16(peersBinary[offset+4 : offset+6])
	}

	return peers, nil
}

// String returns the peer address in ip:port form.
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// FromAddr parses an ip:port string, as produced by DHT peer discovery.
func FromAddr(addr string) (Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Peer{}, fmt.Errorf("bad peer address %q: %v", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Peer{}, fmt.Errorf("bad peer ip %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Peer{}, fmt.Errorf("bad peer port %q", portStr)
	}
	return Peer{IP: ip, Port: uint16(port)}, nil
}
