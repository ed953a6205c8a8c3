package file

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/ztrue/tracerr"

	"github.com/yangkx1024/ytorrent/announce"
	"github.com/yangkx1024/ytorrent/connect"
	"github.com/yangkx1024/ytorrent/peer"
)

const announceTimeout = 5 * time.Second

// AnnounceStats is the byte accounting reported to the tracker on
// every announce.
type AnnounceStats struct {
	Uploaded   int
	Downloaded int
	Left       int
}

// GET request to tracker URL returns:
//   - interval (time to send GET request for list of peers again)
//   - peers (compact list of peers)
type httpTrackerResponse struct {
	FailureReason string `bencode:"failure reason,omitempty"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

func httpRequestPeers(url string) ([]peer.Peer, time.Duration, error) {
	conn := &http.Client{Timeout: announceTimeout}
	response, err := conn.Get(url)
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}
	defer response.Body.Close()

	trackerResponse := httpTrackerResponse{}
	err = bencode.Unmarshal(response.Body, &trackerResponse)
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}
	if trackerResponse.FailureReason != "" {
		return nil, 0, fmt.Errorf("tracker refused announce: %s", trackerResponse.FailureReason)
	}

	peers, err := peer.Unmarshal([]byte(trackerResponse.Peers))
	if err != nil {
		return nil, 0, err
	}
	return peers, time.Duration(trackerResponse.Interval) * time.Second, nil
}

func udpRequestPeers(host string, infoHash, peerID [20]byte, port uint16, stats AnnounceStats) ([]peer.Peer, time.Duration, error) {
	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(announceTimeout))

	connectReq := connect.New()
	_, err = conn.Write(connectReq.Serialize())
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}

	connectBuf := make([]byte, 16)
	size, err := conn.Read(connectBuf)
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}
	if size < 16 {
		return nil, 0, fmt.Errorf("short connect response of %d bytes", size)
	}
	connectRes := connect.Read(connectBuf)

	if !bytes.Equal(connectReq.TransactionID, connectRes.TransactionID) {
		return nil, 0, fmt.Errorf("expected TID %x received %x", connectReq.TransactionID, connectRes.TransactionID)
	}
	if connectRes.Action != 0 {
		return nil, 0, fmt.Errorf("expected action %d (connect) received %d", 0, connectRes.Action)
	}

	announceReq := announce.New(infoHash, peerID, stats.Left, connectRes.ConnectionID)
	announceReq.Downloaded = uint64(stats.Downloaded)
	announceReq.Uploaded = uint64(stats.Uploaded)
	announceReq.Port = port
	_, err = conn.Write(announceReq.Serialize())
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}

	announceBuf := make([]byte, 2048)
	size, err = conn.Read(announceBuf)
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}
	if size < 20 {
		return nil, 0, fmt.Errorf("short announce response of %d bytes", size)
	}
	announceRes := announce.Read(announceBuf[:size])

	if !bytes.Equal(announceReq.TransactionID, announceRes.TransactionID) {
		return nil, 0, fmt.Errorf("expected TID %x received %x", announceReq.TransactionID, announceRes.TransactionID)
	}
	if announceRes.Action != 1 {
		return nil, 0, fmt.Errorf("expected action %d (announce) received %d", 1, announceRes.Action)
	}

	peers, err := peer.Unmarshal(announceRes.Peers)
	if err != nil {
		return nil, 0, err
	}
	return peers, time.Duration(announceRes.Interval) * time.Second, nil
}

func requestPeersFrom(trackerURL string, tf *TorrentFile, peerID [20]byte, port uint16, stats AnnounceStats) ([]peer.Peer, time.Duration, error) {
	base, err := url.Parse(trackerURL)
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}

	switch base.Scheme {
	case "http", "https":
		params := url.Values{
			"info_hash":  []string{string(tf.InfoHash[:])},
			"peer_id":    []string{string(peerID[:])},
			"port":       []string{strconv.Itoa(int(port))},
			"uploaded":   []string{strconv.Itoa(stats.Uploaded)},
			"downloaded": []string{strconv.Itoa(stats.Downloaded)},
			"compact":    []string{"1"},
			"left":       []string{strconv.Itoa(stats.Left)},
		}
		base.RawQuery = params.Encode()
		return httpRequestPeers(base.String())
	case "udp":
		return udpRequestPeers(base.Host, tf.InfoHash, peerID, port, stats)
	default:
		return nil, 0, fmt.Errorf("bad or unsupported url scheme %q", base.Scheme)
	}
}

// trackerURLs lists announce endpoints in preference order without
// duplicates.
func (tf *TorrentFile) trackerURLs() []string {
	seen := make(map[string]bool)
	var urls []string
	for _, u := range append([]string{tf.Announce}, tf.AnnounceList...) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

// RequestPeers announces to the torrent's trackers in order and returns
// the first successful peer list together with the tracker's re-announce
// interval. An interval of zero means the tracker did not supply one.
func (tf *TorrentFile) RequestPeers(peerID [20]byte, port uint16, stats AnnounceStats) ([]peer.Peer, time.Duration, error) {
	var lastErr error
	for _, u := range tf.trackerURLs() {
		peers, interval, err := requestPeersFrom(u, tf, peerID, port, stats)
		if err != nil {
			lastErr = err
			continue
		}
		return peers, interval, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no announce urls in torrent")
	}
	return nil, 0, lastErr
}
