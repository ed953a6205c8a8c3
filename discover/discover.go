package discover

import (
	"context"
	"time"

	"github.com/nictuku/dht"
	"github.com/sirupsen/logrus"

	"github.com/yangkx1024/ytorrent/file"
	"github.com/yangkx1024/ytorrent/peer"
)

const (
	defaultAnnounceInterval = 2 * time.Minute
	minAnnounceInterval     = 30 * time.Second
	dhtRequestInterval      = 5 * time.Second
)

// StatsFunc reports current transfer totals so re-announces carry live
// byte accounting.
type StatsFunc func() file.AnnounceStats

// Discovery feeds candidate peer addresses from trackers and the DHT
// into a single channel. Duplicates are possible; the consumer keeps
// its own connection table.
type Discovery struct {
	tf     *file.TorrentFile
	peerID [20]byte
	port   uint16
	stats  StatsFunc
	peers  chan peer.Peer
	log    *logrus.Entry
}

func New(tf *file.TorrentFile, peerID [20]byte, port uint16, stats StatsFunc) *Discovery {
	return &Discovery{
		tf:     tf,
		peerID: peerID,
		port:   port,
		stats:  stats,
		peers:  make(chan peer.Peer, 64),
		log:    logrus.WithField("torrent", tf.Name),
	}
}

// Peers is the stream of discovered candidate addresses.
func (d *Discovery) Peers() <-chan peer.Peer {
	return d.peers
}

func (d *Discovery) deliver(ctx context.Context, p peer.Peer) {
	select {
	case d.peers <- p:
	case <-ctx.Done():
	}
}

// RunTrackers announces to the torrent's trackers and re-announces at
// the interval each response requests, until ctx is canceled.
func (d *Discovery) RunTrackers(ctx context.Context) {
	interval := time.Nanosecond // first announce immediately
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		peers, next, err := d.tf.RequestPeers(d.peerID, d.port, d.stats())
		if err != nil {
			d.log.WithError(err).Debug("tracker announce failed")
			next = minAnnounceInterval
		} else {
			d.log.WithField("peers", len(peers)).Debug("tracker announce")
			for _, p := range peers {
				d.deliver(ctx, p)
			}
		}

		if next <= 0 {
			next = defaultAnnounceInterval
		}
		if next < minAnnounceInterval {
			next = minAnnounceInterval
		}
		timer.Reset(next)
	}
}

// RunDHT joins the mainline DHT and repeatedly asks it for peers on
// this torrent's info hash.
func (d *Discovery) RunDHT(ctx context.Context) error {
	node, err := dht.New(nil)
	if err != nil {
		return err
	}
	if err = node.Start(); err != nil {
		return err
	}

	go d.drainDHTResults(ctx, node)

	go func() {
		ih := string(d.tf.InfoHash[:])
		for {
			node.PeersRequest(ih, false)
			select {
			case <-ctx.Done():
				node.Stop()
				return
			case <-time.After(dhtRequestInterval):
			}
		}
	}()
	return nil
}

func (d *Discovery) drainDHTResults(ctx context.Context, node *dht.DHT) {
	for r := range node.PeersRequestResults {
		for _, addrs := range r {
			for _, x := range addrs {
				p, err := peer.FromAddr(dht.DecodePeerAddress(x))
				if err != nil {
					continue
				}
				d.deliver(ctx, p)
			}
		}
	}
}
