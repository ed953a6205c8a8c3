package torrent

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yangkx1024/ytorrent/discover"
	"github.com/yangkx1024/ytorrent/file"
	"github.com/yangkx1024/ytorrent/helper"
	"github.com/yangkx1024/ytorrent/peer"
	"github.com/yangkx1024/ytorrent/piece"
	"github.com/yangkx1024/ytorrent/storage"
	"github.com/yangkx1024/ytorrent/swarm"
)

// Config selects peer sources and wires the sub-layers' tunables.
type Config struct {
	// OutputDir is where payload files are created.
	OutputDir string
	// Port is reported to trackers. The engine does not accept inbound
	// connections, so this is informational.
	Port uint16

	UseTrackers bool
	UseDHT      bool
	// Peers are fed to the swarm directly, in addition to any
	// discovered ones. Useful for private swarms and tests.
	Peers []peer.Peer

	ShowDownloadProgress bool

	Swarm swarm.Config
	Piece piece.Config
}

var DefaultConfig = Config{
	Port:                 6881,
	UseTrackers:          true,
	UseDHT:               true,
	ShowDownloadProgress: true,
	Swarm:                swarm.DefaultConfig,
	Piece:                piece.DefaultConfig,
}

// Torrent is one download session: metainfo, on-disk storage, piece
// state and the swarm of peer connections.
type Torrent struct {
	tf      *file.TorrentFile
	cfg     Config
	peerID  [20]byte
	store   *storage.Files
	manager *piece.Manager
	swarm   *swarm.Swarm
	log     *logrus.Entry
}

// New opens (or resumes) a session for the given metainfo. Existing
// file data in OutputDir is rescanned so verified pieces are not
// fetched again.
func New(tf *file.TorrentFile, cfg Config) (*Torrent, error) {
	if !cfg.UseTrackers && !cfg.UseDHT && len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("enable tracker or dht peer discovery, or supply peers")
	}

	store, err := storage.NewFiles(cfg.OutputDir, tf.Files, tf.PieceLength, tf.Length)
	if err != nil {
		return nil, err
	}

	manager := piece.NewManager(tf.PieceHashes, tf.PieceLength, tf.Length, store, cfg.Piece)
	log := logrus.WithField("torrent", tf.Name)

	verified, err := store.Rescan(tf.PieceHashes)
	if err != nil {
		store.Close()
		return nil, err
	}
	resumed := 0
	for index, ok := range verified {
		if ok {
			manager.MarkVerified(index)
			resumed++
		}
	}
	if resumed > 0 {
		log.WithFields(logrus.Fields{
			"pieces": resumed,
			"total":  manager.NumPieces(),
		}).Info("resumed from existing data")
	}

	t := &Torrent{
		tf:      tf,
		cfg:     cfg,
		peerID:  helper.GeneratePeerID(),
		store:   store,
		manager: manager,
		log:     log,
	}
	t.swarm = swarm.New(tf.InfoHash, t.peerID, manager, store, cfg.Swarm, log)
	return t, nil
}

func (t *Torrent) announceStats() file.AnnounceStats {
	left := t.tf.Length - t.manager.BytesVerified()
	if left < 0 {
		left = 0
	}
	return file.AnnounceStats{
		Uploaded:   int(t.swarm.Uploaded()),
		Downloaded: int(t.swarm.Downloaded()),
		Left:       left,
	}
}

// Download runs peer discovery and the swarm until every piece is
// verified on disk, ctx is canceled, or a fatal storage error occurs.
func (t *Torrent) Download(ctx context.Context) error {
	defer t.store.Close()

	if t.manager.IsComplete() {
		t.log.Info("already complete")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	candidates := make(chan peer.Peer, 64)
	d := discover.New(t.tf, t.peerID, t.cfg.Port, t.announceStats)

	g, ctx := errgroup.WithContext(ctx)

	if t.cfg.UseTrackers {
		g.Go(func() error {
			d.RunTrackers(ctx)
			return nil
		})
	}
	if t.cfg.UseDHT {
		if err := d.RunDHT(ctx); err != nil {
			t.log.WithError(err).Warn("dht startup failed")
		}
	}

	g.Go(func() error {
		for _, p := range t.cfg.Peers {
			select {
			case candidates <- p:
			case <-ctx.Done():
				return nil
			}
		}
		for {
			select {
			case p := <-d.Peers():
				select {
				case candidates <- p:
				case <-ctx.Done():
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		return t.swarm.Run(ctx, candidates)
	})

	g.Go(func() error {
		t.watchCompletion(ctx, cancel)
		return nil
	})

	err := g.Wait()
	if t.manager.IsComplete() {
		t.log.WithField("bytes", t.manager.BytesVerified()).Info("download complete")
		return nil
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// watchCompletion polls piece progress, drives the progress bar and
// cancels the session once the last piece verifies.
func (t *Torrent) watchCompletion(ctx context.Context, cancel context.CancelFunc) {
	var bar *uiprogress.Bar
	if t.cfg.ShowDownloadProgress {
		bar = t.progressBar()
		defer uiprogress.Stop()
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if bar != nil {
			bar.Set(t.manager.PiecesVerified())
		}
		if t.manager.IsComplete() {
			cancel()
			return
		}
	}
}

func (t *Torrent) progressBar() *uiprogress.Bar {
	uiprogress.Start()
	bar := uiprogress.AddBar(t.manager.NumPieces())
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "pieces: " + strconv.Itoa(t.manager.PiecesVerified()) + "/" + strconv.Itoa(t.manager.NumPieces())
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(t.swarm.NumPeers())
	})
	bar.AppendElapsed()
	return bar
}

// Progress returns the verified fraction in [0, 1].
func (t *Torrent) Progress() float64 {
	if t.manager.NumPieces() == 0 {
		return 1
	}
	return float64(t.manager.PiecesVerified()) / float64(t.manager.NumPieces())
}

// BytesVerified returns the number of hash-verified payload bytes.
func (t *Torrent) BytesVerified() int {
	return t.manager.BytesVerified()
}

// IsComplete reports whether every piece is verified on disk.
func (t *Torrent) IsComplete() bool {
	return t.manager.IsComplete()
}

// NumPeers returns the number of live peer connections.
func (t *Torrent) NumPeers() int {
	return t.swarm.NumPeers()
}

// Stalled reports that pieces are missing and no connected peer offers
// any of them. Not fatal: discovery can still surface a peer that does.
func (t *Torrent) Stalled() bool {
	return t.manager.Stalled()
}

// Haves streams piece indices as they verify during Download. Best
// effort: a consumer that falls behind misses events and should consult
// Progress or IsComplete instead.
func (t *Torrent) Haves() <-chan int {
	return t.swarm.Haves()
}
