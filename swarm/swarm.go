package swarm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yangkx1024/ytorrent/channel"
	"github.com/yangkx1024/ytorrent/message"
	"github.com/yangkx1024/ytorrent/peer"
	"github.com/yangkx1024/ytorrent/piece"
	"github.com/yangkx1024/ytorrent/storage"
)

// Config carries the swarm's policy knobs.
type Config struct {
	// MaxPeers caps simultaneous connections.
	MaxPeers int
	// PipelineDepth is the per-peer cap on in-flight block requests.
	PipelineDepth int
	// MaxOutstanding caps in-flight block requests across all peers.
	MaxOutstanding int
	// ChokeInterval is the period of the choke re-evaluation tick.
	ChokeInterval time.Duration
	// OptimisticRotation rotates the optimistic unchoke slot every Nth tick.
	OptimisticRotation int
	// UnchokeSlots is the total number of unchoked peers, optimistic
	// slot included.
	UnchokeSlots int
	// UploadRate limits served blocks in bytes per second. Zero means
	// unlimited.
	UploadRate int
	// MaxStrikes is the number of failed-hash contributions before an
	// address is banned.
	MaxStrikes int
	// BackoffWindow keeps a failed address out of dialing rotation.
	BackoffWindow time.Duration

	// connection tunables, passed through to every channel
	DialTimeout       time.Duration
	IdleTimeout       time.Duration
	KeepAliveInterval time.Duration
}

var DefaultConfig = Config{
	MaxPeers:           30,
	PipelineDepth:      5,
	MaxOutstanding:     250,
	ChokeInterval:      10 * time.Second,
	OptimisticRotation: 3,
	UnchokeSlots:       5,
	UploadRate:         0,
	MaxStrikes:         2,
	BackoffWindow:      time.Minute,
	DialTimeout:        channel.DefaultOptions.DialTimeout,
	IdleTimeout:        channel.DefaultOptions.IdleTimeout,
	KeepAliveInterval:  channel.DefaultOptions.KeepAliveInterval,
}

type peerConn struct {
	key  string
	ch   *channel.Channel
	addr string

	// whether any message arrived yet; a bitfield is only legal first
	sawMessage bool
}

// Swarm drives every peer connection of one torrent: it dials
// discovered addresses, runs one goroutine per connection, routes
// messages into the piece manager and runs the periodic choke
// algorithm.
type Swarm struct {
	cfg      Config
	infoHash [20]byte
	peerID   [20]byte
	manager  *piece.Manager
	store    storage.Storage
	limiter  *rate.Limiter
	log      *logrus.Entry

	// verified piece indices for outside observers; sends never block,
	// a slow consumer misses events and should fall back to the bitfield
	haves chan int

	mu         sync.Mutex
	conns      map[string]*peerConn    // by peer key
	addrs      map[string]bool         // connected addresses
	backoff    map[string]time.Time    // addr -> earliest redial
	suspects   map[int]map[string]bool // piece index -> addrs possibly corrupting it
	strikes    map[string]int          // addr -> attributed hash failures
	banned     map[string]bool
	optimistic string // peer key holding the optimistic unchoke slot

	downloaded atomic.Int64
	uploaded   atomic.Int64
}

func New(infoHash, peerID [20]byte, manager *piece.Manager, store storage.Storage, cfg Config, log *logrus.Entry) *Swarm {
	limit := rate.Inf
	burst := 0
	if cfg.UploadRate > 0 {
		limit = rate.Limit(cfg.UploadRate)
		burst = cfg.UploadRate
	}
	return &Swarm{
		cfg:      cfg,
		infoHash: infoHash,
		peerID:   peerID,
		manager:  manager,
		store:    store,
		limiter:  rate.NewLimiter(limit, burst),
		log:      log,
		haves:    make(chan int, 64),
		conns:    make(map[string]*peerConn),
		addrs:    make(map[string]bool),
		backoff:  make(map[string]time.Time),
		suspects: make(map[int]map[string]bool),
		strikes:  make(map[string]int),
		banned:   make(map[string]bool),
	}
}

// Run consumes discovered addresses and manages connections until ctx
// is canceled or a download-fatal error occurs. Per-peer failures only
// drop that peer.
func (s *Swarm) Run(ctx context.Context, candidates <-chan peer.Peer) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.chokeLoop(ctx)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case p := <-candidates:
				if s.admit(p.String()) {
					g.Go(func() error {
						return s.runPeer(ctx, p)
					})
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// admit decides whether an address is worth dialing right now and, if
// so, reserves it.
func (s *Swarm) admit(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.conns) >= s.cfg.MaxPeers || s.addrs[addr] || s.banned[addr] {
		return false
	}
	if until, ok := s.backoff[addr]; ok && time.Now().Before(until) {
		return false
	}
	s.addrs[addr] = true
	return true
}

func (s *Swarm) channelOptions() channel.Options {
	opts := channel.DefaultOptions
	if s.cfg.DialTimeout > 0 {
		opts.DialTimeout = s.cfg.DialTimeout
	}
	if s.cfg.IdleTimeout > 0 {
		opts.IdleTimeout = s.cfg.IdleTimeout
	}
	if s.cfg.KeepAliveInterval > 0 {
		opts.KeepAliveInterval = s.cfg.KeepAliveInterval
	}
	return opts
}

// runPeer owns one connection from dial to teardown. It returns an
// error only when the failure is download-fatal.
func (s *Swarm) runPeer(ctx context.Context, p peer.Peer) error {
	addr := p.String()
	log := s.log.WithField("peer", addr)

	ch, err := channel.New(p, s.peerID, s.infoHash, s.manager.NumPieces(), s.channelOptions())
	if err != nil {
		log.WithError(err).Debug("dial failed")
		s.mu.Lock()
		delete(s.addrs, addr)
		s.backoff[addr] = time.Now().Add(s.cfg.BackoffWindow)
		s.mu.Unlock()
		return nil
	}

	pc := &peerConn{key: uuid.NewString(), ch: ch, addr: addr}
	s.mu.Lock()
	s.conns[pc.key] = pc
	s.mu.Unlock()
	log = log.WithField("key", pc.key[:8])
	log.Debug("connected")

	defer func() {
		released := s.manager.OnPeerDisconnected(pc.key)
		s.mu.Lock()
		delete(s.conns, pc.key)
		delete(s.addrs, addr)
		if s.optimistic == pc.key {
			s.optimistic = ""
		}
		s.mu.Unlock()
		if released > 0 {
			log.WithField("requeued", released).Debug("disconnected")
		}
	}()

	if s.manager.PiecesVerified() > 0 {
		if err := ch.SendBitfield(s.manager.Bitfield()); err != nil {
			return nil
		}
	}

	err = ch.Run(ctx, func(msg *message.Message) error {
		return s.handleMessage(ctx, pc, msg)
	})
	if errors.Is(err, piece.ErrStorage) {
		log.WithError(err).Error("storage failure, aborting download")
		return err
	}
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Debug("connection closed")
	}
	return nil
}

// connFor resolves a peer key while holding no caller locks.
func (s *Swarm) connFor(key string) *peerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[key]
}

// NumPeers returns the number of live connections.
func (s *Swarm) NumPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Haves streams freshly verified piece indices.
func (s *Swarm) Haves() <-chan int {
	return s.haves
}

// Downloaded returns total payload bytes received from the swarm.
func (s *Swarm) Downloaded() int64 { return s.downloaded.Load() }

// Uploaded returns total payload bytes served to the swarm.
func (s *Swarm) Uploaded() int64 { return s.uploaded.Load() }
