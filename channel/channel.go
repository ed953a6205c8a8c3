package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ztrue/tracerr"

	"github.com/yangkx1024/ytorrent/bitfield"
	"github.com/yangkx1024/ytorrent/handshake"
	"github.com/yangkx1024/ytorrent/message"
	"github.com/yangkx1024/ytorrent/peer"
)

// State tracks the connection lifecycle. Closed is terminal.
type State int

const (
	Connecting State = iota
	Handshaking
	Open
	Closed
)

// ErrIdleTimeout marks a remote that sent nothing for the configured
// window. Treated as an ordinary disconnect; the address stays eligible
// for reconnection.
var ErrIdleTimeout = errors.New("channel: idle timeout")

// Options carries the connection tunables.
type Options struct {
	DialTimeout       time.Duration
	IdleTimeout       time.Duration
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
}

var DefaultOptions = Options{
	DialTimeout:       5 * time.Second,
	IdleTimeout:       2 * time.Minute,
	KeepAliveInterval: 90 * time.Second,
	WriteTimeout:      10 * time.Second,
}

// Channel owns one TCP byte stream to one remote peer: it performs the
// handshake, frames messages in both directions, keeps the four
// choke/interest flags, and feeds decoded inbound messages to a handler
// until the connection dies.
type Channel struct {
	Conn     net.Conn
	Bitfield bitfield.Bitfield // remote's advertised pieces

	peer     peer.Peer
	opts     Options
	remoteID [20]byte

	mu             sync.Mutex // guards flags, state and Bitfield updates
	state          State
	amChoking      bool
	peerChoking    bool
	amInterested   bool
	peerInterested bool

	wmu sync.Mutex // serializes frame writes

	downloaded atomic.Int64
	uploaded   atomic.Int64
	lastSnap   int64 // read only by the choke tick

	closeOnce sync.Once
	closeErr  error
}

// New dials the peer and runs the 68-byte handshake exchange. The
// remote's bitfield arrives later as an ordinary message; until then it
// reports no pieces. A mismatched info hash surfaces as
// handshake.ErrInfoHashMismatch.
func New(p peer.Peer, peerID, infoHash [20]byte, numPieces int, opts Options) (*Channel, error) {
	ch := &Channel{
		peer:        p,
		opts:        opts,
		state:       Connecting,
		Bitfield:    bitfield.New(numPieces),
		amChoking:   true,
		peerChoking: true,
	}

	conn, err := net.DialTimeout("tcp", p.String(), opts.DialTimeout)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	ch.Conn = conn
	ch.state = Handshaking

	if err := ch.completeHandshake(infoHash, peerID); err != nil {
		conn.Close()
		return nil, err
	}
	ch.state = Open
	return ch, nil
}

func (ch *Channel) completeHandshake(infoHash, peerID [20]byte) error {
	ch.Conn.SetDeadline(time.Now().Add(ch.opts.DialTimeout))
	defer ch.Conn.SetDeadline(time.Time{})

	request := handshake.New(infoHash, peerID)
	if _, err := ch.Conn.Write(request.Serialize()); err != nil {
		return tracerr.Wrap(err)
	}

	result, err := handshake.Read(ch.Conn)
	if err != nil {
		return err
	}
	if err := result.Verify(infoHash); err != nil {
		return err
	}
	ch.remoteID = result.PeerID
	return nil
}

// Run reads and dispatches inbound messages until the connection fails,
// the handler rejects a message, or ctx is canceled. Keep-alives are
// consumed here and sent periodically from a side goroutine. Run always
// leaves the channel Closed.
func (ch *Channel) Run(ctx context.Context, handle func(*message.Message) error) error {
	defer ch.Close()

	done := make(chan struct{})
	defer close(done)

	// unblock the read loop on cancellation or exit
	go func() {
		select {
		case <-ctx.Done():
			ch.Close()
		case <-done:
		}
	}()

	go ch.keepAliveLoop(done)

	for {
		ch.Conn.SetReadDeadline(time.Now().Add(ch.opts.IdleTimeout))
		msg, err := message.Read(ch.Conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if netErr, ok := tracerr.Unwrap(err).(net.Error); ok && netErr.Timeout() {
				return ErrIdleTimeout
			}
			return err
		}
		if msg == nil {
			continue // keep-alive, the deadline reset is all it carries
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
}

func (ch *Channel) keepAliveLoop(done <-chan struct{}) {
	ticker := time.NewTicker(ch.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ch.SendKeepAlive()
		case <-done:
			return
		}
	}
}

func (ch *Channel) send(msg *message.Message) error {
	ch.wmu.Lock()
	defer ch.wmu.Unlock()

	ch.Conn.SetWriteDeadline(time.Now().Add(ch.opts.WriteTimeout))
	defer ch.Conn.SetWriteDeadline(time.Time{})
	_, err := ch.Conn.Write(msg.Serialize())
	return tracerr.Wrap(err)
}

func (ch *Channel) SendKeepAlive() error {
	return ch.send(nil)
}

func (ch *Channel) SendRequest(index, begin, length int) error {
	return ch.send(message.CreateRequestMessage(index, begin, length))
}

func (ch *Channel) SendCancel(index, begin, length int) error {
	return ch.send(message.CreateCancelMessage(index, begin, length))
}

func (ch *Channel) SendHave(index int) error {
	return ch.send(message.CreateHaveMessage(index))
}

func (ch *Channel) SendPiece(index, begin int, block []byte) error {
	return ch.send(message.CreatePieceMessage(index, begin, block))
}

func (ch *Channel) SendBitfield(bf bitfield.Bitfield) error {
	return ch.send(&message.Message{ID: message.Bitfield, Payload: bf})
}

func (ch *Channel) SendInterested() error {
	ch.setFlag(&ch.amInterested, true)
	return ch.send(&message.Message{ID: message.Interested})
}

func (ch *Channel) SendNotInterested() error {
	ch.setFlag(&ch.amInterested, false)
	return ch.send(&message.Message{ID: message.NotInterested})
}

func (ch *Channel) SendChoke() error {
	ch.setFlag(&ch.amChoking, true)
	return ch.send(&message.Message{ID: message.Choke})
}

func (ch *Channel) SendUnchoke() error {
	ch.setFlag(&ch.amChoking, false)
	return ch.send(&message.Message{ID: message.Unchoke})
}

func (ch *Channel) setFlag(flag *bool, value bool) {
	ch.mu.Lock()
	*flag = value
	ch.mu.Unlock()
}

func (ch *Channel) SetPeerChoking(v bool)    { ch.setFlag(&ch.peerChoking, v) }
func (ch *Channel) SetPeerInterested(v bool) { ch.setFlag(&ch.peerInterested, v) }

func (ch *Channel) AmChoking() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.amChoking
}

func (ch *Channel) PeerChoking() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.peerChoking
}

func (ch *Channel) AmInterested() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.amInterested
}

func (ch *Channel) PeerInterested() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.peerInterested
}

// SetRemoteBitfield replaces the remote's piece set, once, when the
// bitfield message arrives.
func (ch *Channel) SetRemoteBitfield(bf bitfield.Bitfield) {
	ch.mu.Lock()
	ch.Bitfield = bf
	ch.mu.Unlock()
}

// MarkRemoteHas records a have announcement.
func (ch *Channel) MarkRemoteHas(index int) {
	ch.mu.Lock()
	ch.Bitfield.SetPiece(index)
	ch.mu.Unlock()
}

func (ch *Channel) AddDownloaded(n int) { ch.downloaded.Add(int64(n)) }
func (ch *Channel) AddUploaded(n int)   { ch.uploaded.Add(int64(n)) }

func (ch *Channel) Downloaded() int64 { return ch.downloaded.Load() }
func (ch *Channel) Uploaded() int64   { return ch.uploaded.Load() }

// TakeDownloadDelta returns bytes received since the previous call.
// Only the choke tick calls this.
func (ch *Channel) TakeDownloadDelta() int64 {
	current := ch.downloaded.Load()
	delta := current - ch.lastSnap
	ch.lastSnap = current
	return delta
}

// RemoteID returns the peer id presented in the remote's handshake.
func (ch *Channel) RemoteID() [20]byte {
	return ch.remoteID
}

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Addr returns the remote address in ip:port form.
func (ch *Channel) Addr() string {
	return ch.peer.String()
}

// Close tears the connection down. Safe to call from any goroutine and
// more than once.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.state = Closed
		ch.mu.Unlock()
		if ch.Conn != nil {
			ch.closeErr = ch.Conn.Close()
		}
	})
	return ch.closeErr
}
