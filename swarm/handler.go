package swarm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yangkx1024/ytorrent/bitfield"
	"github.com/yangkx1024/ytorrent/message"
	"github.com/yangkx1024/ytorrent/piece"
)

// validBitfieldLength checks that a bitfield payload is exactly the
// size the piece count dictates.
func validBitfieldLength(payload []byte, numPieces int) bool {
	return len(payload) == (numPieces+7)/8
}

// handleMessage routes one decoded inbound message. Returning an error
// drops the connection; piece.ErrStorage additionally aborts the whole
// download.
func (s *Swarm) handleMessage(ctx context.Context, pc *peerConn, msg *message.Message) error {
	defer func() { pc.sawMessage = true }()

	switch msg.ID {
	case message.Choke:
		pc.ch.SetPeerChoking(true)
		released := s.manager.ReleaseRequests(pc.key)
		if released > 0 {
			s.log.WithFields(logrus.Fields{
				"peer":     pc.addr,
				"requeued": released,
			}).Debug("choked by remote")
		}
		return nil

	case message.Unchoke:
		pc.ch.SetPeerChoking(false)
		return s.fillPipeline(pc)

	case message.Interested:
		pc.ch.SetPeerInterested(true)
		return nil

	case message.NotInterested:
		pc.ch.SetPeerInterested(false)
		return nil

	case message.Have:
		index, err := message.ReadHaveMessage(msg)
		if err != nil {
			return err
		}
		if err := s.manager.PeerHas(pc.key, index); err != nil {
			return err
		}
		pc.ch.MarkRemoteHas(index)
		if err := s.updateInterest(pc); err != nil {
			return err
		}
		return s.fillPipeline(pc)

	case message.Bitfield:
		if pc.sawMessage {
			return fmt.Errorf("%w: bitfield after first message", message.ErrMalformed)
		}
		if !validBitfieldLength(msg.Payload, s.manager.NumPieces()) {
			return fmt.Errorf("%w: bitfield length %d for %d pieces",
				message.ErrMalformed, len(msg.Payload), s.manager.NumPieces())
		}
		bf := bitfield.Bitfield(msg.Payload)
		pc.ch.SetRemoteBitfield(bf)
		s.manager.RegisterPeer(pc.key, bf)
		if err := s.updateInterest(pc); err != nil {
			return err
		}
		return s.fillPipeline(pc)

	case message.Request:
		return s.serveRequest(ctx, pc, msg)

	case message.Piece:
		return s.acceptBlock(pc, msg)

	case message.Cancel:
		// blocks are served inline, nothing is ever queued to cancel
		return nil

	case message.Port:
		port, err := message.ReadPortMessage(msg)
		if err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"peer": pc.addr,
			"port": port,
		}).Debug("remote dht port")
		return nil

	default:
		return fmt.Errorf("%w: unknown message id %s", message.ErrMalformed, msg)
	}
}

// fillPipeline tops the peer's request pipeline up to the configured
// depth, respecting the global outstanding cap.
func (s *Swarm) fillPipeline(pc *peerConn) error {
	if pc.ch.PeerChoking() {
		return nil
	}
	for s.manager.PendingFor(pc.key) < s.cfg.PipelineDepth &&
		s.manager.Outstanding() < s.cfg.MaxOutstanding {
		blk, ok := s.manager.NextRequest(pc.key)
		if !ok {
			return nil
		}
		if err := pc.ch.SendRequest(blk.Index, blk.Begin, blk.Length); err != nil {
			return err
		}
	}
	return nil
}

// updateInterest reconciles our interested flag with whether the peer
// still has pieces we need.
func (s *Swarm) updateInterest(pc *peerConn) error {
	want := s.manager.WantsFrom(pc.key)
	switch {
	case want && !pc.ch.AmInterested():
		return pc.ch.SendInterested()
	case !want && pc.ch.AmInterested():
		return pc.ch.SendNotInterested()
	}
	return nil
}

// serveRequest answers an upload request if the peer is unchoked and
// the piece is verified locally. The upload limiter paces the read.
func (s *Swarm) serveRequest(ctx context.Context, pc *peerConn, msg *message.Message) error {
	index, begin, length, err := message.ReadRequestMessage(msg)
	if err != nil {
		return err
	}
	if pc.ch.AmChoking() {
		// requests racing our choke are dropped, not fatal
		return nil
	}
	if !s.manager.HasPiece(index) {
		return fmt.Errorf("%w: request for unverified piece %d", piece.ErrOutOfRange, index)
	}

	if err := s.limiter.WaitN(ctx, length); err != nil {
		return err
	}
	data, err := s.store.ReadBlock(index, begin, length)
	if err != nil {
		return fmt.Errorf("%w: request (%d, %d, %d)", piece.ErrOutOfRange, index, begin, length)
	}
	if err := pc.ch.SendPiece(index, begin, data); err != nil {
		return err
	}
	pc.ch.AddUploaded(length)
	s.uploaded.Add(int64(length))
	return nil
}

// acceptBlock feeds a delivered block into the piece manager and acts
// on the receipt: endgame cancels, have broadcasts and hash-failure
// penalties.
func (s *Swarm) acceptBlock(pc *peerConn, msg *message.Message) error {
	index, begin, block, err := message.ReadPieceMessage(msg)
	if err != nil {
		return err
	}
	pc.ch.AddDownloaded(len(block))
	s.downloaded.Add(int64(len(block)))

	rcpt, err := s.manager.OnBlockReceived(pc.key, index, begin, block)
	if err != nil {
		return err
	}

	for key, blk := range rcpt.Cancels {
		if other := s.connFor(key); other != nil {
			other.ch.SendCancel(blk.Index, blk.Begin, blk.Length)
		}
	}

	if rcpt.HashFailed {
		s.log.WithFields(logrus.Fields{
			"piece":        index,
			"contributors": len(rcpt.Contributors),
		}).Warn("piece failed hash check")
		s.blameFailure(index, rcpt.Contributors)
	}

	if rcpt.Verified {
		s.clearSuspects(index)
		s.log.WithFields(logrus.Fields{
			"piece": index,
			"done":  s.manager.PiecesVerified(),
			"total": s.manager.NumPieces(),
		}).Debug("piece verified")
		s.broadcastHave(index)
		select {
		case s.haves <- index:
		default:
		}
	}

	return s.fillPipeline(pc)
}

// narrowSuspects intersects a piece's previous suspect set with the
// contributors of its latest failed attempt. An address absent from any
// failed attempt cannot be the one corrupting the piece.
func narrowSuspects(prev, latest map[string]bool) map[string]bool {
	if prev == nil {
		return latest
	}
	next := make(map[string]bool)
	for addr := range latest {
		if prev[addr] {
			next[addr] = true
		}
	}
	return next
}

// blameFailure records a failed attempt at a piece and strikes an
// address only once the failure history pins it down unambiguously.
// With endgame duplication an honest peer routinely contributes blocks
// alongside a corrupting one, so a blanket strike would ban the very
// peers able to supply the good copy.
func (s *Swarm) blameFailure(index int, contributors []string) {
	s.mu.Lock()
	latest := make(map[string]bool, len(contributors))
	for _, key := range contributors {
		if pc, ok := s.conns[key]; ok {
			latest[pc.addr] = true
		}
	}
	s.suspects[index] = narrowSuspects(s.suspects[index], latest)

	var dropped []*peerConn
	if len(s.suspects[index]) == 1 {
		var addr string
		for a := range s.suspects[index] {
			addr = a
		}
		delete(s.suspects, index)
		s.strikes[addr]++
		if s.strikes[addr] >= s.cfg.MaxStrikes {
			s.banned[addr] = true
			for _, pc := range s.conns {
				if pc.addr == addr {
					dropped = append(dropped, pc)
				}
			}
		}
	}
	s.mu.Unlock()

	for _, pc := range dropped {
		s.log.WithField("peer", pc.addr).Warn("address banned after repeated hash failures")
		pc.ch.Close()
	}
}

// clearSuspects forgets a piece's failure history once a verifying copy
// lands.
func (s *Swarm) clearSuspects(index int) {
	s.mu.Lock()
	delete(s.suspects, index)
	s.mu.Unlock()
}

// broadcastHave advertises a freshly verified piece to every connection
// and drops interest in peers that have nothing left for us.
func (s *Swarm) broadcastHave(index int) {
	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	for _, pc := range conns {
		pc.ch.SendHave(index)
		s.updateInterest(pc)
	}
}
