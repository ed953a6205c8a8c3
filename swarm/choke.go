package swarm

import (
	"context"
	"math/rand"
	"sort"
	"time"
)

type chokeCandidate struct {
	key        string
	delta      int64
	interested bool
}

// selectUnchoke picks up to slots winners among the interested
// candidates by bytes received since the last tick. Ties break on key
// so repeated ticks are stable.
func selectUnchoke(cands []chokeCandidate, slots int) []string {
	interested := make([]chokeCandidate, 0, len(cands))
	for _, c := range cands {
		if c.interested {
			interested = append(interested, c)
		}
	}
	sort.Slice(interested, func(i, j int) bool {
		if interested[i].delta != interested[j].delta {
			return interested[i].delta > interested[j].delta
		}
		return interested[i].key < interested[j].key
	})

	if len(interested) > slots {
		interested = interested[:slots]
	}
	winners := make([]string, 0, len(interested))
	for _, c := range interested {
		winners = append(winners, c.key)
	}
	return winners
}

// chokeLoop re-evaluates unchoke slots on a fixed tick and logs when
// the download is stalled.
func (s *Swarm) chokeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ChokeInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tick++
		s.rechoke(tick)
		s.refillPipelines()

		if s.manager.Stalled() && s.NumPeers() > 0 {
			s.log.Warn("download stalled, no connected peer has a missing piece")
		}
	}
}

// rechoke grants the regular slots to the best recent uploaders and
// rotates the optimistic slot every few ticks.
func (s *Swarm) rechoke(tick int) {
	s.mu.Lock()
	cands := make([]chokeCandidate, 0, len(s.conns))
	for key, pc := range s.conns {
		cands = append(cands, chokeCandidate{
			key:        key,
			delta:      pc.ch.TakeDownloadDelta(),
			interested: pc.ch.PeerInterested(),
		})
	}
	optimistic := s.optimistic
	s.mu.Unlock()

	winners := selectUnchoke(cands, s.cfg.UnchokeSlots-1)
	isWinner := make(map[string]bool, len(winners))
	for _, key := range winners {
		isWinner[key] = true
	}

	rotate := s.cfg.OptimisticRotation > 0 && tick%s.cfg.OptimisticRotation == 0
	if optimistic == "" || isWinner[optimistic] || rotate {
		optimistic = pickOptimistic(cands, isWinner)
	}

	s.mu.Lock()
	if _, alive := s.conns[optimistic]; !alive {
		optimistic = ""
	}
	s.optimistic = optimistic
	conns := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	for _, pc := range conns {
		unchoke := isWinner[pc.key] || pc.key == optimistic
		switch {
		case unchoke && pc.ch.AmChoking():
			pc.ch.SendUnchoke()
		case !unchoke && !pc.ch.AmChoking():
			pc.ch.SendChoke()
		}
	}
}

// refillPipelines nudges every connection's request pipeline. Blocks
// requeued by a disconnect or hash failure have no inbound message to
// trigger a refill, so the tick picks them up.
func (s *Swarm) refillPipelines() {
	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	for _, pc := range conns {
		if err := s.fillPipeline(pc); err != nil {
			pc.ch.Close()
		}
	}
}

// pickOptimistic chooses a random interested candidate outside the
// regular slots.
func pickOptimistic(cands []chokeCandidate, isWinner map[string]bool) string {
	var eligible []string
	for _, c := range cands {
		if c.interested && !isWinner[c.key] {
			eligible = append(eligible, c.key)
		}
	}
	if len(eligible) == 0 {
		return ""
	}
	return eligible[rand.Intn(len(eligible))]
}
