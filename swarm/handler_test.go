package swarm

import (
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/yangkx1024/ytorrent/channel"
)

func blameSwarm(maxStrikes int) *Swarm {
	cfg := DefaultConfig
	cfg.MaxStrikes = maxStrikes
	s := New([20]byte{}, [20]byte{}, nil, nil, cfg, logrus.NewEntry(logrus.New()))
	s.conns["good"] = &peerConn{key: "good", ch: &channel.Channel{}, addr: "10.0.0.1:6881"}
	s.conns["evil"] = &peerConn{key: "evil", ch: &channel.Channel{}, addr: "10.0.0.2:6881"}
	return s
}

func TestNarrowSuspects(t *testing.T) {
	first := map[string]bool{"a": true, "b": true}
	if got := narrowSuspects(nil, first); !reflect.DeepEqual(got, first) {
		t.Errorf("first failure should suspect every contributor, got %v", got)
	}

	next := narrowSuspects(first, map[string]bool{"b": true, "c": true})
	if !reflect.DeepEqual(next, map[string]bool{"b": true}) {
		t.Errorf("expected intersection {b}, got %v", next)
	}

	if got := narrowSuspects(next, map[string]bool{"c": true}); len(got) != 0 {
		t.Errorf("disjoint attempts should leave no suspects, got %v", got)
	}
}

func TestBlameFailureSparesAmbiguousContributors(t *testing.T) {
	s := blameSwarm(1)

	// both peers contributed blocks to the failed piece: neither can be
	// singled out, so neither is struck
	s.blameFailure(3, []string{"good", "evil"})
	if len(s.strikes) != 0 || len(s.banned) != 0 {
		t.Fatalf("ambiguous failure must not strike anyone: strikes=%v banned=%v", s.strikes, s.banned)
	}

	// the retry fails again with blocks from one address alone
	s.blameFailure(3, []string{"evil"})
	if !s.banned["10.0.0.2:6881"] {
		t.Errorf("expected the lone remaining suspect banned, got %v", s.banned)
	}
	if s.strikes["10.0.0.1:6881"] != 0 || s.banned["10.0.0.1:6881"] {
		t.Errorf("honest address must stay unblamed: strikes=%v banned=%v", s.strikes, s.banned)
	}
	if _, ok := s.suspects[3]; ok {
		t.Errorf("suspect set must be dropped once blame is assigned")
	}
}

func TestBlameFailureStrikesSingleContributor(t *testing.T) {
	s := blameSwarm(2)

	s.blameFailure(0, []string{"evil"})
	if s.strikes["10.0.0.2:6881"] != 1 || len(s.banned) != 0 {
		t.Fatalf("one strike expected before the limit: strikes=%v banned=%v", s.strikes, s.banned)
	}
	s.blameFailure(1, []string{"evil"})
	if !s.banned["10.0.0.2:6881"] {
		t.Errorf("expected ban at the strike limit, got %v", s.banned)
	}
}

func TestClearSuspectsForgetsFailureHistory(t *testing.T) {
	s := blameSwarm(1)

	s.blameFailure(2, []string{"good", "evil"})
	if len(s.suspects[2]) != 2 {
		t.Fatalf("expected both addresses suspected, got %v", s.suspects[2])
	}
	s.clearSuspects(2)
	if _, ok := s.suspects[2]; ok {
		t.Errorf("verified piece must clear its suspect set")
	}
}
