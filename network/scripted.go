package network

import (
	"context"
	"slices"
	"sync"
	"time"

	"dag-consensus/models"
)

// Scripted replays fixed per-round answers. Every SamplePeers call starts a
// round: the i-th sampled peer answers rounds[r][i]; an empty answer is a
// timeout. Rounds past the end of the script repeat the last one.
type Scripted struct {
	mux      sync.Mutex
	peers    []models.PeerID
	rounds   [][]models.VertexID
	round    int
	assigned map[models.PeerID]models.VertexID
}

func NewScripted(peers []models.PeerID, rounds ...[]models.VertexID) *Scripted {
	peers = slices.Clone(peers)
	slices.Sort(peers)
	return &Scripted{peers: peers, rounds: rounds}
}

// SamplePeers returns the first k eligible peers in id order.
func (s *Scripted) SamplePeers(ctx context.Context, k int, exclude func(models.PeerID) bool) ([]models.PeerID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	var sampled []models.PeerID
	for _, p := range s.peers {
		if len(sampled) == k {
			break
		}
		if exclude == nil || !exclude(p) {
			sampled = append(sampled, p)
		}
	}
	if len(sampled) == 0 {
		return nil, ErrNoPeers
	}

	var answers []models.VertexID
	if len(s.rounds) > 0 {
		answers = s.rounds[min(s.round, len(s.rounds)-1)]
	}
	s.round++
	s.assigned = make(map[models.PeerID]models.VertexID, len(sampled))
	for i, p := range sampled {
		if i < len(answers) {
			s.assigned[p] = answers[i]
		}
	}
	return sampled, nil
}

func (s *Scripted) QueryPreference(ctx context.Context, peer models.PeerID, _ []models.VertexID, _ time.Duration) (models.VertexID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	pref, ok := s.assigned[peer]
	if !ok || pref == "" {
		return "", ErrTimeout
	}
	return pref, nil
}

// Rounds returns how many rounds have been sampled.
func (s *Scripted) Rounds() int {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.round
}
