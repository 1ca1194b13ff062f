package network

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"dag-consensus/models"
)

// Responder answers a preference query on behalf of a simulated peer.
type Responder func(ctx context.Context, set []models.VertexID) (models.VertexID, error)

// Prefer always answers id.
func Prefer(id models.VertexID) Responder {
	return func(context.Context, []models.VertexID) (models.VertexID, error) {
		return id, nil
	}
}

// PreferLowest answers the lowest id of the queried set.
func PreferLowest() Responder {
	return func(_ context.Context, set []models.VertexID) (models.VertexID, error) {
		if len(set) == 0 {
			return "", nil
		}
		return slices.Min(set), nil
	}
}

// Sequence answers ids in turn, repeating the last one once exhausted.
func Sequence(ids ...models.VertexID) Responder {
	var (
		mux sync.Mutex
		i   int
	)
	return func(context.Context, []models.VertexID) (models.VertexID, error) {
		mux.Lock()
		defer mux.Unlock()

		id := ids[min(i, len(ids)-1)]
		i++
		return id, nil
	}
}

// Silent never answers before the query deadline.
func Silent() Responder {
	return func(ctx context.Context, _ []models.VertexID) (models.VertexID, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
}

// FailFirst times out on the first n queries and then defers to next.
func FailFirst(n int, next Responder) Responder {
	var (
		mux   sync.Mutex
		calls int
	)
	return func(ctx context.Context, set []models.VertexID) (models.VertexID, error) {
		mux.Lock()
		calls++
		fail := calls <= n
		mux.Unlock()

		if fail {
			return "", ErrTimeout
		}
		return next(ctx, set)
	}
}

// Simulated is an in-process network of scripted peers.
type Simulated struct {
	mux     sync.Mutex
	peers   map[models.PeerID]Responder
	order   []models.PeerID
	rnd     *rand.Rand
	samples [][]models.PeerID
	queries map[models.PeerID]int
}

func NewSimulated(seed int64) *Simulated {
	return &Simulated{
		peers:   make(map[models.PeerID]Responder),
		rnd:     rand.New(rand.NewSource(seed)),
		queries: make(map[models.PeerID]int),
	}
}

// AddPeer registers or replaces a peer.
func (s *Simulated) AddPeer(id models.PeerID, r Responder) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.peers[id]; !ok {
		s.order = append(s.order, id)
		slices.Sort(s.order)
	}
	s.peers[id] = r
}

func (s *Simulated) SamplePeers(ctx context.Context, k int, exclude func(models.PeerID) bool) ([]models.PeerID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	out := sample(s.rnd, s.order, k, exclude)
	if len(out) == 0 {
		return nil, ErrNoPeers
	}
	s.samples = append(s.samples, slices.Clone(out))
	return out, nil
}

func (s *Simulated) QueryPreference(ctx context.Context, peer models.PeerID, set []models.VertexID, timeout time.Duration) (models.VertexID, error) {
	s.mux.Lock()
	r, ok := s.peers[peer]
	s.queries[peer]++
	s.mux.Unlock()

	if !ok {
		return "", fmt.Errorf("unknown peer %s", peer)
	}
	return call(ctx, timeout, func(ctx context.Context) (models.VertexID, error) {
		return r(ctx, slices.Clone(set))
	})
}

// Samples returns every sample handed out so far.
func (s *Simulated) Samples() [][]models.PeerID {
	s.mux.Lock()
	defer s.mux.Unlock()

	return slices.Clone(s.samples)
}

// LastSample returns the most recent sample.
func (s *Simulated) LastSample() []models.PeerID {
	s.mux.Lock()
	defer s.mux.Unlock()

	if len(s.samples) == 0 {
		return nil
	}
	return slices.Clone(s.samples[len(s.samples)-1])
}

// Queries returns how many times peer was queried, retries included.
func (s *Simulated) Queries(peer models.PeerID) int {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.queries[peer]
}
