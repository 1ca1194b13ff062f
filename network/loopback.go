package network

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"time"

	"dag-consensus/models"
)

var errUnbound = errors.New("loopback network has no preference source")

// PreferenceSource answers which member of a conflict set the local node prefers.
type PreferenceSource interface {
	Preference(set []models.VertexID) models.VertexID
}

// Loopback answers every query with the local node's own preference on behalf
// of a static peer list. It lets a single node run the full round protocol
// without a transport, as in a local development deployment.
type Loopback struct {
	peers []models.PeerID

	mux sync.Mutex
	rnd *rand.Rand
	src PreferenceSource
}

func NewLoopback(peers []models.PeerID, seed int64) *Loopback {
	return &Loopback{
		peers: slices.Clone(peers),
		rnd:   rand.New(rand.NewSource(seed)),
	}
}

// Bind sets the preference source. The engine is usually built after the
// network, so binding happens once both exist.
func (l *Loopback) Bind(src PreferenceSource) {
	l.mux.Lock()
	defer l.mux.Unlock()

	l.src = src
}

func (l *Loopback) SamplePeers(ctx context.Context, k int, exclude func(models.PeerID) bool) ([]models.PeerID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mux.Lock()
	defer l.mux.Unlock()

	out := sample(l.rnd, l.peers, k, exclude)
	if len(out) == 0 {
		return nil, ErrNoPeers
	}
	return out, nil
}

func (l *Loopback) QueryPreference(ctx context.Context, _ models.PeerID, set []models.VertexID, timeout time.Duration) (models.VertexID, error) {
	l.mux.Lock()
	src := l.src
	l.mux.Unlock()

	if src == nil {
		return "", errUnbound
	}
	return call(ctx, timeout, func(context.Context) (models.VertexID, error) {
		return src.Preference(set), nil
	})
}
