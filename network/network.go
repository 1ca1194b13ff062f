// Package network defines what the consensus engine needs from the peer
// transport and provides in-process implementations for simulation, tests and
// single-node operation. The engine never opens connections itself.
package network

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"time"

	"dag-consensus/models"
)

var (
	// ErrTimeout means the peer did not answer within the query timeout. The
	// caller treats it as an abstention.
	ErrTimeout = errors.New("peer query timed out")
	ErrNoPeers = errors.New("no peers available to sample")
)

type Network interface {
	// SamplePeers returns up to k distinct peers for which exclude is false.
	SamplePeers(ctx context.Context, k int, exclude func(models.PeerID) bool) ([]models.PeerID, error)
	// QueryPreference asks peer which member of set it prefers.
	QueryPreference(ctx context.Context, peer models.PeerID, set []models.VertexID, timeout time.Duration) (models.VertexID, error)
}

// sample picks up to k of the eligible peers uniformly without replacement,
// returned sorted.
func sample(rnd *rand.Rand, peers []models.PeerID, k int, exclude func(models.PeerID) bool) []models.PeerID {
	eligible := make([]models.PeerID, 0, len(peers))
	for _, p := range peers {
		if exclude == nil || !exclude(p) {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) > k {
		rnd.Shuffle(len(eligible), func(i, j int) {
			eligible[i], eligible[j] = eligible[j], eligible[i]
		})
		eligible = eligible[:k]
	}
	slices.Sort(eligible)
	return eligible
}

// call runs fn under timeout and maps an expired deadline to ErrTimeout.
func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (models.VertexID, error)) (models.VertexID, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		pref models.VertexID
		err  error
	}
	done := make(chan result, 1)
	go func() {
		pref, err := fn(ctx)
		done <- result{pref, err}
	}()

	select {
	case r := <-done:
		if errors.Is(r.err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return r.pref, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}
