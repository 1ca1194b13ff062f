package network

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dag-consensus/models"
)

var peers = []models.PeerID{"p3", "p1", "p5", "p2", "p4"}

func TestSimulatedSamplingHonoursExclusion(t *testing.T) {
	require := require.New(t)

	s := NewSimulated(42)
	for _, p := range peers {
		s.AddPeer(p, Prefer("A"))
	}
	ctx := context.Background()

	all, err := s.SamplePeers(ctx, 10, nil)
	require.NoError(err)
	require.Equal([]models.PeerID{"p1", "p2", "p3", "p4", "p5"}, all)

	for range 20 {
		got, err := s.SamplePeers(ctx, 3, func(p models.PeerID) bool { return p == "p2" })
		require.NoError(err)
		require.Len(got, 3)
		require.NotContains(got, models.PeerID("p2"))
		require.True(slices.IsSorted(got))
	}
	require.Len(s.Samples(), 21)

	_, err = s.SamplePeers(ctx, 3, func(models.PeerID) bool { return true })
	require.ErrorIs(err, ErrNoPeers)
}

func TestSimulatedSamplingIsSeeded(t *testing.T) {
	require := require.New(t)

	run := func() [][]models.PeerID {
		s := NewSimulated(7)
		for _, p := range peers {
			s.AddPeer(p, Prefer("A"))
		}
		for range 5 {
			_, err := s.SamplePeers(context.Background(), 2, nil)
			require.NoError(err)
		}
		return s.Samples()
	}
	require.Equal(run(), run())
}

func TestSimulatedQueryTimeouts(t *testing.T) {
	require := require.New(t)

	s := NewSimulated(1)
	s.AddPeer("slow", Silent())
	s.AddPeer("flaky", FailFirst(1, Prefer("B")))
	ctx := context.Background()

	_, err := s.QueryPreference(ctx, "slow", []models.VertexID{"A"}, 10*time.Millisecond)
	require.ErrorIs(err, ErrTimeout)

	_, err = s.QueryPreference(ctx, "flaky", []models.VertexID{"B"}, time.Second)
	require.ErrorIs(err, ErrTimeout)
	pref, err := s.QueryPreference(ctx, "flaky", []models.VertexID{"B"}, time.Second)
	require.NoError(err)
	require.Equal(models.VertexID("B"), pref)
	require.Equal(2, s.Queries("flaky"))

	_, err = s.QueryPreference(ctx, "nobody", nil, time.Second)
	require.Error(err)
}

func TestSimulatedCancellationIsNotATimeout(t *testing.T) {
	s := NewSimulated(1)
	s.AddPeer("slow", Silent())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.QueryPreference(ctx, "slow", nil, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestResponders(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	pref, err := PreferLowest()(ctx, []models.VertexID{"C", "A", "B"})
	require.NoError(err)
	require.Equal(models.VertexID("A"), pref)

	seq := Sequence("A", "B")
	for _, want := range []models.VertexID{"A", "B", "B"} {
		got, err := seq(ctx, nil)
		require.NoError(err)
		require.Equal(want, got)
	}
}

func TestScriptedRounds(t *testing.T) {
	require := require.New(t)

	s := NewScripted(peers,
		[]models.VertexID{"A", "B", ""},
		[]models.VertexID{"C"},
	)
	ctx := context.Background()

	got, err := s.SamplePeers(ctx, 3, nil)
	require.NoError(err)
	require.Equal([]models.PeerID{"p1", "p2", "p3"}, got)
	for i, want := range []models.VertexID{"A", "B"} {
		pref, err := s.QueryPreference(ctx, got[i], nil, 0)
		require.NoError(err)
		require.Equal(want, pref)
	}
	_, err = s.QueryPreference(ctx, "p3", nil, 0)
	require.ErrorIs(err, ErrTimeout)

	got, err = s.SamplePeers(ctx, 2, func(p models.PeerID) bool { return p == "p1" })
	require.NoError(err)
	require.Equal([]models.PeerID{"p2", "p3"}, got)
	pref, err := s.QueryPreference(ctx, "p2", nil, 0)
	require.NoError(err)
	require.Equal(models.VertexID("C"), pref)
	_, err = s.QueryPreference(ctx, "p3", nil, 0)
	require.ErrorIs(err, ErrTimeout, "short row leaves later peers silent")

	// past the end the last round repeats
	_, err = s.SamplePeers(ctx, 1, nil)
	require.NoError(err)
	pref, err = s.QueryPreference(ctx, "p1", nil, 0)
	require.NoError(err)
	require.Equal(models.VertexID("C"), pref)
	require.Equal(3, s.Rounds())
}

type fixedPreference models.VertexID

func (f fixedPreference) Preference([]models.VertexID) models.VertexID {
	return models.VertexID(f)
}

func TestLoopback(t *testing.T) {
	require := require.New(t)

	l := NewLoopback([]models.PeerID{"a", "b", "c"}, 1)
	ctx := context.Background()

	_, err := l.QueryPreference(ctx, "a", []models.VertexID{"X"}, time.Second)
	require.ErrorIs(err, errUnbound)

	l.Bind(fixedPreference("X"))
	got, err := l.SamplePeers(ctx, 2, nil)
	require.NoError(err)
	require.Len(got, 2)

	pref, err := l.QueryPreference(ctx, got[0], []models.VertexID{"X", "Y"}, time.Second)
	require.NoError(err)
	require.Equal(models.VertexID("X"), pref)
}
