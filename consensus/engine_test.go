package consensus_test

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dag-consensus/byzantine"
	"dag-consensus/consensus"
	"dag-consensus/dag"
	"dag-consensus/dagtest"
	"dag-consensus/db"
	"dag-consensus/models"
	"dag-consensus/network"
	"dag-consensus/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/syndtr/goleveldb/leveldb.(*DB).mpoolDrain"),
	)
}

var fivePeers = []models.PeerID{"p1", "p2", "p3", "p4", "p5"}

func params(k, alpha, beta int) consensus.Parameters {
	return consensus.Parameters{
		K:             k,
		Alpha:         alpha,
		Beta:          beta,
		QueryTimeout:  50 * time.Millisecond,
		RoundInterval: 2 * time.Millisecond,
		Workers:       4,
		MaxActiveSets: 64,
	}
}

func newEngine(t testing.TB, p consensus.Parameters, net network.Network, repo consensus.Repository) *consensus.Engine {
	cfg := consensus.Config{
		Parameters: p,
		Byzantine:  byzantine.DefaultConfig(),
		Tips:       dag.SelectorConfig{Seed: 1},
	}
	e, err := consensus.New(cfg, dagtest.Crypto{}, net, repo, nil)
	require.NoError(t, err)
	return e
}

func insert(t testing.TB, e *consensus.Engine, vertices ...*models.Vertex) {
	for _, v := range vertices {
		_, _, err := e.Insert(context.Background(), v)
		require.NoError(t, err, v.ID)
	}
}

func honestNetwork(seed int64, peers ...models.PeerID) *network.Simulated {
	net := network.NewSimulated(seed)
	for _, p := range peers {
		net.AddPeer(p, network.PreferLowest())
	}
	return net
}

func requireStatus(t testing.TB, e *consensus.Engine, want models.Status, ids ...models.VertexID) {
	t.Helper()
	for _, id := range ids {
		got, ok := e.StatusOf(id)
		require.True(t, ok, id)
		require.Equal(t, want, got, id)
	}
}

func TestConflictingPairIsDecided(t *testing.T) {
	require := require.New(t)

	row := func(ids ...models.VertexID) []models.VertexID { return ids }
	net := network.NewScripted(fivePeers,
		row("A", "A", "A", "B"),
		row("A", "A", "A", "A"),
	)
	e := newEngine(t, params(4, 3, 2), net, nil)
	insert(t, e,
		dagtest.Genesis(),
		dagtest.Vertex("A", []string{"x"}, "G"),
		dagtest.Vertex("B", []string{"x"}, "G"),
	)
	require.Equal([]models.VertexID{"A", "B"}, e.ConflictSetOf("B"))
	requireStatus(t, e, models.Final, "G")
	requireStatus(t, e, models.Pending, "A", "B")

	outs, err := e.Step(context.Background())
	require.NoError(err)
	require.Len(outs, 1)
	require.True(outs[0].Successful)
	require.Equal(models.VertexID("A"), outs[0].Winner)
	require.Equal(3, outs[0].Votes)
	requireStatus(t, e, models.Accepted, "A")
	requireStatus(t, e, models.Pending, "B")

	outs, err = e.Step(context.Background())
	require.NoError(err)
	require.Len(outs, 1)
	requireStatus(t, e, models.Final, "A")
	requireStatus(t, e, models.Rejected, "B")
	require.Equal([]models.VertexID{"G", "A"}, e.Finalized())

	report := e.Status()
	require.Equal(2, report.FinalizedHeight)
	require.Equal(1, report.RejectedCount)
	require.Equal(3, report.VertexCount)
	require.Zero(report.ActiveConflictSets)
	require.Equal(2, net.Rounds())
}

func TestUncontestedVerticesFinalizeWithinBeta(t *testing.T) {
	require := require.New(t)

	const beta = 3
	e := newEngine(t, params(4, 3, beta), honestNetwork(1, fivePeers...), nil)
	insert(t, e, dagtest.Genesis())
	prev := models.VertexID("G")
	var chain []models.VertexID
	for i := range 5 {
		id := fmt.Sprintf("v%d", i)
		insert(t, e, dagtest.Vertex(id, nil, prev))
		prev = models.VertexID(id)
		chain = append(chain, prev)
	}
	require.Equal(5, e.Status().ActiveConflictSets)

	for range beta {
		_, err := e.Step(context.Background())
		require.NoError(err)
	}
	requireStatus(t, e, models.Final, chain...)
	require.Equal(append([]models.VertexID{"G"}, chain...), e.Finalized())
}

func TestDescendantOfLosingBranchIsRetiredWithoutRound(t *testing.T) {
	require := require.New(t)

	e := newEngine(t, params(4, 3, 2), honestNetwork(2, fivePeers[:4]...), nil)
	insert(t, e,
		dagtest.Genesis(),
		dagtest.Vertex("A", []string{"x"}, "G"),
		dagtest.Vertex("B", []string{"x"}, "G"),
		dagtest.Vertex("C", nil, "B"),
	)
	require.Equal(2, e.Status().ActiveConflictSets)

	outs, err := e.Step(context.Background())
	require.NoError(err)
	require.Len(outs, 2)
	requireStatus(t, e, models.Accepted, "A", "C")

	_, err = e.Step(context.Background())
	require.NoError(err)
	requireStatus(t, e, models.Final, "A")
	requireStatus(t, e, models.Rejected, "B", "C")

	outs, err = e.Step(context.Background())
	require.NoError(err)
	require.Empty(outs)
	require.Zero(e.Status().ActiveConflictSets)
}

func TestFlipFlopperIsExcluded(t *testing.T) {
	require := require.New(t)

	net := honestNetwork(3, fivePeers[:4]...)
	net.AddPeer("p5", network.Sequence("A", "B", "A", "B", "A", "B", "A", "B", "A", "B"))
	e := newEngine(t, params(5, 3, 10), net, nil)
	insert(t, e,
		dagtest.Genesis(),
		dagtest.Vertex("A", []string{"x"}, "G"),
		dagtest.Vertex("B", []string{"x"}, "G"),
	)

	var excluded []models.PeerID
	for round := range 10 {
		res, err := e.Step(context.Background())
		require.NoError(err)
		require.Len(res, 1, "round %d", round)
		require.True(res[0].Successful)
		excluded = append(excluded, res[0].Excluded...)
	}

	require.Equal([]models.PeerID{"p5"}, excluded)
	require.True(e.Reputation("p5").Excluded)
	require.False(e.Reputation("p1").Excluded)
	require.Equal(1, e.Status().ExcludedPeers)
	require.True(e.Tolerated(len(fivePeers)))
	require.Len(net.LastSample(), 4)
	requireStatus(t, e, models.Final, "A")
	requireStatus(t, e, models.Rejected, "B")
}

// preferHighest is an adversary pushing the member honest peers vote against.
func preferHighest() network.Responder {
	return func(_ context.Context, set []models.VertexID) (models.VertexID, error) {
		return slices.Max(set), nil
	}
}

func TestEnginesAgreeUnderBoundedAdversary(t *testing.T) {
	vertices := map[models.VertexID]*models.Vertex{
		"G": dagtest.Genesis(),
		"A": dagtest.Vertex("A", []string{"x"}, "G"),
		"B": dagtest.Vertex("B", []string{"x"}, "G"),
		"C": dagtest.Vertex("C", []string{"y"}, "G"),
		"D": dagtest.Vertex("D", []string{"y"}, "G"),
		"E": dagtest.Vertex("E", []string{"y"}, "G"),
		"F": dagtest.Vertex("F", nil, "A"),
		"H": dagtest.Vertex("H", nil, "C", "F"),
	}
	orders := [][]models.VertexID{
		{"G", "A", "B", "C", "D", "E", "F", "H"},
		{"G", "E", "D", "B", "C", "A", "F", "H"},
	}
	var peers []models.PeerID
	for i := range 9 {
		peers = append(peers, models.PeerID(fmt.Sprintf("p%d", i)))
	}

	for seed := range int64(5) {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			require := require.New(t)

			var engines []*consensus.Engine
			for i, order := range orders {
				net := network.NewSimulated(seed*10 + int64(i))
				for j, p := range peers {
					if j < 2 {
						net.AddPeer(p, preferHighest())
					} else {
						net.AddPeer(p, network.PreferLowest())
					}
				}
				e := newEngine(t, params(6, 4, 3), net, nil)
				for _, id := range order {
					insert(t, e, vertices[id])
				}
				engines = append(engines, e)
			}

			for _, e := range engines {
				for range 50 {
					if e.Status().ActiveConflictSets == 0 {
						break
					}
					_, err := e.Step(context.Background())
					require.NoError(err)
				}
				require.Zero(e.Status().ActiveConflictSets)
				requireStatus(t, e, models.Final, "G", "A", "C", "F", "H")
				requireStatus(t, e, models.Rejected, "B", "D", "E")
			}

			// same finalized set on both, and in a valid order on each
			for _, e := range engines {
				pos := make(map[models.VertexID]int)
				for i, id := range e.Finalized() {
					pos[id] = i
				}
				for id, i := range pos {
					for _, p := range vertices[id].Parents {
						require.Less(pos[p], i, "%s before parent %s", id, p)
					}
				}
			}
			a, b := slices.Clone(engines[0].Finalized()), slices.Clone(engines[1].Finalized())
			slices.Sort(a)
			slices.Sort(b)
			require.Equal(a, b)
		})
	}
}

func TestBacklogIsPromotedAsSetsRetire(t *testing.T) {
	require := require.New(t)

	p := params(4, 3, 2)
	p.MaxActiveSets = 1
	e := newEngine(t, p, honestNetwork(4, fivePeers...), nil)
	insert(t, e,
		dagtest.Genesis(),
		dagtest.Vertex("A", nil, "G"),
		dagtest.Vertex("B", nil, "G"),
		dagtest.Vertex("C", nil, "G"),
	)

	report := e.Status()
	require.Equal(1, report.ActiveConflictSets)
	require.Equal(2, report.QueuedConflictSets)
	require.Equal(4, report.VertexCount, "the backlog never refuses a vertex")

	for range 2 {
		_, err := e.Step(context.Background())
		require.NoError(err)
	}
	report = e.Status()
	require.Equal(1, report.ActiveConflictSets)
	require.Equal(1, report.QueuedConflictSets)
	requireStatus(t, e, models.Final, "A")

	for range 4 {
		_, err := e.Step(context.Background())
		require.NoError(err)
	}
	report = e.Status()
	require.Zero(report.ActiveConflictSets)
	require.Zero(report.QueuedConflictSets)
	requireStatus(t, e, models.Final, "A", "B", "C")
}

func TestRunReachesFinality(t *testing.T) {
	require := require.New(t)

	net := network.NewLoopback(fivePeers, 5)
	e := newEngine(t, params(5, 4, 3), net, nil)
	net.Bind(e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	insert(t, e,
		dagtest.Genesis(),
		dagtest.Vertex("A", []string{"x"}, "G"),
		dagtest.Vertex("B", []string{"x"}, "G"),
		dagtest.Vertex("C", nil, "A"),
	)

	require.Eventually(func() bool {
		a, _ := e.StatusOf("A")
		c, _ := e.StatusOf("C")
		return a == models.Final && c == models.Final
	}, 5*time.Second, 5*time.Millisecond)
	requireStatus(t, e, models.Rejected, "B")
	require.ErrorIs(e.Run(ctx), consensus.ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(5 * time.Second):
		require.Fail("engine did not stop")
	}
}

func TestCheckpointAndRestore(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ldb, err := db.NewMemLevelDB()
	require.NoError(err)
	t.Cleanup(func() { _ = ldb.Close() })
	repo := repository.NewVertexRepository(ldb)

	first := newEngine(t, params(4, 3, 2), honestNetwork(6, fivePeers...), repo)
	restored, err := first.Restore(ctx)
	require.NoError(err)
	require.False(restored, "nothing to restore yet")

	insert(t, first,
		dagtest.Genesis(),
		dagtest.Vertex("A", []string{"x"}, "G"),
		dagtest.Vertex("B", []string{"x"}, "G"),
		dagtest.Vertex("C", nil, "A"),
	)
	_, err = first.Step(ctx)
	require.NoError(err)
	requireStatus(t, first, models.Accepted, "A", "C")

	cp, err := first.Checkpoint(ctx)
	require.NoError(err)
	require.Len(cp.Vertices, 4)
	require.Equal([]models.VertexID{"G"}, cp.Finalized)

	_, err = first.Restore(ctx)
	require.ErrorIs(err, consensus.ErrNotEmpty)

	second := newEngine(t, params(4, 3, 2), honestNetwork(7, fivePeers...), repo)
	restored, err = second.Restore(ctx)
	require.NoError(err)
	require.True(restored)
	requireStatus(t, second, models.Final, "G")
	requireStatus(t, second, models.Accepted, "A", "C")
	requireStatus(t, second, models.Pending, "B")
	require.Equal(first.Tips(), second.Tips())
	require.Equal(2, second.Status().ActiveConflictSets)

	// vote records start over, so beta more rounds are needed
	for range 3 {
		_, err = second.Step(ctx)
		require.NoError(err)
	}
	requireStatus(t, second, models.Final, "A", "C")
	requireStatus(t, second, models.Rejected, "B")

	height, err := repo.FinalizedHeight()
	require.NoError(err)
	require.Equal(3, height)
	ids, err := repo.GetFinalized(0, 10)
	require.NoError(err)
	require.Equal([]models.VertexID{"G", "A", "C"}, ids)
}

func TestCheckpointWithoutRepository(t *testing.T) {
	e := newEngine(t, params(4, 3, 2), honestNetwork(8, fivePeers...), nil)
	_, err := e.Checkpoint(context.Background())
	require.Error(t, err)
}

func TestInsertRefusesInvalidVertices(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	e := newEngine(t, params(4, 3, 2), honestNetwork(9, fivePeers...), nil)
	insert(t, e, dagtest.Genesis())

	_, _, err := e.Insert(ctx, dagtest.Vertex("A", nil, "missing"))
	require.ErrorIs(err, dag.ErrMissingParent)

	bad := dagtest.Vertex("B", nil, "G")
	bad.Signature = dagtest.BadSignature
	_, _, err = e.Insert(ctx, bad)
	require.ErrorIs(err, dag.ErrInvalidSignature)

	_, _, err = e.Insert(ctx, dagtest.Genesis())
	require.ErrorIs(err, dag.ErrDuplicateVertex)

	report := e.Status()
	require.Equal(1, report.VertexCount)
	require.Zero(report.ActiveConflictSets)

	_, ok := e.Vertex("A")
	require.False(ok)
	_, ok = e.ConfidenceOf("A")
	require.False(ok)
}

func TestPreferenceAnswersFromVoteRecords(t *testing.T) {
	require := require.New(t)

	row := func(ids ...models.VertexID) []models.VertexID { return ids }
	net := network.NewScripted(fivePeers, row("B", "B", "B", "A"))
	e := newEngine(t, params(4, 3, 5), net, nil)
	insert(t, e,
		dagtest.Genesis(),
		dagtest.Vertex("A", []string{"x"}, "G"),
		dagtest.Vertex("B", []string{"x"}, "G"),
	)
	require.Equal(models.VertexID("A"), e.Preference([]models.VertexID{"A", "B"}))

	_, err := e.Step(context.Background())
	require.NoError(err)
	require.Equal(models.VertexID("B"), e.Preference([]models.VertexID{"A", "B"}))

	c, ok := e.ConfidenceOf("B")
	require.True(ok)
	require.Equal(1, c)
	rec, ok := e.VoteRecord("B")
	require.True(ok)
	require.Equal(uint64(1), rec.Round)
}

func TestNewVerifiesParameters(t *testing.T) {
	cfg := consensus.DefaultConfig()
	cfg.Parameters.Alpha = cfg.Parameters.K / 2
	_, err := consensus.New(cfg, dagtest.Crypto{}, honestNetwork(0), nil, nil)
	require.ErrorIs(t, err, consensus.ErrParametersInvalid)
}

func TestVertexSpendingLikeItsParentDoesNotStallTheSet(t *testing.T) {
	require := require.New(t)

	e := newEngine(t, params(4, 3, 2), honestNetwork(4, fivePeers...), nil)
	insert(t, e,
		dagtest.Genesis(),
		dagtest.Vertex("X", []string{"r"}, "G"),
	)
	_, status, err := e.Insert(context.Background(), dagtest.Vertex("C", []string{"r"}, "X"))
	require.NoError(err)
	require.Equal(models.Rejected, status)
	require.Equal([]models.VertexID{"C", "X"}, e.ConflictSetOf("X"))

	for range 10 {
		if e.Status().ActiveConflictSets == 0 {
			break
		}
		_, err := e.Step(context.Background())
		require.NoError(err)
	}
	require.Zero(e.Status().ActiveConflictSets)
	requireStatus(t, e, models.Final, "X")
	requireStatus(t, e, models.Rejected, "C")
	require.Equal([]models.VertexID{"G", "X"}, e.Finalized())
}
