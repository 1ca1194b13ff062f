// Package vote runs sampled preference rounds over conflict sets and keeps the
// per-vertex successful-round counters that drive finality.
package vote

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dag-consensus/byzantine"
	"dag-consensus/logger"
	"dag-consensus/metrics"
	"dag-consensus/models"
	"dag-consensus/network"
)

// queryAttempts is the initial query plus one retry.
const queryAttempts = 2

type Params struct {
	K            int           // peers sampled per round
	Alpha        int           // agreeing responses needed for a successful round
	Beta         int           // consecutive successes needed for finality
	QueryTimeout time.Duration // per attempt
}

// Record is a snapshot of one vertex's vote state.
type Record struct {
	Counter    int             `json:"counter"`
	Preference models.VertexID `json:"preference,omitempty"`
	Confidence uint64          `json:"confidence"`
	Round      uint64          `json:"round"`
	Counted    []models.PeerID `json:"counted,omitempty"`
}

type record struct {
	mux        sync.Mutex
	counter    int             // consecutive successful rounds
	preference models.VertexID // set winner in the last successful round
	confidence uint64          // successful rounds won, never reset
	round      uint64          // last round that touched the record
	counted    map[models.PeerID]struct{}
}

// Outcome describes one finished round.
type Outcome struct {
	Key          models.VertexID
	Round        uint64
	Sampled      int
	Responses    int // counted toward quorum
	Abstentions  int
	Excluded     []models.PeerID // dropped this round by the detector
	Winner       models.VertexID
	Votes        int
	Successful   bool
	ForkResolved bool
	Counters     map[models.VertexID]int
}

type response struct {
	peer models.PeerID
	pref models.VertexID
	err  error
}

type Recorder struct {
	params   Params
	net      network.Network
	detector *byzantine.Detector
	metrics  *metrics.Metrics

	round atomic.Uint64

	mux     sync.Mutex
	records map[models.VertexID]*record
}

func NewRecorder(params Params, net network.Network, detector *byzantine.Detector, m *metrics.Metrics) *Recorder {
	return &Recorder{
		params:   params,
		net:      net,
		detector: detector,
		metrics:  m,
		records:  make(map[models.VertexID]*record),
	}
}

func (r *Recorder) Params() Params { return r.params }

func (r *Recorder) recordOf(id models.VertexID) *record {
	r.mux.Lock()
	defer r.mux.Unlock()

	rec, ok := r.records[id]
	if !ok {
		rec = &record{}
		r.records[id] = rec
	}
	return rec
}

// lock acquires the records of ids in sorted order so that rounds over
// overlapping sets cannot deadlock. ids must already be sorted and unique.
func (r *Recorder) lock(ids []models.VertexID) ([]*record, func()) {
	recs := make([]*record, len(ids))
	for i, id := range ids {
		recs[i] = r.recordOf(id)
		recs[i].mux.Lock()
	}
	return recs, func() {
		for i := len(recs) - 1; i >= 0; i-- {
			recs[i].mux.Unlock()
		}
	}
}

// RunRound samples peers, asks them for their preference among members and
// applies the result to the members' counters. key names the conflict set for
// the byzantine detector. A cancelled ctx abandons the round without touching
// any counter.
func (r *Recorder) RunRound(ctx context.Context, key models.VertexID, members []models.VertexID) (Outcome, error) {
	members = sortedSet(members)
	round := r.round.Add(1)
	out := Outcome{Key: key, Round: round}

	peers, err := r.net.SamplePeers(ctx, r.params.K, r.detector.IsExcluded)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		logger.Logger.Debug("Peer sampling failed, round is inconclusive",
			zap.String("set", string(key)), zap.Error(err))
	}
	out.Sampled = len(peers)

	responses := make([]response, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, peer := range peers {
		g.Go(func() error {
			pref, err := r.query(gctx, peer, members)
			responses[i] = response{peer: peer, pref: pref, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	recs, unlock := r.lock(members)
	defer unlock()

	byID := make(map[models.VertexID]*record, len(members))
	for i, id := range members {
		byID[id] = recs[i]
		recs[i].round = round
		recs[i].counted = make(map[models.PeerID]struct{})
	}

	out.ForkResolved = r.resolveForkLocked(members, recs)

	tally := make(map[models.VertexID]int, len(members))
	for _, resp := range responses {
		if resp.err != nil {
			out.Abstentions++
			if isTimeout(resp.err) {
				r.metrics.QueryTimeout()
				if r.detector.ObserveTimeout(resp.peer) {
					out.Excluded = append(out.Excluded, resp.peer)
				}
			} else {
				logger.Logger.Debug("Peer query failed",
					zap.String("peer_id", string(resp.peer)), zap.Error(resp.err))
			}
			continue
		}
		rec, ok := byID[resp.pref]
		if !ok {
			// not a member of the set, treated as an abstention
			out.Abstentions++
			continue
		}
		if r.detector.ObservePreference(resp.peer, key, resp.pref) {
			out.Excluded = append(out.Excluded, resp.peer)
			continue
		}
		if _, dup := rec.counted[resp.peer]; dup {
			continue
		}
		rec.counted[resp.peer] = struct{}{}
		tally[resp.pref]++
		out.Responses++
	}

	out.Winner, out.Votes = plurality(members, tally)
	out.Successful = out.Winner != "" && out.Votes >= r.params.Alpha

	out.Counters = make(map[models.VertexID]int, len(members))
	for i, id := range members {
		rec := recs[i]
		switch {
		case !out.Successful:
			rec.counter = 0
		case id == out.Winner:
			rec.counter++
			rec.confidence++
			rec.preference = out.Winner
		default:
			rec.counter = 0
			rec.preference = out.Winner
		}
		out.Counters[id] = rec.counter
	}

	if out.Successful {
		r.detector.ObserveOutcome(key, out.Winner)
		r.metrics.PollSuccessful()
	} else {
		r.metrics.PollFailed()
	}
	if out.ForkResolved {
		r.metrics.ForkResolved()
	}

	logger.Logger.Debug("Round finished",
		zap.String("set", string(key)),
		zap.Uint64("round", round),
		zap.Int("sampled", out.Sampled),
		zap.Int("responses", out.Responses),
		zap.Int("abstentions", out.Abstentions),
		zap.String("winner", string(out.Winner)),
		zap.Int("votes", out.Votes),
		zap.Bool("successful", out.Successful))
	return out, nil
}

// query asks peer once and retries a single time on timeout.
func (r *Recorder) query(ctx context.Context, peer models.PeerID, set []models.VertexID) (models.VertexID, error) {
	var err error
	for range queryAttempts {
		var pref models.VertexID
		pref, err = r.net.QueryPreference(ctx, peer, set, r.params.QueryTimeout)
		if err == nil {
			return pref, nil
		}
		if !isTimeout(err) || ctx.Err() != nil {
			return "", err
		}
	}
	return "", err
}

// sortedSet returns a sorted copy of ids without duplicates.
func sortedSet(ids []models.VertexID) []models.VertexID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func isTimeout(err error) bool {
	return errors.Is(err, network.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// plurality returns the most voted member, the lower id winning ties.
func plurality(members []models.VertexID, tally map[models.VertexID]int) (models.VertexID, int) {
	var (
		winner models.VertexID
		votes  int
	)
	for _, id := range members {
		if n := tally[id]; n > votes {
			winner, votes = id, n
		}
	}
	return winner, votes
}

// ResolveFork settles a set in which more than one member holds a non-zero
// counter. The strictly higher counter wins, the lower id on a tie, and every
// other member is reset to zero. It reports whether anything was reset.
func (r *Recorder) ResolveFork(members []models.VertexID) bool {
	members = sortedSet(members)
	recs, unlock := r.lock(members)
	defer unlock()

	resolved := r.resolveForkLocked(members, recs)
	if resolved {
		r.metrics.ForkResolved()
	}
	return resolved
}

func (r *Recorder) resolveForkLocked(members []models.VertexID, recs []*record) bool {
	live, best := 0, -1
	for i, rec := range recs {
		if rec.counter == 0 {
			continue
		}
		live++
		// members are sorted, so a tie keeps the lower id
		if best < 0 || rec.counter > recs[best].counter {
			best = i
		}
	}
	if live < 2 {
		return false
	}

	for i, rec := range recs {
		if i != best {
			rec.counter = 0
		}
	}
	logger.Logger.Info("Fork resolved",
		zap.String("winner", string(members[best])),
		zap.Int("counter", recs[best].counter),
		zap.Int("reset", live-1))
	return true
}

// Counter returns the successful-round counter of id.
func (r *Recorder) Counter(id models.VertexID) int {
	r.mux.Lock()
	rec, ok := r.records[id]
	r.mux.Unlock()
	if !ok {
		return 0
	}

	rec.mux.Lock()
	defer rec.mux.Unlock()
	return rec.counter
}

func (r *Recorder) Record(id models.VertexID) Record {
	r.mux.Lock()
	rec, ok := r.records[id]
	r.mux.Unlock()
	if !ok {
		return Record{}
	}

	rec.mux.Lock()
	defer rec.mux.Unlock()

	snap := Record{
		Counter:    rec.counter,
		Preference: rec.preference,
		Confidence: rec.confidence,
		Round:      rec.round,
	}
	for p := range rec.counted {
		snap.Counted = append(snap.Counted, p)
	}
	slices.Sort(snap.Counted)
	return snap
}

// Preference returns the member this node currently favours: the highest
// counter, then the highest cumulative confidence, then the lowest id.
func (r *Recorder) Preference(members []models.VertexID) models.VertexID {
	members = sortedSet(members)
	if len(members) == 0 {
		return ""
	}
	recs, unlock := r.lock(members)
	defer unlock()

	best := 0
	for i := 1; i < len(recs); i++ {
		a, b := recs[i], recs[best]
		if a.counter > b.counter || (a.counter == b.counter && a.confidence > b.confidence) {
			best = i
		}
	}
	return members[best]
}

// Forget drops the records of ids once they are decided.
func (r *Recorder) Forget(ids ...models.VertexID) {
	r.mux.Lock()
	defer r.mux.Unlock()

	for _, id := range ids {
		delete(r.records, id)
	}
}
