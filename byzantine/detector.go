// Package byzantine keeps per-peer reputation and decides which peers are
// excluded from sampling.
//
// A peer is flagged when, inside a sliding time window, it either changes its
// stated preference on the same conflict set too often without the network
// outcome having moved to its new preference, or it fails to answer queries too
// often. A flagged peer is excluded for a cooldown period, after which its
// record starts clean.
package byzantine

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"dag-consensus/logger"
	"dag-consensus/metrics"
	"dag-consensus/models"
)

type Config struct {
	FlipThreshold    int           // flips inside Window that flag a peer
	TimeoutThreshold int           // timeouts inside Window that flag a peer
	Window           time.Duration // sliding window for flips and timeouts
	Cooldown         time.Duration // exclusion period once flagged
	MaxFraction      float64       // tolerated fraction of excluded peers
}

func DefaultConfig() Config {
	return Config{
		FlipThreshold:    3,
		TimeoutThreshold: 10,
		Window:           time.Minute,
		Cooldown:         10 * time.Minute,
		MaxFraction:      0.33,
	}
}

// Reputation is a point-in-time view of a peer's record.
type Reputation struct {
	Peer          models.PeerID `json:"peer"`
	Flips         int           `json:"flips"`
	Timeouts      int           `json:"timeouts"`
	Observations  uint64        `json:"observations"`
	TimesFlagged  int           `json:"times_flagged"`
	Excluded      bool          `json:"excluded"`
	ExcludedUntil time.Time     `json:"excluded_until,omitempty"`
}

type lastPreference struct {
	preference models.VertexID
	version    uint64 // outcome version seen when the preference was stated
}

type peerState struct {
	prefs         map[models.VertexID]lastPreference // by conflict set key
	flips         []time.Time
	timeouts      []time.Time
	observations  uint64
	timesFlagged  int
	excludedUntil time.Time
}

type outcome struct {
	winner  models.VertexID
	version uint64
}

// Detector is written only through its Observe methods and read by samplers.
type Detector struct {
	cfg     Config
	clock   func() time.Time
	metrics *metrics.Metrics

	mux      sync.RWMutex
	peers    map[models.PeerID]*peerState
	outcomes map[models.VertexID]outcome
}

func NewDetector(cfg Config, m *metrics.Metrics) *Detector {
	return NewDetectorWithClock(cfg, m, time.Now)
}

func NewDetectorWithClock(cfg Config, m *metrics.Metrics, clock func() time.Time) *Detector {
	return &Detector{
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		peers:    make(map[models.PeerID]*peerState),
		outcomes: make(map[models.VertexID]outcome),
	}
}

func (d *Detector) peerLocked(peer models.PeerID) *peerState {
	ps, ok := d.peers[peer]
	if !ok {
		ps = &peerState{prefs: make(map[models.VertexID]lastPreference)}
		d.peers[peer] = ps
	}
	return ps
}

func (d *Detector) prune(events []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-d.cfg.Window)
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}

// ObservePreference records that peer preferred pref for the conflict set
// named setKey and reports whether the peer is excluded afterwards.
func (d *Detector) ObservePreference(peer models.PeerID, setKey, pref models.VertexID) bool {
	now := d.clock()

	d.mux.Lock()
	defer d.mux.Unlock()

	ps := d.peerLocked(peer)
	ps.observations++
	out := d.outcomes[setKey]
	prev, seen := ps.prefs[setKey]
	ps.prefs[setKey] = lastPreference{preference: pref, version: out.version}

	if seen && prev.preference != pref {
		// following a changed network outcome is not equivocation
		excused := out.version != prev.version && out.winner == pref
		if !excused {
			ps.flips = append(d.prune(ps.flips, now), now)
		}
	}
	ps.flips = d.prune(ps.flips, now)

	excluded := ps.excludedUntil.After(now)
	if !excluded && d.cfg.FlipThreshold > 0 && len(ps.flips) >= d.cfg.FlipThreshold {
		d.flagLocked(peer, ps, now, "preference flips")
		excluded = true
	}
	return excluded
}

// ObserveTimeout records a query to peer that went unanswered after its retry
// and reports whether the peer is excluded afterwards.
func (d *Detector) ObserveTimeout(peer models.PeerID) bool {
	now := d.clock()

	d.mux.Lock()
	defer d.mux.Unlock()

	ps := d.peerLocked(peer)
	ps.timeouts = append(d.prune(ps.timeouts, now), now)

	excluded := ps.excludedUntil.After(now)
	if !excluded && d.cfg.TimeoutThreshold > 0 && len(ps.timeouts) >= d.cfg.TimeoutThreshold {
		d.flagLocked(peer, ps, now, "excessive timeouts")
		excluded = true
	}
	return excluded
}

// ObserveOutcome records the winner of a successful round for setKey. Peers
// that move to a new winner afterwards are not charged with a flip.
func (d *Detector) ObserveOutcome(setKey, winner models.VertexID) {
	if winner == "" {
		return
	}

	d.mux.Lock()
	defer d.mux.Unlock()

	out := d.outcomes[setKey]
	if out.winner != winner {
		d.outcomes[setKey] = outcome{winner: winner, version: out.version + 1}
	}
}

// Forget drops per-set history once a conflict set is decided.
func (d *Detector) Forget(setKey models.VertexID) {
	d.mux.Lock()
	defer d.mux.Unlock()

	delete(d.outcomes, setKey)
	for _, ps := range d.peers {
		delete(ps.prefs, setKey)
	}
}

func (d *Detector) flagLocked(peer models.PeerID, ps *peerState, now time.Time, reason string) {
	ps.excludedUntil = now.Add(d.cfg.Cooldown)
	ps.timesFlagged++
	flips, timeouts := len(ps.flips), len(ps.timeouts)
	ps.flips = nil
	ps.timeouts = nil
	d.metrics.ByzantineFlagged()

	excluded := d.excludedCountLocked(now)
	logger.Logger.Warn("Peer flagged as byzantine",
		zap.String("peer_id", string(peer)),
		zap.String("reason", reason),
		zap.Int("flips", flips),
		zap.Int("timeouts", timeouts),
		zap.Time("excluded_until", ps.excludedUntil),
		zap.Int("excluded_peers", excluded),
		zap.Bool("tolerated", d.toleratedLocked(excluded, len(d.peers))))
}

func (d *Detector) IsExcluded(peer models.PeerID) bool {
	now := d.clock()

	d.mux.RLock()
	defer d.mux.RUnlock()

	ps, ok := d.peers[peer]
	return ok && ps.excludedUntil.After(now)
}

// Excluded returns the currently excluded peers, sorted.
func (d *Detector) Excluded() []models.PeerID {
	now := d.clock()

	d.mux.RLock()
	defer d.mux.RUnlock()

	var out []models.PeerID
	for id, ps := range d.peers {
		if ps.excludedUntil.After(now) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (d *Detector) Reputation(peer models.PeerID) Reputation {
	now := d.clock()

	d.mux.RLock()
	defer d.mux.RUnlock()

	rep := Reputation{Peer: peer}
	ps, ok := d.peers[peer]
	if !ok {
		return rep
	}
	rep.Flips = len(d.prune(ps.flips, now))
	rep.Timeouts = len(d.prune(ps.timeouts, now))
	rep.Observations = ps.observations
	rep.TimesFlagged = ps.timesFlagged
	if ps.excludedUntil.After(now) {
		rep.Excluded = true
		rep.ExcludedUntil = ps.excludedUntil
	}
	return rep
}

// Tolerated reports whether the currently excluded share of total peers is
// below the configured fraction.
func (d *Detector) Tolerated(total int) bool {
	now := d.clock()

	d.mux.RLock()
	defer d.mux.RUnlock()

	return d.toleratedLocked(d.excludedCountLocked(now), total)
}

func (d *Detector) excludedCountLocked(now time.Time) int {
	n := 0
	for _, ps := range d.peers {
		if ps.excludedUntil.After(now) {
			n++
		}
	}
	return n
}

func (d *Detector) toleratedLocked(excluded, total int) bool {
	if total <= 0 {
		return excluded == 0
	}
	return float64(excluded)/float64(total) < d.cfg.MaxFraction
}
