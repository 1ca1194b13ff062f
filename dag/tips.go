package dag

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"dag-consensus/models"
)

var (
	ErrNoTips       = errors.New("no vertices in DAG")
	ErrWalkExceeded = errors.New("tip selection walk exceeded max steps")
)

// Strategy picks how SelectParents walks towards the tips. It is fixed when
// the selector is built.
type Strategy uint8

const (
	// StrategyHeaviest always steps to the heaviest child, lower id on ties.
	StrategyHeaviest Strategy = iota
	// StrategyMCMC steps to a child with probability proportional to
	// exp(alpha * cumulative weight).
	StrategyMCMC
)

func (s Strategy) String() string {
	switch s {
	case StrategyHeaviest:
		return "heaviest"
	case StrategyMCMC:
		return "mcmc"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "heaviest":
		return StrategyHeaviest, nil
	case "mcmc":
		return StrategyMCMC, nil
	default:
		return 0, fmt.Errorf("unknown tip selection strategy %q", s)
	}
}

// StatusReader exposes vertex statuses to the selector without giving it the
// power to change them.
type StatusReader interface {
	Status(id models.VertexID) models.Status
}

type SelectorConfig struct {
	Strategy Strategy
	Alpha    float64 // MCMC bias
	MaxSteps int
	Seed     int64 // 0 seeds from the clock
}

// Selector chooses query targets and parents from the DAG using cumulative
// weight: the number of distinct accepted or final descendants of a vertex.
type Selector struct {
	dag    *DAG
	status StatusReader
	cfg    SelectorConfig

	rndMux sync.Mutex
	rnd    *rand.Rand
}

func NewSelector(d *DAG, status StatusReader, cfg SelectorConfig) *Selector {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10000
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Selector{
		dag:    d,
		status: status,
		cfg:    cfg,
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

// weigher memoizes cumulative weights for the duration of one selection.
type weigher struct {
	dag    *DAG
	status StatusReader
	memo   map[models.VertexID]int
}

func (s *Selector) newWeigher() *weigher {
	return &weigher{dag: s.dag, status: s.status, memo: make(map[models.VertexID]int)}
}

func (w *weigher) weight(id models.VertexID) int {
	if v, ok := w.memo[id]; ok {
		return v
	}
	n := 0
	for desc := range w.dag.Descendants(id) {
		switch w.status.Status(desc) {
		case models.Accepted, models.Final:
			n++
		}
	}
	w.memo[id] = n
	return n
}

// heaviest returns the candidate with the largest weight, lower id on ties.
func (w *weigher) heaviest(candidates []models.VertexID) models.VertexID {
	var (
		best       models.VertexID
		bestWeight = -1
	)
	for _, c := range candidates {
		cw := w.weight(c)
		if cw > bestWeight || (cw == bestWeight && c < best) {
			best, bestWeight = c, cw
		}
	}
	return best
}

// CumulativeWeight returns the number of accepted or final descendants of id.
func (s *Selector) CumulativeWeight(id models.VertexID) int {
	return s.newWeigher().weight(id)
}

// SelectQueryTargets walks from each tip toward genesis, always stepping to
// the heaviest parent, and collects up to n distinct undecided vertices. Final
// vertices end a walk since everything they approve is final too; rejected
// vertices are stepped over. The result is deterministic for a given DAG and
// set of statuses.
func (s *Selector) SelectQueryTargets(n int) []models.VertexID {
	if n <= 0 {
		return nil
	}
	w := s.newWeigher()
	visited := make(map[models.VertexID]struct{})
	selected := make([]models.VertexID, 0, n)

	for _, tip := range s.dag.Tips() {
		cur := tip
		for cur != "" && len(selected) < n {
			if _, ok := visited[cur]; ok {
				break
			}
			visited[cur] = struct{}{}

			st := s.status.Status(cur)
			if st == models.Final {
				break
			}
			if st != models.Rejected {
				selected = append(selected, cur)
			}
			cur = w.heaviest(s.dag.Parents(cur))
		}
		if len(selected) >= n {
			break
		}
	}
	return selected
}

// SelectParents picks up to n distinct tips for a newly authored vertex by
// walking forward from genesis. Rejected vertices are never walked into.
func (s *Selector) SelectParents(n int) ([]models.VertexID, error) {
	start := s.dag.Genesis()
	if start == "" {
		return nil, ErrNoTips
	}
	if n <= 0 {
		n = 1
	}

	w := s.newWeigher()
	chosen := make(map[models.VertexID]struct{}, n)
	parents := make([]models.VertexID, 0, n)
	for attempt := 0; len(parents) < n && attempt < 4*n; attempt++ {
		tip, err := s.walk(w, start)
		if err != nil {
			return nil, err
		}
		if _, ok := chosen[tip]; !ok {
			chosen[tip] = struct{}{}
			parents = append(parents, tip)
		}
		if s.cfg.Strategy == StrategyHeaviest {
			break
		}
	}

	// top up with the remaining acceptable tips in id order
	for _, tip := range s.dag.Tips() {
		if len(parents) >= n {
			break
		}
		if _, ok := chosen[tip]; ok || s.status.Status(tip) == models.Rejected {
			continue
		}
		chosen[tip] = struct{}{}
		parents = append(parents, tip)
	}
	return models.SortIDs(parents), nil
}

// walk steps along children until it reaches a vertex with no live children.
func (s *Selector) walk(w *weigher, start models.VertexID) (models.VertexID, error) {
	cur := start
	for steps := 0; ; steps++ {
		if steps > s.cfg.MaxSteps {
			return "", ErrWalkExceeded
		}

		var ch []models.VertexID
		for _, c := range s.dag.Children(cur) {
			if s.status.Status(c) != models.Rejected {
				ch = append(ch, c)
			}
		}
		// if no children -> reached a tip
		if len(ch) == 0 {
			return cur, nil
		}

		if s.cfg.Strategy == StrategyHeaviest {
			cur = w.heaviest(ch)
			continue
		}

		weights := make([]float64, len(ch))
		var total float64
		for i, cid := range ch {
			// higher cumulative weight = higher probability
			weights[i] = math.Exp(s.cfg.Alpha * float64(w.weight(cid)))
			total += weights[i]
		}

		s.rndMux.Lock()
		if total <= 0 || math.IsInf(total, 0) {
			// fallback to the deterministic choice
			s.rndMux.Unlock()
			cur = w.heaviest(ch)
			continue
		}
		p := s.rnd.Float64() * total
		s.rndMux.Unlock()

		acc := 0.0
		chosen := ch[len(ch)-1]
		for i, wt := range weights {
			acc += wt
			if p <= acc {
				chosen = ch[i]
				break
			}
		}
		cur = chosen
	}
}
