// Package conflict groups vertices that can never all be finalized together.
//
// Two vertices conflict when their payloads spend a common resource. A conflict
// set is the transitive closure of that relation, so at most one member of a
// set may ever become final. Sets are computed on demand from a resource index
// and cached per vertex; the cache entries of a set are dropped whenever a new
// vertex spending one of its resources arrives.
package conflict

import (
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"dag-consensus/models"
)

const defaultCacheSize = 4096

// Extractor returns the resources a payload spends.
type Extractor func(payload []byte) []string

type Resolver struct {
	extract Extractor

	mux       sync.RWMutex
	resources map[models.VertexID][]string
	spenders  map[string][]models.VertexID

	cache *lru.Cache // models.VertexID -> []models.VertexID
}

// NewResolver builds a resolver. A nil extractor reads the "spends" field of
// JSON payloads.
func NewResolver(cacheSize int, extract Extractor) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if extract == nil {
		extract = models.ParseSpends
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		extract:   extract,
		resources: make(map[models.VertexID][]string),
		spenders:  make(map[string][]models.VertexID),
		cache:     cache,
	}, nil
}

// Add indexes v and returns its conflict set. Adding the same vertex twice is
// a no-op.
func (r *Resolver) Add(v *models.Vertex) []models.VertexID {
	r.mux.Lock()
	if _, ok := r.resources[v.ID]; ok {
		r.mux.Unlock()
		return r.ConflictSetOf(v.ID)
	}

	spends := r.extract(v.Payload)
	r.resources[v.ID] = spends
	for _, res := range spends {
		r.spenders[res] = append(r.spenders[res], v.ID)
	}
	set := r.componentLocked(v.ID)
	if len(spends) > 0 {
		for _, id := range set {
			r.cache.Remove(id)
		}
	}
	r.cache.Add(v.ID, set)
	r.mux.Unlock()

	return slices.Clone(set)
}

// ConflictSetOf returns the sorted members of the conflict set containing id,
// id included. Unknown ids have no set.
func (r *Resolver) ConflictSetOf(id models.VertexID) []models.VertexID {
	if cached, ok := r.cache.Get(id); ok {
		return slices.Clone(cached.([]models.VertexID))
	}

	r.mux.RLock()
	defer r.mux.RUnlock()

	if _, ok := r.resources[id]; !ok {
		return nil
	}
	set := r.componentLocked(id)
	// cached under the read lock so a concurrent Add cannot interleave its
	// invalidation between computing and storing
	r.cache.Add(id, set)
	return slices.Clone(set)
}

// Key returns the lowest id of the conflict set containing id. It names the
// set for scheduling and changes only when sets merge.
func (r *Resolver) Key(id models.VertexID) models.VertexID {
	set := r.ConflictSetOf(id)
	if len(set) == 0 {
		return ""
	}
	return set[0]
}

// Conflicting reports whether a and b belong to the same conflict set.
func (r *Resolver) Conflicting(a, b models.VertexID) bool {
	if a == b {
		return false
	}
	return slices.Contains(r.ConflictSetOf(a), b)
}

// Resources returns the resources id spends.
func (r *Resolver) Resources(id models.VertexID) []string {
	r.mux.RLock()
	defer r.mux.RUnlock()

	return slices.Clone(r.resources[id])
}

// Len returns the number of indexed vertices.
func (r *Resolver) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()

	return len(r.resources)
}

func (r *Resolver) componentLocked(id models.VertexID) []models.VertexID {
	members := map[models.VertexID]struct{}{id: {}}
	seenRes := make(map[string]struct{})
	queue := []models.VertexID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, res := range r.resources[cur] {
			if _, ok := seenRes[res]; ok {
				continue
			}
			seenRes[res] = struct{}{}
			for _, other := range r.spenders[res] {
				if _, ok := members[other]; !ok {
					members[other] = struct{}{}
					queue = append(queue, other)
				}
			}
		}
	}

	set := make([]models.VertexID, 0, len(members))
	for m := range members {
		set = append(set, m)
	}
	return models.SortIDs(set)
}
