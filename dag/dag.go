package dag

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"dag-consensus/logger"
	"dag-consensus/models"

	"go.uber.org/zap"
)

// Structural errors reject a vertex before anything is written.
var (
	ErrMissingParent    = errors.New("missing parent")
	ErrDuplicateVertex  = errors.New("duplicate vertex")
	ErrCyclicReference  = errors.New("cyclic reference")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrIDMismatch       = errors.New("vertex id does not match content hash")
	errNilVertex        = errors.New("nil vertex")
)

// IsStructural reports whether err rejected a vertex for its shape in the graph.
func IsStructural(err error) bool {
	return errors.Is(err, ErrMissingParent) ||
		errors.Is(err, ErrDuplicateVertex) ||
		errors.Is(err, ErrCyclicReference)
}

// IsCrypto reports whether err rejected a vertex for failing authentication.
func IsCrypto(err error) bool {
	return errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrIDMismatch)
}

// Crypto computes vertex ids and authenticates issuers.
type Crypto interface {
	Hash(payload []byte, parents []models.VertexID) models.VertexID
	Verify(v *models.Vertex) bool
}

// DAG is the vertex store: an arena of immutable vertices indexed by id with
// derived children lists and the tip set. Readers share a read lock and never
// block each other; insertions are serialized.
type DAG struct {
	crypto Crypto

	mux      sync.RWMutex
	vertices map[models.VertexID]*models.Vertex
	children map[models.VertexID][]models.VertexID
	tips     map[models.VertexID]struct{}
	order    []models.VertexID // insertion order, always a topological order
	genesis  models.VertexID
}

func NewDAG(crypto Crypto) *DAG {
	return &DAG{
		crypto:   crypto,
		vertices: make(map[models.VertexID]*models.Vertex),
		children: make(map[models.VertexID][]models.VertexID),
		tips:     make(map[models.VertexID]struct{}),
	}
}

// Insert validates and stores a vertex. An empty ID is filled in from the
// content hash. On error the store is left untouched.
func (d *DAG) Insert(v *models.Vertex) (*models.Vertex, error) {
	if v == nil {
		return nil, errNilVertex
	}
	v = v.Clone()

	id := d.crypto.Hash(v.Payload, v.Parents)
	if v.ID == "" {
		v.ID = id
	} else if v.ID != id {
		return nil, fmt.Errorf("%w: claimed %s, computed %s", ErrIDMismatch, v.ID, id)
	}
	if !d.crypto.Verify(v) {
		return nil, fmt.Errorf("%w: vertex %s issued by %s", ErrInvalidSignature, v.ID, v.Issuer)
	}

	d.mux.Lock()
	defer d.mux.Unlock()

	if _, ok := d.vertices[v.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateVertex, v.ID)
	}

	if v.IsGenesis() {
		if d.genesis != "" {
			return nil, fmt.Errorf("%w: %s has no parents and genesis %s already exists", ErrMissingParent, v.ID, d.genesis)
		}
	}

	seen := make(map[models.VertexID]struct{}, len(v.Parents))
	for _, pid := range v.Parents {
		if pid == v.ID {
			return nil, fmt.Errorf("%w: %s lists itself as parent", ErrCyclicReference, v.ID)
		}
		if _, dup := seen[pid]; dup {
			return nil, fmt.Errorf("%w: %s lists parent %s twice", ErrCyclicReference, v.ID, pid)
		}
		seen[pid] = struct{}{}
		if _, ok := d.vertices[pid]; !ok {
			return nil, fmt.Errorf("%w: parent %s of %s", ErrMissingParent, pid, v.ID)
		}
	}

	if d.reachesLocked(v.Parents, v.ID) {
		return nil, fmt.Errorf("%w: %s is its own ancestor", ErrCyclicReference, v.ID)
	}

	d.vertices[v.ID] = v
	for _, pid := range v.Parents {
		d.children[pid] = append(d.children[pid], v.ID)
		delete(d.tips, pid)
	}
	d.tips[v.ID] = struct{}{}
	d.order = append(d.order, v.ID)
	if v.IsGenesis() {
		d.genesis = v.ID
	}

	logger.Logger.Debug("Inserted vertex",
		zap.String("vertex_id", string(v.ID)),
		zap.Int("parents", len(v.Parents)))
	return v.Clone(), nil
}

// reachesLocked walks the ancestry of from and reports whether target is on it.
func (d *DAG) reachesLocked(from []models.VertexID, target models.VertexID) bool {
	visited := make(map[models.VertexID]struct{})
	stack := slices.Clone(from)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		if v, ok := d.vertices[id]; ok {
			stack = append(stack, v.Parents...)
		}
	}
	return false
}

// Get returns a copy of the vertex with the given id.
func (d *DAG) Get(id models.VertexID) (*models.Vertex, bool) {
	d.mux.RLock()
	defer d.mux.RUnlock()

	v, ok := d.vertices[id]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

func (d *DAG) Has(id models.VertexID) bool {
	d.mux.RLock()
	defer d.mux.RUnlock()

	_, ok := d.vertices[id]
	return ok
}

func (d *DAG) Parents(id models.VertexID) []models.VertexID {
	d.mux.RLock()
	defer d.mux.RUnlock()

	if v, ok := d.vertices[id]; ok {
		return slices.Clone(v.Parents)
	}
	return nil
}

func (d *DAG) Children(id models.VertexID) []models.VertexID {
	d.mux.RLock()
	defer d.mux.RUnlock()

	return slices.Clone(d.children[id])
}

// Tips returns the ids of vertices without children, sorted.
func (d *DAG) Tips() []models.VertexID {
	d.mux.RLock()
	tips := make([]models.VertexID, 0, len(d.tips))
	for id := range d.tips {
		tips = append(tips, id)
	}
	d.mux.RUnlock()

	return models.SortIDs(tips)
}

func (d *DAG) Genesis() models.VertexID {
	d.mux.RLock()
	defer d.mux.RUnlock()

	return d.genesis
}

func (d *DAG) Len() int {
	d.mux.RLock()
	defer d.mux.RUnlock()

	return len(d.vertices)
}

// Ancestors lazily yields every ancestor of id once, nearest first. Each
// range over the returned sequence starts a fresh walk.
func (d *DAG) Ancestors(id models.VertexID) iter.Seq[models.VertexID] {
	return d.walk(id, d.Parents)
}

// Descendants lazily yields every descendant of id once, nearest first.
func (d *DAG) Descendants(id models.VertexID) iter.Seq[models.VertexID] {
	return d.walk(id, d.Children)
}

func (d *DAG) walk(id models.VertexID, next func(models.VertexID) []models.VertexID) iter.Seq[models.VertexID] {
	return func(yield func(models.VertexID) bool) {
		visited := map[models.VertexID]struct{}{id: {}}
		queue := next(id)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if _, ok := visited[cur]; ok {
				continue
			}
			visited[cur] = struct{}{}
			if !yield(cur) {
				return
			}
			queue = append(queue, next(cur)...)
		}
	}
}

// Snapshot returns copies of all vertices in insertion order, parents first.
func (d *DAG) Snapshot() []*models.Vertex {
	d.mux.RLock()
	defer d.mux.RUnlock()

	out := make([]*models.Vertex, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.vertices[id].Clone())
	}
	return out
}
