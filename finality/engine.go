// Package finality owns vertex status. It turns successful-round counters into
// Pending -> Accepted -> Final transitions, enforces that at most one member of
// a conflict set becomes Final, and hands finalized vertices to storage exactly
// once in topological order.
package finality

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"dag-consensus/logger"
	"dag-consensus/metrics"
	"dag-consensus/models"
)

type Graph interface {
	Get(id models.VertexID) (*models.Vertex, bool)
	Parents(id models.VertexID) []models.VertexID
	Children(id models.VertexID) []models.VertexID
}

type Conflicts interface {
	ConflictSetOf(id models.VertexID) []models.VertexID
}

// Storage receives finalized vertices, parents before children. A batch that
// fails is offered again, unchanged and ahead of later batches, on the next
// flush.
type Storage interface {
	AppendFinalized(ctx context.Context, vertices []*models.Vertex) error
}

// Transition is one status change.
type Transition struct {
	ID   models.VertexID `json:"id"`
	From models.Status   `json:"from"`
	To   models.Status   `json:"to"`
}

// Counts is the number of tracked vertices per status.
type Counts struct {
	Pending  int `json:"pending"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Final    int `json:"final"`
}

type entry struct {
	status   models.Status
	inserted time.Time
}

type Engine struct {
	graph     Graph
	conflicts Conflicts
	storage   Storage
	metrics   *metrics.Metrics
	beta      int

	mux     sync.RWMutex
	entries map[models.VertexID]*entry
	counts  map[models.Status]int
	order   []models.VertexID  // finalized sequence
	queue   [][]*models.Vertex // batches not yet stored

	emitMux sync.Mutex
}

func NewEngine(beta int, graph Graph, conflicts Conflicts, storage Storage, m *metrics.Metrics) *Engine {
	return &Engine{
		graph:     graph,
		conflicts: conflicts,
		storage:   storage,
		metrics:   m,
		beta:      beta,
		entries:   make(map[models.VertexID]*entry),
		counts:    make(map[models.Status]int),
	}
}

// Track starts tracking a vertex that was just stored and returns its initial
// status. Genesis is Final straight away. A vertex with a Rejected parent, or
// whose conflict set already has a Final member, is Rejected straight away.
// So is any member of the vertex's conflict set that descends from another
// member, since finalizing it would finalize both.
func (e *Engine) Track(ctx context.Context, v *models.Vertex) (models.Status, error) {
	e.mux.Lock()
	if en, ok := e.entries[v.ID]; ok {
		e.mux.Unlock()
		return en.status, nil
	}
	e.entries[v.ID] = &entry{status: models.Pending, inserted: time.Now()}
	e.counts[models.Pending]++

	switch {
	case v.IsGenesis():
		e.finalizeLocked(v.ID)
	case e.hasRejectedParentLocked(v):
		e.rejectLocked(v.ID, "rejected parent")
	case e.finalCompetitorLocked(v.ID) != "":
		e.rejectLocked(v.ID, "conflict set already final")
	}
	e.rejectSelfConflictsLocked(v.ID)
	status := e.entries[v.ID].status
	e.mux.Unlock()

	if status == models.Final {
		return status, e.Flush(ctx)
	}
	return status, nil
}

func (e *Engine) hasRejectedParentLocked(v *models.Vertex) bool {
	for _, p := range v.Parents {
		if en, ok := e.entries[p]; ok && en.status == models.Rejected {
			return true
		}
	}
	return false
}

// rejectSelfConflictsLocked rejects the members of id's conflict set that have
// another member among their ancestors. Adding id may have merged sets, so
// every member is checked and not only id.
func (e *Engine) rejectSelfConflictsLocked(id models.VertexID) {
	set := e.conflicts.ConflictSetOf(id)
	if len(set) < 2 {
		return
	}
	for _, m := range set {
		en, ok := e.entries[m]
		if !ok || en.status.Terminal() {
			continue
		}
		for _, a := range e.unfinalizedAncestryLocked(m) {
			if a != m && slices.Contains(set, a) {
				logger.Logger.Info("Vertex conflicts with its own ancestor",
					zap.String("vertex_id", string(m)),
					zap.String("ancestor", string(a)))
				e.rejectLocked(m, "conflicts with ancestor")
				break
			}
		}
	}
}

func (e *Engine) finalCompetitorLocked(id models.VertexID) models.VertexID {
	for _, m := range e.conflicts.ConflictSetOf(id) {
		if m == id {
			continue
		}
		if en, ok := e.entries[m]; ok && en.status == models.Final {
			return m
		}
	}
	return ""
}

// Status returns the status of id. Untracked ids read as Pending.
func (e *Engine) Status(id models.VertexID) models.Status {
	e.mux.RLock()
	defer e.mux.RUnlock()

	if en, ok := e.entries[id]; ok {
		return en.status
	}
	return models.Pending
}

// Lookup is Status that also reports whether id is tracked.
func (e *Engine) Lookup(id models.VertexID) (models.Status, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()

	en, ok := e.entries[id]
	if !ok {
		return models.Pending, false
	}
	return en.status, true
}

// Observe applies the counters produced by one round over a conflict set. A
// non-zero counter accepts a Pending member; a counter of at least beta
// finalizes it together with its non-final ancestors, or only accepts it while
// that ancestry is blocked. A counter that dropped back to zero leaves an
// Accepted member Accepted. Queued batches are flushed whenever any remain,
// so a batch that storage refused earlier is retried on the next round.
func (e *Engine) Observe(ctx context.Context, counters map[models.VertexID]int) ([]Transition, error) {
	ids := make([]models.VertexID, 0, len(counters))
	for id := range counters {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	e.mux.Lock()
	var changes []Transition
	for _, id := range ids {
		en, ok := e.entries[id]
		if !ok || en.status.Terminal() {
			continue
		}
		c := counters[id]
		if c >= e.beta {
			t := e.finalizeLocked(id)
			changes = append(changes, t...)
			if len(t) > 0 {
				continue
			}
		}
		if c > 0 && en.status == models.Pending {
			changes = append(changes, e.setLocked(id, models.Accepted))
		}
	}
	backlog := len(e.queue)
	e.mux.Unlock()

	if backlog == 0 {
		return changes, nil
	}
	return changes, e.Flush(ctx)
}

// Reject rejects id and every descendant that is not yet terminal.
func (e *Engine) Reject(id models.VertexID) []Transition {
	e.mux.Lock()
	defer e.mux.Unlock()

	if en, ok := e.entries[id]; !ok || en.status.Terminal() {
		return nil
	}
	return e.rejectLocked(id, "explicit")
}

func (e *Engine) setLocked(id models.VertexID, next models.Status) Transition {
	en := e.entries[id]
	t := Transition{ID: id, From: en.status, To: next}
	e.counts[en.status]--
	e.counts[next]++
	en.status = next
	return t
}

// finalizeLocked finalizes id and its non-final ancestors, parents first, and
// rejects the conflict-set competitors of each. Nothing changes if the
// ancestry cannot be finalized as a whole.
func (e *Engine) finalizeLocked(id models.VertexID) []Transition {
	path := e.unfinalizedAncestryLocked(id)
	if blocker, why := e.blockedLocked(id, path); blocker != "" {
		logger.Logger.Warn("Vertex cannot be finalized yet",
			zap.String("vertex_id", string(id)),
			zap.String("blocked_by", string(blocker)),
			zap.String("reason", why))
		return nil
	}

	var (
		changes []Transition
		batch   = make([]*models.Vertex, 0, len(path))
	)
	for _, x := range path {
		if e.entries[x].status == models.Pending {
			changes = append(changes, e.setLocked(x, models.Accepted))
		}
		changes = append(changes, e.setLocked(x, models.Final))
		e.order = append(e.order, x)
		e.metrics.Finalized(e.entries[x].inserted)
		if v, ok := e.graph.Get(x); ok {
			batch = append(batch, v)
		}

		for _, m := range e.conflicts.ConflictSetOf(x) {
			if en, ok := e.entries[m]; ok && m != x && !en.status.Terminal() {
				changes = append(changes, e.rejectLocked(m, "competitor finalized")...)
			}
		}
	}
	e.queue = append(e.queue, batch)

	logger.Logger.Info("Vertex finalized",
		zap.String("vertex_id", string(id)),
		zap.Int("batch", len(batch)),
		zap.Int("height", len(e.order)))
	return changes
}

// unfinalizedAncestryLocked returns id and its ancestors that are not Final,
// in topological order.
func (e *Engine) unfinalizedAncestryLocked(id models.VertexID) []models.VertexID {
	type frame struct {
		id      models.VertexID
		parents []models.VertexID
		next    int
	}
	sortedParents := func(id models.VertexID) []models.VertexID {
		ps := slices.Clone(e.graph.Parents(id))
		slices.Sort(ps)
		return ps
	}

	var out []models.VertexID
	visited := map[models.VertexID]struct{}{id: {}}
	stack := []frame{{id: id, parents: sortedParents(id)}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.parents) {
			p := top.parents[top.next]
			top.next++
			if _, seen := visited[p]; seen {
				continue
			}
			visited[p] = struct{}{}
			if en, ok := e.entries[p]; ok && en.status == models.Final {
				continue
			}
			stack = append(stack, frame{id: p, parents: sortedParents(p)})
			continue
		}
		out = append(out, top.id)
		stack = stack[:len(stack)-1]
	}
	return out
}

// blockedLocked reports a vertex that prevents the ancestry path of target
// from being finalized.
func (e *Engine) blockedLocked(target models.VertexID, path []models.VertexID) (models.VertexID, string) {
	inPath := make(map[models.VertexID]struct{}, len(path))
	for _, x := range path {
		inPath[x] = struct{}{}
	}
	for _, x := range path {
		en, ok := e.entries[x]
		switch {
		case !ok:
			return x, "ancestor not tracked"
		case en.status == models.Rejected:
			return x, "ancestor rejected"
		}
		for _, m := range e.conflicts.ConflictSetOf(x) {
			if m == x {
				continue
			}
			if _, both := inPath[m]; both {
				return m, "ancestry contains conflicting vertices"
			}
			mEn, ok := e.entries[m]
			if !ok {
				continue
			}
			if mEn.status == models.Final {
				return m, "competitor already final"
			}
			// a contested ancestor is decided by its own conflict set
			if x != target && !mEn.status.Terminal() {
				return x, "ancestor still contested"
			}
		}
	}
	return "", ""
}

// rejectLocked rejects id and walks its descendants. Untracked descendants
// are passed through so that anything tracked below them is still reached;
// they are rejected on Track through their rejected parent.
func (e *Engine) rejectLocked(id models.VertexID, reason string) []Transition {
	var changes []Transition
	visited := map[models.VertexID]struct{}{id: {}}
	queue := []models.VertexID{id}
	for len(queue) > 0 {
		x := queue[0]
		queue = queue[1:]

		if en, ok := e.entries[x]; ok {
			if en.status == models.Final {
				logger.Logger.Error("Final vertex reached while rejecting descendants",
					zap.String("vertex_id", string(x)),
					zap.String("rejected", string(id)))
				continue
			}
			if en.status != models.Rejected {
				changes = append(changes, e.setLocked(x, models.Rejected))
				e.metrics.Rejected()
			}
		}
		for _, c := range e.graph.Children(x) {
			if _, seen := visited[c]; !seen {
				visited[c] = struct{}{}
				queue = append(queue, c)
			}
		}
	}

	logger.Logger.Debug("Vertex rejected",
		zap.String("vertex_id", string(id)),
		zap.String("reason", reason),
		zap.Int("rejected", len(changes)))
	return changes
}

// Flush hands queued batches to storage in order. It stops at the first
// failure and keeps that batch at the head of the queue.
func (e *Engine) Flush(ctx context.Context) error {
	e.emitMux.Lock()
	defer e.emitMux.Unlock()

	for {
		e.mux.RLock()
		if len(e.queue) == 0 {
			e.mux.RUnlock()
			return nil
		}
		batch := e.queue[0]
		e.mux.RUnlock()

		if e.storage != nil && len(batch) > 0 {
			if err := e.storage.AppendFinalized(ctx, batch); err != nil {
				logger.Logger.Error("Failed to store finalized vertices",
					zap.Int("batch", len(batch)),
					zap.String("first", string(batch[0].ID)),
					zap.Error(err))
				return err
			}
		}

		e.mux.Lock()
		e.queue = e.queue[1:]
		e.mux.Unlock()
	}
}

// Backlog returns the number of finalized batches not yet stored.
func (e *Engine) Backlog() int {
	e.mux.RLock()
	defer e.mux.RUnlock()

	return len(e.queue)
}

// Restore loads statuses and the finalized sequence from a checkpoint. The
// restored sequence is already in storage and is not emitted again.
func (e *Engine) Restore(statuses map[models.VertexID]models.Status, finalized []models.VertexID) {
	e.mux.Lock()
	defer e.mux.Unlock()

	now := time.Now()
	for id, s := range statuses {
		if en, ok := e.entries[id]; ok {
			e.counts[en.status]--
		}
		e.entries[id] = &entry{status: s, inserted: now}
		e.counts[s]++
	}
	e.order = slices.Clone(finalized)
}

// Finalized returns the finalized sequence. Parents always come before
// their children.
func (e *Engine) Finalized() []models.VertexID {
	e.mux.RLock()
	defer e.mux.RUnlock()

	return slices.Clone(e.order)
}

func (e *Engine) Height() int {
	e.mux.RLock()
	defer e.mux.RUnlock()

	return len(e.order)
}

func (e *Engine) Counts() Counts {
	e.mux.RLock()
	defer e.mux.RUnlock()

	return Counts{
		Pending:  e.counts[models.Pending],
		Accepted: e.counts[models.Accepted],
		Rejected: e.counts[models.Rejected],
		Final:    e.counts[models.Final],
	}
}

// Snapshot returns every tracked status together with the finalized sequence,
// read under one lock so that the two always agree.
func (e *Engine) Snapshot() (map[models.VertexID]models.Status, []models.VertexID) {
	e.mux.RLock()
	defer e.mux.RUnlock()

	return e.statusesLocked(), slices.Clone(e.order)
}

// Statuses returns a copy of every tracked status.
func (e *Engine) Statuses() map[models.VertexID]models.Status {
	e.mux.RLock()
	defer e.mux.RUnlock()

	return e.statusesLocked()
}

func (e *Engine) statusesLocked() map[models.VertexID]models.Status {
	out := make(map[models.VertexID]models.Status, len(e.entries))
	for id, en := range e.entries {
		out[id] = en.status
	}
	return out
}
