// Package consensus wires the vertex store, conflict resolver, vote recorder,
// byzantine detector and finality engine into a running node.
//
// Every conflict set with an undecided member is voted on by its own timer.
// Rounds run on a bounded worker pool and at most MaxActiveSets sets vote at
// once; sets beyond that wait in a backlog and are promoted as slots free up,
// most relevant first according to the tip selector.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"dag-consensus/byzantine"
	"dag-consensus/conflict"
	"dag-consensus/dag"
	"dag-consensus/finality"
	"dag-consensus/logger"
	"dag-consensus/metrics"
	"dag-consensus/models"
	"dag-consensus/network"
	"dag-consensus/vote"
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotEmpty       = errors.New("engine already holds vertices")
	errNoRepository   = errors.New("no repository configured")
)

// Repository is the storage collaborator.
type Repository interface {
	finality.Storage
	PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LoadCheckpoint(ctx context.Context) (*models.Checkpoint, error)
}

type Config struct {
	Parameters        Parameters
	Byzantine         byzantine.Config
	Tips              dag.SelectorConfig
	ConflictCacheSize int
}

func DefaultConfig() Config {
	return Config{
		Parameters: DefaultParameters(),
		Byzantine:  byzantine.DefaultConfig(),
	}
}

type setRun struct {
	timer *time.Timer
}

type queuedSet struct {
	seq uint64
	key models.VertexID
}

type Engine struct {
	cfg     Config
	repo    Repository
	metrics *metrics.Metrics

	store    *dag.DAG
	resolver *conflict.Resolver
	selector *dag.Selector
	detector *byzantine.Detector
	votes    *vote.Recorder
	final    *finality.Engine

	slots   *semaphore.Weighted // conflict sets under active voting
	workers *semaphore.Weighted // rounds in flight

	mux      sync.Mutex
	active   map[models.VertexID]*setRun
	backlog  *btree.BTreeG[queuedSet]
	queued   map[models.VertexID]queuedSet
	seq      uint64
	running  bool
	runCtx   context.Context
	inflight sync.WaitGroup
}

// New builds an engine. repo may be nil, in which case finalized vertices are
// not persisted and checkpoints are unavailable.
func New(cfg Config, crypto dag.Crypto, net network.Network, repo Repository, m *metrics.Metrics) (*Engine, error) {
	if err := cfg.Parameters.Verify(); err != nil {
		return nil, err
	}
	resolver, err := conflict.NewResolver(cfg.ConflictCacheSize, nil)
	if err != nil {
		return nil, fmt.Errorf("creating conflict resolver: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		repo:     repo,
		metrics:  m,
		store:    dag.NewDAG(crypto),
		resolver: resolver,
		detector: byzantine.NewDetector(cfg.Byzantine, m),
		slots:    semaphore.NewWeighted(int64(cfg.Parameters.MaxActiveSets)),
		workers:  semaphore.NewWeighted(int64(cfg.Parameters.Workers)),
		active:   make(map[models.VertexID]*setRun),
		queued:   make(map[models.VertexID]queuedSet),
		backlog: btree.NewG(32, func(a, b queuedSet) bool {
			return a.seq < b.seq
		}),
	}
	var storage finality.Storage
	if repo != nil {
		storage = repo
	}
	e.final = finality.NewEngine(cfg.Parameters.Beta, e.store, resolver, storage, m)
	e.selector = dag.NewSelector(e.store, e.final, cfg.Tips)
	e.votes = vote.NewRecorder(cfg.Parameters.vote(), net, e.detector, m)
	return e, nil
}

// Insert validates and stores v, derives its conflict set and schedules the
// set for voting. Structural and crypto failures leave the engine untouched
// and are returned for the caller to drop or requeue the source message.
func (e *Engine) Insert(ctx context.Context, v *models.Vertex) (*models.Vertex, models.Status, error) {
	stored, err := e.store.Insert(v)
	if err != nil {
		e.metrics.InsertRejected(rejectReason(err))
		logger.Logger.Debug("Vertex refused", zap.Error(err))
		return nil, models.Pending, err
	}
	e.metrics.Inserted()
	e.resolver.Add(stored)

	status, err := e.final.Track(ctx, stored)
	if err != nil {
		// the batch stays queued and is retried on the next flush
		logger.Logger.Warn("Finalized vertices not yet stored", zap.Error(err))
	}
	if !status.Terminal() {
		e.schedule(e.resolver.Key(stored.ID))
	}
	return stored, status, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, dag.ErrMissingParent):
		return "missing_parent"
	case errors.Is(err, dag.ErrDuplicateVertex):
		return "duplicate"
	case errors.Is(err, dag.ErrCyclicReference):
		return "cyclic_reference"
	case errors.Is(err, dag.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, dag.ErrIDMismatch):
		return "id_mismatch"
	default:
		return "other"
	}
}

// schedule puts the conflict set named key under voting, or in the backlog
// when every slot is taken.
func (e *Engine) schedule(key models.VertexID) {
	if key == "" {
		return
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	e.scheduleLocked(key)
	e.metrics.SetBacklog(len(e.active), e.backlog.Len())
}

func (e *Engine) scheduleLocked(key models.VertexID) {
	if _, ok := e.active[key]; ok {
		return
	}
	if _, ok := e.queued[key]; ok {
		return
	}
	if e.slots.TryAcquire(1) {
		e.activateLocked(key)
		return
	}

	e.seq++
	item := queuedSet{seq: e.seq, key: key}
	e.backlog.ReplaceOrInsert(item)
	e.queued[key] = item
	logger.Logger.Debug("Conflict set deferred",
		zap.String("set", string(key)),
		zap.Int("queued", e.backlog.Len()))
}

// activateLocked requires a slot to be held for key.
func (e *Engine) activateLocked(key models.VertexID) {
	e.active[key] = &setRun{}
	e.armLocked(key)
}

func (e *Engine) armLocked(key models.VertexID) {
	run, ok := e.active[key]
	if !e.running || !ok || run.timer != nil {
		return
	}
	run.timer = time.AfterFunc(e.cfg.Parameters.RoundInterval, func() {
		e.fire(key)
	})
}

// retire releases key's slot and promotes from the backlog. forget lists
// decided vertices whose vote records can go.
func (e *Engine) retire(key models.VertexID, forget []models.VertexID) {
	e.mux.Lock()
	run, ok := e.active[key]
	if ok {
		if run.timer != nil {
			run.timer.Stop()
		}
		delete(e.active, key)
		e.slots.Release(1)
		e.promoteLocked()
	}
	e.metrics.SetBacklog(len(e.active), e.backlog.Len())
	e.mux.Unlock()

	if len(forget) > 0 {
		e.detector.Forget(key)
		e.votes.Forget(forget...)
	}
	logger.Logger.Debug("Conflict set retired",
		zap.String("set", string(key)),
		zap.Bool("decided", len(forget) > 0))
}

// promoteLocked fills free slots from the backlog. Sets that the tip selector
// would query next go first, then the oldest.
func (e *Engine) promoteLocked() {
	if e.backlog.Len() == 0 {
		return
	}

	var preferred []queuedSet
	for _, id := range e.selector.SelectQueryTargets(e.cfg.Parameters.MaxActiveSets) {
		if item, ok := e.queued[e.resolver.Key(id)]; ok && !slices.Contains(preferred, item) {
			preferred = append(preferred, item)
		}
	}

	for e.backlog.Len() > 0 && e.slots.TryAcquire(1) {
		var item queuedSet
		if len(preferred) > 0 {
			item, preferred = preferred[0], preferred[1:]
			e.backlog.Delete(item)
		} else {
			item, _ = e.backlog.DeleteMin()
		}
		delete(e.queued, item.key)

		// the set may have merged while it waited
		key := e.resolver.Key(item.key)
		if _, ok := e.active[key]; ok || key == "" {
			e.slots.Release(1)
			continue
		}
		if other, ok := e.queued[key]; ok {
			e.backlog.Delete(other)
			delete(e.queued, key)
		}
		e.activateLocked(key)
	}
}

// Run drives voting until ctx is cancelled and waits for in-flight rounds to
// return before it does.
func (e *Engine) Run(ctx context.Context) error {
	e.mux.Lock()
	if e.running {
		e.mux.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.runCtx = ctx
	for key := range e.active {
		e.armLocked(key)
	}
	active := len(e.active)
	e.mux.Unlock()

	logger.Logger.Info("Consensus engine started",
		zap.Int("k", e.cfg.Parameters.K),
		zap.Int("alpha", e.cfg.Parameters.Alpha),
		zap.Int("beta", e.cfg.Parameters.Beta),
		zap.Int("active_sets", active))

	<-ctx.Done()

	e.mux.Lock()
	e.running = false
	for _, run := range e.active {
		if run.timer != nil {
			run.timer.Stop()
			run.timer = nil
		}
	}
	e.mux.Unlock()
	e.inflight.Wait()

	logger.Logger.Info("Consensus engine stopped")
	return nil
}

func (e *Engine) fire(key models.VertexID) {
	e.mux.Lock()
	run, ok := e.active[key]
	if !e.running || !ok {
		e.mux.Unlock()
		return
	}
	run.timer = nil
	ctx := e.runCtx
	e.inflight.Add(1)
	e.mux.Unlock()
	defer e.inflight.Done()

	if err := e.workers.Acquire(ctx, 1); err != nil {
		return
	}
	_, live := e.process(ctx, key)
	e.workers.Release(1)

	if live {
		e.mux.Lock()
		e.armLocked(key)
		e.mux.Unlock()
	}
}

// process runs one round for key and reports whether the set needs more.
// A set whose members are all decided, or that was absorbed into a set with a
// lower key, is retired without a round.
func (e *Engine) process(ctx context.Context, key models.VertexID) (*vote.Outcome, bool) {
	members := e.resolver.ConflictSetOf(key)
	if current := e.resolver.Key(key); current != key {
		e.retire(key, nil)
		e.schedule(current)
		return nil, false
	}

	live := e.undecided(members)
	if len(live) == 0 {
		e.retire(key, members)
		return nil, false
	}

	out, err := e.votes.RunRound(ctx, key, live)
	if err != nil {
		return nil, ctx.Err() == nil
	}
	if _, err := e.final.Observe(ctx, out.Counters); err != nil {
		logger.Logger.Warn("Finalized vertices not yet stored",
			zap.String("set", string(key)), zap.Error(err))
	}

	if len(e.undecided(members)) == 0 {
		e.retire(key, members)
		return &out, false
	}
	return &out, true
}

func (e *Engine) undecided(ids []models.VertexID) []models.VertexID {
	var out []models.VertexID
	for _, id := range ids {
		if !e.final.Status(id).Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// Step runs one round on every active conflict set, in parallel on the worker
// pool, and returns the outcomes ordered by set key. It drives the engine
// without timers and must not be used while Run is active.
func (e *Engine) Step(ctx context.Context) ([]vote.Outcome, error) {
	e.mux.Lock()
	keys := make([]models.VertexID, 0, len(e.active))
	for key := range e.active {
		keys = append(keys, key)
	}
	e.mux.Unlock()
	slices.Sort(keys)

	outs := make([]*vote.Outcome, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parameters.Workers)
	for i, key := range keys {
		g.Go(func() error {
			outs[i], _ = e.process(gctx, key)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var result []vote.Outcome
	for _, out := range outs {
		if out != nil {
			result = append(result, *out)
		}
	}
	return result, nil
}

// Preference answers a peer's query with this node's preferred member.
func (e *Engine) Preference(set []models.VertexID) models.VertexID {
	return e.votes.Preference(set)
}

func (e *Engine) Status() models.StatusReport {
	counts := e.final.Counts()

	e.mux.Lock()
	active, queued := len(e.active), e.backlog.Len()
	e.mux.Unlock()

	return models.StatusReport{
		TipCount:           len(e.store.Tips()),
		FinalizedHeight:    e.final.Height(),
		PendingCount:       counts.Pending,
		AcceptedCount:      counts.Accepted,
		RejectedCount:      counts.Rejected,
		VertexCount:        e.store.Len(),
		ActiveConflictSets: active,
		QueuedConflictSets: queued,
		ExcludedPeers:      len(e.detector.Excluded()),
	}
}

// ConfidenceOf returns the successful-round counter of id.
func (e *Engine) ConfidenceOf(id models.VertexID) (int, bool) {
	if !e.store.Has(id) {
		return 0, false
	}
	return e.votes.Counter(id), true
}

func (e *Engine) VoteRecord(id models.VertexID) (vote.Record, bool) {
	if !e.store.Has(id) {
		return vote.Record{}, false
	}
	return e.votes.Record(id), true
}

func (e *Engine) StatusOf(id models.VertexID) (models.Status, bool) {
	return e.final.Lookup(id)
}

func (e *Engine) Vertex(id models.VertexID) (*models.Vertex, bool) {
	return e.store.Get(id)
}

func (e *Engine) ConflictSetOf(id models.VertexID) []models.VertexID {
	return e.resolver.ConflictSetOf(id)
}

func (e *Engine) Tips() []models.VertexID {
	return e.store.Tips()
}

func (e *Engine) QueryTargets(n int) []models.VertexID {
	return e.selector.SelectQueryTargets(n)
}

// SelectParents picks parents for a vertex this node is about to author.
func (e *Engine) SelectParents(n int) ([]models.VertexID, error) {
	return e.selector.SelectParents(n)
}

func (e *Engine) Finalized() []models.VertexID {
	return e.final.Finalized()
}

func (e *Engine) Reputation(peer models.PeerID) byzantine.Reputation {
	return e.detector.Reputation(peer)
}

// Tolerated reports whether the excluded share of total peers is still within
// the configured byzantine fraction.
func (e *Engine) Tolerated(total int) bool {
	return e.detector.Tolerated(total)
}
