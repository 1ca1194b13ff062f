package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"dag-consensus/db"
	"dag-consensus/models"
)

const (
	vertexPrefix     = "vertex:"
	finalPrefix      = "final:"
	checkpointPrefix = "checkpoint:"
	heightKey        = "meta:height"
)

// It abstracts the storage layer from the consensus engine
type VertexRepositoryInterface interface {
	AppendFinalized(ctx context.Context, vertices []*models.Vertex) error
	GetVertex(id models.VertexID) (*models.Vertex, error)
	GetFinalized(from, limit int) ([]models.VertexID, error)
	FinalizedHeight() (int, error)
	PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LoadCheckpoint(ctx context.Context) (*models.Checkpoint, error)
}

// VertexRepository implements the VertexRepositoryInterface using LevelDB as the storage backend
type VertexRepository struct {
	db *db.LevelDB

	// serializes height read-modify-write across appends
	mux sync.Mutex
}

// NewVertexRepository creates and returns a new VertexRepository instance
func NewVertexRepository(db *db.LevelDB) *VertexRepository {
	return &VertexRepository{db: db}
}

func finalKey(height int) []byte {
	return fmt.Appendf(nil, "%s%020d", finalPrefix, height)
}

// AppendFinalized stores a batch of finalized vertices and extends the
// finalized log in one atomic write. Vertices already in the log are skipped,
// so replaying a batch is harmless.
func (r *VertexRepository) AppendFinalized(ctx context.Context, vertices []*models.Vertex) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	height, err := r.FinalizedHeight()
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for _, v := range vertices {
		key := []byte(vertexPrefix + string(v.ID))
		exists, err := r.db.Has(key)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		batch.Put(key, data)
		batch.Put(finalKey(height), []byte(v.ID))
		height++
	}
	if batch.Len() == 0 {
		return nil
	}
	batch.Put([]byte(heightKey), []byte(strconv.Itoa(height)))
	return r.db.Write(batch)
}

// GetVertex retrieves a finalized vertex from LevelDB storage by its ID
func (r *VertexRepository) GetVertex(id models.VertexID) (*models.Vertex, error) {
	data, err := r.db.Get([]byte(vertexPrefix + string(id)))
	if err != nil {
		return nil, err
	}
	var v models.Vertex
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetFinalized returns up to limit ids of the finalized log starting at from
func (r *VertexRepository) GetFinalized(from, limit int) ([]models.VertexID, error) {
	iter := r.db.NewPrefixIterator([]byte(finalPrefix))
	defer iter.Release()

	var ids []models.VertexID
	if iter.Seek(finalKey(from)) {
		for ok := true; ok && len(ids) < limit; ok = iter.Next() {
			ids = append(ids, models.VertexID(iter.Value()))
		}
	}
	return ids, iter.Error()
}

// FinalizedHeight returns the length of the finalized log
func (r *VertexRepository) FinalizedHeight() (int, error) {
	data, err := r.db.Get([]byte(heightKey))
	if db.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

// Creates a new checkpoint by storing the current state of the DAG
func (r *VertexRepository) PutCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	key := []byte(checkpointPrefix + cp.ID)
	return r.db.Put(key, data)
}

// Retrieves the most recent checkpoint to restore the DAG state
func (r *VertexRepository) LoadCheckpoint(ctx context.Context) (*models.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iter := r.db.NewPrefixIterator([]byte(checkpointPrefix))
	defer iter.Release()

	var latest *models.Checkpoint
	for iter.Next() {
		var cp models.Checkpoint
		if err := json.Unmarshal(iter.Value(), &cp); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", iter.Key(), err)
		}
		if latest == nil || cp.Timestamp >= latest.Timestamp {
			latest = &cp
		}
	}
	return latest, iter.Error()
}
