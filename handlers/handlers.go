package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dag-consensus/consensus"
	"dag-consensus/dag"
	"dag-consensus/logger"
	"dag-consensus/models"
)

const (
	defaultSelection = 10
	maxSelection     = 1000
	defaultPageSize  = 100
)

// Handler contains the HTTP handlers for the node's monitoring and ingress API
type Handler struct {
	Engine *consensus.Engine
}

// NewHandler creates and returns a new Handler instance
func NewHandler(e *consensus.Engine) *Handler {
	return &Handler{Engine: e}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Debug("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// intParam reads a non-negative query parameter, falling back to def when it
// is absent.
func intParam(r *http.Request, name string, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + " parameter")
	}
	return min(n, ceiling), nil
}

// GetStatus handles GET requests for the node's consensus summary
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Status())
}

// AddVertex handles POST requests that submit a vertex for consensus
func (h *Handler) AddVertex(w http.ResponseWriter, r *http.Request) {
	var v models.Vertex
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		logger.Logger.Error("Failed to decode vertex", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	stored, status, err := h.Engine.Insert(r.Context(), &v)
	if err != nil {
		code := http.StatusBadRequest
		switch {
		case errors.Is(err, dag.ErrDuplicateVertex):
			code = http.StatusConflict
		case dag.IsCrypto(err):
			code = http.StatusUnprocessableEntity
		}
		logger.Logger.Info("Vertex refused", zap.String("vertex_id", string(v.ID)), zap.Error(err))
		writeError(w, code, err.Error())
		return
	}

	logger.Logger.Info("Vertex accepted for voting",
		zap.String("vertex_id", string(stored.ID)),
		zap.Stringer("status", status))

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Vertex inserted successfully",
		"vertex":  stored,
		"status":  status,
	})
}

// GetVertex handles GET requests for a vertex, its status and its conflict set
func (h *Handler) GetVertex(w http.ResponseWriter, r *http.Request) {
	id := models.VertexID(mux.Vars(r)["id"])
	v, ok := h.Engine.Vertex(id)
	if !ok {
		writeError(w, http.StatusNotFound, "vertex not found")
		return
	}
	status, _ := h.Engine.StatusOf(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"vertex":       v,
		"status":       status,
		"conflict_set": h.Engine.ConflictSetOf(id),
	})
}

// GetConfidence handles GET requests for the vote record of a vertex
func (h *Handler) GetConfidence(w http.ResponseWriter, r *http.Request) {
	id := models.VertexID(mux.Vars(r)["id"])
	record, ok := h.Engine.VoteRecord(id)
	if !ok {
		writeError(w, http.StatusNotFound, "vertex not found")
		return
	}
	status, _ := h.Engine.StatusOf(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"vertex_id":  id,
		"confidence": record.Counter,
		"status":     status,
		"record":     record,
	})
}

// GetTips handles GET requests for the current DAG tips
func (h *Handler) GetTips(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tips": h.Engine.Tips()})
}

// GetQueryTargets handles GET requests for the vertices most in need of votes
func (h *Handler) GetQueryTargets(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", defaultSelection, maxSelection)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": h.Engine.QueryTargets(n)})
}

// GetParents handles GET requests for parents of a vertex about to be authored
func (h *Handler) GetParents(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", 2, maxSelection)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	parents, err := h.Engine.SelectParents(n)
	if err != nil {
		logger.Logger.Error("Failed to select parents", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parents": parents})
}

// GetFinalized handles GET requests for a page of the finalized sequence
func (h *Handler) GetFinalized(w http.ResponseWriter, r *http.Request) {
	from, err := intParam(r, "from", 0, math.MaxInt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", defaultPageSize, maxSelection)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	all := h.Engine.Finalized()
	page := []models.VertexID{}
	if from < len(all) {
		page = all[from:min(len(all), from+limit)]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"height":    len(all),
		"from":      from,
		"finalized": page,
	})
}

// GetPeer handles GET requests for the reputation of a peer
func (h *Handler) GetPeer(w http.ResponseWriter, r *http.Request) {
	peer := models.PeerID(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, h.Engine.Reputation(peer))
}
