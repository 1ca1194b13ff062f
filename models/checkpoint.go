package models

// Checkpoint is a snapshot of the DAG used to rehydrate a node at startup.
// Vertices are stored parents-first so they can be re-inserted in order.
type Checkpoint struct {
	ID        string              `json:"id"`
	Timestamp int64               `json:"timestamp"` // unix ms
	Vertices  []*Vertex           `json:"vertices"`
	Statuses  map[VertexID]Status `json:"statuses"`
	Finalized []VertexID          `json:"finalized"` // finality order
}

// StatusReport is the read-only summary exposed to monitoring.
type StatusReport struct {
	TipCount           int `json:"tip_count"`
	FinalizedHeight    int `json:"finalized_height"`
	PendingCount       int `json:"pending_count"`
	AcceptedCount      int `json:"accepted_count"`
	RejectedCount      int `json:"rejected_count"`
	VertexCount        int `json:"vertex_count"`
	ActiveConflictSets int `json:"active_conflict_sets"`
	QueuedConflictSets int `json:"queued_conflict_sets"`
	ExcludedPeers      int `json:"excluded_peers"`
}
