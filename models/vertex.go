package models

import (
	"encoding/json"
	"slices"
)

// VertexID is the hex-encoded content hash of a vertex's payload and parents.
// IDs are ordered lexicographically wherever a deterministic tie-break is needed.
type VertexID string

// PeerID identifies a participant that can be sampled for its preference.
type PeerID string

type Vertex struct {
	ID        VertexID   `json:"id"`        // content hash of payload+parents
	Payload   []byte     `json:"payload"`   // opaque to the store
	Parents   []VertexID `json:"parents"`   // empty only for genesis
	Issuer    PeerID     `json:"issuer"`    // peer that authored the vertex
	Signature []byte     `json:"signature"` // checked by the crypto collaborator
	Timestamp int64      `json:"timestamp"` // issuer-supplied, unix ms, advisory only
}

// IsGenesis reports whether the vertex claims no parents.
func (v *Vertex) IsGenesis() bool {
	return len(v.Parents) == 0
}

// Clone returns a deep copy so callers can never mutate stored vertices.
func (v *Vertex) Clone() *Vertex {
	c := *v
	c.Payload = slices.Clone(v.Payload)
	c.Parents = slices.Clone(v.Parents)
	c.Signature = slices.Clone(v.Signature)
	return &c
}

// Payload is the structured form understood by the conflict resolver.
// Vertices whose payload does not decode as a Payload spend nothing and so
// never conflict with anything.
type Payload struct {
	Spends []string        `json:"spends,omitempty"` // resources consumed by this vertex
	Data   json.RawMessage `json:"data,omitempty"`
}

// ParseSpends returns the resources a raw payload spends, deduplicated and sorted.
func ParseSpends(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	spends := slices.Clone(p.Spends)
	slices.Sort(spends)
	return slices.Compact(spends)
}

// SortIDs sorts ids in place in ascending order and returns them.
func SortIDs(ids []VertexID) []VertexID {
	slices.Sort(ids)
	return ids
}
