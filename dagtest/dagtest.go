// Package dagtest provides vertex fixtures with human readable ids.
package dagtest

import (
	"encoding/json"

	"dag-consensus/crypto"
	"dag-consensus/models"
)

// BadSignature makes Crypto.Verify fail.
var BadSignature = []byte("bad-signature")

// Crypto names a vertex after the string in its payload's data field, so
// fixtures can be called "A", "B", ... Payloads without a string data field
// fall back to BLAKE2b content addressing.
type Crypto struct{}

func (Crypto) Hash(payload []byte, parents []models.VertexID) models.VertexID {
	var p models.Payload
	if err := json.Unmarshal(payload, &p); err == nil {
		var name string
		if err := json.Unmarshal(p.Data, &name); err == nil && name != "" {
			return models.VertexID(name)
		}
	}
	return crypto.Blake2b{}.Hash(payload, parents)
}

func (Crypto) Verify(v *models.Vertex) bool {
	return string(v.Signature) != string(BadSignature)
}

// Payload encodes a payload named id that spends the given resources.
func Payload(id string, spends ...string) []byte {
	data, _ := json.Marshal(id)
	raw, _ := json.Marshal(models.Payload{Spends: spends, Data: data})
	return raw
}

// Vertex builds an unsigned vertex named id.
func Vertex(id string, spends []string, parents ...models.VertexID) *models.Vertex {
	return &models.Vertex{
		ID:      models.VertexID(id),
		Payload: Payload(id, spends...),
		Parents: parents,
		Issuer:  "test-issuer",
	}
}

// Genesis is the conventional root used across tests.
func Genesis() *models.Vertex {
	return Vertex("G", nil)
}

// Statuses is a settable StatusReader.
type Statuses map[models.VertexID]models.Status

func (s Statuses) Status(id models.VertexID) models.Status {
	return s[id]
}
