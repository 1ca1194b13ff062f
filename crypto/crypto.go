// Package crypto is the default crypto collaborator: BLAKE2b-256 content
// addressing and ed25519 issuer signatures. The post-quantum primitives used in
// production deployments plug in behind the same two methods.
package crypto

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"

	"dag-consensus/models"
)

var errBadPrivateKey = errors.New("invalid ed25519 private key length")

// Blake2b hashes vertices and verifies ed25519 signatures whose public key is
// the hex-encoded issuer id.
type Blake2b struct{}

// Hash returns the id of a vertex with the given payload and ordered parents.
// Lengths are prefixed so that payload and parent boundaries cannot collide.
func (Blake2b) Hash(payload []byte, parents []models.VertexID) models.VertexID {
	h, _ := blake2b.New256(nil)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	h.Write(lenBuf[:])
	h.Write(payload)
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(parents)))
	h.Write(lenBuf[:])
	for _, p := range parents {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	return models.VertexID(hex.EncodeToString(h.Sum(nil)))
}

// Verify checks the issuer's signature over the vertex id.
func (Blake2b) Verify(v *models.Vertex) bool {
	pub, err := hex.DecodeString(string(v.Issuer))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	msg, err := hex.DecodeString(string(v.ID))
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, v.Signature)
}

// Signer authors vertices on behalf of a local key.
type Signer struct {
	Blake2b
	key ed25519.PrivateKey
}

func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errBadPrivateKey
	}
	return &Signer{key: key}, nil
}

// NewSignerFromSeed derives the signing key from a 32 byte seed.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errBadPrivateKey
	}
	return &Signer{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Issuer returns the peer id vertices signed by s carry.
func (s *Signer) Issuer() models.PeerID {
	return models.PeerID(hex.EncodeToString(s.key.Public().(ed25519.PublicKey)))
}

// Sign builds a complete, signed vertex.
func (s *Signer) Sign(payload []byte, parents []models.VertexID) *models.Vertex {
	id := s.Hash(payload, parents)
	msg, _ := hex.DecodeString(string(id))
	return &models.Vertex{
		ID:        id,
		Payload:   payload,
		Parents:   parents,
		Issuer:    s.Issuer(),
		Signature: ed25519.Sign(s.key, msg),
		Timestamp: time.Now().UnixMilli(),
	}
}
