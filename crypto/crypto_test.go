package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"dag-consensus/models"
)

func testSigner(t *testing.T) *Signer {
	s, err := NewSignerFromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return s
}

func TestHashDeterministic(t *testing.T) {
	require := require.New(t)

	var h Blake2b
	a := h.Hash([]byte("payload"), []models.VertexID{"p1", "p2"})
	b := h.Hash([]byte("payload"), []models.VertexID{"p1", "p2"})
	require.Equal(a, b)
	require.Len(string(a), 64)

	// parent order is part of the content
	require.NotEqual(a, h.Hash([]byte("payload"), []models.VertexID{"p2", "p1"}))
	// boundaries between payload and parents are length-prefixed
	require.NotEqual(
		h.Hash([]byte("ab"), []models.VertexID{"c"}),
		h.Hash([]byte("a"), []models.VertexID{"bc"}),
	)
}

func TestSignAndVerify(t *testing.T) {
	require := require.New(t)

	s := testSigner(t)
	v := s.Sign([]byte(`{"spends":["r1"]}`), []models.VertexID{"genesis"})
	require.Equal(s.Hash(v.Payload, v.Parents), v.ID)
	require.True(s.Verify(v))

	tampered := v.Clone()
	tampered.Signature[0] ^= 0xff
	require.False(s.Verify(tampered))

	other, err := NewSignerFromSeed(bytes.Repeat([]byte{9}, 32))
	require.NoError(err)
	forged := v.Clone()
	forged.Issuer = other.Issuer()
	require.False(s.Verify(forged))
}

func TestVerifyRejectsMalformedIssuer(t *testing.T) {
	s := testSigner(t)
	v := s.Sign(nil, nil)
	v.Issuer = "not-hex"
	require.False(t, s.Verify(v))
}

func TestNewSignerKeyLength(t *testing.T) {
	_, err := NewSigner([]byte{1, 2, 3})
	require.ErrorIs(t, err, errBadPrivateKey)
	_, err = NewSignerFromSeed([]byte{1})
	require.ErrorIs(t, err, errBadPrivateKey)
}
