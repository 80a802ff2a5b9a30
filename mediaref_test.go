package mediakit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchSignatureStable(t *testing.T) {
	refs := []MediaRef{
		{Key: "covers/a.png", Position: 0},
		{Key: "covers/b.png", Position: 1},
	}

	first := BatchSignature(refs)
	second := BatchSignature(refs)

	require.Equal(t, first, second)
	require.False(t, first.IsZero())
}

func TestBatchSignatureOrderSensitive(t *testing.T) {
	forward := BatchSignature([]MediaRef{
		{Key: "a", Position: 0},
		{Key: "b", Position: 1},
	})
	reversed := BatchSignature([]MediaRef{
		{Key: "b", Position: 1},
		{Key: "a", Position: 0},
	})

	require.NotEqual(t, forward, reversed)
}

func TestBatchSignatureBoundaries(t *testing.T) {
	tests := []struct {
		name string
		a    []MediaRef
		b    []MediaRef
	}{
		{
			name: "position change",
			a:    []MediaRef{{Key: "x", Position: 1}},
			b:    []MediaRef{{Key: "x", Position: 2}},
		},
		{
			name: "key suffix vs position prefix",
			a:    []MediaRef{{Key: "x1", Position: 2}},
			b:    []MediaRef{{Key: "x", Position: 12}},
		},
		{
			name: "split across entries",
			a:    []MediaRef{{Key: "ab"}},
			b:    []MediaRef{{Key: "a"}, {Key: "b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotEqual(t, BatchSignature(tt.a), BatchSignature(tt.b))
		})
	}
}

func TestBatchSignatureEmpty(t *testing.T) {
	require.Equal(t, BatchSignature(nil), BatchSignature([]MediaRef{}))
	require.False(t, BatchSignature(nil).IsZero())
}

func TestSignatureString(t *testing.T) {
	sig := BatchSignature([]MediaRef{{Key: "k"}})

	require.Len(t, sig.String(), SignatureSize*2)
	require.Len(t, sig.ShortString(), 16)
	require.Equal(t, sig.String()[:16], sig.ShortString())
}
