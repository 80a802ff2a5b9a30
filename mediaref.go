// Package mediakit provides the shared value types for the PukkeConnect
// media client: references to backend-stored media objects and the batch
// signature used to identify an ordered set of them.
package mediakit

import (
	"encoding/hex"
	"strconv"

	"github.com/zeebo/blake3"
)

// MediaRef identifies one backend-stored media object within an ordered
// collection. Key is the backend object key; Position is the display
// position, zero when the caller does not order items explicitly.
type MediaRef struct {
	Key      string `json:"key"`
	Position int    `json:"position,omitempty"`
}

// SignatureSize is the size of a batch signature digest in bytes.
const SignatureSize = 32

// Signature is a BLAKE3 digest identifying an ordered batch of media
// references. Two batches with the same keys in the same positions and
// order produce the same signature.
type Signature [SignatureSize]byte

// String returns the hex-encoded representation of the signature.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// ShortString returns a shortened hex representation for display.
func (s Signature) ShortString() string {
	return hex.EncodeToString(s[:8])
}

// IsZero returns true if the signature is all zeros (uninitialized).
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// BatchSignature computes the signature of an ordered batch of media
// references. Each entry contributes its key and position with explicit
// delimiters, so neither reordering nor key/position boundary shifts can
// collide. An empty or nil batch has a well-defined non-zero signature.
func BatchSignature(refs []MediaRef) Signature {
	h := blake3.New()
	for _, ref := range refs {
		_, _ = h.Write([]byte(ref.Key))
		_, _ = h.Write([]byte{0x00})
		_, _ = h.Write([]byte(strconv.Itoa(ref.Position)))
		_, _ = h.Write([]byte{0x0a})
	}
	var sig Signature
	h.Sum(sig[:0])
	return sig
}
