package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 canonical form of a JSON document. Two
// documents that differ only in key order or whitespace canonicalize to the
// same bytes. Empty input canonicalizes as JSON null.
func Canonicalize(input []byte) ([]byte, error) {
	if len(input) == 0 {
		input = []byte("null")
	}
	canonical, err := jcs.Transform(input)
	if err != nil {
		return nil, fmt.Errorf("Canonicalize: %w", err)
	}
	return canonical, nil
}

// Hash returns the hex sha256 of the canonical form of input. This is the
// input hash bound into execution tokens and recomputed at execute time.
func Hash(input []byte) (string, error) {
	canonical, err := Canonicalize(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
