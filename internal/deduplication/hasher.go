package deduplication

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hasher computes content hashes over configured payload fields.
type Hasher struct {
	algorithm string
}

func NewHasher(algorithm string) *Hasher {
	return &Hasher{algorithm: algorithm}
}

// ComputeHash digests the given fields of the message in slice order.
// Missing fields contribute an empty value so the same field list
// always produces a comparable hash.
func (h *Hasher) ComputeHash(msg map[string]interface{}, fields []string) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("no fields specified for hashing")
	}

	var builder strings.Builder
	for _, field := range fields {
		val, exists := msg[field]
		if !exists {
			val = ""
		}
		builder.WriteString(fmt.Sprintf("%v|", val))
	}

	input := builder.String()

	switch h.algorithm {
	case "md5":
		// Legacy parity only.
		sum := md5.Sum([]byte(input))
		return hex.EncodeToString(sum[:]), nil
	default:
		sum := sha256.Sum256([]byte(input))
		return hex.EncodeToString(sum[:]), nil
	}
}
