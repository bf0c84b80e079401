package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Key derives a deterministic idempotency key from an operation's stable
// identity fields. Callers pass only stable fields (source/target
// identifiers, symbol, quantity, price, operation type); volatile values
// like session or correlation ids must be left out, so retries from
// different invocation contexts still collide on the same key.
//
// Fields are canonicalised by sorting on name before hashing; float values
// are formatted with %g so 10 and 10.0 produce the same key.
func Key(operationType string, fields map[string]any) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, "op="+operationType)

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		switch v := fields[name].(type) {
		case float64:
			parts = append(parts, fmt.Sprintf("%s=%g", name, v))
		case float32:
			parts = append(parts, fmt.Sprintf("%s=%g", name, float64(v)))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", name, v))
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
