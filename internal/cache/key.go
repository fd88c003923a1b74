// Package cache provides response caching for deterministic requests.
// Keys are cryptographic fingerprints over a canonicalized request, so two
// semantically identical requests always hit the same entry regardless of
// option ordering. In-memory and Redis backends are supported.
//
// The layer deliberately has no single-flight protection: two identical
// concurrent misses result in two provider calls. See DESIGN.md.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/modelbridge/gateway/internal/domain"
)

// Fingerprint derives the cache key for a request: a SHA-256 hex digest
// over {operation, provider, model, canonicalized payload}. The payload is
// round-tripped through a generic map so that JSON object keys, including
// nested Extra structures, are emitted in sorted order.
func Fingerprint(op domain.Operation, provider, model string, req domain.Request) string {
	canonical, err := canonicalize(req)
	if err != nil {
		// Request structs always marshal; keep a distinct keyspace if not.
		canonical = []byte(fmt.Sprintf("%+v", req))
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", op, provider, model)
	h.Write(canonical)
	return "cache:" + hex.EncodeToString(h.Sum(nil))
}

func canonicalize(req domain.Request) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	// encoding/json sorts map keys on output, recursively. Decoding into
	// a generic value therefore normalizes key ordering at every depth.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
