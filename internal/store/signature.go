package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint derives the canonical identity of a request. The payload is
// reduced to the four identity fields, absent metadata normalizes to the
// empty object and absent media_url to the empty string, and the whole is
// encoded as compact JSON with lexicographically sorted keys before
// hashing. Equal canonical payloads therefore collide on every replica.
func Fingerprint(product, prompt, mediaURL string, metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	canonical := map[string]any{
		"product":   product,
		"prompt":    prompt,
		"media_url": mediaURL,
		"metadata":  metadata,
	}
	encoded, err := canonicalJSON(canonical)
	if err != nil {
		return "", fmt.Errorf("encode signature payload: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals without HTML escaping so byte identity depends
// only on the payload. encoding/json already sorts map keys at every
// nesting level and emits no insignificant whitespace.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
