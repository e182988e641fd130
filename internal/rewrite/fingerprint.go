package rewrite

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// taggedPayload is the canonical hash input. The type tag keeps structurally
// different payloads ("S" vs ["S"]) from ever fingerprinting equal.
type taggedPayload struct {
	Tag   string `json:"t"`
	Value any    `json:"v"`
}

// digest returns a 128-bit content fingerprint: the first 16 bytes of the
// SHA-256 of the canonical JSON encoding, hex-encoded. encoding/json sorts
// map keys, so round-tripped JSON objects hash independently of key order.
func digest(tag string, v any) string {
	data, err := json.Marshal(taggedPayload{Tag: tag, Value: v})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// SystemFingerprint digests the ordered list of system message contents.
// Returns "" when there are no system messages.
func SystemFingerprint(contents []string) string {
	if len(contents) == 0 {
		return ""
	}
	return digest("system", contents)
}

// ToolsFingerprint digests the tool catalog after canonicalizing its JSON
// (object key order is irrelevant). Returns "" for an absent or empty
// catalog.
func ToolsFingerprint(tools json.RawMessage) string {
	if emptyCatalog(tools) {
		return ""
	}

	var v any
	if err := json.Unmarshal(tools, &v); err != nil {
		// Unparseable catalogs still fingerprint stably on raw bytes.
		return digest("tools_raw", string(tools))
	}
	return digest("tools", v)
}

func emptyCatalog(tools json.RawMessage) bool {
	switch string(tools) {
	case "", "null", "[]":
		return true
	}
	return false
}
