package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Metadata is the constrained key/value bag attached to an audit entry.
// It carries descriptive facts only. Prompt text and generated content
// must never land here; ValidateMetadata enforces that with an explicit
// allowlist rather than leaving the rule advisory.
type Metadata map[string]string

// allowedMetaKeys is the closed set of keys an entry may carry.
var allowedMetaKeys = map[string]bool{
	"source":       true,
	"feature":      true,
	"request_id":   true,
	"trace_id":     true,
	"duration_ms":  true,
	"tier":         true,
	"asset_kind":   true,
	"client":       true,
	"note_code":    true,
	"retry_origin": true,
}

const maxMetaValueLen = 256

// ValidateMetadata rejects unknown keys and oversized values.
func ValidateMetadata(meta map[string]string) error {
	for k, v := range meta {
		if !allowedMetaKeys[k] {
			return fmt.Errorf("metadata key %q is not allowed (allowed: %s)", k, allowedKeyList())
		}
		if len(v) > maxMetaValueLen {
			return fmt.Errorf("metadata value for %q exceeds %d bytes", k, maxMetaValueLen)
		}
	}
	return nil
}

// EncodeMetadata serializes a validated bag for the meta_json column.
// An empty bag encodes as the empty string, not "{}".
func EncodeMetadata(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	if err := ValidateMetadata(meta); err != nil {
		return "", err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeMetadata parses a meta_json column value.
func DecodeMetadata(raw string) (Metadata, error) {
	if raw == "" {
		return nil, nil
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func allowedKeyList() string {
	keys := make([]string, 0, len(allowedMetaKeys))
	for k := range allowedMetaKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
