// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the versioned audit event hashing built on top of it.
// The hash version is stored alongside every event so the canonical format
// can evolve without breaking verification of older rows.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashVersionCurrent is written into new audit events.
const HashVersionCurrent = 1

// Canonical returns the RFC 8785 canonical JSON representation of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EventContent is the hashable representation of an audit event. Timestamp is
// the RFC 3339 UTC form of the event's creation time; Payload is the raw JSON
// payload exactly as stored.
type EventContent struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	ARN       string          `json:"arn,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	ActorType string          `json:"actor_type"`
	ActorID   string          `json:"actor_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// EventHash computes eventHash = H(prevEventHash || canonicalize(content))
// under the given hash version.
func EventHash(version int, prevEventHash string, content EventContent) (string, error) {
	switch version {
	case 1:
		canonical, err := Canonical(content)
		if err != nil {
			return "", err
		}
		buf := make([]byte, 0, len(prevEventHash)+len(canonical))
		buf = append(buf, prevEventHash...)
		buf = append(buf, canonical...)
		return HashBytes(buf), nil
	default:
		return "", fmt.Errorf("canonicalize: unknown hash version %d", version)
	}
}
