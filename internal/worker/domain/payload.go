package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is a parsed job payload: a JSON object plus its raw bytes for typed decoding.
type Payload struct {
	Raw    json.RawMessage
	Fields map[string]any
}

// ParsePayload parses the stored payload text. The text must hold a JSON object, or a
// JSON string that itself holds a JSON object (producers that serialize twice).
// Any other shape is ErrInvalidPayload.
func ParsePayload(text string) (Payload, error) {
	raw := bytes.TrimSpace([]byte(text))
	if len(raw) == 0 {
		return Payload{}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = bytes.TrimSpace([]byte(inner))
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		return Payload{}, fmt.Errorf("%w: payload is not an object", ErrInvalidPayload)
	}

	return Payload{Raw: json.RawMessage(raw), Fields: fields}, nil
}

// Decode unmarshals the payload into v. A type mismatch is ErrInvalidPayload.
func (p Payload) Decode(v any) error {
	if err := json.Unmarshal(p.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Has reports whether key is present at the top level.
func (p Payload) Has(key string) bool {
	_, ok := p.Fields[key]
	return ok
}

// String returns a top-level string field, or "" when absent or not a string.
func (p Payload) String(key string) string {
	s, _ := p.Fields[key].(string)
	return s
}
