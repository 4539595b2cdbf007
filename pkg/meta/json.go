package meta

import "encoding/json"

// knownKeys are the top-level keys owned by the tagged union. Everything else
// round-trips through Extra.
var knownKeys = map[string]bool{
	"ticket":   true,
	"thread":   true,
	"meeting":  true,
	"file":     true,
	"pr":       true,
	"doc":      true,
	"run":      true,
	"incident": true,
	"links":    true,
}

// metaAlias avoids MarshalJSON/UnmarshalJSON recursion
type metaAlias Meta

// MarshalJSON encodes known variants and re-attaches preserved unknown keys.
func (m Meta) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(metaAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if !knownKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known variants and stashes unknown keys in Extra.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var alias metaAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownKeys[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}

	*m = Meta(alias)
	return nil
}

// Parse decodes a metadata blob. A nil or empty blob yields an empty Meta.
func Parse(data []byte) (Meta, error) {
	var m Meta
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Encode serializes metadata for storage.
func Encode(m Meta) ([]byte, error) {
	return json.Marshal(m)
}
