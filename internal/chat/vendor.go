package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// VendorInfo is an opaque, order-preserving mapping of vendor-specific chat
// metadata. Values are arbitrary JSON-compatible structures; no schema is imposed.
type VendorInfo struct {
	keys   []string
	values map[string]any
}

// Set stores a value, keeping the original position when the key already exists.
func (v *VendorInfo) Set(key string, value any) {
	if v.values == nil {
		v.values = make(map[string]any)
	}
	if _, ok := v.values[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.values[key] = value
}

// Get returns the value stored under key.
func (v VendorInfo) Get(key string) (any, bool) {
	val, ok := v.values[key]
	return val, ok
}

// Len returns the number of entries.
func (v VendorInfo) Len() int { return len(v.keys) }

// Keys returns the keys in insertion order.
func (v VendorInfo) Keys() []string {
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// String renders the entries as "key: value" pairs joined by ", " in insertion order.
func (v VendorInfo) String() string {
	var buf bytes.Buffer
	for i, k := range v.keys {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%s: %v", k, v.values[k])
	}
	return buf.String()
}

// MarshalJSON encodes the entries as a JSON object, preserving insertion order.
func (v VendorInfo) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range v.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(v.values[k])
		if err != nil {
			return nil, fmt.Errorf("vendor info %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, recording keys in document order.
func (v *VendorInfo) UnmarshalJSON(data []byte) error {
	v.keys = nil
	v.values = nil
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("vendor info: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("vendor info: expected string key, got %v", tok)
		}
		var val any
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("vendor info %q: %w", key, err)
		}
		v.Set(key, val)
	}
	_, err = dec.Token()
	return err
}
