package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Header is one name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered string map with case-insensitive names. It encodes to
// a JSON object whose keys keep insertion order.
type Headers []Header

// Get returns the first value stored under name.
func (h Headers) Get(name string) (string, bool) {
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	return "", false
}

// Set replaces the value of an existing name in place, or appends it.
// Duplicates of name after the first are removed.
func (h *Headers) Set(name, value string) {
	out := (*h)[:0]
	found := false
	for _, kv := range *h {
		if strings.EqualFold(kv.Name, name) {
			if found {
				continue
			}
			kv.Value = value
			found = true
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, Header{Name: name, Value: value})
	}
	*h = out
}

// Add appends a pair without looking for an existing name.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Del removes every pair stored under name.
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, kv := range *h {
		if !strings.EqualFold(kv.Name, name) {
			out = append(out, kv)
		}
	}
	*h = out
}

// Len returns the number of pairs.
func (h Headers) Len() int { return len(h) }

// Each calls fn for every pair in order.
func (h Headers) Each(fn func(name, value string)) {
	for _, kv := range h {
		fn(kv.Name, kv.Value)
	}
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	return append(Headers(nil), h...)
}

// Merge layers reserved over custom. Custom pairs keep their order, a custom
// pair whose name collides with a reserved one takes the reserved value, and
// reserved names not present in custom are appended in their own order.
func Merge(custom, reserved Headers) Headers {
	out := make(Headers, 0, len(custom)+len(reserved))
	for _, kv := range custom {
		if _, ok := reserved.Get(kv.Name); ok {
			continue
		}
		out = append(out, kv)
	}
	for _, kv := range reserved {
		out.Set(kv.Name, kv.Value)
	}
	return out
}

// MarshalJSON encodes the pairs as a JSON object in order.
func (h Headers) MarshalJSON() ([]byte, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range h {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of string values keeping key order.
func (h *Headers) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*h = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("headers: expected object")
	}
	out := Headers{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("headers: expected string key")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("headers: value for %q: %w", name, err)
		}
		out.Set(name, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*h = out
	return nil
}

// Truncate bounds the combined encoded size of the headers to max characters
// by dropping trailing pairs.
func (h Headers) Truncate(max int) Headers {
	if max <= 0 {
		return h
	}
	out := Headers{}
	size := 2
	for _, kv := range h {
		n := len(kv.Name) + len(kv.Value) + 6
		if size+n > max {
			break
		}
		size += n
		out = append(out, kv)
	}
	return out
}
