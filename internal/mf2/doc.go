// Package mf2 holds the microformats-2 document model shared by the post
// store, the Micropub endpoint, and the Webmention engine, together with the
// URL extraction and matching helpers the federation workflows are built on.
//
// A document is the standard community JSON shape:
//
//	{"type": ["h-entry"], "properties": {"name": ["Hello"]}, "children": [...]}
//
// Property values are kept as []interface{} because the wire format allows
// strings, {"value","html"} maps, and nested microformat objects side by side.
package mf2

import (
	"encoding/json"
	"fmt"
)

// Object is a microformats-2 object.
type Object struct {
	Type       []string                 `json:"type"`
	Properties map[string][]interface{} `json:"properties"`
	Children   []*Object                `json:"children,omitempty"`
}

// NewEntry returns an empty h-entry.
func NewEntry() *Object {
	return &Object{
		Type:       []string{"h-entry"},
		Properties: map[string][]interface{}{},
	}
}

// Valid reports whether the object satisfies the structural invariant every
// stored post must hold: a non-empty type array and a property dictionary
// whose values are arrays (guaranteed by the Go type, checked here for
// documents decoded from untrusted JSON).
func (o *Object) Valid() bool {
	return o != nil && len(o.Type) > 0 && o.Properties != nil
}

// First returns the first value of a property, or nil.
func (o *Object) First(key string) interface{} {
	if o == nil || o.Properties == nil {
		return nil
	}
	if vs := o.Properties[key]; len(vs) > 0 {
		return vs[0]
	}
	return nil
}

// FirstString returns the first value of a property as a plain string.
// For {"value": ...} maps the embedded value is returned.
func (o *Object) FirstString(key string) string {
	return stringValue(o.First(key))
}

// Strings returns all values of a property flattened to plain strings,
// skipping values with no string form.
func (o *Object) Strings(key string) []string {
	if o == nil || o.Properties == nil {
		return nil
	}
	var out []string
	for _, v := range o.Properties[key] {
		if s := stringValue(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Set replaces a property with the given values.
func (o *Object) Set(key string, values ...interface{}) {
	if o.Properties == nil {
		o.Properties = map[string][]interface{}{}
	}
	o.Properties[key] = values
}

// Add appends values to a property, creating it if absent.
func (o *Object) Add(key string, values ...interface{}) {
	if o.Properties == nil {
		o.Properties = map[string][]interface{}{}
	}
	o.Properties[key] = append(o.Properties[key], values...)
}

// RemoveValues deletes the listed values from a property. When the property
// becomes empty it is dropped entirely.
func (o *Object) RemoveValues(key string, values []interface{}) {
	if o == nil || o.Properties == nil {
		return
	}
	kept := o.Properties[key][:0]
	for _, have := range o.Properties[key] {
		drop := false
		for _, rm := range values {
			if equalValue(have, rm) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, have)
		}
	}
	if len(kept) == 0 {
		delete(o.Properties, key)
	} else {
		o.Properties[key] = kept
	}
}

// HasCategory reports whether the category property contains the value.
func (o *Object) HasCategory(category string) bool {
	for _, c := range o.Strings("category") {
		if c == category {
			return true
		}
	}
	return false
}

// Clone deep-copies the object through a JSON round trip.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	var out Object
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return &out
}

// Decode parses a JSON document into an Object, rejecting documents that
// fail the structural invariant.
func Decode(raw []byte) (*Object, error) {
	var o Object
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("mf2: %w", err)
	}
	if !o.Valid() {
		return nil, fmt.Errorf("mf2: missing type or properties")
	}
	return &o, nil
}

// stringValue extracts the plain-string form of a property value: strings
// as-is, maps via their "value" key, nested objects via their url property.
func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		if s, ok := t["value"].(string); ok {
			return s
		}
	case *Object:
		return t.FirstString("url")
	}
	return ""
}

// equalValue compares two property values by canonical JSON. Map-valued
// properties (e-content, nested cites) compare structurally.
func equalValue(a, b interface{}) bool {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	ar, err1 := json.Marshal(a)
	br, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ar) == string(br)
}
