package mf2

import (
	"encoding/json"
	"io"
	"net/url"

	"willnorris.com/go/microformats"
)

// ParseHTML parses a microformats-2 tree out of an HTML document. The base
// URL resolves relative references the way browsers would.
func ParseHTML(r io.Reader, base *url.URL) []*Object {
	items, _ := ParseDocument(r, base)
	return items
}

// ParseDocument parses an HTML document into its microformats-2 items and
// the rel registry (rel value → target URLs, already resolved against base).
func ParseDocument(r io.Reader, base *url.URL) ([]*Object, map[string][]string) {
	data := microformats.Parse(r, base)
	items := make([]*Object, 0, len(data.Items))
	for _, item := range data.Items {
		items = append(items, fromMicroformat(item))
	}
	return items, data.Rels
}

// fromMicroformat converts the parser's node type into our document model.
// Nested microformat property values become plain maps so the document
// round-trips through JSON unchanged.
func fromMicroformat(m *microformats.Microformat) *Object {
	o := &Object{
		Type:       append([]string(nil), m.Type...),
		Properties: map[string][]interface{}{},
	}
	for key, values := range m.Properties {
		converted := make([]interface{}, 0, len(values))
		for _, v := range values {
			converted = append(converted, convertValue(v))
		}
		o.Properties[key] = converted
	}
	for _, child := range m.Children {
		o.Children = append(o.Children, fromMicroformat(child))
	}
	return o
}

func convertValue(v interface{}) interface{} {
	switch t := v.(type) {
	case *microformats.Microformat:
		nested := fromMicroformat(t)
		raw, err := json.Marshal(nested)
		if err != nil {
			return nil
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		if t.Value != "" {
			m["value"] = t.Value
		}
		return m
	case map[string]string:
		m := make(map[string]interface{}, len(t))
		for k, s := range t {
			m[k] = s
		}
		return m
	default:
		return v
	}
}

// hasType reports whether the object carries the given mf2 type.
func hasType(o *Object, typ string) bool {
	for _, t := range o.Type {
		if t == typ {
			return true
		}
	}
	return false
}

// FindEntry returns the first h-entry in the forest whose subtree references
// target, descending through children and nested feeds. Nil when no entry
// matches.
func FindEntry(items []*Object, target string) *Object {
	for _, item := range items {
		if hasType(item, "h-entry") && References(item, target, false) {
			return item
		}
		if found := FindEntry(item.Children, target); found != nil {
			return found
		}
	}
	return nil
}

// FindEntryJSON walks a possibly nested microformats-2 JSON tree (decoded
// from an application/json source) and returns the h-entry whose subtree
// references target.
func FindEntryJSON(v interface{}, target string) *Object {
	m, ok := v.(map[string]interface{})
	if ok {
		if isEntryMap(m) && ReferencesJSON(m, target, false) {
			raw, err := json.Marshal(m)
			if err == nil {
				if entry, err := Decode(raw); err == nil {
					return entry
				}
			}
		}
		for _, key := range []string{"items", "children"} {
			if arr, ok := m[key].([]interface{}); ok {
				for _, e := range arr {
					if found := FindEntryJSON(e, target); found != nil {
						return found
					}
				}
			}
		}
		return nil
	}
	if arr, ok := v.([]interface{}); ok {
		for _, e := range arr {
			if found := FindEntryJSON(e, target); found != nil {
				return found
			}
		}
	}
	return nil
}

func isEntryMap(m map[string]interface{}) bool {
	types, ok := m["type"].([]interface{})
	if !ok {
		return false
	}
	for _, t := range types {
		if s, ok := t.(string); ok && s == "h-entry" {
			return true
		}
	}
	return false
}

// FindCard returns the first h-card in the forest, or nil. Used for author
// resolution on webmention sources and owner profiles.
func FindCard(items []*Object) *Object {
	for _, item := range items {
		if hasType(item, "h-card") {
			return item
		}
		if found := FindCard(item.Children); found != nil {
			return found
		}
	}
	return nil
}

// FindApp returns the first h-app or h-x-app in the forest, or nil. Used to
// resolve IndieAuth client information from a client_id page.
func FindApp(items []*Object) *Object {
	for _, item := range items {
		if hasType(item, "h-app") || hasType(item, "h-x-app") {
			return item
		}
		if found := FindApp(item.Children); found != nil {
			return found
		}
	}
	return nil
}
