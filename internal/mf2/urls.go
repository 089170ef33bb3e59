package mf2

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// urlPattern is deliberately conservative: it mines absolute http(s) URLs out
// of free text without trying to honor every RFC 3986 corner.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)

// URLsInText returns the http(s) URLs found in free text, with trailing
// punctuation stripped.
func URLsInText(text string) []string {
	var out []string
	for _, m := range urlPattern.FindAllString(text, -1) {
		out = append(out, strings.TrimRight(m, ".,;:!?"))
	}
	return out
}

// URLsInHTML returns every href and src attribute value in the fragment,
// resolved against base when base is non-nil.
func URLsInHTML(fragment string, base *url.URL) []string {
	node, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, attr := range n.Attr {
				if attr.Key != "href" && attr.Key != "src" {
					continue
				}
				ref := strings.TrimSpace(attr.Val)
				if ref == "" {
					continue
				}
				if base != nil {
					if abs, err := base.Parse(ref); err == nil {
						out = append(out, abs.String())
						continue
					}
				}
				out = append(out, ref)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return out
}

// ExtractURLs returns every URL referenced by the object's properties:
// direct url arrays, href/src values mined from html subvalues, and URLs
// mined from any string leaf. Children are included; duplicates are not.
func ExtractURLs(o *Object) []string {
	seen := map[string]bool{}
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	var walkValue func(v interface{})
	var walkObject func(o *Object)
	walkValue = func(v interface{}) {
		switch t := v.(type) {
		case string:
			for _, u := range URLsInText(t) {
				add(u)
			}
		case map[string]interface{}:
			if h, ok := t["html"].(string); ok {
				for _, u := range URLsInHTML(h, nil) {
					add(u)
				}
			}
			if s, ok := t["value"].(string); ok {
				for _, u := range URLsInText(s) {
					add(u)
				}
			}
			// nested microformat rendered as a plain map
			if props, ok := t["properties"].(map[string]interface{}); ok {
				for _, vs := range props {
					if arr, ok := vs.([]interface{}); ok {
						for _, nv := range arr {
							walkValue(nv)
						}
					}
				}
			}
		case *Object:
			walkObject(t)
		}
	}
	walkObject = func(o *Object) {
		if o == nil {
			return
		}
		for key, vs := range o.Properties {
			for _, v := range vs {
				if key == "url" || key == "in-reply-to" || key == "like-of" ||
					key == "repost-of" || key == "bookmark-of" || key == "syndication" {
					if s, ok := v.(string); ok {
						add(s)
						continue
					}
				}
				walkValue(v)
			}
		}
		for _, child := range o.Children {
			walkObject(child)
		}
	}
	walkObject(o)
	return out
}

// SameURL reports whether two URLs match, either exactly (ignoring fragments
// and a trailing slash) or, under domainOnly, by sharing a host.
func SameURL(a, b string, domainOnly bool) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	if domainOnly {
		return ua.Host != "" && strings.EqualFold(ua.Host, ub.Host)
	}
	ua.Fragment = ""
	ub.Fragment = ""
	return strings.TrimSuffix(ua.String(), "/") == strings.TrimSuffix(ub.String(), "/")
}

// References reports whether any string leaf of the object tree points at
// target. Used to pick the h-entry a webmention source is actually about.
func References(o *Object, target string, domainOnly bool) bool {
	found := false
	var walkValue func(v interface{})
	var walkObject func(o *Object)
	test := func(u string) {
		if SameURL(u, target, domainOnly) {
			found = true
		}
	}
	walkValue = func(v interface{}) {
		if found {
			return
		}
		switch t := v.(type) {
		case string:
			for _, u := range URLsInText(t) {
				test(u)
			}
		case map[string]interface{}:
			if h, ok := t["html"].(string); ok {
				for _, u := range URLsInHTML(h, nil) {
					test(u)
				}
			}
			if s, ok := t["value"].(string); ok {
				for _, u := range URLsInText(s) {
					test(u)
				}
			}
			if props, ok := t["properties"].(map[string]interface{}); ok {
				for _, vs := range props {
					if arr, ok := vs.([]interface{}); ok {
						for _, nv := range arr {
							walkValue(nv)
						}
					}
				}
			}
		case *Object:
			walkObject(t)
		}
	}
	walkObject = func(o *Object) {
		if o == nil || found {
			return
		}
		for _, vs := range o.Properties {
			for _, v := range vs {
				walkValue(v)
			}
		}
		for _, child := range o.Children {
			walkObject(child)
		}
	}
	walkObject(o)
	return found
}

// ReferencesJSON applies the References predicate to an arbitrary decoded
// JSON value, walking every string leaf.
func ReferencesJSON(v interface{}, target string, domainOnly bool) bool {
	switch t := v.(type) {
	case string:
		for _, u := range URLsInText(t) {
			if SameURL(u, target, domainOnly) {
				return true
			}
		}
	case []interface{}:
		for _, e := range t {
			if ReferencesJSON(e, target, domainOnly) {
				return true
			}
		}
	case map[string]interface{}:
		for _, e := range t {
			if ReferencesJSON(e, target, domainOnly) {
				return true
			}
		}
	}
	return false
}
