package mf2

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLsInText(t *testing.T) {
	got := URLsInText(`see https://alice.example/post/1, and (http://bob.example/a).`)
	assert.Equal(t, []string{"https://alice.example/post/1", "http://bob.example/a"}, got)

	assert.Empty(t, URLsInText("no links here"))
}

func TestURLsInHTML(t *testing.T) {
	base, _ := url.Parse("https://alice.example/post/1")
	got := URLsInHTML(`<a href="/about">about</a><img src="https://cdn.example/x.jpg">`, base)
	assert.Contains(t, got, "https://alice.example/about")
	assert.Contains(t, got, "https://cdn.example/x.jpg")
}

func TestSameURL(t *testing.T) {
	assert.True(t, SameURL("https://a.example/p/", "https://a.example/p", false))
	assert.True(t, SameURL("https://a.example/p#frag", "https://a.example/p", false))
	assert.False(t, SameURL("https://a.example/p", "https://a.example/q", false))
	assert.True(t, SameURL("https://a.example/p", "https://a.example/q", true))
	assert.False(t, SameURL("https://a.example/p", "https://b.example/p", true))
}

func TestExtractURLs(t *testing.T) {
	entry := NewEntry()
	entry.Set("url", "https://me.example/feed/1")
	entry.Set("in-reply-to", "https://alice.example/post/9")
	entry.Set("content", map[string]interface{}{
		"html":  `<a href="https://bob.example/a">bob</a>`,
		"value": "also see https://carol.example/c",
	})

	got := ExtractURLs(entry)
	assert.Contains(t, got, "https://me.example/feed/1")
	assert.Contains(t, got, "https://alice.example/post/9")
	assert.Contains(t, got, "https://bob.example/a")
	assert.Contains(t, got, "https://carol.example/c")
}

func TestParseAndFindEntry(t *testing.T) {
	base, _ := url.Parse("https://alice.example/post/1")
	page := `<html><body>
		<article class="h-entry">
			<a class="u-in-reply-to" href="https://me.example/feed/x">a post</a>
			<div class="e-content">good point</div>
			<div class="p-author h-card"><a class="u-url" href="/">Alice</a></div>
		</article>
	</body></html>`

	items := ParseHTML(strings.NewReader(page), base)
	require.NotEmpty(t, items)

	entry := FindEntry(items, "https://me.example/feed/x")
	require.NotNil(t, entry)
	assert.Equal(t, []string{"h-entry"}, entry.Type)
	assert.Equal(t, "good point", entry.FirstString("content"))

	assert.Nil(t, FindEntry(items, "https://me.example/feed/other"))
}

func TestFindEntryJSON(t *testing.T) {
	doc := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{
				"type": []interface{}{"h-feed"},
				"children": []interface{}{
					map[string]interface{}{
						"type": []interface{}{"h-entry"},
						"properties": map[string]interface{}{
							"like-of": []interface{}{"https://me.example/feed/x"},
						},
					},
				},
			},
		},
	}
	entry := FindEntryJSON(doc, "https://me.example/feed/x")
	require.NotNil(t, entry)
	assert.Equal(t, "https://me.example/feed/x", entry.FirstString("like-of"))

	assert.Nil(t, FindEntryJSON(doc, "https://me.example/feed/y"))
}

func TestCloneIsIndependent(t *testing.T) {
	entry := NewEntry()
	entry.Set("name", "original")
	cp := entry.Clone()
	cp.Set("name", "copy")
	assert.Equal(t, "original", entry.FirstString("name"))
	assert.Equal(t, "copy", cp.FirstString("name"))
}

func TestRemoveValues(t *testing.T) {
	entry := NewEntry()
	entry.Add("category", "go")
	entry.Add("category", "indieweb")
	entry.RemoveValues("category", []interface{}{"go"})
	assert.Equal(t, []string{"indieweb"}, entry.Strings("category"))

	entry.RemoveValues("category", []interface{}{"indieweb"})
	_, ok := entry.Properties["category"]
	assert.False(t, ok, "empty property is dropped")
}

func TestReferencesNestedHTML(t *testing.T) {
	entry := NewEntry()
	entry.Set("content", map[string]interface{}{
		"html": `<blockquote cite="x"><a href="https://me.example/feed/x">q</a></blockquote>`,
	})
	assert.True(t, References(entry, "https://me.example/feed/x", false))
	assert.True(t, References(entry, "https://me.example/", true))
	assert.False(t, References(entry, "https://other.example/", true))
}
