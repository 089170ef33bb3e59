package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/internal/mf2"
)

func TestApplyUpdateReplace(t *testing.T) {
	h := &Handlers{}
	entry := mf2.NewEntry()
	entry.Set("content", "before")
	entry.Set("name", "title")

	err := h.applyUpdate(entry, &micropubAction{
		Replace: map[string][]interface{}{"content": {"after"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "after", entry.FirstString("content"))
	assert.Equal(t, "title", entry.FirstString("name"), "untouched properties survive")
}

func TestApplyUpdateAdd(t *testing.T) {
	h := &Handlers{}
	entry := mf2.NewEntry()
	entry.Add("category", "go")

	err := h.applyUpdate(entry, &micropubAction{
		Add: map[string][]interface{}{
			"category":    {"indieweb"},
			"syndication": {"https://mirror.example/1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "indieweb"}, entry.Strings("category"))
	assert.Equal(t, "https://mirror.example/1", entry.FirstString("syndication"))
}

func TestApplyUpdateDeleteNames(t *testing.T) {
	h := &Handlers{}
	entry := mf2.NewEntry()
	entry.Set("content", "x")
	entry.Set("name", "title")

	err := h.applyUpdate(entry, &micropubAction{
		Delete: []interface{}{"name"},
	})
	require.NoError(t, err)
	_, ok := entry.Properties["name"]
	assert.False(t, ok)
	assert.Equal(t, "x", entry.FirstString("content"))
}

func TestApplyUpdateDeleteValues(t *testing.T) {
	h := &Handlers{}
	entry := mf2.NewEntry()
	entry.Add("category", "go")
	entry.Add("category", "indieweb")

	err := h.applyUpdate(entry, &micropubAction{
		Delete: map[string]interface{}{"category": []interface{}{"go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"indieweb"}, entry.Strings("category"))
}

func TestApplyUpdateRejectsBadDelete(t *testing.T) {
	h := &Handlers{}
	entry := mf2.NewEntry()

	err := h.applyUpdate(entry, &micropubAction{Delete: "content"})
	assert.Error(t, err)

	err = h.applyUpdate(entry, &micropubAction{
		Delete: map[string]interface{}{"category": "go"},
	})
	assert.Error(t, err)
}
