package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAssignsOpaqueNames(t *testing.T) {
	st := NewStore(t.TempDir(), "http://example.com")

	u, err := st.Save("kitten.JPG", strings.NewReader("not really a jpeg"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://example.com/media/"))
	assert.True(t, strings.HasSuffix(u, ".jpg"), "extension survives, lowercased: %q", u)
	assert.NotContains(t, u, "kitten", "original name does not leak")

	name := filepath.Base(u)
	data, err := os.ReadFile(filepath.Join(st.Dir(), name))
	require.NoError(t, err)
	assert.Equal(t, "not really a jpeg", string(data))
}

func TestSaveDropsSuspiciousExtensions(t *testing.T) {
	st := NewStore(t.TempDir(), "http://example.com")

	u, err := st.Save("weird.sh;rm -rf", strings.NewReader("x"))
	require.NoError(t, err)
	assert.NotContains(t, filepath.Base(u), ".")

	u2, err := st.Save("noext", strings.NewReader("y"))
	require.NoError(t, err)
	assert.NotEqual(t, u, u2)
}
