// Package media stores uploaded files on disk under opaque ids and serves
// them back at /media/<id>.
package media

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store writes uploads into a flat directory, one file per fresh 128-bit id.
type Store struct {
	dir     string
	baseURL string
}

// NewStore creates a media store rooted at dir. URLs returned by Save are
// absolute under baseURL.
func NewStore(dir, baseURL string) *Store {
	return &Store{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Dir is the directory uploads land in; the router serves it statically.
func (s *Store) Dir() string { return s.dir }

// Save stores one upload and returns its public URL. The original filename
// only contributes its extension; the basename is always a fresh id.
func (s *Store) Save(filename string, r io.Reader) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	name := strings.ReplaceAll(uuid.New().String(), "-", "")
	if ext := sanitizeExt(filepath.Ext(filename)); ext != "" {
		name += ext
	}

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return s.baseURL + "/media/" + name, nil
}

// sanitizeExt keeps only simple alphanumeric extensions; anything else is
// dropped rather than trusted.
func sanitizeExt(ext string) string {
	if ext == "" || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return ""
		}
	}
	return strings.ToLower(ext)
}
