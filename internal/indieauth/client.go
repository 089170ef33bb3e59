package indieauth

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/internal/mf2"
)

// ClientInfo is what the server learns by dereferencing a client_id URL:
// the app card shown on the consent page and the set of redirect URIs the
// client has registered via Link headers or <link> elements.
type ClientInfo struct {
	ID           string
	Name         string
	URL          string
	Logo         string
	RedirectURIs []string
}

// fetchClient dereferences client_id and extracts the h-app/h-x-app card
// plus registered redirect URIs. Fetch failures degrade to a bare card: the
// request is still serviceable as long as redirect_uri shares the
// client_id's origin.
func (s *Server) fetchClient(ctx context.Context, clientID string) *ClientInfo {
	info := &ClientInfo{ID: clientID, Name: clientID}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientID, nil)
	if err != nil {
		return info
	}
	req.Header.Set("Accept", "text/html")
	resp, err := s.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("client_id", clientID).Msg("client_id fetch failed")
		return info
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return info
	}

	for _, value := range resp.Header.Values("Link") {
		for _, target := range linkHeaderTargets(value, "redirect_uri") {
			info.RedirectURIs = append(info.RedirectURIs, target)
		}
	}

	base, err := url.Parse(clientID)
	if err != nil {
		return info
	}
	body := http.MaxBytesReader(nil, resp.Body, 1<<20)
	items, rels := mf2.ParseDocument(body, base)
	if app := mf2.FindApp(items); app != nil {
		if name := app.FirstString("name"); name != "" {
			info.Name = name
		}
		info.URL = app.FirstString("url")
		info.Logo = app.FirstString("logo")
	}
	info.RedirectURIs = append(info.RedirectURIs, rels["redirect_uri"]...)
	return info
}

// RedirectAllowed applies the IndieAuth rule: redirect_uri must share scheme,
// host, and port with client_id, or appear in the registered set.
func (c *ClientInfo) RedirectAllowed(redirectURI string) bool {
	cu, err := url.Parse(c.ID)
	if err != nil {
		return false
	}
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	if cu.Scheme == ru.Scheme && cu.Host == ru.Host {
		return true
	}
	for _, registered := range c.RedirectURIs {
		if registered == redirectURI {
			return true
		}
	}
	return false
}

// linkHeaderTargets parses an HTTP Link header value and returns the URLs
// carrying the given rel.
func linkHeaderTargets(header, rel string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		sections := strings.Split(part, ";")
		if len(sections) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(sections[0]), "<>")
		for _, param := range sections[1:] {
			key, value, found := strings.Cut(strings.TrimSpace(param), "=")
			if !found || !strings.EqualFold(strings.TrimSpace(key), "rel") {
				continue
			}
			value = strings.Trim(strings.TrimSpace(value), `"`)
			for _, r := range strings.Fields(value) {
				if r == rel {
					out = append(out, target)
				}
			}
		}
	}
	return out
}
