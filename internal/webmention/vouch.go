package webmention

import (
	"context"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/internal/mf2"
)

// crawlLimit bounds the vouch crawl so a pathological site cannot pin the
// delivery goroutine.
const crawlLimit = 64

// vouchValid applies the receive-side check: the vouch's host must already
// be trusted, and the vouch page must link back to the source at domain
// granularity.
func (e *Engine) vouchValid(ctx context.Context, vouch, source string) bool {
	trusted, err := e.store.IsTrustedDomain(ctx, hostOf(vouch))
	if err != nil {
		log.Error().Err(err).Str("vouch", vouch).Msg("trusted domain lookup")
		return false
	}
	if !trusted {
		return false
	}
	page, err := e.fetch(ctx, vouch)
	if err != nil {
		return false
	}
	return page.linksBack(source, true)
}

// findVouch hunts for a vouch URL acceptable to target's site: a page we
// once received a successful webmention from, belonging to a domain the
// target links to. It crawls the target's site breadth-first over internal
// links, checking every external link's host against our incoming history.
func (e *Engine) findVouch(ctx context.Context, source, target string) string {
	mentions, err := e.store.ListSuccessfulIncomingMentions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list incoming mentions for vouch")
		return ""
	}
	// host → source URLs, most recent first
	candidates := map[string][]string{}
	for _, m := range mentions {
		if host := hostOf(m.Source); host != "" {
			candidates[host] = append(candidates[host], m.Source)
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	tu, err := url.Parse(target)
	if err != nil {
		return ""
	}
	root := tu.Scheme + "://" + tu.Host + "/"

	queue := []string{root, target}
	visited := map[string]bool{}
	for len(queue) > 0 && len(candidates) > 0 && len(visited) < crawlLimit {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		page, err := e.fetch(ctx, current)
		if err != nil || !page.isHTML() {
			continue
		}
		for _, link := range mf2.URLsInHTML(string(page.body), page.finalURL) {
			host := hostOf(link)
			switch {
			case host == tu.Host:
				if !visited[link] {
					queue = append(queue, link)
				}
			default:
				sources, ok := candidates[host]
				if !ok {
					continue
				}
				delete(candidates, host)
				if vouch := e.confirmVouch(ctx, sources, source); vouch != "" {
					return vouch
				}
			}
		}
	}
	return ""
}

// confirmVouch re-fetches candidate incoming sources and returns the first
// one that still links back to our post's domain.
func (e *Engine) confirmVouch(ctx context.Context, sources []string, source string) string {
	for _, candidate := range sources {
		page, err := e.fetch(ctx, candidate)
		if err != nil {
			continue
		}
		if page.linksBack(source, true) {
			return candidate
		}
	}
	return ""
}
