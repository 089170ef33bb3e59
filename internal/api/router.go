// Package api assembles the HTTP surface: routing, global middleware, and
// the in-app URL matcher consulted by webmention target validation.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/burrowhq/burrow/internal/api/handlers"
	"github.com/burrowhq/burrow/internal/api/middleware"
	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/indieauth"
	"github.com/burrowhq/burrow/internal/store"
)

// Routes is the URL matcher the webmention engine consults to decide
// whether a target is served here. It is created before the router and
// bound to the built mux afterwards, breaking the construction cycle
// between engine and handlers.
type Routes struct {
	mu  sync.RWMutex
	mux chi.Router
}

// Bind attaches the built router.
func (r *Routes) Bind(mux chi.Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mux = mux
}

// Matches reports whether a GET for the path would hit a route.
func (r *Routes) Matches(path string) bool {
	r.mu.RLock()
	mux := r.mux
	r.mu.RUnlock()
	if mux == nil {
		return false
	}
	rctx := chi.NewRouteContext()
	return mux.Match(rctx, http.MethodGet, path)
}

// NewRouter creates the HTTP router with all endpoints mounted.
func NewRouter(cfg *config.Config, st store.Store, h *handlers.Handlers, ia *indieauth.Server) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(federationHeaders(cfg))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link", "Location", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health
	r.Get("/health", healthHandler)

	// Public content
	r.Get("/", h.GetHome)
	r.Get("/feed", h.GetFeed)
	r.Get("/feed/{uuid}", h.GetEntry)
	r.Handle("/media/*", http.StripPrefix("/media/",
		http.FileServer(http.Dir(cfg.MediaDir))))

	// Webmention
	r.Post("/webmention", h.ReceiveWebmention)
	r.Get("/webmention/{uuid}", h.WebmentionStatus)

	// WebSub
	r.Post("/websub", h.WebSubHub)
	r.Post("/websub/publish", h.WebSubPublish)

	// IndieAuth
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(30, time.Minute))
		r.Get("/auth", ia.HandleAuthorize)
		r.Post("/auth", ia.HandleAuthExchange)
		r.Post("/token", ia.HandleToken)
		r.Post("/introspect", ia.HandleIntrospect)
		r.Post("/revoke", ia.HandleRevoke)
	})
	r.Get("/userinfo", ia.HandleUserinfo)
	r.Get("/.well-known/oauth-authorization-server", ia.HandleMetadata)

	// Micropub
	r.Group(func(r chi.Router) {
		r.Use(middleware.ResolveScope(st))
		r.Get("/micropub", h.MicropubQuery)
		r.Post("/micropub", h.Micropub)
	})
	r.With(middleware.RequireScope(st, "media")).
		Post("/micropub/media", h.MicropubMedia)

	return r
}

// federationHeaders advertises the site's endpoints on every response and
// opts out of AI crawlers.
func federationHeaders(cfg *config.Config) func(http.Handler) http.Handler {
	base := cfg.BaseURL()
	links := []string{
		`<` + base + `/micropub>; rel="micropub"`,
		`<` + base + `/.well-known/oauth-authorization-server>; rel="indieauth-metadata"`,
		`<` + base + `/auth>; rel="authorization_endpoint"`,
		`<` + base + `/token>; rel="token_endpoint"`,
		`<` + base + `/websub>; rel="hub"`,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, link := range links {
				w.Header().Add("Link", link)
			}
			w.Header().Add("X-Robots-Tag", "noai")
			w.Header().Add("X-Robots-Tag", "noimageai")
			next.ServeHTTP(w, r)
		})
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "burrow",
	})
}
