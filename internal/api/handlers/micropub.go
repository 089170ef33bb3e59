package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/internal/api/middleware"
	"github.com/burrowhq/burrow/internal/mf2"
	"github.com/burrowhq/burrow/internal/store"
)

// maxUploadSize bounds multipart Micropub submissions.
const maxUploadSize = 32 << 20

// MicropubQuery serves GET /micropub, dispatching on q.
func (h *Handlers) MicropubQuery(w http.ResponseWriter, r *http.Request) {
	switch q := r.URL.Query().Get("q"); q {
	case "config":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"media-endpoint": h.cfg.BaseURL() + "/micropub/media",
			"syndicate-to":   []interface{}{},
		})
	case "syndicate-to":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"syndicate-to": []interface{}{},
		})
	case "source":
		h.micropubSource(w, r)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "unsupported q value: "+q)
	}
}

// micropubSource returns a post's mf2 document, optionally filtered to the
// requested properties. The post is addressed by the uuid in the URL's last
// path segment.
func (h *Handlers) micropubSource(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	id, err := uuid.Parse(segments[len(segments)-1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "url does not address a post")
		return
	}

	post, err := h.posts.Get(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		serverError(w, err)
		return
	}

	properties := r.URL.Query()["properties[]"]
	if single := r.URL.Query().Get("properties"); single != "" {
		properties = append(properties, single)
	}
	if len(properties) == 0 {
		writeJSON(w, http.StatusOK, post.Content)
		return
	}
	filtered := map[string][]interface{}{}
	for _, name := range properties {
		if values, ok := post.Content.Properties[name]; ok {
			filtered[name] = values
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"properties": filtered})
}

// micropubAction is the update/delete/undelete JSON body.
type micropubAction struct {
	Action  string                   `json:"action"`
	URL     string                   `json:"url"`
	Replace map[string][]interface{} `json:"replace"`
	Add     map[string][]interface{} `json:"add"`
	Delete  interface{}              `json:"delete"`
}

// Micropub serves POST /micropub: create on a plain submission, or the
// action verb carried in the body.
func (h *Handlers) Micropub(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")

	if strings.Contains(contentType, "application/json") {
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
		var action micropubAction
		if err := json.Unmarshal(raw, &action); err == nil && action.Action != "" {
			h.micropubMutate(w, r, &action)
			return
		}
		h.micropubCreateJSON(w, r, raw)
		return
	}

	// form-encoded or multipart
	if strings.Contains(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed multipart body")
			return
		}
	} else if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch action := r.PostFormValue("action"); action {
	case "":
		h.micropubCreateForm(w, r)
	case "update", "delete", "undelete":
		h.micropubMutate(w, r, &micropubAction{Action: action, URL: r.PostFormValue("url")})
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown action: "+action)
	}
}

func (h *Handlers) micropubCreateJSON(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	if !middleware.HasScope(r.Context(), "create") {
		middleware.DenyScope(w, "create")
		return
	}
	entry, err := mf2.Decode(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body is not a microformats-2 object")
		return
	}
	if len(entry.Type) == 0 {
		entry.Type = []string{"h-entry"}
	}
	if len(entry.Type) != 1 || entry.Type[0] != "h-entry" {
		writeError(w, http.StatusBadRequest, "invalid_request", "only h-entry posts are supported")
		return
	}
	h.createEntry(w, r, entry)
}

func (h *Handlers) micropubCreateForm(w http.ResponseWriter, r *http.Request) {
	if !middleware.HasScope(r.Context(), "create") {
		middleware.DenyScope(w, "create")
		return
	}
	if htype := r.PostFormValue("h"); htype != "" && htype != "entry" {
		writeError(w, http.StatusBadRequest, "invalid_request", "only h=entry posts are supported")
		return
	}

	entry := mf2.NewEntry()
	for key, values := range r.PostForm {
		switch key {
		case "h", "action", "access_token":
			continue
		}
		name := strings.TrimSuffix(key, "[]")
		if strings.HasSuffix(key, "[]") {
			for _, v := range values {
				entry.Add(name, v)
			}
		} else if len(values) > 0 {
			entry.Set(name, values[0])
		}
	}

	// file parts land in the media store, their URLs on the property
	if r.MultipartForm != nil {
		for field, files := range r.MultipartForm.File {
			name := strings.TrimSuffix(field, "[]")
			for _, header := range files {
				f, err := header.Open()
				if err != nil {
					writeError(w, http.StatusBadRequest, "invalid_request", "unreadable file part "+field)
					return
				}
				mediaURL, err := h.media.Save(header.Filename, f)
				f.Close()
				if err != nil {
					serverError(w, err)
					return
				}
				entry.Add(name, mediaURL)
			}
		}
	}
	h.createEntry(w, r, entry)
}

func (h *Handlers) createEntry(w http.ResponseWriter, r *http.Request, entry *mf2.Object) {
	post, err := h.posts.Upsert(r.Context(), entry)
	if err != nil {
		serverError(w, err)
		return
	}
	h.notifyHub(r.Context())
	w.Header().Set("Location", post.Location)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handlers) micropubMutate(w http.ResponseWriter, r *http.Request, action *micropubAction) {
	if !middleware.HasScope(r.Context(), action.Action) {
		middleware.DenyScope(w, action.Action)
		return
	}

	u, err := url.Parse(action.URL)
	if err != nil || action.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	id, err := uuid.Parse(segments[len(segments)-1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "url does not address a post")
		return
	}
	post, err := h.posts.Get(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		serverError(w, err)
		return
	}

	switch action.Action {
	case "delete":
		if err := h.posts.Delete(r.Context(), post); err != nil {
			serverError(w, err)
			return
		}
	case "undelete":
		if err := h.posts.Undelete(r.Context(), post); err != nil {
			serverError(w, err)
			return
		}
	case "update":
		if err := h.applyUpdate(post.Content, action); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		post.Content.Set("updated", time.Now().UTC().Format(time.RFC3339))
		if _, err := h.posts.Upsert(r.Context(), post.Content); err != nil {
			serverError(w, err)
			return
		}
	}
	h.notifyHub(r.Context())
	w.Header().Set("Location", h.cfg.FeedURL())
	w.WriteHeader(http.StatusNoContent)
}

// applyUpdate folds replace/add/delete clauses into the entry's properties.
func (h *Handlers) applyUpdate(entry *mf2.Object, action *micropubAction) error {
	for name, values := range action.Replace {
		entry.Properties[name] = values
	}
	for name, values := range action.Add {
		entry.Properties[name] = append(entry.Properties[name], values...)
	}
	switch del := action.Delete.(type) {
	case nil:
	case []interface{}:
		// bare list: drop the named properties entirely
		for _, name := range del {
			if s, ok := name.(string); ok {
				delete(entry.Properties, s)
			}
		}
	case map[string]interface{}:
		for name, values := range del {
			list, ok := values.([]interface{})
			if !ok {
				return errInvalidDelete
			}
			entry.RemoveValues(name, list)
		}
	default:
		return errInvalidDelete
	}
	return nil
}

var errInvalidDelete = &updateError{"delete must be a list of names or a map of values"}

type updateError struct{ msg string }

func (e *updateError) Error() string { return e.msg }

// MicropubMedia serves POST /micropub/media: store the file part, answer
// with its URL.
func (h *Handlers) MicropubMedia(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "expected a multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "a file part named file is required")
		return
	}
	defer file.Close()

	mediaURL, err := h.media.Save(header.Filename, file)
	if err != nil {
		serverError(w, err)
		return
	}
	w.Header().Set("Location", mediaURL)
	w.WriteHeader(http.StatusCreated)
}

// notifyHub republishes the feed topic after a mutation so subscribers hear
// about it.
func (h *Handlers) notifyHub(ctx context.Context) {
	if h.hub == nil {
		return
	}
	if err := h.hub.Publish(ctx, []string{h.cfg.FeedURL()}); err != nil {
		log.Debug().Err(err).Msg("feed republish refused")
	}
}
