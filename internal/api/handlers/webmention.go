package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/internal/webmention"
)

// statusVouchRequired is the Vouch extension's response code for mentions
// that arrive without a vouch when one is demanded.
const statusVouchRequired = 449

// ReceiveWebmention serves POST /webmention.
func (h *Handlers) ReceiveWebmention(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	source := r.PostFormValue("source")
	target := r.PostFormValue("target")
	vouch := r.PostFormValue("vouch")

	mention, err := h.mentions.Accept(r.Context(), source, target, vouch)
	switch {
	case err == nil:
		w.Header().Set("Location", h.cfg.BaseURL()+"/webmention/"+mention.UUID.String())
		w.WriteHeader(http.StatusCreated)
	case errors.Is(err, webmention.ErrInvalidScheme):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, webmention.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, webmention.ErrVouchRequired):
		writeError(w, statusVouchRequired, "vouch_required", err.Error())
	default:
		serverError(w, err)
	}
}

// WebmentionStatus serves GET /webmention/{uuid}: the polling endpoint for
// the receive workflow's progress.
func (h *Handlers) WebmentionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed webmention id")
		return
	}
	mention, err := h.store.GetIncomingMention(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           mention.Status,
		"message":          mention.Message,
		"last_modified_at": mention.LastModifiedAt.UTC().Format(time.RFC3339),
	})
}
