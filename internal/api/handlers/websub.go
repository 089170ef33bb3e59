package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/burrowhq/burrow/internal/websub"
)

// WebSubHub serves POST /websub: subscribe and unsubscribe requests.
// Unknown hub.* parameters are ignored.
func (h *Handlers) WebSubHub(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	mode := r.PostFormValue("hub.mode")
	if mode == "publish" {
		h.WebSubPublish(w, r)
		return
	}

	var lease time.Duration
	if raw := r.PostFormValue("hub.lease_seconds"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			lease = time.Duration(secs) * time.Second
		}
	}

	err := h.hub.Subscribe(r.Context(), mode,
		r.PostFormValue("hub.topic"),
		r.PostFormValue("hub.callback"),
		lease,
		r.PostFormValue("hub.secret"),
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// WebSubPublish serves POST /websub/publish: fans the posted topics out in
// the background and answers 202 immediately.
func (h *Handlers) WebSubPublish(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	topics := append(r.PostForm["hub.url"], r.PostForm["hub.url[]"]...)

	err := h.hub.Publish(r.Context(), topics)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, websub.ErrMissingTopic), errors.Is(err, websub.ErrBadTopic):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		serverError(w, err)
	}
}
