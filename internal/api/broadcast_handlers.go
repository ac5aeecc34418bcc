package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"relaycast/internal/broadcast"
	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
	"relaycast/internal/social"
	"relaycast/internal/storage"
)

// decodeBroadcast reads an optional broadcast body. A missing body yields nil.
func decodeBroadcast(r *http.Request) (*models.Broadcast, error) {
	var b models.Broadcast
	ok, err := decodeOptionalJSON(r, &b)
	if err != nil || !ok {
		return nil, err
	}
	return &b, nil
}

func (h *Handler) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBroadcast(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := h.broadcasts.Create(r.Context(), b)
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (h *Handler) CreateBroadcastWithSocial(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBroadcast(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := h.broadcasts.CreateWithSocial(r.Context(), b, r.URL.Query().Get("socialNetworks"))
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (h *Handler) UpdateBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := decodeBroadcast(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := mux.Vars(r)["id"]
	ctx := logging.ContextWithStreamID(r.Context(), id)
	writeResult(w, h.broadcasts.Update(ctx, id, b, r.URL.Query().Get("socialNetworks")))
}

func (h *Handler) GetBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := h.broadcasts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) DeleteBroadcast(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeResult(w, h.broadcasts.Delete(logging.ContextWithStreamID(r.Context(), id), id))
}

func (h *Handler) StopBroadcast(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeResult(w, h.broadcasts.Stop(logging.ContextWithStreamID(r.Context(), id), id))
}

func (h *Handler) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	offset, size, err := pathPage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	list, err := h.broadcasts.List(r.Context(), offset, size)
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) FilterBroadcasts(w http.ResponseWriter, r *http.Request) {
	offset, size, err := pathPage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	list, err := h.broadcasts.FilterList(r.Context(), offset, size, mux.Vars(r)["type"])
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) CountBroadcasts(w http.ResponseWriter, r *http.Request) {
	count, err := h.broadcasts.Count(r.Context())
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Number: count})
}

func (h *Handler) BroadcastStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.broadcasts.Statistics(r.Context(), mux.Vars(r)["id"]))
}

func (h *Handler) AppStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.broadcasts.AppStatistics(r.Context())
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) AddEndpoint(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.broadcasts.AddEndpoint(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("rtmpUrl")))
}

func (h *Handler) AddSocialEndpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := logging.ContextWithService(logging.ContextWithStreamID(r.Context(), vars["id"]), vars["serviceId"])
	writeResult(w, h.broadcasts.AddSocialEndpoint(ctx, vars["id"], vars["serviceId"]))
}

// EnableMP4Muxing accepts enabled=1, 0 or -1; true and false are read as 1
// and -1.
func (h *Handler) EnableMP4Muxing(w http.ResponseWriter, r *http.Request) {
	mode, err := parseMP4Mode(r.URL.Query().Get("enabled"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeResult(w, h.broadcasts.EnableMP4Muxing(r.Context(), mux.Vars(r)["id"], mode))
}

func parseMP4Mode(raw string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return models.MP4Enabled, nil
	case "false":
		return models.MP4Disabled, nil
	}
	mode, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || mode < models.MP4Disabled || mode > models.MP4Enabled {
		return 0, errors.New("enabled must be one of -1, 0 or 1")
	}
	return mode, nil
}

func (h *Handler) LiveComments(w http.ResponseWriter, r *http.Request) {
	offset, size, err := pathPage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	vars := mux.Vars(r)
	comments, err := h.broadcasts.LiveComments(r.Context(), vars["id"], vars["serviceId"], offset, size)
	if err != nil {
		h.socialError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(comments))
}

func (h *Handler) LiveViewsCount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writeResult(w, h.broadcasts.LiveViewsCount(r.Context(), vars["id"], vars["serviceId"]))
}

func (h *Handler) LiveCommentsCount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writeResult(w, h.broadcasts.LiveCommentsCount(r.Context(), vars["id"], vars["serviceId"]))
}

func (h *Handler) Interaction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	interaction, err := h.broadcasts.Interaction(r.Context(), vars["id"], vars["serviceId"])
	if err != nil {
		h.socialError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, interaction)
}

// socialError maps a passthrough failure: unknown accounts and broadcasts are
// 404, remote failures are 502.
func (h *Handler) socialError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, social.ErrUnknownService), errors.Is(err, broadcast.ErrEndpointNotBound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, social.ErrNotAuthorized):
		writeError(w, http.StatusConflict, err)
	default:
		logging.WithContext(r.Context(), h.logger).Warn("social passthrough failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, err)
	}
}

// nonNil keeps empty pages encoded as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
