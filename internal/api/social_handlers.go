package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
	"relaycast/internal/storage"
)

const msgSocialDisabled = "Social endpoints are not configured"

var errSocialDisabled = errors.New(msgSocialDisabled)

// RequestDeviceAuth starts a device authorization. Success answers with the
// parameters the user needs; failure answers with the Result and error id.
func (h *Handler) RequestDeviceAuth(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["serviceName"]
	if h.coordinator == nil {
		writeResult(w, models.Failed(msgSocialDisabled))
		return
	}
	ctx := logging.ContextWithService(r.Context(), service)
	params, result := h.coordinator.RequestDeviceAuth(ctx, service)
	if !result.Success {
		h.recorder.ObserveDeviceAuth(service, "rejected")
		writeResult(w, result)
		return
	}
	h.recorder.ObserveDeviceAuth(service, "requested")
	writeJSON(w, http.StatusOK, params)
}

func (h *Handler) CheckDeviceAuth(w http.ResponseWriter, r *http.Request) {
	if h.coordinator == nil {
		writeResult(w, models.Result{})
		return
	}
	writeResult(w, h.coordinator.CheckStatus(mux.Vars(r)["userCode"]))
}

func (h *Handler) RevokeSocialEndpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["serviceId"]
	writeResult(w, h.broadcasts.RevokeSocialNetwork(logging.ContextWithService(r.Context(), id), id))
}

// ListSocialEndpoints pages through the authorized accounts. Tokens never
// leave the process.
func (h *Handler) ListSocialEndpoints(w http.ResponseWriter, r *http.Request) {
	offset, size, err := pathPage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var creds []models.SocialEndpointCredentials
	if h.registry != nil {
		creds = h.registry.Credentials()
	}
	writeJSON(w, http.StatusOK, nonNil(page(creds, offset, size)))
}

func (h *Handler) SocialChannels(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeError(w, http.StatusNotFound, errSocialDisabled)
		return
	}
	vars := mux.Vars(r)
	channels, err := h.registry.Channels(r.Context(), vars["serviceId"], vars["type"])
	if err != nil {
		h.socialError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(channels))
}

// ActiveSocialChannel answers 404 when the account has no selected channel.
func (h *Handler) ActiveSocialChannel(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeError(w, http.StatusNotFound, errSocialDisabled)
		return
	}
	channel, ok := h.registry.ActiveChannel(mux.Vars(r)["serviceId"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no active channel"))
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

func (h *Handler) SetSocialChannel(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeResult(w, models.Failed(msgSocialDisabled))
		return
	}
	vars := mux.Vars(r)
	writeResult(w, h.registry.SetActiveChannel(r.Context(), vars["serviceId"], vars["type"], vars["channelId"]))
}

// page slices items the way storage pages are cut.
func page[T any](items []T, offset, size int) []T {
	if offset < 0 {
		offset = 0
	}
	if size > storage.MaxItemInOneList {
		size = storage.MaxItemInOneList
	}
	if size <= 0 || offset >= len(items) {
		return nil
	}
	end := offset + size
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
