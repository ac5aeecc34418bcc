package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"relaycast/internal/models"
	"relaycast/internal/tokens"
)

const msgTokensDisabled = "Token service is not configured"

// IssueToken creates a token from the streamId, expireDate (epoch millis),
// type and optional roomId query parameters. It answers with the token, or a
// Result when nothing was issued.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		writeResult(w, models.Failed(msgTokensDisabled))
		return
	}
	query := r.URL.Query()
	expireDate, err := strconv.ParseInt(query.Get("expireDate"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("expireDate must be epoch millis: %q", query.Get("expireDate")))
		return
	}
	token, issued, err := h.tokens.Issue(r.Context(), query.Get("streamId"), expireDate, query.Get("type"), query.Get("roomId"))
	switch {
	case errors.Is(err, tokens.ErrStreamIDRequired), errors.Is(err, tokens.ErrInvalidType):
		writeResult(w, models.Failed(err.Error()))
	case err != nil:
		h.storageError(w, r, err)
	case !issued:
		writeResult(w, models.Result{})
	default:
		writeJSON(w, http.StatusOK, token)
	}
}

// ValidateToken consumes the token in the body. The result message carries
// the token id on success.
func (h *Handler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		writeResult(w, models.Failed(msgTokensDisabled))
		return
	}
	var token models.Token
	if err := decodeJSON(r, &token); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	validated, ok, err := h.tokens.Validate(r.Context(), token)
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	h.recorder.ObserveTokenCheck(ok)
	if !ok {
		writeResult(w, models.Result{})
		return
	}
	writeResult(w, models.Succeeded(validated.TokenID))
}

func (h *Handler) RevokeTokens(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		writeResult(w, models.Failed(msgTokensDisabled))
		return
	}
	if err := h.tokens.RevokeAll(r.Context(), mux.Vars(r)["streamId"]); err != nil {
		if errors.Is(err, tokens.ErrStreamIDRequired) {
			writeResult(w, models.Failed(err.Error()))
			return
		}
		h.storageError(w, r, err)
		return
	}
	writeResult(w, models.Succeeded(""))
}

func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	offset, size, err := pathPage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.tokens == nil {
		writeJSON(w, http.StatusOK, []models.Token{})
		return
	}
	list, err := h.tokens.List(r.Context(), mux.Vars(r)["streamId"], offset, size)
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}
