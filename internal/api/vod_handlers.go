package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"relaycast/internal/models"
)

const uploadField = "file"

func (h *Handler) ListVoDs(w http.ResponseWriter, r *http.Request) {
	offset, size, err := pathPage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	list, err := h.broadcasts.ListVoDs(r.Context(), offset, size)
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) CountVoDs(w http.ResponseWriter, r *http.Request) {
	count, err := h.broadcasts.TotalVoDs(r.Context())
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Number: count})
}

// UploadVoD streams the multipart "file" part to the broadcast manager
// without buffering the whole upload.
func (h *Handler) UploadVoD(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("multipart body required: %w", err))
		return
	}
	for {
		part, err := reader.NextPart()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing %q part", uploadField))
			return
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}
		body := &errReader{r: part}
		result := h.broadcasts.UploadVoD(r.Context(), name, body)
		_ = part.Close()
		var maxErr *http.MaxBytesError
		if !result.Success && errors.As(body.err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, maxErr)
			return
		}
		writeResult(w, result)
		return
	}
}

// errReader remembers the first read error other than io.EOF.
type errReader struct {
	r   io.Reader
	err error
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && e.err == nil {
		e.err = err
	}
	return n, err
}

func (h *Handler) DeleteVoD(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.broadcasts.DeleteVoD(r.Context(), mux.Vars(r)["id"]))
}

func (h *Handler) ExportLive(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeResult(w, models.Failed("Catalog export is not configured"))
		return
	}
	writeResult(w, h.catalog.ExportLive(r.Context()))
}

func (h *Handler) ExportVoD(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeResult(w, models.Failed("Catalog export is not configured"))
		return
	}
	writeResult(w, h.catalog.ExportVoD(r.Context()))
}
