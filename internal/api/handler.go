package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"relaycast/internal/broadcast"
	"relaycast/internal/catalog"
	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/social"
	"relaycast/internal/storage"
	"relaycast/internal/tokens"
	"relaycast/internal/transport"
)

// DefaultMaxUploadBytes caps the size of an uploaded VoD file.
const DefaultMaxUploadBytes = 2 << 30

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Handler. Broadcasts is required; the other collaborators
// disable their routes' behaviour when nil.
type Config struct {
	Broadcasts     *broadcast.Manager
	Registry       *social.Registry
	Coordinator    *social.Coordinator
	Tokens         *tokens.Service
	Catalog        *catalog.Exporter
	Transport      transport.Controller
	Datastore      Pinger
	Recorder       *metrics.Recorder
	Version        models.Version
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Handler serves the REST routes.
type Handler struct {
	broadcasts     *broadcast.Manager
	registry       *social.Registry
	coordinator    *social.Coordinator
	tokens         *tokens.Service
	catalog        *catalog.Exporter
	transport      transport.Controller
	datastore      Pinger
	recorder       *metrics.Recorder
	version        models.Version
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewHandler validates cfg and builds a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Broadcasts == nil {
		return nil, errors.New("api: broadcast manager is required")
	}
	h := &Handler{
		broadcasts:     cfg.Broadcasts,
		registry:       cfg.Registry,
		coordinator:    cfg.Coordinator,
		tokens:         cfg.Tokens,
		catalog:        cfg.Catalog,
		transport:      cfg.Transport,
		datastore:      cfg.Datastore,
		recorder:       cfg.Recorder,
		version:        cfg.Version,
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         cfg.Logger,
	}
	if h.transport == nil {
		h.transport = transport.NoopController{}
	}
	if h.recorder == nil {
		h.recorder = metrics.Default()
	}
	if h.maxUploadBytes <= 0 {
		h.maxUploadBytes = DefaultMaxUploadBytes
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = logging.WithComponent(h.logger, "api")
	return h, nil
}

// Routes returns the router serving every endpoint. Literal segments are
// registered before the variable ones they would otherwise shadow.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", h.recorder.Handler()).Methods(http.MethodGet)

	rest := r.PathPrefix("/rest").Subrouter()
	rest.HandleFunc("/version", h.Version).Methods(http.MethodGet)

	b := rest.PathPrefix("/broadcast").Subrouter()
	b.HandleFunc("/create", h.CreateBroadcast).Methods(http.MethodPost)
	b.HandleFunc("/createWithSocial", h.CreateBroadcastWithSocial).Methods(http.MethodPost)
	b.HandleFunc("/count", h.CountBroadcasts).Methods(http.MethodGet)
	b.HandleFunc("/statistics", h.AppStatistics).Methods(http.MethodGet)
	b.HandleFunc("/list/{offset:[0-9]+}/{size:[0-9]+}", h.ListBroadcasts).Methods(http.MethodGet)
	b.HandleFunc("/filterList/{offset:[0-9]+}/{size:[0-9]+}/{type}", h.FilterBroadcasts).Methods(http.MethodGet)
	b.HandleFunc("/{id}", h.GetBroadcast).Methods(http.MethodGet)
	b.HandleFunc("/{id}", h.UpdateBroadcast).Methods(http.MethodPut)
	b.HandleFunc("/{id}", h.DeleteBroadcast).Methods(http.MethodDelete)
	b.HandleFunc("/{id}/stop", h.StopBroadcast).Methods(http.MethodPost)
	b.HandleFunc("/{id}/statistics", h.BroadcastStatistics).Methods(http.MethodGet)
	b.HandleFunc("/{id}/endpoint", h.AddEndpoint).Methods(http.MethodPost)
	b.HandleFunc("/{id}/mp4", h.EnableMP4Muxing).Methods(http.MethodPost)
	b.HandleFunc("/{id}/social/{serviceId}", h.AddSocialEndpoint).Methods(http.MethodPost)
	b.HandleFunc("/{id}/social/{serviceId}/comments/count", h.LiveCommentsCount).Methods(http.MethodGet)
	b.HandleFunc("/{id}/social/{serviceId}/comments/{offset:[0-9]+}/{size:[0-9]+}", h.LiveComments).Methods(http.MethodGet)
	b.HandleFunc("/{id}/social/{serviceId}/views", h.LiveViewsCount).Methods(http.MethodGet)
	b.HandleFunc("/{id}/social/{serviceId}/interaction", h.Interaction).Methods(http.MethodGet)

	s := rest.PathPrefix("/social").Subrouter()
	s.HandleFunc("/device-auth/{userCode}", h.CheckDeviceAuth).Methods(http.MethodGet)
	s.HandleFunc("/endpoints/{offset:[0-9]+}/{size:[0-9]+}", h.ListSocialEndpoints).Methods(http.MethodGet)
	s.HandleFunc("/{serviceName}/device-auth", h.RequestDeviceAuth).Methods(http.MethodPost)
	s.HandleFunc("/{serviceId}/revoke", h.RevokeSocialEndpoint).Methods(http.MethodPost)
	s.HandleFunc("/{serviceId}/channels/{type}", h.SocialChannels).Methods(http.MethodGet)
	s.HandleFunc("/{serviceId}/channel", h.ActiveSocialChannel).Methods(http.MethodGet)
	s.HandleFunc("/{serviceId}/channel/{type}/{channelId}", h.SetSocialChannel).Methods(http.MethodPost)

	t := rest.PathPrefix("/token").Subrouter()
	t.HandleFunc("", h.IssueToken).Methods(http.MethodPost)
	t.HandleFunc("/validate", h.ValidateToken).Methods(http.MethodPost)
	t.HandleFunc("/stream/{streamId}", h.RevokeTokens).Methods(http.MethodDelete)
	t.HandleFunc("/stream/{streamId}/{offset:[0-9]+}/{size:[0-9]+}", h.ListTokens).Methods(http.MethodGet)

	v := rest.PathPrefix("/vod").Subrouter()
	v.HandleFunc("/count", h.CountVoDs).Methods(http.MethodGet)
	v.HandleFunc("/list/{offset:[0-9]+}/{size:[0-9]+}", h.ListVoDs).Methods(http.MethodGet)
	v.HandleFunc("/upload/{name}", h.UploadVoD).Methods(http.MethodPost)
	v.HandleFunc("/{id}", h.DeleteVoD).Methods(http.MethodDelete)

	c := rest.PathPrefix("/catalog").Subrouter()
	c.HandleFunc("/live", h.ExportLive).Methods(http.MethodPost)
	c.HandleFunc("/vod", h.ExportVoD).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no route for %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	})
	return r
}

// countResponse matches the shape clients expect for totals.
type countResponse struct {
	Number int64 `json:"number"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

// writeResult answers a mutation. Results are always delivered with 200 so
// clients inspect the success flag.
func writeResult(w http.ResponseWriter, result models.Result) {
	writeJSON(w, http.StatusOK, result)
}

// storageError maps a storage failure onto an HTTP status.
func (h *Handler) storageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err)
	default:
		logging.WithContext(r.Context(), h.logger).Error("storage failure", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

// decodeOptionalJSON decodes the request body into dest. It reports false
// when the body is empty.
func decodeOptionalJSON(r *http.Request, dest interface{}) (bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return false, nil
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("decode request body: %w", err)
	}
	return true, nil
}

func decodeJSON(r *http.Request, dest interface{}) error {
	ok, err := decodeOptionalJSON(r, dest)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("request body is required")
	}
	return nil
}

func pathInt(r *http.Request, name string) (int, error) {
	raw := mux.Vars(r)[name]
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %q", name, raw)
	}
	return value, nil
}

func pathPage(r *http.Request) (int, int, error) {
	offset, err := pathInt(r, "offset")
	if err != nil {
		return 0, 0, err
	}
	size, err := pathInt(r, "size")
	if err != nil {
		return 0, 0, err
	}
	return offset, size, nil
}
