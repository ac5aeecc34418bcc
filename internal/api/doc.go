// Package api serves the coordinator's REST surface.
//
// Handler binds the broadcast manager, the social endpoint registry, the
// device authorization coordinator, the token service and the catalog
// exporter to gorilla/mux routes under /rest. Every mutation answers with a
// models.Result, including validation and remote failures. Only storage
// errors and malformed requests surface as non-2xx responses, with a JSON
// {"error": "..."} body.
//
// Handlers assume the middleware chain from internal/server has already
// assigned request ids, applied rate limits and recorded metrics.
package api
