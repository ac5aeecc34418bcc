// Package server hosts the relaycast REST API behind one HTTP listener.
//
// New wraps the API router in the shared middleware chain: request ids, panic
// recovery, request logging, an audit trail of mutations, security headers,
// CORS, per-client rate limits and request metrics.
package server
