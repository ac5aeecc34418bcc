// Package mediastub hosts a deterministic fake of the media server REST API
// for transport and API tests. It serves stream lookups, connection closes,
// pull stops and health checks, records every call and can fail the first
// requests to exercise degraded paths.
package mediastub
