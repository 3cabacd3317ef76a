// Package server implements the HTTP API: session lifecycle endpoints,
// audio and transcript ingestion, the SSE event feed and the
// monitoring/management endpoints.
package server 