// Package session defines the meeting session data model and the
// concurrency-safe registry that owns session lifetimes.
package session
