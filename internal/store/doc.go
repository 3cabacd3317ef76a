// Package store archives finished meeting sessions to SQLite so they
// survive process restarts. The in-memory registry stays authoritative
// while a meeting runs; the store only sees completed or errored
// sessions.
package store
