// Package summary decides when a meeting summary should be regenerated
// and runs the summarization calls against the external LLM service. The
// scheduler evaluates its cadence on every final transcript line and
// never blocks the ingestion path; the client handles the HTTP calls
// with retries, backoff and concurrency limiting.
package summary
