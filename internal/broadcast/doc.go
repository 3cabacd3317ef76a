// Package broadcast fans session events out to all subscribers of a
// session without letting one slow subscriber affect the others.
package broadcast
