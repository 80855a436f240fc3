// Package session maps identities to bounded, expiring conversation
// histories. Sessions are durable in sqlite and keyed deterministically by
// identity, so the same caller lands on the same session id across process
// restarts. History is capped at the most recent entries with FIFO
// eviction, and a session past its expiry is replaced with a fresh empty
// one on next access rather than served stale.
package session
