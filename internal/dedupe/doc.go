// Package dedupe tracks the last fingerprint seen per key so callers can
// drop repeats inside a time window. Entries expire after the window and the
// oldest entries are evicted once the cache is full.
package dedupe
