// Package quota enforces per-secret daily call limits.
//
// Counters are bucketed by calendar day in a configured timezone. A secret
// with limit N admits exactly N successful calls per day however many
// arrive concurrently: Local serializes each secret behind its own lock in
// front of the store's counter row, and Redis does the comparison and the
// increment inside one Lua script so several gateway processes can share
// a limit.
package quota
