// Package routes holds the table of live per-service paths on the shared listener.
//
// Matching is by exact path only: a service owns its stream path and its
// message path and nothing beneath them. Mounting never overwrites, and
// unmounting removes the two entries by exact key, so routes belonging to
// other services are never disturbed.
package routes
