// ABOUTME: Package documentation for the service lifecycle manager.
// ABOUTME: Describes the ordering of publish, stop and delete transitions.

// Package services owns the lifecycle of published tool modules.
//
// A start loads the module, registers its toolset, mounts its two paths and
// then persists status running. A failure at any step leaves nothing
// registered or mounted and records status error on the service. A stop
// unmounts first so new requests get 404, lets in-flight requests finish,
// then unregisters and persists status stopped. Transitions on one service
// are serialized; different services proceed in parallel.
package services
