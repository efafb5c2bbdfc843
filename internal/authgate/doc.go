// Package authgate authorizes requests to published services.
//
// Every request on the shared listener passes through the Gateway before the
// route mounter. A request is first resolved to a running service:
//
//  1. canonical paths /{prefix}-{uuid}/...; an unknown or stopped uuid is
//     answered 404 without logging,
//  2. paths beneath a custom service's base (its stream path minus "/sse"),
//  3. a custom service's exact stream path.
//
// Anything else passes through untouched. For a resolved service that
// requires auth, the credential is taken from "Authorization: Bearer",
// then a bare Authorization header, then the secret, token, key and auth
// query parameters. The secret must belong to the service, be active, be
// unexpired and be within its daily limit; the first failing check decides
// the error code. Each decision on a resolved service produces exactly one
// access log entry.
package authgate
