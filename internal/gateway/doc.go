// Package gateway wires the grimoire server components together.
//
// # Overview
//
// The Gateway owns the credential store, the quota accountant, the module
// loader, the tool registry, the route mounter, the authorization gate and
// the service manager. It serves everything from a single HTTP listener:
//
//   - /health: liveness
//   - /health/ready: 503 until boot reconciliation has run
//   - /api/...: admin API (JWT bearer tokens)
//   - everything else: the authorization gate, which forwards admitted
//     requests to the mounted per-service MCP endpoints
//
// An optional gRPC listener exposes the standard grpc.health.v1 service,
// with one entry per published service named "grimoire.service/{id}".
//
// # Admin API
//
//	GET    /api/services                 list services
//	POST   /api/services                 publish a module as a service
//	GET    /api/services/{id}            service detail
//	PATCH  /api/services/{id}            update name, auth, visibility, params
//	DELETE /api/services/{id}            stop, revoke secrets and delete
//	POST   /api/services/{id}/start      start a stopped service
//	POST   /api/services/{id}/stop       stop a running service
//	GET    /api/services/{id}/secrets    list secrets (keys masked)
//	POST   /api/services/{id}/secrets    create a secret (key shown once)
//	PATCH  /api/secrets/{id}             update a secret
//	DELETE /api/secrets/{id}             soft delete a secret
//	GET    /api/secrets/{id}/stats       per-day usage
//	GET    /api/modules                  list module sources
//	POST   /api/modules                  import a module source
//	GET    /api/logs                     paginated access log
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Run opens the listeners, reconciles enabled services and waits. On
// shutdown the listeners close first, mounted services are drained, then
// the gRPC server, tailnet node, Redis client and store are closed in turn.
// Persisted service state is left untouched so the next start restores the
// same set of services.
package gateway
