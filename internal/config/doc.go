// Package config handles configuration loading for grimoire.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion. Fields left out of the file keep the
// values from Default.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${GRIMOIRE_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	loader:
//	  call_timeout: "30s"
//	  load_timeout: "10s"
//	server:
//	  sse_keepalive: "25s"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"
//	  path_prefix: "mcp"
//	database:
//	  path: "/var/lib/grimoire/grimoire.db"
//	quota:
//	  backend: "redis"
//	  redis_addr: "localhost:6379"
package config
