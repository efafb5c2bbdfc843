// Package auth authenticates operators of the admin API and issues service secrets.
//
// # Admin tokens
//
// Operators present an HS256 JWT signed with auth.jwt_secret:
//
//	Authorization: Bearer <token>
//
// The "sub" claim is the operator id, recorded as the owner of services and
// the creator of secrets. The "role" claim is "admin" or "user"; users can
// only manage services they own. Tokens are minted with `grimoire token`.
//
// # Service secrets
//
// GenerateKey returns an opaque random key ("sk-" plus 48 hex characters).
// Keys are shown in full once, at creation; afterwards MaskKey is used.
package auth
