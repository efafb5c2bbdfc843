// Package mcp serves a single service's toolset as a Model Context Protocol endpoint.
//
// # Protocol
//
// Messages are JSON-RPC 2.0. The server answers initialize, ping, tools/list
// and tools/call; notifications are accepted and produce no response.
//
// # Transports
//
// With the SSE transport a client opens GET <stream path> and receives an
// "endpoint" event naming the message path and its session:
//
//	event: endpoint
//	data: /mcp-<id>/messages/?session_id=<session>
//
// Requests are POSTed to that URL and answered with 202 Accepted; the
// JSON-RPC response is delivered on the stream as a "message" event.
//
// With the WebSocket transport the stream path is upgraded and each text
// frame carries one JSON-RPC message in either direction.
//
// # Shutdown
//
// Shutdown refuses new streams and messages, waits for messages already
// being handled, then closes every stream once its queued responses are
// written. The route mounter calls it when a service is unmounted.
package mcp
