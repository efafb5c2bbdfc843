// ABOUTME: Package documentation for lifecycle notifications.
// ABOUTME: Notifiers observe the service manager and report transitions to operators.

// Package notify delivers service lifecycle events to operators over Matrix.
package notify
