// ABOUTME: Validation for operator-chosen stream paths and transport protocols.
// ABOUTME: Keeps custom paths out of the canonical namespace and the admin surface.

package services

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/2389/grimoire/internal/store"
)

// Validation errors
var (
	ErrInvalidPath       = errors.New("invalid stream path")
	ErrInvalidProtocol   = errors.New("unsupported protocol")
	ErrInvalidVisibility = errors.New("invalid visibility")
)

// reservedPrefixes are served by the gateway itself.
var reservedPrefixes = []string{"/api/", "/health"}

var pathChars = regexp.MustCompile(`^[A-Za-z0-9._~/-]+$`)

// ValidateStreamPath checks a custom stream path. It must be absolute and
// clean, must not collide with the admin surface, and must not sit under the
// canonical "/{prefix}-" namespace.
func ValidateStreamPath(prefix, p string) error {
	switch {
	case p == "" || p[0] != '/':
		return fmt.Errorf("%w: %q must start with /", ErrInvalidPath, p)
	case p == "/":
		return fmt.Errorf("%w: root cannot be a stream path", ErrInvalidPath)
	case !pathChars.MatchString(p):
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidPath, p)
	case path.Clean(p) != p:
		return fmt.Errorf("%w: %q is not a clean path", ErrInvalidPath, p)
	case strings.HasPrefix(p, "/"+prefix+"-"):
		return fmt.Errorf("%w: %q is inside the canonical namespace", ErrInvalidPath, p)
	}
	for _, reserved := range reservedPrefixes {
		if p == strings.TrimSuffix(reserved, "/") || strings.HasPrefix(p, reserved) {
			return fmt.Errorf("%w: %q is reserved", ErrInvalidPath, p)
		}
	}
	return nil
}

func validateProtocol(protocol string) error {
	switch protocol {
	case store.ProtocolSSE, store.ProtocolWebSocket:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProtocol, protocol)
	}
}

func validateVisibility(v store.Visibility) error {
	switch v {
	case store.VisibilityPublic, store.VisibilityPrivate:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidVisibility, v)
	}
}
