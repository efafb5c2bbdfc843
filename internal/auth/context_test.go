// ABOUTME: Tests for the auth context helpers
// ABOUTME: Covers propagation through context and ownership checks

package auth

import (
	"context"
	"testing"
)

func TestWithAuthFromContext(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Fatal("expected nil auth on empty context")
	}

	want := &AuthContext{Subject: "op", Role: RoleUser}
	got := FromContext(WithAuth(context.Background(), want))
	if got != want {
		t.Errorf("FromContext() = %+v, want %+v", got, want)
	}
}

func TestCanAccess(t *testing.T) {
	user := &AuthContext{Subject: "alice", Role: RoleUser}
	admin := &AuthContext{Subject: "root", Role: RoleAdmin}

	tests := []struct {
		name  string
		auth  *AuthContext
		owner string
		want  bool
	}{
		{"owner", user, "alice", true},
		{"not owner", user, "bob", false},
		{"unowned", user, "", false},
		{"admin any", admin, "bob", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.auth.CanAccess(tt.owner); got != tt.want {
				t.Errorf("CanAccess(%q) = %v, want %v", tt.owner, got, tt.want)
			}
		})
	}
}
