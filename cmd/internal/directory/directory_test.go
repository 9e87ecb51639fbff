package directory

import (
	"context"
	"errors"
	"testing"
)

func TestParseRole(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Role
		ok   bool
	}{
		{"teacher", RoleTeacher, true},
		{"student", RoleStudent, true},
		{"Teacher", "", false},
		{"admin", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseRole(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseRole(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestInMemoryResolver(t *testing.T) {
	t.Parallel()

	r := NewInMemoryResolver(User{ID: "u1", Role: RoleTeacher, DisplayName: "One", IsActive: true})
	ctx := context.Background()

	u, err := r.Resolve(ctx, "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.Role != RoleTeacher || !u.IsActive {
		t.Fatalf("user: %+v", u)
	}

	if _, err := r.Resolve(ctx, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	r.Put(User{ID: "u1", Role: RoleTeacher, IsActive: false})
	u, err = r.Resolve(ctx, "u1")
	if err != nil {
		t.Fatalf("resolve after put: %v", err)
	}
	if u.IsActive {
		t.Fatalf("expected deactivated user")
	}
}
