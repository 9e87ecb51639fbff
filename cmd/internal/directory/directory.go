// Package directory is the user-directory collaborator boundary. The chat
// core resolves participants through it and trusts the roles it reports.
package directory

import (
	"context"
	"errors"
)

// Role is a directory-assigned user role.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// ParseRole validates a raw role string.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleTeacher:
		return RoleTeacher, true
	case RoleStudent:
		return RoleStudent, true
	default:
		return "", false
	}
}

// User is the directory's view of an account.
type User struct {
	ID          string
	Role        Role
	DisplayName string
	IsActive    bool
}

// ErrUserNotFound reports an unknown user id.
var ErrUserNotFound = errors.New("user not found")

// Resolver looks up users by id.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (User, error)
}
