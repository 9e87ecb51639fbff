package directory

import (
	"context"
	"sync"
)

// InMemoryResolver is a Resolver for tests and DB-less dev runs.
type InMemoryResolver struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewInMemoryResolver constructs a resolver seeded with the given users.
func NewInMemoryResolver(users ...User) *InMemoryResolver {
	r := &InMemoryResolver{users: make(map[string]User, len(users))}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

// Put adds or replaces a user.
func (r *InMemoryResolver) Put(u User) {
	r.mu.Lock()
	r.users[u.ID] = u
	r.mu.Unlock()
}

// Resolve looks up a user by id.
func (r *InMemoryResolver) Resolve(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	r.mu.RLock()
	u, ok := r.users[userID]
	r.mu.RUnlock()

	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}
