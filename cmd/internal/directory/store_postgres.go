package directory

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresResolver reads the users table maintained by the identity service.
// It is read-only: account lifecycle is owned elsewhere.
type PostgresResolver struct {
	pool   *pgxpool.Pool
	schema string
}

// ResolverOption configures PostgresResolver.
type ResolverOption func(*PostgresResolver) error

// WithSchema sets the DB schema used by the resolver (default: "slate").
func WithSchema(schema string) ResolverOption {
	return func(r *PostgresResolver) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("directory: empty schema")
		}
		r.schema = schema
		return nil
	}
}

// NewPostgresResolver constructs a PostgresResolver.
func NewPostgresResolver(pool *pgxpool.Pool, opts ...ResolverOption) (*PostgresResolver, error) {
	r := &PostgresResolver{pool: pool, schema: "slate"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, errors.New("directory: nil pool")
	}
	return r, nil
}

// Resolve looks up a user by id.
func (r *PostgresResolver) Resolve(ctx context.Context, userID string) (User, error) {
	if r == nil || r.pool == nil {
		return User{}, errors.New("directory: nil resolver")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, ErrUserNotFound
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	users := pgx.Identifier{r.schema, "users"}.Sanitize()

	var (
		u    User
		role string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, role, display_name, is_active FROM `+users+` WHERE id = $1`,
		userID,
	).Scan(&u.ID, &role, &u.DisplayName, &u.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}

	parsed, ok := ParseRole(role)
	if !ok {
		return User{}, ErrUserNotFound
	}
	u.Role = parsed
	return u, nil
}
