// Package directory looks up the user attributes the engine needs: role for
// leaderboard exclusion and department for filtering.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned for unknown users.
var ErrNotFound = errors.New("user not found")

// Role is a user's platform role.
type Role string

const (
	RoleEmployee Role = "EMPLOYEE"
	RoleManager  Role = "MANAGER"
	RoleAdmin    Role = "ADMIN"
)

// User is the subset of the user record the engine reads.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Role       Role   `json:"role"`
	Department string `json:"department,omitempty"`
}

// IsAdmin reports whether the user is excluded from leaderboards.
func (u User) IsAdmin() bool {
	return strings.EqualFold(string(u.Role), string(RoleAdmin))
}

// Directory resolves users by id.
type Directory interface {
	Lookup(ctx context.Context, userID string) (User, error)
}

// MemoryDirectory is an in-memory Directory.
type MemoryDirectory struct {
	users map[string]User
	mu    sync.RWMutex
}

// NewMemoryDirectory creates a directory seeded with users.
func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User)}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put adds or replaces a user.
func (d *MemoryDirectory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u.Role == "" {
		u.Role = RoleEmployee
	}
	d.users[u.ID] = u
}

func (d *MemoryDirectory) Lookup(_ context.Context, userID string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	return u, nil
}

const dbTimeout = 5 * time.Second

// PostgresDirectory reads the users table.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory creates a PostgreSQL-backed directory.
func NewPostgresDirectory(pool *pgxpool.Pool) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresDirectory{pool: pool}, nil
}

func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	u := User{ID: userID}
	var role string
	err := d.pool.QueryRow(ctx,
		`SELECT name, role, department FROM users WHERE id = $1`, userID,
	).Scan(&u.Name, &role, &u.Department)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	u.Role = Role(strings.ToUpper(role))
	return u, nil
}

// Upsert inserts or updates a user row.
func (d *PostgresDirectory) Upsert(ctx context.Context, u User) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	role := u.Role
	if role == "" {
		role = RoleEmployee
	}
	if _, err := d.pool.Exec(ctx,
		`INSERT INTO users (id, name, role, department) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role, department = EXCLUDED.department`,
		u.ID, u.Name, string(role), u.Department,
	); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}
