// Package identity resolves a user identifier to the profile the dispatch
// core needs: role, color permission, group membership and enrolled
// semesters.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/orrn/dispatch/internal/db"
)

var ErrUserNotFound = errors.New("user not found")

type Profile struct {
	Username     string
	Role         string
	ColorEnabled bool
	Groups       []string
	Semesters    []string
}

type Resolver interface {
	Resolve(ctx context.Context, username string) (*Profile, error)
}

// DBResolver reads profiles from the local user table.
type DBResolver struct {
	store *db.Store
}

func NewDBResolver(store *db.Store) *DBResolver {
	return &DBResolver{store: store}
}

func (r *DBResolver) Resolve(ctx context.Context, username string) (*Profile, error) {
	u, err := r.store.ReadUser(ctx, username)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to resolve user %s: %w", username, err)
	}
	return &Profile{
		Username:     u.Username,
		Role:         u.Role,
		ColorEnabled: u.ColorEnabled,
		Groups:       u.Groups,
		Semesters:    u.Semesters,
	}, nil
}
