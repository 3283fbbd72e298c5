// Package authctx builds the per-request authorization context from a bound
// session and exposes guard functions over it.
//
// The class a request acts in is never taken from the client. It is derived
// from the session's role id, and only if that role still belongs to the
// session's user and is active.
package authctx

import (
	"context"
	"fmt"

	"github.com/lindseylubin/Gen-Ed/internal/store"
)

// Context is the authorization state of one request. The zero value is an
// anonymous caller.
type Context struct {
	UserID       int64
	DisplayName  string
	AuthProvider store.AuthProvider
	IsAdmin      bool
	IsTester     bool

	// Zero when no class is active.
	RoleID    int64
	ClassID   int64
	ClassName string
	Role      store.RoleKind
}

func (c Context) LoggedIn() bool { return c.UserID != 0 }
func (c Context) InClass() bool  { return c.ClassID != 0 }

// Source is the slice of the identity store needed to build a Context.
type Source interface {
	GetUser(ctx context.Context, userID int64) (*store.User, error)
	GetRole(ctx context.Context, roleID int64) (*store.Role, error)
}

// Load derives a Context from a session's user and role ids. A user that no
// longer exists yields an anonymous Context. A role that is missing, inactive
// or owned by someone else is ignored, leaving the user with no active class.
func Load(ctx context.Context, src Source, userID, roleID int64) (Context, error) {
	if userID == 0 {
		return Context{}, nil
	}
	u, err := src.GetUser(ctx, userID)
	if err != nil {
		return Context{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	if u == nil {
		return Context{}, nil
	}
	out := Context{
		UserID:       u.ID,
		DisplayName:  u.DisplayName(),
		AuthProvider: u.AuthProvider,
		IsAdmin:      u.IsAdmin,
		IsTester:     u.IsTester,
	}
	if roleID == 0 {
		return out, nil
	}

	r, err := src.GetRole(ctx, roleID)
	if err != nil {
		return Context{}, fmt.Errorf("load role %d: %w", roleID, err)
	}
	if r == nil || r.UserID != u.ID || !r.Active {
		return out, nil
	}
	out.RoleID = r.ID
	out.ClassID = r.ClassID
	out.ClassName = r.ClassName
	out.Role = r.Role
	// admins act as instructors in whatever class they are in
	if u.IsAdmin {
		out.Role = store.RoleInstructor
	}
	return out, nil
}

type ctxKey struct{}

// WithContext attaches c to ctx.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the Context attached by WithContext, or an anonymous one.
func FromContext(ctx context.Context) Context {
	c, _ := ctx.Value(ctxKey{}).(Context)
	return c
}
