// Package store is the identity store: users, LTI consumers, classes and
// roles, plus the per-user query token counter.
//
// Lookups return (nil, nil) when the row does not exist. Mutations that
// target a missing row return ErrNotFound.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates a mutation matched no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a unique key is already taken.
	ErrConflict = errors.New("record conflict")
	// ErrInvalid indicates input rejected before reaching storage.
	ErrInvalid = errors.New("invalid input")
)

// DB interface for identity store operations
type DB interface {
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// User operations
	GetUser(ctx context.Context, userID int64) (*User, error)
	GetLocalAuth(ctx context.Context, username string) (*LocalAuth, error)
	CreateLocalUser(ctx context.Context, in NewLocalUser) (*User, error)
	SetLocalPassword(ctx context.Context, username, passwordHash string) error
	// UpsertExternalUser finds the user linked to (provider, ext id) and
	// refreshes its name and email, or creates it with in.QueryTokens.
	UpsertExternalUser(ctx context.Context, in ExternalUser) (*User, error)
	SetLastClass(ctx context.Context, userID, classID int64) error

	// Quota operations
	// ConsumeQueryToken atomically decrements the user's counter if it is
	// positive and reports whether a token was taken.
	ConsumeQueryToken(ctx context.Context, userID int64) (bool, error)
	AddQueryTokens(ctx context.Context, userID int64, n int) error

	// Consumer operations
	CreateConsumer(ctx context.Context, key, secret, openAIKey string) (*Consumer, error)
	GetConsumer(ctx context.Context, consumerID int64) (*Consumer, error)
	GetConsumerByKey(ctx context.Context, key string) (*Consumer, error)
	SetConsumerOpenAIKey(ctx context.Context, consumerID int64, openAIKey string) error

	// Class operations
	GetClass(ctx context.Context, classID int64) (*Class, error)
	GetClassByLink(ctx context.Context, linkIdent string) (*Class, error)
	FindOrCreateLTIClass(ctx context.Context, consumerID int64, contextID, name string) (*Class, error)
	CreateUserClass(ctx context.Context, in NewUserClass) (*Class, error)
	SetClassEnabled(ctx context.Context, classID int64, enabled bool) error
	// SetClassOpenAIKey, SetClassLinkExpiry and SetClassModel only apply to
	// user classes.
	SetClassOpenAIKey(ctx context.Context, classID int64, openAIKey string) error
	SetClassLinkExpiry(ctx context.Context, classID int64, expires string) error
	SetClassModel(ctx context.Context, classID int64, modelID string) error

	// Role operations
	GetRole(ctx context.Context, roleID int64) (*Role, error)
	GetUserClassRole(ctx context.Context, userID, classID int64) (*Role, error)
	// FindOrCreateRole returns the existing (user, class) role untouched, or
	// inserts an active one. created reports which happened.
	FindOrCreateRole(ctx context.Context, userID, classID int64, role RoleKind) (r *Role, created bool, err error)
	// SetRoleActive and SetRoleKind only touch the role if it belongs to classID.
	SetRoleActive(ctx context.Context, roleID, classID int64, active bool) error
	SetRoleKind(ctx context.Context, roleID, classID int64, role RoleKind) error

	// ReadView runs one of the fixed read-only admin views.
	ReadView(ctx context.Context, view View) (*ViewResult, error)
}

func validRoleKind(r RoleKind) bool {
	return r == RoleStudent || r == RoleInstructor
}

func validProvider(p AuthProvider) bool {
	return p == ProviderLocal || p == ProviderLTI || p == ProviderOther
}
