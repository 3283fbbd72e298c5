// Package provision turns a verified external launch assertion into a user,
// class and role, creating whatever does not exist yet.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/lindseylubin/Gen-Ed/internal/store"
)

var (
	ErrMalformedAssertion   = errors.New("assertion is missing a required field")
	ErrInsufficientIdentity = errors.New("assertion has neither a name nor an email")
	// ErrUnknownConsumer means a verified launch named a consumer that is not
	// configured. It is a deployment defect, not a client error.
	ErrUnknownConsumer   = errors.New("unknown consumer")
	ErrDeactivatedMember = errors.New("membership in this class is deactivated")
)

// DefaultStarterTokens is the query balance for a newly created LTI user.
const DefaultStarterTokens = 10

// Assertion is the identity claim carried by one external launch.
type Assertion struct {
	ConsumerKey  string
	ContextID    string
	ContextLabel string
	UserID       string
	FullName     string
	Email        string
	RoleClaim    string
}

// Result identifies the records a successful Provision resolved to.
type Result struct {
	UserID  int64
	ClassID int64
	RoleID  int64
	Role    store.RoleKind
	Created bool // role was created by this call
}

// Store is the identity store surface Provision writes through.
type Store interface {
	GetConsumerByKey(ctx context.Context, key string) (*store.Consumer, error)
	FindOrCreateLTIClass(ctx context.Context, consumerID int64, contextID, name string) (*store.Class, error)
	UpsertExternalUser(ctx context.Context, in store.ExternalUser) (*store.User, error)
	FindOrCreateRole(ctx context.Context, userID, classID int64, role store.RoleKind) (*store.Role, bool, error)
}

type Provisioner struct {
	store         Store
	starterTokens int
}

func NewProvisioner(s Store, starterTokens int) *Provisioner {
	return &Provisioner{store: s, starterTokens: starterTokens}
}

// NormalizeRole maps a free-form role claim to instructor or student. Any
// claim mentioning an instructor or teaching assistant is an instructor.
func NormalizeRole(claim string) store.RoleKind {
	lc := strings.ToLower(claim)
	if strings.Contains(lc, "instructor") || strings.Contains(lc, "teachingassistant") {
		return store.RoleInstructor
	}
	return store.RoleStudent
}

// ExternalID is the provider-scoped key for an LTI user. The email is part of
// the key, so the same LMS user with a changed email is a new account.
func ExternalID(a Assertion) string {
	return a.ConsumerKey + "_" + a.UserID + "_" + a.Email
}

func (a Assertion) validate() error {
	var missing []string
	if a.ConsumerKey == "" {
		missing = append(missing, "consumer key")
	}
	if a.ContextID == "" {
		missing = append(missing, "context id")
	}
	if a.ContextLabel == "" {
		missing = append(missing, "context label")
	}
	if a.UserID == "" {
		missing = append(missing, "user id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMalformedAssertion, strings.Join(missing, ", "))
	}
	if a.FullName == "" && !strings.Contains(a.Email, "@") {
		return ErrInsufficientIdentity
	}
	return nil
}

// Provision resolves a to its user, class and role. The caller binds a
// session only when this returns without error.
func (p *Provisioner) Provision(ctx context.Context, a Assertion) (Result, error) {
	if err := a.validate(); err != nil {
		return Result{}, err
	}
	role := NormalizeRole(a.RoleClaim)

	consumer, err := p.store.GetConsumerByKey(ctx, a.ConsumerKey)
	if err != nil {
		return Result{}, fmt.Errorf("lookup consumer: %w", err)
	}
	if consumer == nil {
		log.Printf("[error] provision: launch for unconfigured consumer %q", a.ConsumerKey)
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownConsumer, a.ConsumerKey)
	}

	class, err := p.store.FindOrCreateLTIClass(ctx, consumer.ID, a.ContextID, a.ContextLabel)
	if err != nil {
		return Result{}, fmt.Errorf("find or create class: %w", err)
	}

	user, err := p.store.UpsertExternalUser(ctx, store.ExternalUser{
		Provider:    store.ProviderLTI,
		ExtID:       ExternalID(a),
		FullName:    a.FullName,
		Email:       a.Email,
		QueryTokens: p.starterTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("find or create user: %w", err)
	}

	r, created, err := p.store.FindOrCreateRole(ctx, user.ID, class.ID, role)
	if err != nil {
		return Result{}, fmt.Errorf("find or create role: %w", err)
	}
	if !r.Active {
		return Result{}, ErrDeactivatedMember
	}

	return Result{UserID: user.ID, ClassID: class.ID, RoleID: r.ID, Role: r.Role, Created: created}, nil
}
