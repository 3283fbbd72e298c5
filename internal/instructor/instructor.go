// Package instructor holds the class management operations available to a
// class's instructors. Every operation acts on the class derived from the
// caller's session, never on a client-supplied class id.
package instructor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lindseylubin/Gen-Ed/internal/authctx"
	"github.com/lindseylubin/Gen-Ed/internal/completion"
	"github.com/lindseylubin/Gen-Ed/internal/store"
)

var (
	ErrSelfChange   = errors.New("instructors cannot change their own role")
	ErrUnknownRole  = errors.New("role not found in this class")
	ErrEmptyKey     = errors.New("api key must not be empty")
	ErrInvalidDate  = errors.New("link expiry must be a YYYY-MM-DD date")
	ErrNotUser      = errors.New("operation only applies to locally created classes")
	ErrUnknownModel = errors.New("unknown language model")
)

// LinkMode selects how the class registration link behaves.
type LinkMode string

const (
	LinkOff  LinkMode = "disabled"
	LinkOpen LinkMode = "enabled"
	LinkDate LinkMode = "date"
)

type Store interface {
	GetRole(ctx context.Context, roleID int64) (*store.Role, error)
	SetRoleActive(ctx context.Context, roleID, classID int64, active bool) error
	SetRoleKind(ctx context.Context, roleID, classID int64, role store.RoleKind) error
	SetClassEnabled(ctx context.Context, classID int64, enabled bool) error
	SetClassOpenAIKey(ctx context.Context, classID int64, openAIKey string) error
	SetClassLinkExpiry(ctx context.Context, classID int64, expires string) error
	SetClassModel(ctx context.Context, classID int64, modelID string) error
	CreateUserClass(ctx context.Context, in store.NewUserClass) (*store.Class, error)
	FindOrCreateRole(ctx context.Context, userID, classID int64, role store.RoleKind) (*store.Role, bool, error)
	SetLastClass(ctx context.Context, userID, classID int64) error
}

type Service struct {
	store Store
}

func NewService(s Store) *Service {
	return &Service{store: s}
}

// otherMember checks that roleID is someone else's role in the caller's class.
func (svc *Service) otherMember(ctx context.Context, auth authctx.Context, roleID int64) error {
	if err := authctx.RequireInstructor(auth); err != nil {
		return err
	}
	r, err := svc.store.GetRole(ctx, roleID)
	if err != nil {
		return fmt.Errorf("lookup role %d: %w", roleID, err)
	}
	if r == nil || r.ClassID != auth.ClassID {
		return ErrUnknownRole
	}
	if r.UserID == auth.UserID {
		return ErrSelfChange
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownRole
	}
	return err
}

// SetRoleActive activates or deactivates another member of the class.
func (svc *Service) SetRoleActive(ctx context.Context, auth authctx.Context, roleID int64, active bool) error {
	if err := svc.otherMember(ctx, auth, roleID); err != nil {
		return err
	}
	return notFound(svc.store.SetRoleActive(ctx, roleID, auth.ClassID, active))
}

// SetRoleInstructor promotes another member to instructor or demotes them to
// student.
func (svc *Service) SetRoleInstructor(ctx context.Context, auth authctx.Context, roleID int64, instructor bool) error {
	if err := svc.otherMember(ctx, auth, roleID); err != nil {
		return err
	}
	kind := store.RoleStudent
	if instructor {
		kind = store.RoleInstructor
	}
	return notFound(svc.store.SetRoleKind(ctx, roleID, auth.ClassID, kind))
}

func (svc *Service) SetClassEnabled(ctx context.Context, auth authctx.Context, enabled bool) error {
	if err := authctx.RequireInstructor(auth); err != nil {
		return err
	}
	return svc.store.SetClassEnabled(ctx, auth.ClassID, enabled)
}

func userClassErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotUser
	}
	return err
}

// SetClassKey stores the class's own upstream API key.
func (svc *Service) SetClassKey(ctx context.Context, auth authctx.Context, key string) error {
	if err := authctx.RequireInstructor(auth); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	return userClassErr(svc.store.SetClassOpenAIKey(ctx, auth.ClassID, key))
}

func (svc *Service) ClearClassKey(ctx context.Context, auth authctx.Context) error {
	if err := authctx.RequireInstructor(auth); err != nil {
		return err
	}
	return userClassErr(svc.store.SetClassOpenAIKey(ctx, auth.ClassID, ""))
}

// SetLinkExpiry closes, opens, or dates the class registration link. date is
// only read for LinkDate.
func (svc *Service) SetLinkExpiry(ctx context.Context, auth authctx.Context, mode LinkMode, date string) error {
	if err := authctx.RequireInstructor(auth); err != nil {
		return err
	}
	var expires string
	switch mode {
	case LinkOff:
		expires = store.LinkDisabled
	case LinkOpen:
		expires = store.LinkAlwaysOpen
	case LinkDate:
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			return ErrInvalidDate
		}
		expires = date
	default:
		return fmt.Errorf("unknown link mode %q", mode)
	}
	return userClassErr(svc.store.SetClassLinkExpiry(ctx, auth.ClassID, expires))
}

// SetClassModel selects the upstream model the class's requests use.
func (svc *Service) SetClassModel(ctx context.Context, auth authctx.Context, model completion.Model) error {
	if err := authctx.RequireInstructor(auth); err != nil {
		return err
	}
	if !model.Valid() {
		return ErrUnknownModel
	}
	return userClassErr(svc.store.SetClassModel(ctx, auth.ClassID, string(model)))
}

// NewLinkIdent returns a fresh registration link identifier.
func NewLinkIdent() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// CreateClass creates a locally owned class with the caller as its first
// instructor and makes it the caller's last class. The registration link
// starts closed.
func (svc *Service) CreateClass(ctx context.Context, auth authctx.Context, name, openAIKey string) (*store.Class, *store.Role, error) {
	if err := authctx.RequireLogin(auth); err != nil {
		return nil, nil, err
	}
	class, err := svc.store.CreateUserClass(ctx, store.NewUserClass{
		Name:           strings.TrimSpace(name),
		CreatorUserID:  auth.UserID,
		OpenAIKey:      strings.TrimSpace(openAIKey),
		LinkIdent:      NewLinkIdent(),
		LinkRegExpires: store.LinkDisabled,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create class: %w", err)
	}
	role, _, err := svc.store.FindOrCreateRole(ctx, auth.UserID, class.ID, store.RoleInstructor)
	if err != nil {
		return nil, nil, fmt.Errorf("create instructor role: %w", err)
	}
	if err := svc.store.SetLastClass(ctx, auth.UserID, class.ID); err != nil {
		return nil, nil, fmt.Errorf("set last class: %w", err)
	}
	return class, role, nil
}
