package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lindseylubin/Gen-Ed/internal/store"
)

var (
	ErrUnknownLink        = errors.New("no class uses this registration link")
	ErrRegistrationClosed = errors.New("registration for this class is closed")
)

// aoe is the Anywhere-on-Earth zone used for link expiry dates.
var aoe = time.FixedZone("AOE", -12*60*60)

// DateIsPast reports whether the YYYY-MM-DD date has ended everywhere on
// Earth. Unparseable dates count as past.
func DateIsPast(date string, now time.Time) bool {
	d, err := time.ParseInLocation("2006-01-02", date, aoe)
	if err != nil {
		return true
	}
	end := d.AddDate(0, 0, 1)
	return !now.In(aoe).Before(end)
}

// JoinStore is the identity store surface JoinByLink needs.
type JoinStore interface {
	GetClassByLink(ctx context.Context, linkIdent string) (*store.Class, error)
	GetUserClassRole(ctx context.Context, userID, classID int64) (*store.Role, error)
	FindOrCreateRole(ctx context.Context, userID, classID int64, role store.RoleKind) (*store.Role, bool, error)
	SetLastClass(ctx context.Context, userID, classID int64) error
}

// JoinByLink enrolls an already logged-in user in the user class behind a
// registration link. An existing role is reused as is; new members join as
// students while the link is open.
func JoinByLink(ctx context.Context, s JoinStore, userID int64, linkIdent string, now time.Time) (*store.Role, error) {
	class, err := s.GetClassByLink(ctx, linkIdent)
	if err != nil {
		return nil, fmt.Errorf("lookup link: %w", err)
	}
	if class == nil || class.Kind != store.ClassUser {
		return nil, ErrUnknownLink
	}

	if DateIsPast(class.LinkRegExpires, now) {
		// members may still come back through a closed link
		return rejoin(ctx, s, userID, class)
	}

	r, _, err := s.FindOrCreateRole(ctx, userID, class.ID, store.RoleStudent)
	if err != nil {
		return nil, fmt.Errorf("join class %d: %w", class.ID, err)
	}
	if !r.Active {
		return nil, ErrDeactivatedMember
	}
	if err := s.SetLastClass(ctx, userID, class.ID); err != nil {
		return nil, fmt.Errorf("record last class: %w", err)
	}
	return r, nil
}

func rejoin(ctx context.Context, s JoinStore, userID int64, class *store.Class) (*store.Role, error) {
	r, err := s.GetUserClassRole(ctx, userID, class.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup role: %w", err)
	}
	if r == nil {
		return nil, ErrRegistrationClosed
	}
	if !r.Active {
		return nil, ErrDeactivatedMember
	}
	if err := s.SetLastClass(ctx, userID, class.ID); err != nil {
		return nil, fmt.Errorf("record last class: %w", err)
	}
	return r, nil
}
