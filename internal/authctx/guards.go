package authctx

import (
	"errors"

	"github.com/lindseylubin/Gen-Ed/internal/store"
)

// Requirement names what a guard checked for.
type Requirement string

const (
	NeedLogin      Requirement = "login"
	NeedInstructor Requirement = "instructor"
	NeedAdmin      Requirement = "admin"
	NeedTester     Requirement = "tester"
)

// Denied is returned by the guards when the caller does not qualify.
type Denied struct {
	Requirement Requirement
}

func (d *Denied) Error() string {
	return "authorization denied: " + string(d.Requirement) + " required"
}

// IsDenied reports whether err is a guard denial, returning it if so.
func IsDenied(err error) (*Denied, bool) {
	var d *Denied
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

func RequireLogin(c Context) error {
	if !c.LoggedIn() {
		return &Denied{Requirement: NeedLogin}
	}
	return nil
}

// RequireInstructor passes for instructors of the active class, which
// includes admins with an active class.
func RequireInstructor(c Context) error {
	if err := RequireLogin(c); err != nil {
		return err
	}
	if !c.InClass() || c.Role != store.RoleInstructor {
		return &Denied{Requirement: NeedInstructor}
	}
	return nil
}

func RequireAdmin(c Context) error {
	if err := RequireLogin(c); err != nil {
		return err
	}
	if !c.IsAdmin {
		return &Denied{Requirement: NeedAdmin}
	}
	return nil
}

func RequireTester(c Context) error {
	if err := RequireLogin(c); err != nil {
		return err
	}
	if !c.IsTester {
		return &Denied{Requirement: NeedTester}
	}
	return nil
}
