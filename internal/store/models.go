package store

// AuthProvider identifies how a user authenticates.
type AuthProvider string

const (
	ProviderLocal AuthProvider = "local"
	ProviderLTI   AuthProvider = "lti"
	ProviderOther AuthProvider = "other"
)

// RoleKind is a user's privilege level within one class.
type RoleKind string

const (
	RoleStudent    RoleKind = "student"
	RoleInstructor RoleKind = "instructor"
)

// ClassKind tells which extension record owns a class.
type ClassKind string

const (
	// ClassLTI classes belong to an LTI consumer and inherit its API key.
	ClassLTI ClassKind = "lti"
	// ClassUser classes are created locally and carry their own API key.
	ClassUser ClassKind = "user"
)

// User represents a user in the system
type User struct {
	ID           int64
	AuthProvider AuthProvider
	AuthName     string
	FullName     string
	Email        string
	QueryTokens  int
	IsAdmin      bool
	IsTester     bool
	LastClassID  *int64
}

// DisplayName picks the most readable identifier available for the user.
func (u *User) DisplayName() string {
	switch {
	case u.FullName != "":
		return u.FullName
	case u.Email != "":
		return u.Email
	default:
		return u.AuthName
	}
}

// LocalAuth is the password record for a local-provider user.
type LocalAuth struct {
	UserID       int64
	Username     string
	PasswordHash string
}

// Consumer is an LTI tool consumer (for example one LMS instance).
type Consumer struct {
	ID        int64
	Key       string
	Secret    string
	OpenAIKey string
}

// Class is a tenant grouping of users. Exactly one of the LTI or user fields
// is meaningful, depending on Kind.
type Class struct {
	ID      int64
	Name    string
	Enabled bool
	Kind    ClassKind

	// LTI-owned
	ConsumerID int64
	ContextID  string

	// locally owned
	CreatorUserID  int64
	OpenAIKey      string
	LinkIdent      string
	LinkRegExpires string // YYYY-MM-DD
	ModelID        string
}

// Role is a user's membership in one class.
type Role struct {
	ID      int64
	UserID  int64
	ClassID int64
	Role    RoleKind
	Active  bool

	// joined from classes
	ClassName    string
	ClassEnabled bool
}

// NewLocalUser holds the fields needed to create a password-based account.
type NewLocalUser struct {
	Username     string
	PasswordHash string
	IsAdmin      bool
	IsTester     bool
	QueryTokens  int
}

// ExternalUser is a normalized identity from an external auth provider.
type ExternalUser struct {
	Provider AuthProvider
	ExtID    string
	FullName string
	Email    string
	AuthName string
	// QueryTokens is only applied when the account is created.
	QueryTokens int
}

// NewUserClass holds the fields needed to create a locally owned class.
type NewUserClass struct {
	Name           string
	CreatorUserID  int64
	OpenAIKey      string
	LinkIdent      string
	LinkRegExpires string
	ModelID        string
}

// Sentinel values for Class.LinkRegExpires.
const (
	LinkDisabled   = "0001-01-01"
	LinkAlwaysOpen = "9999-12-31"
)
