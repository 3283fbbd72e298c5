package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const CookieName = "gened_session"

// Manager issues and verifies session cookies. The cookie is an HS256 JWT
// whose jti is the server-side session id.
type Manager struct {
	store    Store
	secret   []byte
	ttl      time.Duration
	secure   bool
	sameSite http.SameSite
	now      func() time.Time
}

// NewManager returns a Manager whose cookies are SameSite=None when
// secureCookie is set, so they survive inside the LMS frame, and
// SameSite=Lax otherwise.
func NewManager(store Store, secret string, ttl time.Duration, secureCookie bool) *Manager {
	sameSite := http.SameSiteLaxMode
	if secureCookie {
		sameSite = http.SameSiteNoneMode
	}
	return &Manager{store: store, secret: []byte(secret), ttl: ttl, secure: secureCookie, sameSite: sameSite, now: time.Now}
}

// ParseSameSite maps lax, strict or none to the cookie attribute.
func ParseSameSite(mode string) (http.SameSite, error) {
	switch mode {
	case "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("unknown SameSite mode %q", mode)
	}
}

// WithSameSite overrides the cookie SameSite attribute. Browsers drop
// SameSite=None cookies that are not Secure, so None also turns Secure on.
func (m *Manager) WithSameSite(mode http.SameSite) *Manager {
	m.sameSite = mode
	if mode == http.SameSiteNoneMode {
		m.secure = true
	}
	return m
}

func (m *Manager) cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: m.sameSite,
	}
}

// Bind starts a fresh session for d, replacing any session the request
// already carries.
func (m *Manager) Bind(ctx context.Context, w http.ResponseWriter, r *http.Request, d Data) error {
	if d.UserID == 0 {
		return errors.New("session requires a user")
	}
	if err := m.Revoke(ctx, w, r); err != nil {
		return err
	}

	id := uuid.NewString()
	now := m.now()
	if err := m.store.Save(ctx, id, d, m.ttl); err != nil {
		return err
	}
	claims := jwt.RegisteredClaims{
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}
	c := m.cookie(signed)
	c.Expires = now.Add(m.ttl)
	http.SetCookie(w, c)
	return nil
}

// Load returns the session bound to r, or nil if there is none or the cookie
// does not verify.
func (m *Manager) Load(ctx context.Context, r *http.Request) (*Data, error) {
	id, ok := m.sessionID(r)
	if !ok {
		return nil, nil
	}
	return m.store.Load(ctx, id)
}

// Revoke deletes the request's session, if any, and clears the cookie.
func (m *Manager) Revoke(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id, ok := m.sessionID(r)
	if !ok {
		return nil
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	c := m.cookie("")
	c.MaxAge = -1
	http.SetCookie(w, c)
	return nil
}

func (m *Manager) sessionID(r *http.Request) (string, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(c.Value, &claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil || claims.ID == "" {
		return "", false
	}
	return claims.ID, true
}
