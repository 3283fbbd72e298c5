package httpapi

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/lindseylubin/Gen-Ed/internal/authctx"
	"github.com/lindseylubin/Gen-Ed/internal/lti"
	"github.com/lindseylubin/Gen-Ed/internal/metrics"
	"github.com/lindseylubin/Gen-Ed/internal/password"
	"github.com/lindseylubin/Gen-Ed/internal/provision"
	"github.com/lindseylubin/Gen-Ed/internal/session"
	"github.com/lindseylubin/Gen-Ed/internal/store"
)

// writeDenied answers a failed guard, or reports false if err is not one.
func writeDenied(w http.ResponseWriter, err error) bool {
	d, ok := authctx.IsDenied(err)
	if !ok {
		return false
	}
	if d.Requirement == authctx.NeedLogin {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Login required")
	} else {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Requires "+string(d.Requirement)+" privileges")
	}
	return true
}

// launchURL rebuilds the URL the consumer signed.
func (s *Server) launchURL(r *http.Request) string {
	var origin string
	if s.publicURL != "" {
		origin = strings.TrimRight(s.publicURL, "/")
	} else {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = strings.TrimSpace(strings.Split(p, ",")[0])
		}
		origin = scheme + "://" + r.Host
	}
	u := origin + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

func verificationFailure(err error) bool {
	for _, target := range []error{lti.ErrNotLaunch, lti.ErrBadSignature, lti.ErrStaleTimestamp, lti.ErrReplayedNonce, lti.ErrUnsupportedOAuth} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// HandleLTILaunch verifies a signed launch, provisions its identity and binds
// a session to the resulting role.
func (s *Server) HandleLTILaunch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid launch form")
		return
	}
	// the query string is already part of the launch URL
	assertion, err := s.verifier.Verify(r.Context(), r.Method, s.launchURL(r), r.PostForm)
	switch {
	case err == nil:
	case errors.Is(err, provision.ErrUnknownConsumer):
		log.Printf("[error] lti launch: %v", err)
		s.metrics.Provisioned(metrics.ProvisionRejected)
		writeError(w, http.StatusForbidden, "UNKNOWN_CONSUMER", "Unknown LTI consumer")
		return
	case verificationFailure(err):
		s.warnf("lti launch rejected: %v", err)
		s.metrics.Provisioned(metrics.ProvisionRejected)
		writeError(w, http.StatusForbidden, "LTI_VERIFICATION_FAILED", "LTI launch could not be verified")
		return
	default:
		internalError(w, "verify lti launch", err)
		return
	}

	res, err := s.provisioner.Provision(r.Context(), assertion)
	if err != nil {
		s.metrics.Provisioned(metrics.ProvisionRejected)
		switch {
		case errors.Is(err, provision.ErrMalformedAssertion), errors.Is(err, provision.ErrInsufficientIdentity):
			writeError(w, http.StatusBadRequest, "INVALID_LAUNCH", "LTI launch is missing required identity fields")
		case errors.Is(err, provision.ErrUnknownConsumer):
			writeError(w, http.StatusForbidden, "UNKNOWN_CONSUMER", "Unknown LTI consumer")
		case errors.Is(err, provision.ErrDeactivatedMember):
			writeError(w, http.StatusForbidden, "DEACTIVATED", "Your membership in this class has been deactivated")
		default:
			internalError(w, "provision lti launch", err)
		}
		return
	}
	if res.Created {
		s.metrics.Provisioned(metrics.ProvisionCreated)
	} else {
		s.metrics.Provisioned(metrics.ProvisionExisting)
	}
	if err := s.db.SetLastClass(r.Context(), res.UserID, res.ClassID); err != nil {
		internalError(w, "set last class", err)
		return
	}

	if err := s.sessions.Bind(r.Context(), w, r, session.Data{UserID: res.UserID, RoleID: res.RoleID}); err != nil {
		internalError(w, "bind session", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"user_id":  res.UserID,
		"class_id": res.ClassID,
		"role_id":  res.RoleID,
		"role":     res.Role,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleLogin checks a local password and binds a session to the user's last
// class, as long as their role there is still active.
func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Username == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Username and password are required")
		return
	}
	ctx := r.Context()
	a, err := s.db.GetLocalAuth(ctx, in.Username)
	if err != nil {
		internalError(w, "lookup login", err)
		return
	}
	if a == nil || !password.Compare(a.PasswordHash, in.Password) {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
		return
	}
	u, err := s.db.GetUser(ctx, a.UserID)
	if err == nil && u == nil {
		err = fmt.Errorf("user %d has a password but no account", a.UserID)
	}
	if err != nil {
		internalError(w, "load user", err)
		return
	}

	var roleID int64
	if u.LastClassID != nil {
		role, err := s.db.GetUserClassRole(ctx, u.ID, *u.LastClassID)
		if err != nil {
			internalError(w, "load last class role", err)
			return
		}
		if role != nil && role.Active {
			roleID = role.ID
		}
	}
	if err := s.sessions.Bind(ctx, w, r, session.Data{UserID: u.ID, RoleID: roleID}); err != nil {
		internalError(w, "bind session", err)
		return
	}
	auth, err := authctx.Load(ctx, s.db, u.ID, roleID)
	if err != nil {
		internalError(w, "load auth context", err)
		return
	}
	writeSuccess(w, http.StatusOK, meView(auth, u))
}

func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Revoke(r.Context(), w, r); err != nil {
		internalError(w, "revoke session", err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func meView(auth authctx.Context, u *store.User) map[string]interface{} {
	out := map[string]interface{}{
		"user_id":       auth.UserID,
		"display_name":  auth.DisplayName,
		"auth_provider": auth.AuthProvider,
		"is_admin":      auth.IsAdmin,
		"is_tester":     auth.IsTester,
		"query_tokens":  u.QueryTokens,
	}
	if auth.InClass() {
		out["class"] = map[string]interface{}{
			"class_id": auth.ClassID,
			"name":     auth.ClassName,
			"role_id":  auth.RoleID,
			"role":     auth.Role,
		}
	}
	return out
}

func (s *Server) HandleMe(w http.ResponseWriter, r *http.Request) {
	auth := authctx.FromContext(r.Context())
	if writeDenied(w, authctx.RequireLogin(auth)) {
		return
	}
	u, err := s.db.GetUser(r.Context(), auth.UserID)
	if err == nil && u == nil {
		err = fmt.Errorf("user %d no longer exists", auth.UserID)
	}
	if err != nil {
		internalError(w, "load user", err)
		return
	}
	writeSuccess(w, http.StatusOK, meView(auth, u))
}
