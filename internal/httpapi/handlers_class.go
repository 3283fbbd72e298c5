package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/lindseylubin/Gen-Ed/internal/authctx"
	"github.com/lindseylubin/Gen-Ed/internal/completion"
	"github.com/lindseylubin/Gen-Ed/internal/instructor"
	"github.com/lindseylubin/Gen-Ed/internal/provision"
	"github.com/lindseylubin/Gen-Ed/internal/session"
	"github.com/lindseylubin/Gen-Ed/internal/store"
)

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id, err == nil && id > 0
}

// bindRole points the caller's session at role and answers with the class.
func (s *Server) bindRole(w http.ResponseWriter, r *http.Request, auth authctx.Context, role *store.Role) {
	if err := s.sessions.Bind(r.Context(), w, r, session.Data{UserID: auth.UserID, RoleID: role.ID}); err != nil {
		internalError(w, "bind session", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"class_id": role.ClassID,
		"name":     role.ClassName,
		"role_id":  role.ID,
		"role":     role.Role,
	})
}

type createClassRequest struct {
	Name      string `json:"name"`
	OpenAIKey string `json:"openai_key"`
}

func (s *Server) HandleCreateClass(w http.ResponseWriter, r *http.Request) {
	auth := authctx.FromContext(r.Context())
	if writeDenied(w, authctx.RequireLogin(auth)) {
		return
	}
	var in createClassRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	_, role, err := s.instructor.CreateClass(r.Context(), auth, in.Name, in.OpenAIKey)
	if errors.Is(err, store.ErrInvalid) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Class name is required")
		return
	}
	if err != nil {
		internalError(w, "create class", err)
		return
	}
	// re-read for the joined class name
	full, err := s.db.GetRole(r.Context(), role.ID)
	if err != nil || full == nil {
		full = role
	}
	s.bindRole(w, r, auth, full)
}

// HandleJoinClass enrolls the caller through a class registration link.
func (s *Server) HandleJoinClass(w http.ResponseWriter, r *http.Request) {
	auth := authctx.FromContext(r.Context())
	if writeDenied(w, authctx.RequireLogin(auth)) {
		return
	}
	role, err := provision.JoinByLink(r.Context(), s.db, auth.UserID, mux.Vars(r)["link"], s.now())
	switch {
	case err == nil:
	case errors.Is(err, provision.ErrUnknownLink):
		writeError(w, http.StatusNotFound, "UNKNOWN_LINK", "Invalid class link")
		return
	case errors.Is(err, provision.ErrRegistrationClosed):
		writeError(w, http.StatusForbidden, "REGISTRATION_CLOSED", "Registration for this class is closed")
		return
	case errors.Is(err, provision.ErrDeactivatedMember):
		writeError(w, http.StatusForbidden, "DEACTIVATED", "Your membership in this class has been deactivated")
		return
	default:
		internalError(w, "join class", err)
		return
	}
	s.bindRole(w, r, auth, role)
}

// HandleSwitchClass rebinds the session to the caller's active role in
// another class. The class id only selects; the role decides.
func (s *Server) HandleSwitchClass(w http.ResponseWriter, r *http.Request) {
	auth := authctx.FromContext(r.Context())
	if writeDenied(w, authctx.RequireLogin(auth)) {
		return
	}
	classID, ok := pathID(r, "classID")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid class id")
		return
	}
	role, err := s.db.GetUserClassRole(r.Context(), auth.UserID, classID)
	if err != nil {
		internalError(w, "lookup role", err)
		return
	}
	if role == nil || !role.Active {
		writeError(w, http.StatusForbidden, "NOT_A_MEMBER", "You are not an active member of that class")
		return
	}
	if err := s.db.SetLastClass(r.Context(), auth.UserID, classID); err != nil {
		internalError(w, "set last class", err)
		return
	}
	s.bindRole(w, r, auth, role)
}

// writeInstructorErr answers an instructor.Service error.
func writeInstructorErr(w http.ResponseWriter, err error) {
	if writeDenied(w, err) {
		return
	}
	switch {
	case errors.Is(err, instructor.ErrSelfChange):
		writeError(w, http.StatusBadRequest, "SELF_CHANGE", "You cannot change your own role")
	case errors.Is(err, instructor.ErrUnknownRole):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No such member in this class")
	case errors.Is(err, instructor.ErrEmptyKey):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "API key must not be empty")
	case errors.Is(err, instructor.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Link expiry must be a YYYY-MM-DD date")
	case errors.Is(err, instructor.ErrUnknownModel):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "model must be fast or large")
	case errors.Is(err, instructor.ErrNotUser):
		writeError(w, http.StatusConflict, "LTI_CLASS", "This setting is managed by the LTI consumer")
	default:
		internalError(w, "instructor operation", err)
	}
}

func (s *Server) roleToggle(w http.ResponseWriter, r *http.Request, field string, apply func(authctx.Context, int64, bool) error) {
	roleID, ok := pathID(r, "roleID")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid role id")
		return
	}
	var in map[string]bool
	if !decodeJSON(w, r, &in) {
		return
	}
	v, ok := in[field]
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", field+" is required")
		return
	}
	if err := apply(authctx.FromContext(r.Context()), roleID, v); err != nil {
		writeInstructorErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"role_id": roleID, field: v})
}

func (s *Server) HandleSetRoleActive(w http.ResponseWriter, r *http.Request) {
	s.roleToggle(w, r, "active", func(auth authctx.Context, roleID int64, v bool) error {
		return s.instructor.SetRoleActive(r.Context(), auth, roleID, v)
	})
}

func (s *Server) HandleSetRoleInstructor(w http.ResponseWriter, r *http.Request) {
	s.roleToggle(w, r, "instructor", func(auth authctx.Context, roleID int64, v bool) error {
		return s.instructor.SetRoleInstructor(r.Context(), auth, roleID, v)
	})
}

func (s *Server) HandleSetClassEnabled(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Enabled == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "enabled is required")
		return
	}
	if err := s.instructor.SetClassEnabled(r.Context(), authctx.FromContext(r.Context()), *in.Enabled); err != nil {
		writeInstructorErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"enabled": *in.Enabled})
}

func (s *Server) HandleSetClassKey(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Key string `json:"key"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := s.instructor.SetClassKey(r.Context(), authctx.FromContext(r.Context()), in.Key); err != nil {
		writeInstructorErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (s *Server) HandleClearClassKey(w http.ResponseWriter, r *http.Request) {
	if err := s.instructor.ClearClassKey(r.Context(), authctx.FromContext(r.Context())); err != nil {
		writeInstructorErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

func (s *Server) HandleSetLinkExpiry(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Mode instructor.LinkMode `json:"mode"`
		Date string              `json:"date"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	switch in.Mode {
	case instructor.LinkOff, instructor.LinkOpen, instructor.LinkDate:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "mode must be disabled, enabled or date")
		return
	}
	if err := s.instructor.SetLinkExpiry(r.Context(), authctx.FromContext(r.Context()), in.Mode, in.Date); err != nil {
		writeInstructorErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"mode": string(in.Mode)})
}

func (s *Server) HandleSetClassModel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Model completion.Model `json:"model"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := s.instructor.SetClassModel(r.Context(), authctx.FromContext(r.Context()), in.Model); err != nil {
		writeInstructorErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"model": string(in.Model)})
}
