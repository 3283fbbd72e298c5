package httpapi

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/lindseylubin/Gen-Ed/internal/authctx"
	"github.com/lindseylubin/Gen-Ed/internal/completion"
	"github.com/lindseylubin/Gen-Ed/internal/credential"
)

const (
	maxCodeLen  = 5000
	maxErrorLen = 3000
	maxIssueLen = 2000
)

type helpRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Error    string `json:"error"`
	Issue    string `json:"issue"`
}

func (h helpRequest) validate() error {
	if strings.TrimSpace(h.Code+h.Error+h.Issue) == "" {
		return errors.New("at least one of code, error or issue is required")
	}
	if len(h.Code) > maxCodeLen || len(h.Error) > maxErrorLen || len(h.Issue) > maxIssueLen {
		return errors.New("request is too long")
	}
	return nil
}

func (h helpRequest) prompt() string {
	var b strings.Builder
	b.WriteString("You are a teaching assistant helping a student in a programming class. ")
	b.WriteString("Explain the problem and guide the student toward a fix without writing the corrected code for them.\n\n")
	if h.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n\n", h.Language)
	}
	if h.Code != "" {
		fmt.Fprintf(&b, "<code>\n%s\n</code>\n\n", h.Code)
	}
	if h.Error != "" {
		fmt.Fprintf(&b, "<error>\n%s\n</error>\n\n", h.Error)
	}
	if h.Issue != "" {
		fmt.Fprintf(&b, "<issue>\n%s\n</issue>\n\n", h.Issue)
	}
	return strings.TrimSpace(b.String())
}

// HandleHelp answers a help request with the credential the caller's class
// or quota entitles them to.
func (s *Server) HandleHelp(w http.ResponseWriter, r *http.Request) {
	auth := authctx.FromContext(r.Context())
	if writeDenied(w, authctx.RequireLogin(auth)) {
		return
	}
	s.help(w, r, auth, false)
}

// HandleSystemHelp is the tester-only variant paid for with the system key.
func (s *Server) HandleSystemHelp(w http.ResponseWriter, r *http.Request) {
	auth := authctx.FromContext(r.Context())
	if writeDenied(w, authctx.RequireTester(auth)) {
		return
	}
	s.help(w, r, auth, true)
}

// helpCandidates answers are requested per help query; the one with the
// least code is shown.
const helpCandidates = 2

// fewerCodeBlocks scores a help answer: each fenced code block costs a point.
func fewerCodeBlocks(text string) float64 {
	return -float64(strings.Count(text, "```") / 2)
}

func (s *Server) help(w http.ResponseWriter, r *http.Request, auth authctx.Context, override bool) {
	var in helpRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	req := completion.Request{Prompt: in.prompt(), N: helpCandidates, Score: fewerCodeBlocks}
	res, d, ok := s.complete(w, r, auth, override, req, completion.ModelFast)
	if !ok {
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"response": res.Text,
		"source":   d.Source,
	})
}

// complete resolves the caller's credential and runs req with it, using the
// class's model or fallback. When ok is false the response has been written.
func (s *Server) complete(w http.ResponseWriter, r *http.Request, auth authctx.Context, override bool, req completion.Request, fallback completion.Model) (completion.Result, credential.Decision, bool) {
	d, err := s.resolver.Resolve(r.Context(), auth, override)
	if err != nil {
		internalError(w, "resolve credential", err)
		return completion.Result{}, d, false
	}
	s.metrics.Decision(string(d.Source), d.Denial.String())

	switch d.Denial {
	case credential.NotDenied:
	case credential.ClassDisabled:
		writeError(w, http.StatusForbidden, "CLASS_DISABLED", d.Denial.Message())
		return completion.Result{}, d, false
	case credential.NoCredentialConfigured:
		writeError(w, http.StatusServiceUnavailable, "NO_CREDENTIAL", d.Denial.Message())
		return completion.Result{}, d, false
	case credential.QuotaExhausted:
		writeError(w, http.StatusTooManyRequests, "QUOTA_EXHAUSTED", d.Denial.Message())
		return completion.Result{}, d, false
	default:
		internalError(w, "resolve credential", fmt.Errorf("unhandled denial %s", d.Denial))
		return completion.Result{}, d, false
	}

	req.Model = d.ModelOr(fallback)
	res, err := s.completer.Execute(r.Context(), d.Key, req)
	if err != nil {
		kind := completion.UnknownUpstreamError
		var ce *completion.Error
		if errors.As(err, &ce) {
			kind = ce.Kind
		}
		s.metrics.UpstreamFailure(kind.String())
		log.Printf("[error] completion for user %d (source %s): %v raw=%s", auth.UserID, d.Source, err, res.Raw)
		writeError(w, http.StatusBadGateway, "UPSTREAM_"+strings.ToUpper(kind.String()), kind.Message())
		return res, d, false
	}
	return res, d, true
}
