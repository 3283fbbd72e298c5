// Package httpapi is the HTTP surface: LTI launch, local login, class
// membership, instructor management, help requests and tutor chat.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/lindseylubin/Gen-Ed/internal/completion"
	"github.com/lindseylubin/Gen-Ed/internal/credential"
	"github.com/lindseylubin/Gen-Ed/internal/instructor"
	"github.com/lindseylubin/Gen-Ed/internal/lti"
	"github.com/lindseylubin/Gen-Ed/internal/metrics"
	"github.com/lindseylubin/Gen-Ed/internal/provision"
	"github.com/lindseylubin/Gen-Ed/internal/session"
	"github.com/lindseylubin/Gen-Ed/internal/store"
)

// Completer runs one upstream completion.
type Completer interface {
	Execute(ctx context.Context, key string, req completion.Request) (completion.Result, error)
}

type Options struct {
	DB          store.DB
	Sessions    *session.Manager
	Verifier    *lti.Verifier
	Provisioner *provision.Provisioner
	Resolver    *credential.Resolver
	Completer   Completer
	Instructor  *instructor.Service
	Metrics     *metrics.Metrics

	// PublicURL overrides the scheme and host used to rebuild launch URLs.
	PublicURL         string
	HelpRatePerMinute int
	// LogLevel is debug, info, warn or error; request lines log at info.
	LogLevel string
}

type Server struct {
	db          store.DB
	sessions    *session.Manager
	verifier    *lti.Verifier
	provisioner *provision.Provisioner
	resolver    *credential.Resolver
	completer   Completer
	instructor  *instructor.Service
	metrics     *metrics.Metrics
	limiter     *RateLimiter
	publicURL   string
	logLevel    string
	now         func() time.Time
}

func NewServer(o Options) *Server {
	m := o.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		db:          o.DB,
		sessions:    o.Sessions,
		verifier:    o.Verifier,
		provisioner: o.Provisioner,
		resolver:    o.Resolver,
		completer:   o.Completer,
		instructor:  o.Instructor,
		metrics:     m,
		limiter:     NewRateLimiter(o.HelpRatePerMinute, 10000),
		publicURL:   o.PublicURL,
		logLevel:    o.LogLevel,
		now:         time.Now,
	}
}

// Router builds the route table with global middleware applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(s.Authenticate)
	if s.logs("info") {
		r.Use(Logging)
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	r.HandleFunc("/lti/launch", s.HandleLTILaunch).Methods("POST")
	r.HandleFunc("/auth/login", s.HandleLogin).Methods("POST")
	r.HandleFunc("/auth/logout", s.HandleLogout).Methods("POST")

	r.HandleFunc("/classes", s.HandleCreateClass).Methods("POST")
	r.HandleFunc("/classes/join/{link}", s.HandleJoinClass).Methods("POST")
	r.HandleFunc("/classes/switch/{classID:[0-9]+}", s.HandleSwitchClass).Methods("POST")

	inst := r.PathPrefix("/instructor").Subrouter()
	inst.HandleFunc("/roles/{roleID:[0-9]+}/active", s.HandleSetRoleActive).Methods("POST")
	inst.HandleFunc("/roles/{roleID:[0-9]+}/instructor", s.HandleSetRoleInstructor).Methods("POST")
	inst.HandleFunc("/class/enabled", s.HandleSetClassEnabled).Methods("POST")
	inst.HandleFunc("/class/key", s.HandleSetClassKey).Methods("PUT")
	inst.HandleFunc("/class/key", s.HandleClearClassKey).Methods("DELETE")
	inst.HandleFunc("/class/link", s.HandleSetLinkExpiry).Methods("POST")
	inst.HandleFunc("/class/model", s.HandleSetClassModel).Methods("POST")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/me", s.HandleMe).Methods("GET")
	v1.Handle("/help", s.RateLimit(http.HandlerFunc(s.HandleHelp))).Methods("POST")
	v1.Handle("/help/system", s.RateLimit(http.HandlerFunc(s.HandleSystemHelp))).Methods("POST")
	v1.Handle("/tutor", s.RateLimit(http.HandlerFunc(s.HandleTutor))).Methods("POST")

	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
