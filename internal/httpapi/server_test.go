package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lindseylubin/Gen-Ed/internal/completion"
	"github.com/lindseylubin/Gen-Ed/internal/credential"
	"github.com/lindseylubin/Gen-Ed/internal/instructor"
	"github.com/lindseylubin/Gen-Ed/internal/lti"
	"github.com/lindseylubin/Gen-Ed/internal/password"
	"github.com/lindseylubin/Gen-Ed/internal/provision"
	"github.com/lindseylubin/Gen-Ed/internal/quota"
	"github.com/lindseylubin/Gen-Ed/internal/session"
	"github.com/lindseylubin/Gen-Ed/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const launchTarget = "http://gened.test/lti/launch"

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type testEnv struct {
	t        *testing.T
	db       *store.MemDB
	srv      *Server
	handler  http.Handler
	calls    int32
	lastKey  atomic.Value
	lastBody atomic.Value
	upstream func(req *http.Request) (*http.Response, error)
}

func newTestEnv(t *testing.T, helpRate int) *testEnv {
	return newTestEnvWith(t, Options{HelpRatePerMinute: helpRate})
}

// newTestEnvWith fills in the collaborators o leaves unset.
func newTestEnvWith(t *testing.T, o Options) *testEnv {
	t.Helper()
	db := store.NewMemoryDB()
	e := &testEnv{t: t, db: db}
	e.upstream = func(req *http.Request) (*http.Response, error) {
		return response(http.StatusOK, `{"choices":[{"message":{"content":"Check the loop bounds."},"finish_reason":"stop"}]}`), nil
	}
	exec := completion.NewExecutor(completion.Config{
		BaseURL: "https://upstream.test/v1",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&e.calls, 1)
			e.lastKey.Store(strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer "))
			var body upstreamBody
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				return nil, err
			}
			e.lastBody.Store(body)
			return e.upstream(req)
		})},
		FastModel:   "fast-model",
		LargeModel:  "large-model",
		Temperature: 0.25,
	})
	o.DB = db
	o.Sessions = session.NewManager(session.NewMemoryStore(), "test-secret", time.Hour, false)
	o.Verifier = lti.NewVerifier(db, lti.NewMemoryNonces(64, lti.DefaultWindow), lti.DefaultWindow)
	o.Provisioner = provision.NewProvisioner(db, provision.DefaultStarterTokens)
	o.Resolver = credential.NewResolver(db, quota.NewMeter(db), "sk-system")
	o.Completer = exec
	o.Instructor = instructor.NewService(db)
	e.srv = NewServer(o)
	e.handler = e.srv.Router()
	return e
}

type upstreamBody struct {
	Model    string               `json:"model"`
	Messages []completion.Message `json:"messages"`
	N        int                  `json:"n"`
}

func (e *testEnv) sent() upstreamBody {
	e.t.Helper()
	body, ok := e.lastBody.Load().(upstreamBody)
	require.True(e.t, ok, "no upstream request was made")
	return body
}

func (e *testEnv) do(method, target, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) launch(form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, launchTarget, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// sessionFor binds a session directly, for identities no endpoint creates.
func (e *testEnv) sessionFor(userID, roleID int64) *http.Cookie {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(e.t, e.srv.sessions.Bind(context.Background(), rec, req, session.Data{UserID: userID, RoleID: roleID}))
	return sessionCookie(e.t, rec)
}

func (e *testEnv) localUser(username, pw string, tester bool) *store.User {
	h, err := password.Hash(pw)
	require.NoError(e.t, err)
	u, err := e.db.CreateLocalUser(context.Background(), store.NewLocalUser{Username: username, PasswordHash: h, IsTester: tester})
	require.NoError(e.t, err)
	return u
}

func (e *testEnv) login(username, pw string) *http.Cookie {
	rec := e.do(http.MethodPost, "/auth/login", fmt.Sprintf(`{"username":%q,"password":%q}`, username, pw), nil)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	return sessionCookie(e.t, rec)
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	var found *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName && c.Value != "" {
			found = c
		}
	}
	require.NotNil(t, found, "no session cookie set")
	return found
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)
	return body.Data
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var body APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func launchForm(roles string) url.Values {
	form := url.Values{
		"lti_message_type":                 {"basic-lti-launch-request"},
		"lti_version":                      {"LTI-1p0"},
		"oauth_consumer_key":               {"canvas"},
		"oauth_nonce":                      {strconv.FormatInt(time.Now().UnixNano(), 36)},
		"oauth_timestamp":                  {strconv.FormatInt(time.Now().Unix(), 10)},
		"oauth_signature_method":           {"HMAC-SHA1"},
		"oauth_version":                    {"1.0"},
		"context_id":                       {"course-1"},
		"context_label":                    {"CS 101"},
		"user_id":                          {"u-77"},
		"lis_person_name_full":             {"Robin Park"},
		"lis_person_contact_email_primary": {"robin@school.edu"},
		"roles":                            {roles},
	}
	return form
}

func signedLaunch(t *testing.T, roles string) url.Values {
	t.Helper()
	form := launchForm(roles)
	require.NoError(t, lti.SignLaunch(http.MethodPost, launchTarget, form, "s3cret"))
	return form
}

const helpBody = `{"language":"python","code":"for i in range(10): print(x)","error":"NameError"}`

func TestHealthAndReady(t *testing.T) {
	e := newTestEnv(t, 0)
	rec := e.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = e.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":true}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, 0)
	_, err := e.db.CreateConsumer(context.Background(), "canvas", "s3cret", "sk-consumer")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, e.launch(signedLaunch(t, "Learner")).Code)

	rec := e.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gened_provision_total{outcome="created"} 1`)
}

func TestLTILaunchThenHelpUsesConsumerKey(t *testing.T) {
	e := newTestEnv(t, 0)
	ctx := context.Background()
	_, err := e.db.CreateConsumer(ctx, "canvas", "s3cret", "sk-consumer")
	require.NoError(t, err)

	rec := e.launch(signedLaunch(t, "Learner"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	assert.Equal(t, "student", data["role"])
	cookie := sessionCookie(t, rec)

	rec = e.do(http.MethodGet, "/api/v1/me", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeData(t, rec)
	assert.Equal(t, "Robin Park", me["display_name"])
	assert.EqualValues(t, 10, me["query_tokens"])
	class := me["class"].(map[string]interface{})
	assert.Equal(t, "CS 101", class["name"])

	rec = e.do(http.MethodPost, "/api/v1/help", helpBody, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	help := decodeData(t, rec)
	assert.Equal(t, "Check the loop bounds.", help["response"])
	assert.Equal(t, "class", help["source"])
	assert.Equal(t, "sk-consumer", e.lastKey.Load())

	// class keys never touch the quota
	u, err := e.db.GetUser(ctx, int64(me["user_id"].(float64)))
	require.NoError(t, err)
	assert.Equal(t, 10, u.QueryTokens)
}

func TestLTILaunchInstructorRole(t *testing.T) {
	e := newTestEnv(t, 0)
	_, err := e.db.CreateConsumer(context.Background(), "canvas", "s3cret", "")
	require.NoError(t, err)
	rec := e.launch(signedLaunch(t, "urn:lti:role:ims/lis/TeachingAssistant"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "instructor", decodeData(t, rec)["role"])
}

func TestLTILaunchRejected(t *testing.T) {
	e := newTestEnv(t, 0)
	_, err := e.db.CreateConsumer(context.Background(), "canvas", "s3cret", "")
	require.NoError(t, err)

	forged := signedLaunch(t, "Learner")
	forged.Set("roles", "Instructor")
	rec := e.launch(forged)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "LTI_VERIFICATION_FAILED", decodeErr(t, rec).Code)
	assert.Empty(t, rec.Result().Cookies())

	form := signedLaunch(t, "Learner")
	require.Equal(t, http.StatusOK, e.launch(form).Code)
	rec = e.launch(form)
	assert.Equal(t, http.StatusForbidden, rec.Code, "replayed nonce")

	unknown := launchForm("Learner")
	unknown.Set("oauth_consumer_key", "moodle")
	require.NoError(t, lti.SignLaunch(http.MethodPost, launchTarget, unknown, "s3cret"))
	rec = e.launch(unknown)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNKNOWN_CONSUMER", decodeErr(t, rec).Code)
}

func TestLTILaunchDeactivatedMember(t *testing.T) {
	e := newTestEnv(t, 0)
	ctx := context.Background()
	_, err := e.db.CreateConsumer(ctx, "canvas", "s3cret", "")
	require.NoError(t, err)

	rec := e.launch(signedLaunch(t, "Learner"))
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	roleID := int64(data["role_id"].(float64))
	classID := int64(data["class_id"].(float64))
	require.NoError(t, e.db.SetRoleActive(ctx, roleID, classID, false))

	rec = e.launch(signedLaunch(t, "Learner"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DEACTIVATED", decodeErr(t, rec).Code)
}

func TestLocalLoginUsesSystemKeyWithoutCharging(t *testing.T) {
	e := newTestEnv(t, 0)
	u := e.localUser("grader1", "pw-1", false)

	rec := e.do(http.MethodPost, "/auth/login", `{"username":"grader1","password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = e.do(http.MethodPost, "/auth/login", `{"username":"nobody","password":"pw-1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := e.login("grader1", "pw-1")
	rec = e.do(http.MethodPost, "/api/v1/help", helpBody, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "local", decodeData(t, rec)["source"])
	assert.Equal(t, "sk-system", e.lastKey.Load())

	after, err := e.db.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.QueryTokens, after.QueryTokens)
}

func TestLogoutEndsSession(t *testing.T) {
	e := newTestEnv(t, 0)
	e.localUser("kim", "pw", false)
	cookie := e.login("kim", "pw")

	rec := e.do(http.MethodPost, "/auth/logout", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(http.MethodGet, "/api/v1/me", "", cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHelpRequiresLogin(t *testing.T) {
	e := newTestEnv(t, 0)
	rec := e.do(http.MethodPost, "/api/v1/help", helpBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.EqualValues(t, 0, atomic.LoadInt32(&e.calls))
}

func TestHelpValidatesInput(t *testing.T) {
	e := newTestEnv(t, 0)
	e.localUser("kim", "pw", false)
	cookie := e.login("kim", "pw")
	rec := e.do(http.MethodPost, "/api/v1/help", `{"code":"  "}`, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(http.MethodPost, "/api/v1/help", `not json`, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHelpQuota(t *testing.T) {
	e := newTestEnv(t, 0)
	ctx := context.Background()
	u, err := e.db.UpsertExternalUser(ctx, store.ExternalUser{Provider: store.ProviderOther, ExtID: "gh-42", FullName: "Ext", QueryTokens: 1})
	require.NoError(t, err)
	cookie := e.sessionFor(u.ID, 0)

	rec := e.do(http.MethodPost, "/api/v1/help", helpBody, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "tokens", decodeData(t, rec)["source"])

	rec = e.do(http.MethodPost, "/api/v1/help", helpBody, cookie)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	apiErr := decodeErr(t, rec)
	assert.Equal(t, "QUOTA_EXHAUSTED", apiErr.Code)
	assert.Equal(t, credential.QuotaExhausted.Message(), apiErr.Message)
	assert.EqualValues(t, 1, atomic.LoadInt32(&e.calls))

	after, err := e.db.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.QueryTokens)
}

func TestHelpClassDisabledAndNoKey(t *testing.T) {
	e := newTestEnv(t, 0)
	ctx := context.Background()
	_, err := e.db.CreateConsumer(ctx, "canvas", "s3cret", "")
	require.NoError(t, err)
	rec := e.launch(signedLaunch(t, "Learner"))
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := sessionCookie(t, rec)
	classID := int64(decodeData(t, rec)["class_id"].(float64))

	rec = e.do(http.MethodPost, "/api/v1/help", helpBody, cookie)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NO_CREDENTIAL", decodeErr(t, rec).Code)

	require.NoError(t, e.db.SetClassEnabled(ctx, classID, false))
	rec = e.do(http.MethodPost, "/api/v1/help", helpBody, cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CLASS_DISABLED", decodeErr(t, rec).Code)
	assert.EqualValues(t, 0, atomic.LoadInt32(&e.calls))
}

func TestHelpUpstreamFailure(t *testing.T) {
	e := newTestEnv(t, 0)
	e.upstream = func(req *http.Request) (*http.Response, error) {
		return response(http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`), nil
	}
	e.localUser("kim", "pw", false)
	cookie := e.login("kim", "pw")

	rec := e.do(http.MethodPost, "/api/v1/help", helpBody, cookie)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	apiErr := decodeErr(t, rec)
	assert.Equal(t, "UPSTREAM_RATE_LIMITED", apiErr.Code)
	assert.Equal(t, completion.RateLimited.Message(), apiErr.Message)
}

func TestSystemHelpIsTesterOnly(t *testing.T) {
	e := newTestEnv(t, 0)
	ctx := context.Background()
	e.localUser("kim", "pw", false)
	rec := e.do(http.MethodPost, "/api/v1/help/system", helpBody, e.login("kim", "pw"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	tester := e.localUser("qa", "pw", true)
	// a disabled class does not block the override
	owner, err := e.db.CreateLocalUser(ctx, store.NewLocalUser{Username: "prof", PasswordHash: "h"})
	require.NoError(t, err)
	class, err := e.db.CreateUserClass(ctx, store.NewUserClass{Name: "Closed", CreatorUserID: owner.ID, LinkIdent: "closed"})
	require.NoError(t, err)
	role, _, err := e.db.FindOrCreateRole(ctx, tester.ID, class.ID, store.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, e.db.SetClassEnabled(ctx, class.ID, false))

	rec = e.do(http.MethodPost, "/api/v1/help/system", helpBody, e.sessionFor(tester.ID, role.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "override", decodeData(t, rec)["source"])
	assert.Equal(t, "sk-system", e.lastKey.Load())
}

func TestHelpRateLimit(t *testing.T) {
	e := newTestEnv(t, 1)
	e.localUser("kim", "pw", false)
	cookie := e.login("kim", "pw")

	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/v1/help", helpBody, cookie).Code)
	rec := e.do(http.MethodPost, "/api/v1/help", helpBody, cookie)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeErr(t, rec).Code)
}

func TestClassLifecycle(t *testing.T) {
	e := newTestEnv(t, 0)
	ctx := context.Background()
	e.localUser("prof", "pw", false)
	e.localUser("kim", "pw", false)

	prof := e.login("prof", "pw")
	rec := e.do(http.MethodPost, "/classes", `{"name":"Seminar","openai_key":"sk-seminar"}`, prof)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeData(t, rec)
	assert.Equal(t, "instructor", created["role"])
	prof = sessionCookie(t, rec)
	classID := int64(created["class_id"].(float64))
	profRole := int64(created["role_id"].(float64))

	class, err := e.db.GetClass(ctx, classID)
	require.NoError(t, err)
	joinPath := "/classes/join/" + class.LinkIdent

	kim := e.login("kim", "pw")
	rec = e.do(http.MethodPost, joinPath, "", kim)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "REGISTRATION_CLOSED", decodeErr(t, rec).Code)

	rec = e.do(http.MethodPost, "/instructor/class/link", `{"mode":"enabled"}`, prof)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(http.MethodPost, joinPath, "", kim)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	joined := decodeData(t, rec)
	assert.Equal(t, "student", joined["role"])
	kim = sessionCookie(t, rec)
	kimRole := int64(joined["role_id"].(float64))

	rec = e.do(http.MethodPost, "/api/v1/help", helpBody, kim)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sk-seminar", e.lastKey.Load())

	// students cannot manage the class
	rec = e.do(http.MethodPost, "/instructor/class/enabled", `{"enabled":false}`, kim)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodPost, fmt.Sprintf("/instructor/roles/%d/active", profRole), `{"active":false}`, prof)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SELF_CHANGE", decodeErr(t, rec).Code)

	rec = e.do(http.MethodPost, fmt.Sprintf("/instructor/roles/%d/active", kimRole), `{"active":false}`, prof)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// a deactivated member loses the class and cannot switch back in
	rec = e.do(http.MethodGet, "/api/v1/me", "", kim)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeData(t, rec)["class"])
	rec = e.do(http.MethodPost, fmt.Sprintf("/classes/switch/%d", classID), "", kim)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do(http.MethodPost, joinPath, "", kim)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DEACTIVATED", decodeErr(t, rec).Code)

	rec = e.do(http.MethodPut, "/instructor/class/key", `{"key":""}`, prof)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(http.MethodDelete, "/instructor/class/key", "", prof)
	require.Equal(t, http.StatusOK, rec.Code)
	class, err = e.db.GetClass(ctx, classID)
	require.NoError(t, err)
	assert.Empty(t, class.OpenAIKey)

	rec = e.do(http.MethodPost, "/instructor/class/link", `{"mode":"date","date":"tomorrow"}`, prof)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSwitchClassAndLoginRestoresLastClass(t *testing.T) {
	e := newTestEnv(t, 0)
	e.localUser("prof", "pw", false)
	prof := e.login("prof", "pw")

	rec := e.do(http.MethodPost, "/classes", `{"name":"First"}`, prof)
	require.Equal(t, http.StatusOK, rec.Code)
	first := int64(decodeData(t, rec)["class_id"].(float64))
	prof = sessionCookie(t, rec)
	rec = e.do(http.MethodPost, "/classes", `{"name":"Second"}`, prof)
	require.Equal(t, http.StatusOK, rec.Code)
	prof = sessionCookie(t, rec)

	rec = e.do(http.MethodPost, fmt.Sprintf("/classes/switch/%d", first), "", prof)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "First", decodeData(t, rec)["name"])

	rec = e.do(http.MethodPost, "/classes/switch/99999", "", prof)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// a fresh login lands in the last class used
	rec = e.do(http.MethodPost, "/auth/login", `{"username":"prof","password":"pw"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	class := decodeData(t, rec)["class"].(map[string]interface{})
	assert.Equal(t, "First", class["name"])
}

func TestLaunchURL(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodPost, "http://internal:8080/lti/launch?x=1", nil)
	req.Header.Set("X-Forwarded-Proto", "https, http")
	assert.Equal(t, "https://internal:8080/lti/launch?x=1", s.launchURL(req))

	s.publicURL = "https://gened.example.edu/"
	assert.Equal(t, "https://gened.example.edu/lti/launch?x=1", s.launchURL(req))
}

func TestHelpUsesClassModel(t *testing.T) {
	e := newTestEnv(t, 0)
	e.localUser("prof", "pw", false)
	e.localUser("kim", "pw", false)

	prof := e.login("prof", "pw")
	rec := e.do(http.MethodPost, "/classes", `{"name":"Compilers","openai_key":"sk-compilers"}`, prof)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	prof = sessionCookie(t, rec)

	rec = e.do(http.MethodPost, "/api/v1/help", helpBody, prof)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "fast-model", e.sent().Model, "no model selected yet")
	assert.Equal(t, helpCandidates, e.sent().N)

	rec = e.do(http.MethodPost, "/instructor/class/model", `{"model":"huge"}`, prof)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(http.MethodPost, "/instructor/class/model", `{"model":"large"}`, prof)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(http.MethodPost, "/instructor/class/model", `{"model":"fast"}`, e.login("kim", "pw"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodPost, "/api/v1/help", helpBody, prof)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "large-model", e.sent().Model)
	assert.Equal(t, "sk-compilers", e.lastKey.Load())
}

func TestLTIClassModelIsManagedByConsumer(t *testing.T) {
	e := newTestEnv(t, 0)
	_, err := e.db.CreateConsumer(context.Background(), "canvas", "s3cret", "sk-consumer")
	require.NoError(t, err)
	rec := e.launch(signedLaunch(t, "Instructor"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookie := sessionCookie(t, rec)

	rec = e.do(http.MethodPost, "/instructor/class/model", `{"model":"large"}`, cookie)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "LTI_CLASS", decodeErr(t, rec).Code)

	rec = e.do(http.MethodPost, "/api/v1/help", helpBody, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "fast-model", e.sent().Model)
}

func TestHelpPicksAnswerWithLeastCode(t *testing.T) {
	e := newTestEnv(t, 0)
	e.upstream = func(req *http.Request) (*http.Response, error) {
		return response(http.StatusOK, `{"choices":[
			{"message":{"content":"Here is the fix:\n`+"```"+`py\nprint(i)\n`+"```"+`"},"finish_reason":"stop"},
			{"message":{"content":"Which variable does the loop define?"},"finish_reason":"stop"}]}`), nil
	}
	e.localUser("kim", "pw", false)
	rec := e.do(http.MethodPost, "/api/v1/help", helpBody, e.login("kim", "pw"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Which variable does the loop define?", decodeData(t, rec)["response"])
}

func TestFewerCodeBlocks(t *testing.T) {
	assert.Equal(t, float64(0), fewerCodeBlocks("no code here"))
	assert.Equal(t, float64(-1), fewerCodeBlocks("```go\nx := 1\n```"))
	assert.Equal(t, float64(-2), fewerCodeBlocks("```a``` and ```b```"))
}
