package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/classdesk/api/internal/auth/oidc"
	"github.com/classdesk/api/internal/db"
	"github.com/classdesk/api/internal/flow"
	"github.com/classdesk/api/internal/logging"
	"github.com/classdesk/api/internal/session"
)

/* fakeProvider stands in for the OIDC provider. It remembers the nonce of
the last authorization request and echoes it back through the id token, the
way a real provider does. */
type fakeProvider struct {
	nonce  string
	claims *oidc.Claims
}

func (f *fakeProvider) AuthCodeURL(attempt *oidc.SignInAttempt) string {
	f.nonce = attempt.Nonce
	return "https://idp.example.com/authorize?state=" + attempt.State
}

func (f *fakeProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	token := &oauth2.Token{AccessToken: "access-token", Expiry: time.Now().Add(time.Hour)}
	return token.WithExtra(map[string]interface{}{"id_token": "raw-id-token"}), nil
}

func (f *fakeProvider) VerifyIDToken(ctx context.Context, rawIDToken string) (*gooidc.IDToken, *oidc.Claims, error) {
	return &gooidc.IDToken{Subject: f.claims.Subject, Nonce: f.nonce}, f.claims, nil
}

func (f *fakeProvider) UserInfo(ctx context.Context, accessToken string) (*oidc.Claims, error) {
	return f.claims, nil
}

type memBackend struct {
	roster   map[string]*db.RosterEntry
	profiles map[string]*db.UserProfile
	sessions map[string]*db.Session
}

func newMemBackend() *memBackend {
	return &memBackend{
		roster:   make(map[string]*db.RosterEntry),
		profiles: make(map[string]*db.UserProfile),
		sessions: make(map[string]*db.Session),
	}
}

func (m *memBackend) GetRosterEntry(ctx context.Context, email string) (*db.RosterEntry, error) {
	return m.roster[email], nil
}

func (m *memBackend) UpsertProfile(ctx context.Context, profile *db.UserProfile) (*db.UserProfile, error) {
	m.profiles[profile.UID] = profile
	return profile, nil
}

func (m *memBackend) GetProfileByUID(ctx context.Context, uid string) (*db.UserProfile, error) {
	p, ok := m.profiles[uid]
	if !ok {
		return nil, fmt.Errorf("profile not found")
	}
	return p, nil
}

func (m *memBackend) CreateSession(ctx context.Context, s *db.Session) error {
	m.sessions[s.ID] = s
	return nil
}

func (m *memBackend) GetSession(ctx context.Context, id string) (*db.Session, error) {
	s, ok := m.sessions[id]
	if !ok || s.RevokedAt != nil {
		return nil, fmt.Errorf("session not found")
	}
	return s, nil
}

func (m *memBackend) RevokeSession(ctx context.Context, id string) error {
	if s, ok := m.sessions[id]; ok {
		now := time.Now()
		s.RevokedAt = &now
	}
	return nil
}

func (m *memBackend) RevokeSessionsForUser(ctx context.Context, uid string) error {
	now := time.Now()
	for _, s := range m.sessions {
		if s.UID == uid {
			s.RevokedAt = &now
		}
	}
	return nil
}

type signInFixture struct {
	handlers *SignInHandlers
	provider *fakeProvider
	backend  *memBackend
	sessions *session.Manager
}

func newSignInFixture() *signInFixture {
	provider := &fakeProvider{
		claims: &oidc.Claims{
			Subject: "sub-1",
			Email:   "alice@school.example.com",
			Name:    "Alice Park",
		},
	}
	backend := newMemBackend()
	backend.roster["alice@school.example.com"] = &db.RosterEntry{
		Email: "alice@school.example.com",
		Name:  "Alice Park",
		Role:  "teacher",
		Grade: "5",
	}

	logger := logging.NewLogger("error", "text", "stderr")
	sessionMgr := session.NewManager(backend, "test-secret", 15*time.Minute, 24*time.Hour, "", false, "Lax")

	resolve := flow.ResolveFunc(func(ctx context.Context) (flow.Provider, error) {
		return provider, nil
	})
	pipeline := flow.NewPipeline(resolve, flow.NewAttemptStore(), backend, backend, sessionMgr, logger, 10*time.Minute)

	return &signInFixture{
		handlers: NewSignInHandlers(pipeline, sessionMgr, backend, logger),
		provider: provider,
		backend:  backend,
		sessions: sessionMgr,
	}
}

/* startSignIn drives the Start endpoint and returns the state plus the
client-key cookie the browser would carry to the callback */
func (f *signInFixture) startSignIn(t *testing.T) (string, []*http.Cookie) {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/auth/signin/start?redirect_uri=/dashboard", nil)
	f.handlers.Start(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Start returned %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		AuthURL string `json:"auth_url"`
		State   string `json:"state"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode start response: %v", err)
	}
	if body.AuthURL == "" || body.State == "" {
		t.Fatalf("Expected auth_url and state, got %+v", body)
	}

	u, err := url.Parse(body.AuthURL)
	if err != nil {
		t.Fatalf("Failed to parse auth URL: %v", err)
	}
	if u.Query().Get("state") != body.State {
		t.Error("Expected auth URL to carry the returned state")
	}

	return body.State, rec.Result().Cookies()
}

func (f *signInFixture) callback(t *testing.T, target string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	f.handlers.Callback(rec, req)
	return rec
}

func TestSignIn_GrantedFlow(t *testing.T) {
	f := newSignInFixture()
	state, cookies := f.startSignIn(t)

	rec := f.callback(t, "/api/v1/auth/signin/callback?code=code-1&state="+state, cookies)
	if rec.Code != http.StatusOK {
		t.Fatalf("Callback returned %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode callback response: %v", err)
	}
	if body["email"] != "alice@school.example.com" {
		t.Errorf("Expected granted profile, got %+v", body)
	}
	if body["role"] != "teacher" {
		t.Errorf("Expected roster role, got %+v", body)
	}

	var gotSession bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "classdesk_session" && c.Value != "" {
			gotSession = true
		}
	}
	if !gotSession {
		t.Error("Expected session cookie on grant")
	}
	if len(f.backend.profiles) != 1 {
		t.Errorf("Expected one stored profile, got %d", len(f.backend.profiles))
	}
}

func TestSignIn_ForgedState(t *testing.T) {
	f := newSignInFixture()
	_, cookies := f.startSignIn(t)

	rec := f.callback(t, "/api/v1/auth/signin/callback?code=code-1&state=forged", cookies)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for forged state, got %d", rec.Code)
	}

	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if !strings.Contains(body.Message, "Authentication failed") {
		t.Errorf("Expected generic message, got %q", body.Message)
	}
	if strings.Contains(body.Message, "state") {
		t.Errorf("Error message must not leak integrity detail, got %q", body.Message)
	}
}

func TestSignIn_UserCancelled(t *testing.T) {
	f := newSignInFixture()
	state, cookies := f.startSignIn(t)

	rec := f.callback(t, "/api/v1/auth/signin/callback?error=access_denied&state="+state, cookies)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for cancellation, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != "cancelled" {
		t.Errorf("Expected cancelled status, got %+v", body)
	}
	if body["retryable"] != true {
		t.Errorf("Expected cancellation marked retryable, got %+v", body)
	}
}

func TestSignIn_RosterDenied(t *testing.T) {
	f := newSignInFixture()
	f.provider.claims.Email = "stranger@school.example.com"
	state, cookies := f.startSignIn(t)

	rec := f.callback(t, "/api/v1/auth/signin/callback?code=code-1&state="+state, cookies)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for roster denial, got %d", rec.Code)
	}

	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if !strings.Contains(body.Message, "stranger@school.example.com") {
		t.Errorf("Expected the denial to name the email, got %q", body.Message)
	}
	if len(f.backend.profiles) != 0 {
		t.Error("Roster denial must not create a profile")
	}
}

func TestSignIn_FragmentCallbackViaPost(t *testing.T) {
	f := newSignInFixture()
	state, cookies := f.startSignIn(t)

	form := url.Values{"response_url": {
		"https://app.example.com/callback#code=code-1&state=" + state,
	}}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/auth/signin/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	f.handlers.Callback(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected fragment delivery via POST to complete, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSignIn_MeAndLogout(t *testing.T) {
	f := newSignInFixture()
	state, cookies := f.startSignIn(t)

	rec := f.callback(t, "/api/v1/auth/signin/callback?code=code-1&state="+state, cookies)
	if rec.Code != http.StatusOK {
		t.Fatalf("Callback returned %d", rec.Code)
	}

	var accessToken string
	for _, c := range rec.Result().Cookies() {
		if c.Name == "classdesk_session" {
			accessToken = c.Value
		}
	}

	protected := f.sessions.Middleware()

	// Me returns the profile.
	meRec := httptest.NewRecorder()
	meReq := httptest.NewRequest("GET", "/api/v1/auth/me", nil)
	meReq.Header.Set("Authorization", "Bearer "+accessToken)
	protected(http.HandlerFunc(f.handlers.Me)).ServeHTTP(meRec, meReq)
	if meRec.Code != http.StatusOK {
		t.Fatalf("Me returned %d: %s", meRec.Code, meRec.Body.String())
	}

	var profile db.UserProfile
	if err := json.NewDecoder(meRec.Body).Decode(&profile); err != nil {
		t.Fatalf("Failed to decode profile: %v", err)
	}
	if profile.UID != "sub-1" {
		t.Errorf("Expected profile for sub-1, got %+v", profile)
	}

	// Logout revokes the session.
	outRec := httptest.NewRecorder()
	outReq := httptest.NewRequest("POST", "/api/v1/auth/logout", nil)
	outReq.Header.Set("Authorization", "Bearer "+accessToken)
	protected(http.HandlerFunc(f.handlers.Logout)).ServeHTTP(outRec, outReq)
	if outRec.Code != http.StatusOK {
		t.Fatalf("Logout returned %d", outRec.Code)
	}

	for _, s := range f.backend.sessions {
		if s.RevokedAt == nil {
			t.Error("Expected the session to be revoked after logout")
		}
	}
}

func TestSignIn_CancelRequiresState(t *testing.T) {
	f := newSignInFixture()

	rec := httptest.NewRecorder()
	f.handlers.Cancel(rec, httptest.NewRequest("POST", "/api/v1/auth/signin/cancel", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without state, got %d", rec.Code)
	}

	state, _ := f.startSignIn(t)
	rec = httptest.NewRecorder()
	f.handlers.Cancel(rec, httptest.NewRequest("POST", "/api/v1/auth/signin/cancel?state="+state, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 cancelling a pending attempt, got %d", rec.Code)
	}
}
