package oidc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

/* Provider wraps OIDC provider and OAuth2 config */
type Provider struct {
	provider     *oidc.Provider
	oauth2Conf   *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	hostedDomain string
}

/* Resolver lazily discovers the provider's endpoints from the issuer's
well-known metadata document and caches the result for the life of the
process. A failed fetch is not cached: the next call refetches once. */
type Resolver struct {
	issuerURL    string
	clientID     string
	redirectURL  string
	scopes       []string
	hostedDomain string

	mu       sync.Mutex
	provider *Provider
}

/* ErrNotConfigured is returned when the client settings required to build
an authorization request are missing */
var ErrNotConfigured = errors.New("oidc client is not configured: issuer URL, client id and redirect URL are required")

/* NewResolver creates a discovery resolver for one issuer */
func NewResolver(issuerURL, clientID, redirectURL string, scopes []string, hostedDomain string) *Resolver {
	return &Resolver{
		issuerURL:    issuerURL,
		clientID:     clientID,
		redirectURL:  redirectURL,
		scopes:       scopes,
		hostedDomain: hostedDomain,
	}
}

/* Resolve returns the cached provider, fetching the discovery document on
first use. One attempt per call; callers decide whether to retry the whole
sign-in. */
func (r *Resolver) Resolve(ctx context.Context) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.provider != nil {
		return r.provider, nil
	}

	if r.issuerURL == "" || r.clientID == "" || r.redirectURL == "" {
		return nil, ErrNotConfigured
	}

	p, err := oidc.NewProvider(ctx, r.issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovery for issuer %s: %w", r.issuerURL, err)
	}

	conf := &oauth2.Config{
		ClientID:    r.clientID,
		RedirectURL: r.redirectURL,
		Scopes:      r.scopes,
		Endpoint:    p.Endpoint(),
	}

	r.provider = &Provider{
		provider:     p,
		oauth2Conf:   conf,
		verifier:     p.Verifier(&oidc.Config{ClientID: r.clientID}),
		hostedDomain: r.hostedDomain,
	}
	return r.provider, nil
}

/* AuthCodeURL generates the authorization URL for an attempt with the PKCE
S256 challenge, state, nonce and an account-selection hint embedded */
func (p *Provider) AuthCodeURL(attempt *SignInAttempt) string {
	challenge := base64.RawURLEncoding.EncodeToString(sha256Hash(attempt.CodeVerifier))

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("nonce", attempt.Nonce),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	}
	if p.hostedDomain != "" {
		opts = append(opts, oauth2.SetAuthURLParam("hd", p.hostedDomain))
	}

	return p.oauth2Conf.AuthCodeURL(attempt.State, opts...)
}

/* ExchangeCode exchanges an authorization code for tokens using the
verifier that produced the original challenge */
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	token, err := p.oauth2Conf.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

/* VerifyIDToken verifies the identity token signature against the
provider's JWKS and extracts its claims */
func (p *Provider) VerifyIDToken(ctx context.Context, rawIDToken string) (*oidc.IDToken, *Claims, error) {
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, nil, fmt.Errorf("failed to extract claims: %w", err)
	}

	return idToken, &claims, nil
}

/* UserInfo fetches claims from the provider's userinfo endpoint. Used when
the token response carried an access token but no identity token. */
func (p *Provider) UserInfo(ctx context.Context, accessToken string) (*Claims, error) {
	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch userinfo: %w", err)
	}

	var claims Claims
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to extract userinfo claims: %w", err)
	}
	if claims.Subject == "" {
		claims.Subject = info.Subject
	}
	if claims.Email == "" {
		claims.Email = info.Email
	}

	return &claims, nil
}

/* Claims represents OIDC user claims */
type Claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	HostedDomain  string `json:"hd"`
}

/* SignInAttempt holds the per-attempt secrets binding one authorization
request to its redirect response */
type SignInAttempt struct {
	ID           string
	ClientKey    string
	State        string
	Nonce        string
	CodeVerifier string
	RedirectURI  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

/* NewSignInAttempt creates a new attempt with a fresh code verifier, state
token and nonce. The verifier is 43 characters of base64url-encoded
randomness, the minimum PKCE length. */
func NewSignInAttempt(clientKey string, ttl time.Duration) (*SignInAttempt, error) {
	state, err := randomToken()
	if err != nil {
		return nil, err
	}

	nonce, err := randomToken()
	if err != nil {
		return nil, err
	}

	verifier, err := randomToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &SignInAttempt{
		ID:           uuid.New().String(),
		ClientKey:    clientKey,
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}, nil
}

/* Expired reports whether the attempt's window has closed */
func (a *SignInAttempt) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

/* randomToken returns 43 characters of base64url-encoded entropy */
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func sha256Hash(data string) []byte {
	h := sha256.Sum256([]byte(data))
	return h[:]
}
