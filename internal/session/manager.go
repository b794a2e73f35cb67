package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/classdesk/api/internal/db"
	"github.com/classdesk/api/internal/flow"
)

const (
	accessCookieName  = "classdesk_session"
	refreshCookieName = "classdesk_refresh"
)

/* Store is the slice of the database layer the session manager uses */
type Store interface {
	CreateSession(ctx context.Context, session *db.Session) error
	GetSession(ctx context.Context, id string) (*db.Session, error)
	RevokeSession(ctx context.Context, id string) error
	RevokeSessionsForUser(ctx context.Context, uid string) error
	GetProfileByUID(ctx context.Context, uid string) (*db.UserProfile, error)
}

/* Manager issues and validates sessions. Access tokens are short-lived
HS256 JWTs; refresh tokens are opaque, stored bcrypt-hashed. */
type Manager struct {
	store          Store
	jwtSecret      []byte
	accessTTL      time.Duration
	refreshTTL     time.Duration
	cookieDomain   string
	cookieSecure   bool
	cookieSameSite http.SameSite
}

/* NewManager creates a session manager */
func NewManager(store Store, jwtSecret string, accessTTL, refreshTTL time.Duration,
	cookieDomain string, cookieSecure bool, sameSite string) *Manager {
	return &Manager{
		store:          store,
		jwtSecret:      []byte(jwtSecret),
		accessTTL:      accessTTL,
		refreshTTL:     refreshTTL,
		cookieDomain:   cookieDomain,
		cookieSecure:   cookieSecure,
		cookieSameSite: parseSameSite(sameSite),
	}
}

/* Claims are the access-token claims */
type Claims struct {
	UID       string `json:"uid"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

/* Grant creates a session for a profile that passed the roster gate */
func (m *Manager) Grant(ctx context.Context, profile *db.UserProfile, meta flow.GrantMeta) (*flow.Grant, error) {
	secret, err := randomSecret()
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash refresh secret: %w", err)
	}

	session := &db.Session{
		ID:          uuid.New().String(),
		UID:         profile.UID,
		RefreshHash: string(hash),
		UserAgent:   meta.UserAgent,
		IPAddress:   meta.IPAddress,
		ExpiresAt:   time.Now().Add(m.refreshTTL),
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	access, err := m.issueAccessToken(profile, session.ID)
	if err != nil {
		return nil, err
	}

	return &flow.Grant{
		SessionID:    session.ID,
		AccessToken:  access,
		RefreshToken: session.ID + "." + secret,
	}, nil
}

/* RevokeUser revokes every live session held by a user */
func (m *Manager) RevokeUser(ctx context.Context, uid string) error {
	return m.store.RevokeSessionsForUser(ctx, uid)
}

/* Revoke revokes one session */
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	return m.store.RevokeSession(ctx, sessionID)
}

/* Refresh validates a refresh token and issues a new access token. The
refresh token itself is not rotated. */
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (string, *db.Session, error) {
	id, secret, ok := strings.Cut(refreshToken, ".")
	if !ok {
		return "", nil, fmt.Errorf("malformed refresh token")
	}

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return "", nil, fmt.Errorf("session not found")
	}
	if time.Now().After(session.ExpiresAt) {
		return "", nil, fmt.Errorf("session expired")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(session.RefreshHash), []byte(secret)); err != nil {
		return "", nil, fmt.Errorf("invalid refresh token")
	}

	profile, err := m.store.GetProfileByUID(ctx, session.UID)
	if err != nil {
		return "", nil, fmt.Errorf("profile not found for session")
	}

	access, err := m.issueAccessToken(profile, session.ID)
	if err != nil {
		return "", nil, err
	}

	return access, session, nil
}

func (m *Manager) issueAccessToken(profile *db.UserProfile, sessionID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UID:       profile.UID,
		Email:     profile.Email,
		Role:      profile.Role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

/* ValidateAccessToken parses and validates an access token */
func (m *Manager) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return m.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

/* SetCookies writes the session cookies */
func (m *Manager) SetCookies(w http.ResponseWriter, accessToken, refreshToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    accessToken,
		Path:     "/",
		Domain:   m.cookieDomain,
		MaxAge:   int(m.accessTTL.Seconds()),
		Secure:   m.cookieSecure,
		HttpOnly: true,
		SameSite: m.cookieSameSite,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    refreshToken,
		Path:     "/api/v1/auth",
		Domain:   m.cookieDomain,
		MaxAge:   int(m.refreshTTL.Seconds()),
		Secure:   m.cookieSecure,
		HttpOnly: true,
		SameSite: m.cookieSameSite,
	})
}

/* ClearCookies expires the session cookies */
func (m *Manager) ClearCookies(w http.ResponseWriter) {
	for _, spec := range []struct {
		name, path string
	}{
		{accessCookieName, "/"},
		{refreshCookieName, "/api/v1/auth"},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     spec.name,
			Value:    "",
			Path:     spec.path,
			Domain:   m.cookieDomain,
			MaxAge:   -1,
			Secure:   m.cookieSecure,
			HttpOnly: true,
			SameSite: m.cookieSameSite,
		})
	}
}

/* AccessTokenFromRequest extracts the access token from the cookie or the
Authorization header */
func (m *Manager) AccessTokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(accessCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

/* RefreshTokenFromRequest extracts the refresh token from the cookie */
func (m *Manager) RefreshTokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(refreshCookieName); err == nil {
		return c.Value
	}
	return ""
}

/* Context plumbing */

type claimsKeyType string

const claimsKey claimsKeyType = "session_claims"

/* ClaimsFromContext gets validated session claims from context */
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

/* Middleware validates the access token and stores its claims in context */
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := m.AccessTokenFromRequest(r)
			if token == "" {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			claims, err := m.ValidateAccessToken(token)
			if err != nil {
				http.Error(w, `{"error":"invalid session"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseSameSite(s string) http.SameSite {
	switch strings.ToLower(s) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
