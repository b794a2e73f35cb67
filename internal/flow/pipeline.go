package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	oidcauth "github.com/classdesk/api/internal/auth/oidc"
	"github.com/classdesk/api/internal/db"
	"github.com/classdesk/api/internal/logging"
	"github.com/classdesk/api/internal/metrics"
)

/* defaultRole is assigned when a roster record omits the role field */
const defaultRole = "student"

/* TokenBundle is the transient token material returned by the exchange. At
least one of IDToken/AccessToken must be present. */
type TokenBundle struct {
	IDToken     string
	AccessToken string
	ExpiresAt   time.Time
}

/* Identity is the canonical verified identity derived from token material */
type Identity struct {
	SubjectID   string
	Email       string
	DisplayName string
}

/* Grant is the opaque session material handed to the caller after the
roster gate passes */
type Grant struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
}

/* GrantMeta carries request metadata recorded with the session */
type GrantMeta struct {
	UserAgent string
	IPAddress string
}

/* Result is the terminal outcome of a completed sign-in */
type Result struct {
	Granted       bool
	Profile       *db.UserProfile
	Grant         *Grant
	DeniedEmail   string
	DeniedMessage string
	RedirectURI   string
}

/* Provider is the slice of the OIDC client the pipeline depends on */
type Provider interface {
	AuthCodeURL(attempt *oidcauth.SignInAttempt) string
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	VerifyIDToken(ctx context.Context, rawIDToken string) (*gooidc.IDToken, *oidcauth.Claims, error)
	UserInfo(ctx context.Context, accessToken string) (*oidcauth.Claims, error)
}

/* ProviderResolver resolves the discovery-backed provider on demand */
type ProviderResolver interface {
	Resolve(ctx context.Context) (Provider, error)
}

/* ResolveFunc adapts a plain function to ProviderResolver */
type ResolveFunc func(ctx context.Context) (Provider, error)

func (f ResolveFunc) Resolve(ctx context.Context) (Provider, error) {
	return f(ctx)
}

/* RosterStore reads the allow-list. Absent entries are (nil, nil). */
type RosterStore interface {
	GetRosterEntry(ctx context.Context, email string) (*db.RosterEntry, error)
}

/* ProfileStore merge-upserts user profiles */
type ProfileStore interface {
	UpsertProfile(ctx context.Context, profile *db.UserProfile) (*db.UserProfile, error)
}

/* SessionService grants and revokes sessions */
type SessionService interface {
	Grant(ctx context.Context, profile *db.UserProfile, meta GrantMeta) (*Grant, error)
	RevokeUser(ctx context.Context, uid string) error
}

/* Pipeline is the sign-in pipeline: request construction, response
correlation, code-for-token exchange, identity resolution and the roster
gate, in one parameterized flow. */
type Pipeline struct {
	resolver   ProviderResolver
	attempts   *AttemptStore
	roster     RosterStore
	profiles   ProfileStore
	sessions   SessionService
	logger     *logging.Logger
	attemptTTL time.Duration
}

/* NewPipeline creates a sign-in pipeline */
func NewPipeline(resolver ProviderResolver, attempts *AttemptStore, roster RosterStore,
	profiles ProfileStore, sessions SessionService, logger *logging.Logger,
	attemptTTL time.Duration) *Pipeline {
	return &Pipeline{
		resolver:   resolver,
		attempts:   attempts,
		roster:     roster,
		profiles:   profiles,
		sessions:   sessions,
		logger:     logger,
		attemptTTL: attemptTTL,
	}
}

/* Start builds a new authorization request. Any pending attempt held by the
same client is replaced: one authorization in flight per client. */
func (p *Pipeline) Start(ctx context.Context, clientKey, redirectURI string) (string, *oidcauth.SignInAttempt, error) {
	provider, err := p.resolver.Resolve(ctx)
	if err != nil {
		return "", nil, classifyResolveError(err)
	}

	attempt, err := oidcauth.NewSignInAttempt(clientKey, p.attemptTTL)
	if err != nil {
		return "", nil, wrapError(CategoryInternal, "failed to create sign-in attempt", true, err)
	}
	attempt.RedirectURI = redirectURI

	p.attempts.Put(attempt)

	return provider.AuthCodeURL(attempt), attempt, nil
}

/* Cancel discards a pending attempt, e.g. when the user abandons the
consent screen */
func (p *Pipeline) Cancel(state string) {
	p.attempts.Cancel(state)
}

/* Complete consumes the redirect response and runs the rest of the
pipeline: correlation, exchange, identity resolution, roster gate. The
returned Result is terminal; errors carry the taxonomy category. */
func (p *Pipeline) Complete(ctx context.Context, rawRedirect string, meta GrantMeta) (*Result, error) {
	res, replayed, err := p.complete(ctx, rawRedirect, meta)
	switch {
	case err != nil:
		metrics.RecordSignIn(string(CategoryOf(err)))
	case replayed:
		// The original delivery already counted as granted/denied.
		metrics.RecordSignIn("replayed")
	case res.Granted:
		metrics.RecordSignIn("granted")
	default:
		metrics.RecordSignIn("denied")
	}
	return res, err
}

func (p *Pipeline) complete(ctx context.Context, rawRedirect string, meta GrantMeta) (res *Result, replayed bool, err error) {
	cb, err := ParseRedirect(rawRedirect)
	if err != nil {
		return nil, false, err
	}

	if cb.ErrorCode != "" {
		// The provider rejected the request or the user cancelled. The
		// attempt is spent either way.
		if cb.State != "" {
			p.attempts.Cancel(cb.State)
		}
		perr := classifyProviderError(cb.ErrorCode, cb.ErrorDescription)
		p.logger.Warn("provider returned error on redirect", map[string]interface{}{
			"error_code":  cb.ErrorCode,
			"description": cb.ErrorDescription,
			"category":    string(perr.Category),
		})
		return nil, false, perr
	}

	if cb.State == "" {
		return nil, false, p.integrityFailure(CategoryStateMismatch, "redirect response carried no state token")
	}

	attempt, ok := p.attempts.Lookup(cb.State)
	if !ok {
		return nil, false, p.integrityFailure(CategoryStateMismatch, "no pending attempt for returned state")
	}
	// Exact match, not prefix or loose compare.
	if attempt.State != cb.State {
		return nil, false, p.integrityFailure(CategoryStateMismatch, "returned state does not match pending attempt")
	}

	if cb.Code == "" {
		return nil, false, p.integrityFailure(CategoryMissingCode, "success response carried no authorization code")
	}

	started, prior, known := p.attempts.beginCode(cb.State, cb.Code)
	if !known {
		return nil, false, p.integrityFailure(CategoryStateMismatch, "attempt vanished during correlation")
	}
	if !started {
		if prior != nil {
			// Duplicate delivery of an already-processed code: replay the
			// recorded outcome instead of re-exchanging.
			return prior, true, nil
		}
		return nil, false, newError(CategoryDuplicateCode, "exchange already in flight for this code", false)
	}

	result, err := p.exchangeAndAuthorize(ctx, attempt, cb.Code, meta)
	if err != nil {
		return nil, false, err
	}

	p.attempts.completeCode(cb.State, cb.Code, result)
	return result, false, nil
}

func (p *Pipeline) exchangeAndAuthorize(ctx context.Context, attempt *oidcauth.SignInAttempt, code string, meta GrantMeta) (*Result, error) {
	provider, err := p.resolver.Resolve(ctx)
	if err != nil {
		p.attempts.failCode(attempt.State, code)
		return nil, classifyResolveError(err)
	}

	start := time.Now()
	token, err := provider.ExchangeCode(ctx, code, attempt.CodeVerifier)
	metrics.ObserveTokenExchange(time.Since(start).Seconds())
	if err != nil {
		// The exchange failed, so the code was not consumed upstream in a
		// way we can observe; release it for a genuine retry.
		p.attempts.failCode(attempt.State, code)
		return nil, p.classifyExchangeError(err)
	}

	bundle := bundleFromToken(token)
	if bundle.IDToken == "" && bundle.AccessToken == "" {
		p.attempts.Cancel(attempt.State)
		e := newError(CategoryNoToken, "token response carried neither identity nor access token", false)
		e.userMessage = "Sign-in did not complete. Please try again."
		return nil, e
	}

	identity, err := p.resolveIdentity(ctx, provider, attempt, bundle)
	if err != nil {
		p.attempts.Cancel(attempt.State)
		return nil, err
	}

	return p.authorize(ctx, attempt, identity, meta)
}

/* resolveIdentity derives the canonical identity from the token bundle,
verifying the identity token against the provider's keys when present and
falling back to the userinfo endpoint otherwise */
func (p *Pipeline) resolveIdentity(ctx context.Context, provider Provider, attempt *oidcauth.SignInAttempt, bundle *TokenBundle) (*Identity, error) {
	var claims *oidcauth.Claims

	if bundle.IDToken != "" {
		idToken, c, err := provider.VerifyIDToken(ctx, bundle.IDToken)
		if err != nil {
			return nil, p.integrityFailure(CategoryStateMismatch, fmt.Sprintf("identity token failed verification: %v", err))
		}
		if idToken.Nonce != attempt.Nonce {
			return nil, p.integrityFailure(CategoryStateMismatch, "identity token nonce does not match attempt")
		}
		claims = c
	} else {
		c, err := provider.UserInfo(ctx, bundle.AccessToken)
		if err != nil {
			return nil, wrapError(CategoryExchangeFailed, "userinfo fetch failed", false, err)
		}
		claims = c
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email == "" {
		if claims.Subject != "" {
			// Terminal: nothing granted for this subject may survive.
			if rerr := p.sessions.RevokeUser(ctx, claims.Subject); rerr != nil {
				p.logger.Error("failed to revoke sessions after missing email claim", rerr, map[string]interface{}{
					"subject": claims.Subject,
				})
			}
		}
		e := newError(CategoryNoEmail, "verified identity carries no email claim", false)
		e.userMessage = "Your account did not provide an email address, which is required to sign in."
		return nil, e
	}

	displayName := strings.TrimSpace(claims.Name)
	if displayName == "" {
		displayName = strings.TrimSpace(strings.TrimSpace(claims.GivenName) + " " + strings.TrimSpace(claims.FamilyName))
	}

	return &Identity{
		SubjectID:   claims.Subject,
		Email:       email,
		DisplayName: displayName,
	}, nil
}

/* authorize runs the roster gate: roster miss revokes and denies; roster
hit merge-upserts the profile and grants a session */
func (p *Pipeline) authorize(ctx context.Context, attempt *oidcauth.SignInAttempt, identity *Identity, meta GrantMeta) (*Result, error) {
	entry, err := p.roster.GetRosterEntry(ctx, identity.Email)
	if err != nil {
		return nil, wrapError(CategoryInternal, "roster lookup failed", true, err)
	}

	if entry == nil {
		metrics.RecordRosterDenial()
		if rerr := p.sessions.RevokeUser(ctx, identity.SubjectID); rerr != nil {
			p.logger.Error("failed to revoke sessions after roster denial", rerr, map[string]interface{}{
				"subject": identity.SubjectID,
			})
		}
		p.logger.Info("roster denied sign-in", map[string]interface{}{
			"email": identity.Email,
		})
		return &Result{
			Granted:       false,
			DeniedEmail:   identity.Email,
			DeniedMessage: fmt.Sprintf("%s is not authorized for this school. Please contact an administrator to be added.", identity.Email),
			RedirectURI:   attempt.RedirectURI,
		}, nil
	}

	role := entry.Role
	if role == "" {
		role = defaultRole
	}
	displayName := identity.DisplayName
	if displayName == "" {
		displayName = entry.Name
	}

	profile, err := p.profiles.UpsertProfile(ctx, &db.UserProfile{
		UID:         identity.SubjectID,
		Email:       identity.Email,
		DisplayName: displayName,
		Role:        role,
		Grade:       entry.Grade,
		LastLoginAt: time.Now(),
	})
	if err != nil {
		return nil, wrapError(CategoryInternal, "profile upsert failed", true, err)
	}

	grant, err := p.sessions.Grant(ctx, profile, meta)
	if err != nil {
		return nil, wrapError(CategoryInternal, "session grant failed", true, err)
	}

	p.logger.Info("sign-in granted", map[string]interface{}{
		"uid":   profile.UID,
		"email": profile.Email,
		"role":  profile.Role,
	})

	return &Result{
		Granted:     true,
		Profile:     profile,
		Grant:       grant,
		RedirectURI: attempt.RedirectURI,
	}, nil
}

/* integrityFailure logs the operator detail and returns an error whose
user message is the generic one */
func (p *Pipeline) integrityFailure(cat Category, detail string) *Error {
	p.logger.Warn("sign-in integrity failure", map[string]interface{}{
		"category": string(cat),
		"detail":   detail,
	})
	return newError(cat, detail, false)
}

/* classifyResolveError separates missing client configuration, which is
fatal until fixed, from transient discovery failures */
func classifyResolveError(err error) *Error {
	if errors.Is(err, oidcauth.ErrNotConfigured) {
		e := wrapError(CategoryConfig, "oidc client is not configured", false, err)
		e.userMessage = "Sign-in is not configured for this application. Please contact an administrator."
		return e
	}
	return wrapError(CategoryDiscovery, "provider discovery failed", true, err)
}

func (p *Pipeline) classifyExchangeError(err error) *Error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		e := wrapError(CategoryExchangeFailed, "token endpoint rejected the exchange", false, err)
		e.ProviderCode = rerr.ErrorCode
		e.Description = rerr.ErrorDescription
		e.userMessage = "Sign-in could not be completed. Please start over and try again."
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e := wrapError(CategoryExchangeFailed, "token exchange timed out", false, err)
		e.userMessage = "The identity provider took too long to respond. Please try again."
		return e
	}
	e := wrapError(CategoryExchangeFailed, "token exchange failed", false, err)
	e.userMessage = "Sign-in could not be completed. Please start over and try again."
	return e
}

func bundleFromToken(token *oauth2.Token) *TokenBundle {
	bundle := &TokenBundle{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
	}
	if raw, ok := token.Extra("id_token").(string); ok {
		bundle.IDToken = raw
	}
	return bundle
}
