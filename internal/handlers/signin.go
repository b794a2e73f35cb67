package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/classdesk/api/internal/db"
	"github.com/classdesk/api/internal/flow"
	"github.com/classdesk/api/internal/logging"
	"github.com/classdesk/api/internal/session"
)

/* signInCookie identifies the browser across the redirect round-trip so
that at most one attempt is pending per client */
const signInCookie = "classdesk_signin"

/* ProfileReader reads stored user profiles */
type ProfileReader interface {
	GetProfileByUID(ctx context.Context, uid string) (*db.UserProfile, error)
}

/* SignInHandlers handles the OIDC sign-in endpoints */
type SignInHandlers struct {
	pipeline   *flow.Pipeline
	sessionMgr *session.Manager
	profiles   ProfileReader
	logger     *logging.Logger
}

/* NewSignInHandlers creates new sign-in handlers */
func NewSignInHandlers(pipeline *flow.Pipeline, sessionMgr *session.Manager, profiles ProfileReader, logger *logging.Logger) *SignInHandlers {
	return &SignInHandlers{
		pipeline:   pipeline,
		sessionMgr: sessionMgr,
		profiles:   profiles,
		logger:     logger,
	}
}

/* Start initiates a sign-in attempt and hands back the authorization URL */
func (h *SignInHandlers) Start(w http.ResponseWriter, r *http.Request) {
	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		redirectURI = "/"
	}

	clientKey := h.clientKey(w, r)

	authURL, attempt, err := h.pipeline.Start(r.Context(), clientKey, redirectURI)
	if err != nil {
		h.writeFlowError(w, r, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"auth_url":     authURL,
		"state":        attempt.State,
		"redirect_uri": redirectURI,
	}, http.StatusOK)
}

/* Callback consumes the provider's redirect. GET delivers parameters in
the query string; POST with a response_url form field covers transports
that deliver them in the URL fragment, which never reaches the server on
its own. */
func (h *SignInHandlers) Callback(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.String()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			if u := r.PostForm.Get("response_url"); u != "" {
				raw = u
			}
		}
	}

	meta := flow.GrantMeta{
		UserAgent: r.Header.Get("User-Agent"),
		IPAddress: clientIP(r),
	}

	result, err := h.pipeline.Complete(r.Context(), raw, meta)
	if err != nil {
		h.writeFlowError(w, r, err)
		return
	}

	if !result.Granted {
		WriteError(w, r, http.StatusForbidden, fmt.Errorf("%s", result.DeniedMessage), map[string]interface{}{
			"email": result.DeniedEmail,
		})
		return
	}

	h.sessionMgr.SetCookies(w, result.Grant.AccessToken, result.Grant.RefreshToken)
	h.clearClientKey(w)

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		redirect := result.RedirectURI
		if redirect == "" {
			redirect = "/"
		}
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"uid":          result.Profile.UID,
		"email":        result.Profile.Email,
		"display_name": result.Profile.DisplayName,
		"role":         result.Profile.Role,
		"grade":        result.Profile.Grade,
		"session_id":   result.Grant.SessionID,
	}, http.StatusOK)
}

/* Cancel discards the pending attempt when the user abandons the consent
screen */
func (h *SignInHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		WriteError(w, r, http.StatusBadRequest, fmt.Errorf("missing state"), nil)
		return
	}

	h.pipeline.Cancel(state)
	WriteSuccess(w, map[string]interface{}{"status": "cancelled"}, http.StatusOK)
}

/* Refresh issues a new access token for a valid refresh token */
func (h *SignInHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := h.sessionMgr.RefreshTokenFromRequest(r)
	if refreshToken == "" {
		WriteError(w, r, http.StatusUnauthorized, fmt.Errorf("missing refresh token"), nil)
		return
	}

	access, sess, err := h.sessionMgr.Refresh(r.Context(), refreshToken)
	if err != nil {
		WriteError(w, r, http.StatusUnauthorized, fmt.Errorf("failed to refresh session"), nil)
		return
	}

	h.sessionMgr.SetCookies(w, access, refreshToken)

	WriteSuccess(w, map[string]interface{}{
		"session_id": sess.ID,
		"uid":        sess.UID,
	}, http.StatusOK)
}

/* Logout revokes the current session */
func (h *SignInHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := session.ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, r, http.StatusUnauthorized, fmt.Errorf("not authenticated"), nil)
		return
	}

	if err := h.sessionMgr.Revoke(r.Context(), claims.SessionID); err != nil {
		WriteError(w, r, http.StatusInternalServerError, fmt.Errorf("failed to revoke session"), nil)
		return
	}

	h.sessionMgr.ClearCookies(w)
	WriteSuccess(w, map[string]interface{}{"message": "logged out"}, http.StatusOK)
}

/* Me returns the signed-in user's profile */
func (h *SignInHandlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := session.ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, r, http.StatusUnauthorized, fmt.Errorf("not authenticated"), nil)
		return
	}

	profile, err := h.profiles.GetProfileByUID(r.Context(), claims.UID)
	if err != nil {
		WriteError(w, r, http.StatusNotFound, fmt.Errorf("profile not found"), nil)
		return
	}

	WriteSuccess(w, profile, http.StatusOK)
}

/* writeFlowError maps pipeline failures onto HTTP responses. The user sees
the taxonomy's safe message; the category and operator detail go to the
response code/log only. */
func (h *SignInHandlers) writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	var fe *flow.Error
	if !errors.As(err, &fe) {
		WriteError(w, r, http.StatusInternalServerError, fmt.Errorf("sign-in failed"), nil)
		return
	}

	status := http.StatusInternalServerError
	switch fe.Category {
	case flow.CategoryUserCancelled:
		status = http.StatusOK
	case flow.CategoryStateMismatch, flow.CategoryMissingCode, flow.CategoryDuplicateCode:
		status = http.StatusBadRequest
	case flow.CategoryDiscovery, flow.CategoryProvider, flow.CategoryExchangeFailed, flow.CategoryNoToken:
		status = http.StatusBadGateway
	case flow.CategoryNoEmail:
		status = http.StatusForbidden
	}

	if fe.Category == flow.CategoryUserCancelled {
		WriteSuccess(w, map[string]interface{}{
			"status":    "cancelled",
			"message":   fe.UserMessage(),
			"retryable": true,
		}, status)
		return
	}

	WriteError(w, r, status, fmt.Errorf("%s", fe.UserMessage()), map[string]interface{}{
		"category":  string(fe.Category),
		"retryable": fe.Retryable,
	})
}

func (h *SignInHandlers) clientKey(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(signInCookie); err == nil && c.Value != "" {
		return c.Value
	}

	key := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     signInCookie,
		Value:    key,
		Path:     "/api/v1/auth",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return key
}

func (h *SignInHandlers) clearClientKey(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     signInCookie,
		Value:    "",
		Path:     "/api/v1/auth",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
