package flow

import (
	"errors"
	"fmt"
	"strings"
)

/* Category is the normalized failure taxonomy for the sign-in pipeline */
type Category string

const (
	// CategoryConfig indicates a misconfigured client or redirect URL.
	// Fatal until the configuration is fixed.
	CategoryConfig Category = "config"

	// CategoryDiscovery indicates the provider metadata fetch failed.
	// Retryable by re-initiating sign-in.
	CategoryDiscovery Category = "discovery"

	// CategoryUserCancelled indicates the user aborted at the provider's
	// consent screen. Retryable by re-initiating sign-in.
	CategoryUserCancelled Category = "user_cancelled"

	// CategoryProvider indicates the provider rejected the authorization
	// request with a known error code.
	CategoryProvider Category = "provider"

	// CategoryStateMismatch indicates the returned state does not match the
	// pending attempt. Treated as an attack signal.
	CategoryStateMismatch Category = "state_mismatch"

	// CategoryMissingCode indicates a success response without an
	// authorization code. Treated as an attack signal.
	CategoryMissingCode Category = "missing_code"

	// CategoryDuplicateCode indicates a duplicate delivery of a code whose
	// exchange is still in flight.
	CategoryDuplicateCode Category = "duplicate_code"

	// CategoryExchangeFailed indicates the code-for-token request was
	// rejected. Not retryable with the same code.
	CategoryExchangeFailed Category = "exchange_failed"

	// CategoryNoToken indicates the token response carried neither an
	// identity token nor an access token.
	CategoryNoToken Category = "no_token"

	// CategoryNoEmail indicates the verified identity carries no email
	// claim. Terminal; any partial session must be revoked.
	CategoryNoEmail Category = "no_email"

	// CategoryInternal indicates an unexpected internal failure.
	CategoryInternal Category = "internal"
)

/* genericUserMessage hides integrity failures from end users */
const genericUserMessage = "Authentication failed. Please try signing in again."

/* Error wraps sign-in failures with normalized categorization */
type Error struct {
	Category     Category
	ProviderCode string
	Description  string
	Retryable    bool
	Message      string // operator-facing detail
	userMessage  string
	Underlying   error
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("signin [%s]: %s: %v", e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("signin [%s]: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

/* UserMessage returns the text safe to show to the end user. Integrity
failures never leak detail; provider codes are translated into guidance. */
func (e *Error) UserMessage() string {
	if e.userMessage != "" {
		return e.userMessage
	}
	return genericUserMessage
}

func newError(cat Category, message string, retryable bool) *Error {
	return &Error{Category: cat, Message: message, Retryable: retryable}
}

func wrapError(cat Category, message string, retryable bool, err error) *Error {
	return &Error{Category: cat, Message: message, Retryable: retryable, Underlying: err}
}

/* CategoryOf extracts the category from any error in the chain */
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return CategoryInternal
}

/* Provider error codes seen in redirect responses. access_denied is the
OAuth-standard cancel; the rest are provider-specific rejections. */
var cancelCodes = map[string]bool{
	"access_denied":        true,
	"consent_required":     true,
	"interaction_required": true,
}

var domainRestrictionCodes = map[string]bool{
	"admin_policy_enforced": true, // Google Workspace policy
	"org_internal":          true, // Google: app restricted to one organization
	"hd_mismatch":           true,
}

/* classifyProviderError maps an error code from the redirect response onto
the taxonomy with an actionable user message. */
func classifyProviderError(code, description string) *Error {
	switch {
	case cancelCodes[code]:
		e := newError(CategoryUserCancelled, fmt.Sprintf("user cancelled at provider: %s", code), true)
		e.ProviderCode = code
		e.Description = description
		e.userMessage = "Sign-in was cancelled. You can try again."
		return e
	case domainRestrictionCodes[code] || strings.Contains(description, "AADSTS50020"):
		e := newError(CategoryProvider, fmt.Sprintf("provider rejected request: %s", code), false)
		e.ProviderCode = code
		e.Description = description
		e.userMessage = "This application is restricted to accounts in your school's domain. Please sign in with your school account."
		return e
	case code == "redirect_uri_mismatch":
		e := newError(CategoryProvider, "redirect URI mismatch", false)
		e.ProviderCode = code
		e.Description = description
		e.userMessage = "Sign-in is misconfigured for this application. Please contact an administrator."
		return e
	default:
		e := newError(CategoryProvider, fmt.Sprintf("provider error: %s", code), false)
		e.ProviderCode = code
		e.Description = description
		e.userMessage = "The identity provider rejected the sign-in request. Please try again or contact an administrator."
		return e
	}
}
