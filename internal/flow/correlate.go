package flow

import (
	"net/url"
)

/* Callback holds the parameters extracted from a redirect response */
type Callback struct {
	Code             string
	State            string
	ErrorCode        string
	ErrorDescription string
}

/* ParseRedirect extracts response parameters from the redirect URL the
provider sent the user back on. Providers deliver them as query parameters
or, on fragment-based transports, after the '#'; both are supported. */
func ParseRedirect(raw string) (*Callback, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, wrapError(CategoryInternal, "unparseable redirect response", false, err)
	}

	vals := u.Query()
	if vals.Get("code") == "" && vals.Get("state") == "" && vals.Get("error") == "" && u.Fragment != "" {
		if fv, ferr := url.ParseQuery(u.Fragment); ferr == nil {
			vals = fv
		}
	}

	return &Callback{
		Code:             vals.Get("code"),
		State:            vals.Get("state"),
		ErrorCode:        vals.Get("error"),
		ErrorDescription: vals.Get("error_description"),
	}, nil
}
