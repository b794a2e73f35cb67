package db

import (
	"time"
)

/* RosterEntry is one allow-list record, keyed by email. Rows are written by
the bulk provisioning tool; the sign-in path only reads them. */
type RosterEntry struct {
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Grade     string    `json:"grade"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

/* UserProfile is the internal profile created on first successful sign-in
and merged on every subsequent one. UID is the identity provider's stable
subject id. GroupID is written by other subsystems and must survive merges. */
type UserProfile struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	Grade       string    `json:"grade"`
	GroupID     string    `json:"group_id,omitempty"`
	LastLoginAt time.Time `json:"last_login_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

/* Session is an authorized session record. RefreshHash stores a bcrypt hash
of the refresh token; the plaintext never touches the database. */
type Session struct {
	ID          string     `json:"id"`
	UID         string     `json:"uid"`
	RefreshHash string     `json:"-"`
	UserAgent   string     `json:"user_agent,omitempty"`
	IPAddress   string     `json:"ip_address,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}
