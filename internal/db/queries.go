package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Queries provides database operations
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// GetDB returns the underlying database connection
func (q *Queries) GetDB() *sql.DB {
	return q.db
}

// Roster operations

// GetRosterEntry looks up a roster entry by normalized email. Returns
// (nil, nil) when the email is not on the roster.
func (q *Queries) GetRosterEntry(ctx context.Context, email string) (*RosterEntry, error) {
	var entry RosterEntry

	query := `
		SELECT email, name, role, grade, created_at, updated_at
		FROM roster_entries
		WHERE email = $1
	`
	err := q.db.QueryRowContext(ctx, query, email).Scan(
		&entry.Email, &entry.Name, &entry.Role, &entry.Grade,
		&entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// ListRosterEntries returns the full roster keyed by email, used by the
// bulk loader's diff policy.
func (q *Queries) ListRosterEntries(ctx context.Context) (map[string]RosterEntry, error) {
	query := `
		SELECT email, name, role, grade, created_at, updated_at
		FROM roster_entries
	`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make(map[string]RosterEntry)
	for rows.Next() {
		var entry RosterEntry
		if err := rows.Scan(&entry.Email, &entry.Name, &entry.Role, &entry.Grade,
			&entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		entries[entry.Email] = entry
	}

	return entries, rows.Err()
}

// UpsertRosterBatch writes a batch of roster entries inside one transaction.
func (q *Queries) UpsertRosterBatch(ctx context.Context, entries []RosterEntry) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO roster_entries (email, name, role, grade)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE
		SET name = EXCLUDED.name, role = EXCLUDED.role, grade = EXCLUDED.grade, updated_at = NOW()
	`
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, query, entry.Email, entry.Name, entry.Role, entry.Grade); err != nil {
			return fmt.Errorf("upsert roster entry %s: %w", entry.Email, err)
		}
	}

	return tx.Commit()
}

// Profile operations

// GetProfileByUID gets a user profile by subject id
func (q *Queries) GetProfileByUID(ctx context.Context, uid string) (*UserProfile, error) {
	var profile UserProfile
	var groupID sql.NullString

	query := `
		SELECT uid, email, display_name, role, grade, group_id, last_login_at, created_at, updated_at
		FROM user_profiles
		WHERE uid = $1
	`
	err := q.db.QueryRowContext(ctx, query, uid).Scan(
		&profile.UID, &profile.Email, &profile.DisplayName, &profile.Role,
		&profile.Grade, &groupID, &profile.LastLoginAt,
		&profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if groupID.Valid {
		profile.GroupID = groupID.String
	}

	return &profile, nil
}

// UpsertProfile merge-upserts a user profile. The update is non-destructive:
// blank incoming fields never erase stored values, and group_id (owned by
// other subsystems) is never touched. last_login_at is always refreshed.
func (q *Queries) UpsertProfile(ctx context.Context, profile *UserProfile) (*UserProfile, error) {
	if profile.LastLoginAt.IsZero() {
		profile.LastLoginAt = time.Now()
	}

	query := `
		INSERT INTO user_profiles (uid, email, display_name, role, grade, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uid) DO UPDATE
		SET email = EXCLUDED.email,
		    display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), user_profiles.display_name),
		    role = COALESCE(NULLIF(EXCLUDED.role, ''), user_profiles.role),
		    grade = COALESCE(NULLIF(EXCLUDED.grade, ''), user_profiles.grade),
		    last_login_at = EXCLUDED.last_login_at,
		    updated_at = NOW()
	`
	_, err := q.db.ExecContext(ctx, query,
		profile.UID, profile.Email, profile.DisplayName, profile.Role,
		profile.Grade, profile.LastLoginAt)
	if err != nil {
		return nil, fmt.Errorf("upsert profile %s: %w", profile.UID, err)
	}

	return q.GetProfileByUID(ctx, profile.UID)
}

// Session operations

// CreateSession creates a session record
func (q *Queries) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO sessions (id, uid, refresh_hash, user_agent, ip_address, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := q.db.ExecContext(ctx, query,
		session.ID, session.UID, session.RefreshHash, session.UserAgent,
		session.IPAddress, session.CreatedAt, session.ExpiresAt)
	return err
}

// GetSession gets a live session by ID
func (q *Queries) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	var userAgent, ipAddress sql.NullString

	query := `
		SELECT id, uid, refresh_hash, user_agent, ip_address, created_at, expires_at, revoked_at
		FROM sessions
		WHERE id = $1 AND revoked_at IS NULL
	`
	err := q.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.UID, &session.RefreshHash, &userAgent,
		&ipAddress, &session.CreatedAt, &session.ExpiresAt, &session.RevokedAt)
	if err != nil {
		return nil, err
	}
	if userAgent.Valid {
		session.UserAgent = userAgent.String
	}
	if ipAddress.Valid {
		session.IPAddress = ipAddress.String
	}

	return &session, nil
}

// RevokeSession marks one session revoked
func (q *Queries) RevokeSession(ctx context.Context, id string) error {
	query := `UPDATE sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`
	_, err := q.db.ExecContext(ctx, query, id)
	return err
}

// RevokeSessionsForUser revokes every live session held by a user, used
// when a sign-in attempt ends in a terminal denial.
func (q *Queries) RevokeSessionsForUser(ctx context.Context, uid string) error {
	query := `UPDATE sessions SET revoked_at = NOW() WHERE uid = $1 AND revoked_at IS NULL`
	_, err := q.db.ExecContext(ctx, query, uid)
	return err
}
