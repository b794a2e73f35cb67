package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

/* setupTestDB connects to the test database, applies the schema and clears
the tables. Tests are skipped when no database is reachable. */
func setupTestDB(t *testing.T) *Queries {
	t.Helper()

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("TEST_DB_HOST", "localhost"),
		getEnv("TEST_DB_PORT", "5432"),
		getEnv("TEST_DB_USER", "classdesk"),
		getEnv("TEST_DB_PASSWORD", "classdesk"),
		getEnv("TEST_DB_NAME", "classdesk_test"),
	)

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Skipf("Skipping database tests: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		database.Close()
		t.Skipf("Skipping database tests: no test database reachable: %v", err)
	}

	if err := Migrate(database); err != nil {
		database.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	for _, table := range []string{"sessions", "user_profiles", "roster_entries"} {
		if _, err := database.Exec("DELETE FROM " + table); err != nil {
			database.Close()
			t.Fatalf("Failed to clear table %s: %v", table, err)
		}
	}

	t.Cleanup(func() { database.Close() })
	return NewQueries(database)
}

func TestQueries_GetRosterEntry_Absent(t *testing.T) {
	queries := setupTestDB(t)
	ctx := context.Background()

	entry, err := queries.GetRosterEntry(ctx, "nobody@school.example.com")
	if err != nil {
		t.Fatalf("GetRosterEntry() error = %v", err)
	}
	if entry != nil {
		t.Errorf("Expected nil for an absent email, got %+v", entry)
	}
}

func TestQueries_UpsertRosterBatch(t *testing.T) {
	queries := setupTestDB(t)
	ctx := context.Background()

	batch := []RosterEntry{
		{Email: "alice@school.example.com", Name: "Alice Park", Role: "teacher", Grade: "5"},
		{Email: "bob@school.example.com", Name: "Bob Lee", Role: "student", Grade: "3"},
	}
	if err := queries.UpsertRosterBatch(ctx, batch); err != nil {
		t.Fatalf("UpsertRosterBatch() error = %v", err)
	}

	entry, err := queries.GetRosterEntry(ctx, "alice@school.example.com")
	if err != nil {
		t.Fatalf("GetRosterEntry() error = %v", err)
	}
	if entry == nil || entry.Role != "teacher" || entry.Grade != "5" {
		t.Errorf("Unexpected roster entry: %+v", entry)
	}

	// A second batch for the same email updates in place.
	if err := queries.UpsertRosterBatch(ctx, []RosterEntry{
		{Email: "bob@school.example.com", Name: "Bob Lee", Role: "student", Grade: "4"},
	}); err != nil {
		t.Fatalf("UpsertRosterBatch() error = %v", err)
	}

	entry, err = queries.GetRosterEntry(ctx, "bob@school.example.com")
	if err != nil {
		t.Fatalf("GetRosterEntry() error = %v", err)
	}
	if entry == nil || entry.Grade != "4" {
		t.Errorf("Expected updated grade 4, got %+v", entry)
	}

	entries, err := queries.ListRosterEntries(ctx)
	if err != nil {
		t.Fatalf("ListRosterEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 roster entries, got %d", len(entries))
	}
}

func TestQueries_UpsertProfile_MergePreservesFields(t *testing.T) {
	queries := setupTestDB(t)
	ctx := context.Background()

	first, err := queries.UpsertProfile(ctx, &UserProfile{
		UID:         "sub-1",
		Email:       "alice@school.example.com",
		DisplayName: "Alice Park",
		Role:        "teacher",
		Grade:       "5",
	})
	if err != nil {
		t.Fatalf("UpsertProfile() error = %v", err)
	}
	if first.DisplayName != "Alice Park" {
		t.Fatalf("Unexpected initial profile: %+v", first)
	}

	// Another subsystem assigns the group; the sign-in path must never
	// touch it.
	if _, err := queries.GetDB().ExecContext(ctx,
		`UPDATE user_profiles SET group_id = $1 WHERE uid = $2`, "group-7", "sub-1"); err != nil {
		t.Fatalf("Failed to set group_id: %v", err)
	}

	firstLogin := first.LastLoginAt
	time.Sleep(10 * time.Millisecond)

	// A later sign-in carries blank display name and grade (e.g. the
	// provider dropped the name claim and the roster record is sparse).
	merged, err := queries.UpsertProfile(ctx, &UserProfile{
		UID:         "sub-1",
		Email:       "alice@school.example.com",
		DisplayName: "",
		Role:        "teacher",
		Grade:       "",
	})
	if err != nil {
		t.Fatalf("UpsertProfile() merge error = %v", err)
	}

	if merged.DisplayName != "Alice Park" {
		t.Errorf("Blank display name must not erase the stored one, got %q", merged.DisplayName)
	}
	if merged.Grade != "5" {
		t.Errorf("Blank grade must not erase the stored one, got %q", merged.Grade)
	}
	if merged.GroupID != "group-7" {
		t.Errorf("group_id is owned by other subsystems and must survive, got %q", merged.GroupID)
	}
	if !merged.LastLoginAt.After(firstLogin) {
		t.Errorf("last_login_at must be refreshed on every sign-in: %v vs %v",
			merged.LastLoginAt, firstLogin)
	}
}

func TestQueries_UpsertProfile_RicherWriteUpdates(t *testing.T) {
	queries := setupTestDB(t)
	ctx := context.Background()

	if _, err := queries.UpsertProfile(ctx, &UserProfile{
		UID:   "sub-1",
		Email: "alice@school.example.com",
		Role:  "student",
	}); err != nil {
		t.Fatalf("UpsertProfile() error = %v", err)
	}

	merged, err := queries.UpsertProfile(ctx, &UserProfile{
		UID:         "sub-1",
		Email:       "alice@school.example.com",
		DisplayName: "Alice Park",
		Role:        "teacher",
		Grade:       "5",
	})
	if err != nil {
		t.Fatalf("UpsertProfile() error = %v", err)
	}

	if merged.DisplayName != "Alice Park" || merged.Role != "teacher" || merged.Grade != "5" {
		t.Errorf("Non-blank fields must update the stored row, got %+v", merged)
	}
}

func TestQueries_SessionLifecycle(t *testing.T) {
	queries := setupTestDB(t)
	ctx := context.Background()

	if _, err := queries.UpsertProfile(ctx, &UserProfile{
		UID:   "sub-1",
		Email: "alice@school.example.com",
	}); err != nil {
		t.Fatalf("UpsertProfile() error = %v", err)
	}

	session := &Session{
		UID:         "sub-1",
		RefreshHash: "hash",
		UserAgent:   "test-agent",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := queries.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.ID == "" {
		t.Fatal("Expected session ID to be set")
	}

	found, err := queries.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if found.UID != "sub-1" || found.UserAgent != "test-agent" {
		t.Errorf("Unexpected session: %+v", found)
	}

	if err := queries.RevokeSessionsForUser(ctx, "sub-1"); err != nil {
		t.Fatalf("RevokeSessionsForUser() error = %v", err)
	}
	if _, err := queries.GetSession(ctx, session.ID); err == nil {
		t.Error("Expected a revoked session to be unreadable")
	}
}
