package roster

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/classdesk/api/internal/db"
	"github.com/classdesk/api/internal/logging"
)

/* Policy controls how incoming records interact with existing rows */
type Policy string

const (
	// PolicySkip leaves existing rows untouched and only inserts new ones.
	PolicySkip Policy = "skip"
	// PolicyDiff writes a record only when at least one field differs
	// from the stored row.
	PolicyDiff Policy = "diff"
	// PolicyUpsert writes every record unconditionally.
	PolicyUpsert Policy = "upsert"
)

/* ParsePolicy validates a policy name */
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicySkip, PolicyDiff, PolicyUpsert:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown policy %q (want skip, diff or upsert)", s)
}

/* Store is the slice of the database layer the loader writes through */
type Store interface {
	ListRosterEntries(ctx context.Context) (map[string]db.RosterEntry, error)
	UpsertRosterBatch(ctx context.Context, entries []db.RosterEntry) error
}

/* Options configures a load run */
type Options struct {
	Policy    Policy
	DryRun    bool
	BatchSize int
	// Comma is the field delimiter. Zero means ','.
	Comma rune
}

/* Report summarizes a load run */
type Report struct {
	Parsed    int
	Inserted  int
	Updated   int
	Skipped   int
	Malformed int
}

/* Loader bulk-loads roster entries from a delimited file. Records are
{name, role, grade, email}; email is the key and is normalized before any
comparison or write. */
type Loader struct {
	store  Store
	logger *logging.Logger
}

/* NewLoader creates a roster loader */
func NewLoader(store Store, logger *logging.Logger) *Loader {
	return &Loader{store: store, logger: logger}
}

/* Load reads records from r and applies them under the given policy.
Malformed lines are counted and skipped, never fatal. */
func (l *Loader) Load(ctx context.Context, r io.Reader, opts Options) (*Report, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	reader := csv.NewReader(r)
	if opts.Comma != 0 {
		reader.Comma = opts.Comma
	}
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	existing, err := l.store.ListRosterEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list existing roster entries: %w", err)
	}

	report := &Report{}
	var batch []db.RosterEntry
	seen := make(map[string]bool)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			report.Malformed++
			l.logger.Warn("Skipping malformed line", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		entry, err := parseRecord(record)
		if err != nil {
			report.Malformed++
			l.logger.Warn("Skipping malformed record", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		report.Parsed++

		// First occurrence wins within a single file.
		if seen[entry.Email] {
			report.Skipped++
			continue
		}
		seen[entry.Email] = true

		current, exists := existing[entry.Email]
		switch opts.Policy {
		case PolicySkip:
			if exists {
				report.Skipped++
				continue
			}
		case PolicyDiff:
			if exists && sameFields(current, entry) {
				report.Skipped++
				continue
			}
		}

		if exists {
			report.Updated++
		} else {
			report.Inserted++
		}

		if opts.DryRun {
			action := "insert"
			if exists {
				action = "update"
			}
			l.logger.Info("Dry run: would write roster entry", map[string]interface{}{
				"action": action,
				"email":  entry.Email,
				"role":   entry.Role,
				"grade":  entry.Grade,
			})
			continue
		}

		batch = append(batch, entry)
		if len(batch) >= opts.BatchSize {
			if err := l.store.UpsertRosterBatch(ctx, batch); err != nil {
				return report, fmt.Errorf("write roster batch: %w", err)
			}
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := l.store.UpsertRosterBatch(ctx, batch); err != nil {
			return report, fmt.Errorf("write roster batch: %w", err)
		}
	}

	return report, nil
}

func parseRecord(record []string) (db.RosterEntry, error) {
	if len(record) < 4 {
		return db.RosterEntry{}, fmt.Errorf("expected 4 fields, got %d", len(record))
	}

	entry := db.RosterEntry{
		Name:  strings.TrimSpace(record[0]),
		Role:  strings.ToLower(strings.TrimSpace(record[1])),
		Grade: strings.TrimSpace(record[2]),
		Email: NormalizeEmail(record[3]),
	}

	if entry.Email == "" {
		return db.RosterEntry{}, fmt.Errorf("missing email")
	}
	if !strings.Contains(entry.Email, "@") {
		return db.RosterEntry{}, fmt.Errorf("invalid email %q", entry.Email)
	}
	return entry, nil
}

func sameFields(a, b db.RosterEntry) bool {
	return a.Name == b.Name && a.Role == b.Role && a.Grade == b.Grade
}

/* NormalizeEmail lowercases and trims an email address. The same
normalization runs on sign-in before the roster lookup. */
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
