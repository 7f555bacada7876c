// Package sqlite persists the identity tables in a single SQLite database.
// It is a drop-in alternative to the JSON file persistence and can be the
// source or destination of a migration.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-identity/internal/storage/sqlite/migrations"
	"github.com/celerix-dev/celerix-identity/pkg/schema"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed identity persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveIdentity upserts an identity record.
func (s *Store) SaveIdentity(rec schema.IdentityRecord) error {
	_, err := s.sqlDB.Exec(`
INSERT INTO identities (principal, commitment, cid, created_at, updated_at, last_verified_at, verifications)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (principal) DO UPDATE SET
	commitment = excluded.commitment,
	cid = excluded.cid,
	updated_at = excluded.updated_at,
	last_verified_at = excluded.last_verified_at,
	verifications = excluded.verifications
`,
		rec.Principal,
		rec.Commitment,
		rec.ContentID,
		toNanos(rec.CreatedAt),
		toNanos(rec.UpdatedAt),
		toNanos(rec.LastVerifiedAt),
		int64(rec.Verifications),
	)
	if err != nil {
		return fmt.Errorf("save identity %s: %w", rec.Principal, err)
	}
	return nil
}

// SaveGuardians replaces an owner's guardian set.
func (s *Store) SaveGuardians(set schema.GuardianSet) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM guardians WHERE owner = ?`, set.Owner); err != nil {
			return fmt.Errorf("clear guardians of %s: %w", set.Owner, err)
		}
		for _, g := range set.Guardians {
			if _, err := tx.Exec(`INSERT INTO guardians (owner, guardian) VALUES (?, ?)`, set.Owner, g); err != nil {
				return fmt.Errorf("save guardian %s of %s: %w", g, set.Owner, err)
			}
		}
		return nil
	})
}

// SaveGrants replaces every grant of owner.
func (s *Store) SaveGrants(owner string, grants []schema.GrantRecord) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM grants WHERE owner = ?`, owner); err != nil {
			return fmt.Errorf("clear grants of %s: %w", owner, err)
		}
		for _, g := range grants {
			if _, err := tx.Exec(`
INSERT INTO grants (owner, accessor, granted_at, expires_at, revoked)
VALUES (?, ?, ?, ?, ?)
`, owner, g.Accessor, toNanos(g.GrantedAt), toNanos(g.ExpiresAt), boolInt(g.Revoked)); err != nil {
				return fmt.Errorf("save grant %s of %s: %w", g.Accessor, owner, err)
			}
		}
		return nil
	})
}

// AppendAudit inserts one audit entry. Rows are never updated.
func (s *Store) AppendAudit(rec schema.AuditRecord) error {
	_, err := s.sqlDB.Exec(`
INSERT INTO audit_entries (owner, accessor, ts, success) VALUES (?, ?, ?, ?)
`, rec.Owner, rec.Accessor, toNanos(rec.Timestamp), boolInt(rec.Success))
	if err != nil {
		return fmt.Errorf("append audit entry of %s: %w", rec.Owner, err)
	}
	return nil
}

// LoadAll reads the complete state. Audit entries are returned in insertion
// order. Grant Active flags are left false; callers evaluate expiry against
// their own clock.
func (s *Store) LoadAll() (*schema.Snapshot, error) {
	snap := &schema.Snapshot{}

	rows, err := s.sqlDB.Query(`
SELECT principal, commitment, cid, created_at, updated_at, last_verified_at, verifications
FROM identities ORDER BY principal
`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	for rows.Next() {
		var (
			rec                               schema.IdentityRecord
			created, updated, verified, count int64
		)
		if err := rows.Scan(&rec.Principal, &rec.Commitment, &rec.ContentID, &created, &updated, &verified, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		rec.CreatedAt = fromNanos(created)
		rec.UpdatedAt = fromNanos(updated)
		rec.LastVerifiedAt = fromNanos(verified)
		rec.Verifications = uint64(count)
		snap.Identities = append(snap.Identities, rec)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}

	rows, err = s.sqlDB.Query(`SELECT owner, guardian FROM guardians ORDER BY owner, guardian`)
	if err != nil {
		return nil, fmt.Errorf("list guardians: %w", err)
	}
	for rows.Next() {
		var owner, guardian string
		if err := rows.Scan(&owner, &guardian); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan guardian: %w", err)
		}
		if n := len(snap.Guardians); n > 0 && snap.Guardians[n-1].Owner == owner {
			snap.Guardians[n-1].Guardians = append(snap.Guardians[n-1].Guardians, guardian)
			continue
		}
		snap.Guardians = append(snap.Guardians, schema.GuardianSet{Owner: owner, Guardians: []string{guardian}})
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("list guardians: %w", err)
	}

	rows, err = s.sqlDB.Query(`
SELECT owner, accessor, granted_at, expires_at, revoked FROM grants ORDER BY owner, accessor
`)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	for rows.Next() {
		var (
			rec              schema.GrantRecord
			granted, expires int64
			revoked          int
		)
		if err := rows.Scan(&rec.Owner, &rec.Accessor, &granted, &expires, &revoked); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		rec.GrantedAt = fromNanos(granted)
		rec.ExpiresAt = fromNanos(expires)
		rec.Revoked = revoked != 0
		snap.Grants = append(snap.Grants, rec)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}

	rows, err = s.sqlDB.Query(`SELECT owner, accessor, ts, success FROM audit_entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	for rows.Next() {
		var (
			rec     schema.AuditRecord
			ts      int64
			success int
		)
		if err := rows.Scan(&rec.Owner, &rec.Accessor, &ts, &success); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		rec.Timestamp = fromNanos(ts)
		rec.Success = success != 0
		snap.Audit = append(snap.Audit, rec)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	return snap, nil
}

func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

// zero times are stored as 0
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
