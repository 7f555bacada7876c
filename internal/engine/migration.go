package engine

import (
	"fmt"

	"github.com/celerix-dev/celerix-identity/pkg/schema"
)

// Migrate copies the complete state held by src into dst.
// This works for:
// - JSON files -> SQLite (the "Upgrade")
// - SQLite -> JSON files (the "Backup/Offline")
//
// Audit entries are appended to dst in the order src returns them, so dst
// should start empty to keep logs free of duplicates.
func Migrate(src, dst Persister) error {
	snap, err := src.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load source: %w", err)
	}
	return Apply(snap, dst)
}

// Apply writes a snapshot into dst.
func Apply(snap *schema.Snapshot, dst Persister) error {
	for _, rec := range snap.Identities {
		if err := dst.SaveIdentity(rec); err != nil {
			return fmt.Errorf("failed to save identity %s: %w", rec.Principal, err)
		}
	}

	for _, set := range snap.Guardians {
		if err := dst.SaveGuardians(set); err != nil {
			return fmt.Errorf("failed to save guardians of %s: %w", set.Owner, err)
		}
	}

	byOwner := make(map[string][]schema.GrantRecord)
	var owners []string
	for _, rec := range snap.Grants {
		if _, seen := byOwner[rec.Owner]; !seen {
			owners = append(owners, rec.Owner)
		}
		byOwner[rec.Owner] = append(byOwner[rec.Owner], rec)
	}
	for _, owner := range owners {
		if err := dst.SaveGrants(owner, byOwner[owner]); err != nil {
			return fmt.Errorf("failed to save grants of %s: %w", owner, err)
		}
	}

	for _, rec := range snap.Audit {
		if err := dst.AppendAudit(rec); err != nil {
			return fmt.Errorf("failed to append audit entry of %s: %w", rec.Owner, err)
		}
	}

	return nil
}
