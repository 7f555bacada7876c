package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/celerix-dev/celerix-identity/pkg/schema"
)

// Persister stores the engine's tables. Implementations must be safe for use
// by the single journal worker plus concurrent LoadAll calls.
type Persister interface {
	SaveIdentity(rec schema.IdentityRecord) error
	SaveGuardians(set schema.GuardianSet) error
	// SaveGrants replaces every grant record of an owner.
	SaveGrants(owner string, grants []schema.GrantRecord) error
	// AppendAudit adds an entry to the end of the owner's log.
	AppendAudit(rec schema.AuditRecord) error
	LoadAll() (*schema.Snapshot, error)
}

const (
	identitiesDir = "identities"
	guardiansDir  = "guardians"
	grantsDir     = "grants"
	auditDir      = "audit"
)

// Persistence handles the disk I/O for the tables as one JSON file per owner
// and table, plus an append-only JSON lines file per owner's audit log.
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	logger  *slog.Logger
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string, logger *slog.Logger) (*Persistence, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{identitiesDir, guardiansDir, grantsDir, auditDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &Persistence{DataDir: dir, logger: logger}, nil
}

// SaveIdentity writes a single identity record atomically.
func (p *Persistence) SaveIdentity(rec schema.IdentityRecord) error {
	return p.writeJSON(identitiesDir, rec.Principal, rec)
}

// SaveGuardians writes an owner's guardian set atomically.
func (p *Persistence) SaveGuardians(set schema.GuardianSet) error {
	return p.writeJSON(guardiansDir, set.Owner, set)
}

// SaveGrants writes all grants of an owner atomically.
func (p *Persistence) SaveGrants(owner string, grants []schema.GrantRecord) error {
	return p.writeJSON(grantsDir, owner, grants)
}

// AppendAudit appends one JSON line to the owner's audit file. Existing
// lines are never rewritten.
func (p *Persistence) AppendAudit(rec schema.AuditRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(filepath.Join(p.DataDir, auditDir, rec.Owner+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeJSON converts v to JSON and swaps it into place with a temp file and
// rename, so a crash leaves either the old file or the new one.
func (p *Persistence) writeJSON(sub, owner string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	filePath := filepath.Join(p.DataDir, sub, owner+".json")
	tempPath := filePath + ".tmp"

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, filePath)
}

// LoadAll returns everything found in the data directory. Unreadable or
// corrupt files are skipped with a warning.
func (p *Persistence) LoadAll() (*schema.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := &schema.Snapshot{}

	err := p.eachFile(identitiesDir, ".json", func(name string, content []byte) {
		var rec schema.IdentityRecord
		if err := json.Unmarshal(content, &rec); err != nil {
			p.logger.Warn("could not unmarshal identity", "file", name, "error", err)
			return
		}
		snap.Identities = append(snap.Identities, rec)
	})
	if err != nil {
		return nil, err
	}

	err = p.eachFile(guardiansDir, ".json", func(name string, content []byte) {
		var set schema.GuardianSet
		if err := json.Unmarshal(content, &set); err != nil {
			p.logger.Warn("could not unmarshal guardians", "file", name, "error", err)
			return
		}
		snap.Guardians = append(snap.Guardians, set)
	})
	if err != nil {
		return nil, err
	}

	err = p.eachFile(grantsDir, ".json", func(name string, content []byte) {
		var grants []schema.GrantRecord
		if err := json.Unmarshal(content, &grants); err != nil {
			p.logger.Warn("could not unmarshal grants", "file", name, "error", err)
			return
		}
		snap.Grants = append(snap.Grants, grants...)
	})
	if err != nil {
		return nil, err
	}

	err = p.eachFile(auditDir, ".jsonl", func(name string, content []byte) {
		scanner := bufio.NewScanner(bytes.NewReader(content))
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for n := 1; scanner.Scan(); n++ {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var rec schema.AuditRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				p.logger.Warn("could not unmarshal audit entry", "file", name, "line", n, "error", err)
				continue
			}
			snap.Audit = append(snap.Audit, rec)
		}
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

func (p *Persistence) eachFile(sub, ext string, fn func(name string, content []byte)) error {
	dir := filepath.Join(p.DataDir, sub)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", sub, err)
	}
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ext) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			p.logger.Warn("could not read file", "file", file.Name(), "error", err)
			continue
		}
		fn(file.Name(), content)
	}
	return nil
}
