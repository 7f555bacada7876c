package sdk

import (
	"log/slog"
	"os"

	core "github.com/celerix-dev/celerix-identity/internal/engine"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

// Environment variables consulted by New.
const (
	EnvAddr       = "CELERIX_ID_ADDR"
	EnvToken      = "CELERIX_ID_TOKEN"
	EnvDisableTLS = "CELERIX_ID_DISABLE_TLS"
)

// New initializes the store based on the environment.
// It returns the interface, so the app doesn't care if it's local or remote.
//
// When CELERIX_ID_ADDR is set and reachable, the remote daemon is used and
// the caller is whoever CELERIX_ID_TOKEN names. Otherwise an embedded
// engine is opened over the JSON tables in dataDir, bound to caller.
func New(dataDir string, caller engine.Principal) (IdentityStore, error) {
	if remoteAddr := os.Getenv(EnvAddr); remoteAddr != "" {
		client, err := Connect(remoteAddr, Options{
			DisableTLS: os.Getenv(EnvDisableTLS) == "true",
			Token:      os.Getenv(EnvToken),
		})
		if err == nil {
			return client, nil
		}
		slog.Warn("identity daemon unreachable, using embedded engine", "addr", remoteAddr, "error", err)
	}

	return OpenEmbedded(dataDir, caller, nil)
}

// OpenEmbedded restores an engine from the JSON tables in dataDir and binds
// it to caller. Closing the returned store flushes pending writes.
func OpenEmbedded(dataDir string, caller engine.Principal, logger *slog.Logger) (*Local, error) {
	p, err := core.NewPersistence(dataDir, logger)
	if err != nil {
		return nil, err
	}

	snap, err := p.LoadAll()
	if err != nil {
		return nil, err
	}

	e := core.New(core.Options{Persister: p, Logger: logger})
	e.Restore(snap)

	return &Local{engine: e, caller: caller, owned: true}, nil
}
