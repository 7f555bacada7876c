package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-identity/internal/auth"
	"github.com/celerix-dev/celerix-identity/internal/storage/sqlite"
	pkgengine "github.com/celerix-dev/celerix-identity/pkg/engine"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

func commitmentHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func runOK(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, run(args, &out), strings.Join(args, " "))
	return out.String()
}

func TestUsageErrors(t *testing.T) {
	var out bytes.Buffer
	require.ErrorIs(t, run(nil, &out), errUsage)
	require.ErrorIs(t, run([]string{"cid"}, &out), errUsage)
	require.ErrorIs(t, run([]string{"cid", "rot13", "x"}, &out), errUsage)
	require.ErrorIs(t, run([]string{"--bogus"}, &out), errUsage)
	require.ErrorIs(t, run([]string{"migrate", "--from", "json:a"}, &out), errUsage)
}

func TestCIDCommands(t *testing.T) {
	h := commitmentHex("h1")
	id := strings.TrimSpace(runOK(t, "cid", "encode", h))
	require.True(t, strings.HasPrefix(id, "Qm"))

	back := strings.TrimSpace(runOK(t, "cid", "decode", id))
	require.Equal(t, "0x"+h, back)

	var out bytes.Buffer
	err := run([]string{"cid", "decode", "0OIl"}, &out)
	require.ErrorIs(t, err, pkgengine.ErrMalformedContentID)
}

func TestTokenCommand(t *testing.T) {
	secret := strings.Repeat("s", 32)
	token := strings.TrimSpace(runOK(t, "token", "--secret", secret, "--issuer", "test", alice))

	a, err := auth.NewAuthority(auth.Config{Secret: []byte(secret), Issuer: "test"})
	require.NoError(t, err)
	claims, err := a.Verify(token)
	require.NoError(t, err)
	require.Equal(t, pkgengine.MustParsePrincipal(alice), claims.Subject)

	var out bytes.Buffer
	require.Error(t, run([]string{"token", "--secret", "short", alice}, &out))
}

func TestEmbeddedIdentityFlow(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--embedded", "--data-dir", dir, "--as", alice}
	cmd := func(args ...string) []string { return append(append([]string{}, base...), args...) }

	out := runOK(t, cmd("identity", "register", commitmentHex("h1"))...)
	require.Contains(t, out, "0x"+commitmentHex("h1"))

	require.Equal(t, "true\n", runOK(t, cmd("identity", "exists", alice)...))
	require.Equal(t, "false\n", runOK(t, cmd("identity", "exists", bob)...))

	var pair map[string]string
	require.NoError(t, json.Unmarshal([]byte(runOK(t, cmd("identity", "commitment", alice)...)), &pair))
	require.Equal(t, "0x"+commitmentHex("h1"), pair["commitment"])
	require.True(t, strings.HasPrefix(pair["cid"], "Qm"))

	runOK(t, cmd("grant", "add", bob, "600")...)
	require.Equal(t, "true\n", runOK(t, cmd("grant", "check", alice, bob)...))
	require.Equal(t, "OK\n", runOK(t, cmd("grant", "revoke", bob)...))
	require.Equal(t, "false\n", runOK(t, cmd("grant", "check", alice, bob)...))

	var out2 bytes.Buffer
	err := run(cmd("grant", "add", bob, "soon"), &out2)
	require.ErrorIs(t, err, pkgengine.ErrInvalidDuration)

	require.Equal(t, "OK\n", runOK(t, cmd("guardian", "add", bob)...))
	var guardians []string
	require.NoError(t, json.Unmarshal([]byte(runOK(t, cmd("guardian", "list", alice)...)), &guardians))
	require.Equal(t, []string{bob}, guardians)

	// Without --as the session is anonymous and cannot mutate.
	err = run([]string{"--embedded", "--data-dir", dir, "identity", "update", commitmentHex("h2")}, &out2)
	require.ErrorIs(t, err, pkgengine.ErrUnauthorized)
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	runOK(t, "--embedded", "--data-dir", dir, "--as", alice, "identity", "register", commitmentHex("h1"))

	dbPath := filepath.Join(t.TempDir(), "identity.db")
	out := runOK(t, "migrate", "--from", "json:"+dir, "--to", "sqlite:"+dbPath)
	require.Contains(t, out, "migrated")

	store, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()
	snap, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, snap.Identities, 1)
	require.Equal(t, alice, snap.Identities[0].Principal)
}
