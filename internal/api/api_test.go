package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-identity/internal/auth"
	"github.com/celerix-dev/celerix-identity/internal/biometric"
	"github.com/celerix-dev/celerix-identity/internal/clock"
	core "github.com/celerix-dev/celerix-identity/internal/engine"
	"github.com/celerix-dev/celerix-identity/internal/verify"
	"github.com/celerix-dev/celerix-identity/pkg/cid"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/schema"
)

var (
	epoch = time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

	alice = engine.MustParsePrincipal("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1")
	bob   = engine.MustParsePrincipal("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb2")
	carol = engine.MustParsePrincipal("0xccccccccccccccccccccccccccccccccccccccc3")

	faceSamples = biometric.Batch{
		{0.12, 0.88, -0.31, 0.45},
		{0.10, 0.90, -0.29, 0.47},
	}
)

type testAPI struct {
	router    *gin.Engine
	engine    *core.Engine
	authority *auth.Authority
	clock     *clock.FakeClock
}

func setupTestRouter(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	c := clock.Fake(epoch)
	e := core.New(core.Options{Clock: c})
	a, err := auth.NewAuthority(auth.Config{Secret: []byte(strings.Repeat("h", 32)), Issuer: "celerix-identityd", Clock: c})
	require.NoError(t, err)
	svc, err := biometric.NewService(biometric.Options{
		Store:     biometric.NewMemoryStore(),
		MasterKey: []byte(strings.Repeat("m", 32)),
	})
	require.NoError(t, err)
	orch, err := verify.New(verify.Config{
		Identities: e.Identities,
		Grants:     e.Grants,
		Audit:      e.Audit,
		Hasher:     svc,
		Matcher:    svc,
		Clock:      c,
	})
	require.NoError(t, err)

	h := &Handler{Engine: e, Auth: a, Biometric: svc, Verifier: orch}
	r := gin.New()
	h.Routes(r)
	return &testAPI{router: r, engine: e, authority: a, clock: c}
}

func (ta *testAPI) do(t *testing.T, method, path string, as engine.Principal, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewBuffer(raw)
	} else {
		buf = &bytes.Buffer{}
	}
	req, _ := http.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if !as.IsZero() {
		token, err := ta.authority.Issue(as)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, w)["code"]
}

func TestHealth(t *testing.T) {
	ta := setupTestRouter(t)
	w := ta.do(t, http.MethodGet, "/healthz", engine.Principal{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthentication(t *testing.T) {
	ta := setupTestRouter(t)
	h1 := engine.Commitment{1}

	w := ta.do(t, http.MethodPost, "/api/identities", engine.Principal{}, gin.H{"commitment": h1})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "UNAUTHORIZED", errorCode(t, w))

	req, _ := http.NewRequest(http.MethodGet, "/api/identities/"+alice.String()+"/exists", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w = httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentityLifecycle(t *testing.T) {
	ta := setupTestRouter(t)
	h1, h2 := engine.Commitment{1}, engine.Commitment{2}

	w := ta.do(t, http.MethodPost, "/api/identities", alice, gin.H{"commitment": h1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode[schema.IdentityRecord](t, w)
	require.Equal(t, alice.String(), rec.Principal)
	require.Equal(t, h1.String(), rec.Commitment)

	w = ta.do(t, http.MethodPost, "/api/identities", alice, gin.H{"commitment": h2})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "ALREADY_REGISTERED", errorCode(t, w))

	w = ta.do(t, http.MethodPost, "/api/identities", bob, gin.H{"commitment": "0x1234"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "INVALID_COMMITMENT_LENGTH", errorCode(t, w))

	w = ta.do(t, http.MethodPost, "/api/identities", bob, gin.H{"commitment": engine.Commitment{}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "INVALID_COMMITMENT", errorCode(t, w))

	w = ta.do(t, http.MethodGet, "/api/identities/"+alice.String()+"/exists", engine.Principal{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]bool{"exists": true}, decode[map[string]bool](t, w))

	w = ta.do(t, http.MethodPut, "/api/identities/me", alice, gin.H{"commitment": h2})
	require.Equal(t, http.StatusOK, w.Code)

	w = ta.do(t, http.MethodPut, "/api/identities/me", bob, gin.H{"commitment": h2})
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NOT_REGISTERED", errorCode(t, w))

	w = ta.do(t, http.MethodGet, "/api/identities/"+alice.String()+"/commitment", engine.Principal{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[map[string]string](t, w)
	require.Equal(t, h2.String(), out["commitment"])
	require.Equal(t, cid.EncodeCommitment(h2).String(), out["cid"])

	w = ta.do(t, http.MethodGet, "/api/identities/"+bob.String(), engine.Principal{}, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = ta.do(t, http.MethodGet, "/api/identities/alice", engine.Principal{}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "INVALID_PRINCIPAL", errorCode(t, w))
}

func TestGrantsAndGuardians(t *testing.T) {
	ta := setupTestRouter(t)

	w := ta.do(t, http.MethodPost, "/api/grants", alice, gin.H{"accessor": bob, "seconds": 60})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	g := decode[schema.GrantRecord](t, w)
	require.True(t, g.Active)
	require.True(t, g.ExpiresAt.Equal(epoch.Add(time.Minute)))

	w = ta.do(t, http.MethodPost, "/api/grants", alice, gin.H{"accessor": bob, "seconds": -5})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "INVALID_DURATION", errorCode(t, w))

	ta.clock.Advance(time.Minute)
	w = ta.do(t, http.MethodGet, "/api/grants/"+alice.String()+"/"+bob.String(), engine.Principal{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, decode[schema.GrantRecord](t, w).Active)

	w = ta.do(t, http.MethodDelete, "/api/grants/"+bob.String(), alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ta.do(t, http.MethodDelete, "/api/grants/"+carol.String(), alice, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NO_SUCH_GRANT", errorCode(t, w))

	w = ta.do(t, http.MethodGet, "/api/grants/"+alice.String(), engine.Principal{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]schema.GrantRecord](t, w), 1)

	w = ta.do(t, http.MethodPost, "/api/guardians", alice, gin.H{"guardian": carol})
	require.Equal(t, http.StatusOK, w.Code)
	w = ta.do(t, http.MethodPost, "/api/guardians", alice, gin.H{"guardian": alice})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "INVALID_GUARDIAN", errorCode(t, w))

	w = ta.do(t, http.MethodGet, "/api/guardians/"+alice.String(), engine.Principal{}, nil)
	require.Equal(t, []string{carol.String()}, decode[[]string](t, w))

	w = ta.do(t, http.MethodPost, "/api/identities", alice, gin.H{"commitment": engine.Commitment{1}})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ta.do(t, http.MethodPost, "/api/identities/"+alice.String()+"/recover", bob, gin.H{"commitment": engine.Commitment{9}})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "UNAUTHORIZED", errorCode(t, w))

	w = ta.do(t, http.MethodPost, "/api/identities/"+alice.String()+"/recover", carol, gin.H{"commitment": engine.Commitment{9}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, engine.Commitment{9}.String(), decode[schema.IdentityRecord](t, w).Commitment)

	w = ta.do(t, http.MethodDelete, "/api/guardians/"+carol.String(), alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ta.do(t, http.MethodGet, "/api/guardians/"+alice.String(), engine.Principal{}, nil)
	require.Equal(t, "[]", w.Body.String())
}

func TestEnrollAndVerify(t *testing.T) {
	ta := setupTestRouter(t)

	w := ta.do(t, http.MethodPost, "/api/artifacts", alice, gin.H{"samples": faceSamples})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	enr := decode[schema.Enrollment](t, w)
	require.Equal(t, alice.String(), enr.Owner)

	w = ta.do(t, http.MethodGet, "/api/cid/"+enr.ContentID, engine.Principal{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, enr.Commitment, decode[map[string]string](t, w)["commitment"])

	w = ta.do(t, http.MethodPost, "/api/identities", alice, gin.H{"commitment": enr.Commitment})
	require.Equal(t, http.StatusCreated, w.Code)

	verifyPath := "/api/identities/" + alice.String() + "/verify"

	w = ta.do(t, http.MethodPost, verifyPath, alice, gin.H{"samples": faceSamples})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[schema.VerificationResult](t, w)
	require.Equal(t, "verified", res.State, res.Message)
	require.Equal(t, enr.ContentID, res.ContentID)

	w = ta.do(t, http.MethodPost, verifyPath, alice, gin.H{"samples": biometric.Batch{{-0.9, 0.1, 0.4, -0.2}}})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode[schema.VerificationResult](t, w)
	require.Equal(t, "rejected", res.State)
	require.Equal(t, "NO_MATCH", res.Reason)

	w = ta.do(t, http.MethodPost, verifyPath, bob, gin.H{"samples": faceSamples})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode[schema.VerificationResult](t, w)
	require.Equal(t, "rejected", res.State)
	require.Equal(t, "ACCESS_DENIED", res.Reason)

	w = ta.do(t, http.MethodPost, verifyPath, alice, gin.H{"samples": biometric.Batch{}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "INVALID_BATCH", errorCode(t, w))

	w = ta.do(t, http.MethodGet, "/api/audit/"+alice.String()+"/stats", engine.Principal{}, nil)
	stats := decode[schema.AuditStats](t, w)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Succeeded)
	require.Equal(t, 1, stats.Failed)

	w = ta.do(t, http.MethodGet, "/api/audit/"+alice.String(), engine.Principal{}, nil)
	require.Len(t, decode[[]schema.AuditRecord](t, w), 2)
}

func TestVerifyUnregisteredOwner(t *testing.T) {
	ta := setupTestRouter(t)
	w := ta.do(t, http.MethodPost, "/api/identities/"+alice.String()+"/verify", alice, gin.H{"samples": faceSamples})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[schema.VerificationResult](t, w)
	require.Equal(t, "rejected", res.State)
	require.Equal(t, "NOT_REGISTERED", res.Reason)

	w = ta.do(t, http.MethodGet, "/api/audit/"+alice.String(), engine.Principal{}, nil)
	require.Equal(t, "[]", w.Body.String())
}

func TestDecodeCIDRejectsGarbage(t *testing.T) {
	ta := setupTestRouter(t)
	w := ta.do(t, http.MethodGet, "/api/cid/0OIl", engine.Principal{}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "MALFORMED_CONTENT_ID", errorCode(t, w))
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		engine.ErrInvalidPrincipal:    http.StatusBadRequest,
		engine.ErrMalformedContentID:  http.StatusBadRequest,
		engine.ErrAlreadyRegistered:   http.StatusConflict,
		engine.ErrCommitmentChanged:   http.StatusConflict,
		engine.ErrNotRegistered:       http.StatusNotFound,
		engine.ErrNoSuchGrant:         http.StatusNotFound,
		engine.ErrAccessDenied:        http.StatusForbidden,
		engine.ErrMatchFailed:         http.StatusBadGateway,
		engine.ErrTimeout:             http.StatusGatewayTimeout,
		http.ErrBodyNotAllowed:        http.StatusInternalServerError,
		engine.ErrArtifactUnavailable: http.StatusBadGateway,
		engine.ErrInternal:            http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, StatusFor(err), err.Error())
	}
}
