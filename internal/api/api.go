// Package api exposes the identity engine over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-identity/internal/auth"
	"github.com/celerix-dev/celerix-identity/internal/biometric"
	core "github.com/celerix-dev/celerix-identity/internal/engine"
	"github.com/celerix-dev/celerix-identity/internal/verify"
	"github.com/celerix-dev/celerix-identity/pkg/cid"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/schema"
	"github.com/celerix-dev/celerix-identity/pkg/sdk"
)

const callerKey = "caller"

// codeInvalidRequest marks a body that could not be decoded at all.
const codeInvalidRequest engine.Code = "INVALID_REQUEST"

type Handler struct {
	Engine    *core.Engine
	Auth      *auth.Authority
	Biometric *biometric.Service
	Verifier  *verify.Orchestrator
	Logger    *slog.Logger
}

// Routes registers the API under /api and the health probe on r.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/healthz", h.Health)

	g := r.Group("/api", h.Authenticate)
	{
		g.POST("/identities", h.RequireCaller, h.Register)
		g.PUT("/identities/me", h.RequireCaller, h.Update)
		g.POST("/identities/:owner/recover", h.RequireCaller, h.Recover)
		g.POST("/identities/:owner/verify", h.RequireCaller, h.Verify)
		g.GET("/identities/:owner", h.GetIdentity)
		g.GET("/identities/:owner/exists", h.Exists)
		g.GET("/identities/:owner/commitment", h.GetCommitment)

		g.POST("/grants", h.RequireCaller, h.Grant)
		g.DELETE("/grants/:accessor", h.RequireCaller, h.Revoke)
		g.GET("/grants/:owner", h.ListGrants)
		g.GET("/grants/:owner/:accessor", h.GetGrant)

		g.POST("/guardians", h.RequireCaller, h.AddGuardian)
		g.DELETE("/guardians/:guardian", h.RequireCaller, h.RemoveGuardian)
		g.GET("/guardians/:owner", h.ListGuardians)

		g.GET("/audit/:owner", h.ListAudit)
		g.GET("/audit/:owner/stats", h.AuditStats)

		g.POST("/artifacts", h.RequireCaller, h.Enroll)
		g.GET("/cid/:cid", h.DecodeCID)
	}
}

// Authenticate binds the bearer token's subject as the caller. Requests
// without an Authorization header proceed anonymously; a bad token is
// rejected outright.
func (h *Handler) Authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.Next()
		return
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		abort(c, http.StatusUnauthorized, engine.Wrap(engine.CodeUnauthorized, "expected a bearer token", nil))
		return
	}
	claims, err := h.Auth.Verify(strings.TrimSpace(token))
	if err != nil {
		abort(c, http.StatusUnauthorized, err)
		return
	}
	c.Set(callerKey, claims.Subject)
	c.Next()
}

// RequireCaller rejects anonymous requests.
func (h *Handler) RequireCaller(c *gin.Context) {
	if h.caller(c).IsZero() {
		abort(c, http.StatusUnauthorized, engine.Wrap(engine.CodeUnauthorized, "authentication required", nil))
		return
	}
	c.Next()
}

func (h *Handler) caller(c *gin.Context) engine.Principal {
	if v, ok := c.Get(callerKey); ok {
		if p, ok := v.(engine.Principal); ok {
			return p
		}
	}
	return engine.Principal{}
}

func (h *Handler) store(c *gin.Context) *sdk.Local {
	return sdk.NewLocal(h.Engine, h.caller(c))
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type commitmentInput struct {
	Commitment engine.Commitment `json:"commitment"`
}

func (h *Handler) Register(c *gin.Context) {
	var input commitmentInput
	if !bind(c, &input) {
		return
	}
	rec, err := h.store(c).Register(input.Commitment)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Update(c *gin.Context) {
	var input commitmentInput
	if !bind(c, &input) {
		return
	}
	rec, err := h.store(c).Update(input.Commitment)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) Recover(c *gin.Context) {
	owner, ok := principalParam(c, "owner")
	if !ok {
		return
	}
	var input commitmentInput
	if !bind(c, &input) {
		return
	}
	rec, err := h.store(c).Recover(owner, input.Commitment)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetIdentity(c *gin.Context) {
	owner, ok := principalParam(c, "owner")
	if !ok {
		return
	}
	rec, err := h.store(c).Identity(owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) Exists(c *gin.Context) {
	owner, ok := principalParam(c, "owner")
	if !ok {
		return
	}
	exists, err := h.store(c).Exists(owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

func (h *Handler) GetCommitment(c *gin.Context) {
	owner, ok := principalParam(c, "owner")
	if !ok {
		return
	}
	commitment, err := h.store(c).GetCommitment(owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"commitment": commitment,
		"cid":        cid.EncodeCommitment(commitment),
	})
}

func (h *Handler) Grant(c *gin.Context) {
	var input struct {
		Accessor engine.Principal `json:"accessor"`
		Seconds  int64            `json:"seconds"`
	}
	if !bind(c, &input) {
		return
	}
	g, err := h.store(c).Grant(input.Accessor, input.Seconds)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (h *Handler) Revoke(c *gin.Context) {
	accessor, ok := principalParam(c, "accessor")
	if !ok {
		return
	}
	if err := h.store(c).Revoke(accessor); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func (h *Handler) GetGrant(c *gin.Context) {
	owner, ok := principalParam(c, "owner")
	if !ok {
		return
	}
	accessor, ok := principalParam(c, "accessor")
	if !ok {
		return
	}
	g, err := h.store(c).GetGrant(owner, accessor)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (h *Handler) ListGrants(c *gin.Context) {
	owner, ok := principalParam(c, "owner")
	if !ok {
		return
	}
	grants, err := h.store(c).Grants(owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, grants)
}

func (h *Handler) AddGuardian(c *gin.Context) {
	var input struct {
		Guardian engine.Principal `json:"guardian"`
	}
	if !bind(c, &input) {
		return
	}
	if err := h.store(c).AddGuardian(input.Guardian); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) RemoveGuardian(c *gin.Context) {
	guardian, ok := principalParam(c, "guardian")
	if !ok {
		return
	}
	if err := h.store(c).RemoveGuardian(guardian); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) ListGuardians(c *gin.Context) {
	owner, ok := principalParam(c, "owner")
	if !ok {
		return
	}
	guardians, err := h.store(c).Guardians(owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	if guardians == nil {
		guardians = []engine.Principal{}
	}
	c.JSON(http.StatusOK, guardians)
}

func (h *Handler) ListAudit(c *gin.Context) {
	owner, ok := principalParam(c, "owner")
	if !ok {
		return
	}
	entries, err := h.store(c).Audit(owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) AuditStats(c *gin.Context) {
	owner, ok := principalParam(c, "owner")
	if !ok {
		return
	}
	stats, err := h.store(c).AuditStats(owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type samplesInput struct {
	Samples biometric.Batch `json:"samples" binding:"required"`
}

// Enroll seals the posted samples as the caller's reference artifact. The
// returned commitment is then registered or updated separately.
func (h *Handler) Enroll(c *gin.Context) {
	var input samplesInput
	if !bind(c, &input) {
		return
	}
	enr, err := h.Biometric.Enroll(c.Request.Context(), h.caller(c), input.Samples)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, schema.Enrollment{
		Owner:      enr.Owner.String(),
		Commitment: enr.Commitment.String(),
		ContentID:  enr.ContentID.String(),
	})
}

// Verify runs one verification attempt of owner with the posted samples as
// the capture. Errored attempts answer 502 so clients know to retry.
func (h *Handler) Verify(c *gin.Context) {
	owner, ok := principalParam(c, "owner")
	if !ok {
		return
	}
	var input samplesInput
	if !bind(c, &input) {
		return
	}
	if len(input.Samples) == 0 {
		abort(c, http.StatusBadRequest, engine.ErrInvalidBatch)
		return
	}
	res := h.Verifier.Verify(c.Request.Context(), verify.Request{
		Owner:   owner,
		Caller:  h.caller(c),
		Capture: biometric.StaticCapture{Batch: input.Samples},
	})
	status := http.StatusOK
	if res.State == verify.StateErrored {
		status = StatusFor(res.Err)
	}
	c.JSON(status, res.Record())
}

func (h *Handler) DecodeCID(c *gin.Context) {
	id, err := cid.Parse(c.Param("cid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	commitment, err := cid.Decode(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cid": id, "commitment": commitment})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Warn("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	abort(c, status, err)
}

// StatusFor maps an error to its HTTP status by reason code and kind.
func StatusFor(err error) int {
	switch engine.CodeOf(err) {
	case engine.CodeNotRegistered, engine.CodeNoSuchGrant:
		return http.StatusNotFound
	case engine.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	switch engine.KindOf(err) {
	case engine.KindValidation, engine.KindCodec:
		return http.StatusBadRequest
	case engine.KindState:
		return http.StatusConflict
	case engine.KindAuthorization:
		return http.StatusForbidden
	case engine.KindExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, status int, err error) {
	body := gin.H{"error": err.Error()}
	if code := engine.CodeOf(err); code != "" {
		body["code"] = code
	}
	c.AbortWithStatusJSON(status, body)
}

// bind decodes the JSON body into v. Coded errors from text unmarshalers
// (a malformed principal or commitment) keep their code.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		var coded *engine.Error
		if !errors.As(err, &coded) {
			err = engine.Wrap(codeInvalidRequest, "invalid request body", err)
		}
		abort(c, http.StatusBadRequest, err)
		return false
	}
	return true
}

func principalParam(c *gin.Context, name string) (engine.Principal, bool) {
	p, err := engine.ParsePrincipal(c.Param(name))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return engine.Principal{}, false
	}
	return p, true
}
