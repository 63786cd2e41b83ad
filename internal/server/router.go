package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/gateway"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/jobs"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	identityContextKey   = "collab_identity"
	documentIDContextKey = "collab_document_id"
	roleContextKey       = "collab_role"
	readinessTimeout     = 2 * time.Second
)

var (
	errMissingVerifier      = errors.New("token verifier dependency required")
	errMissingIssuer        = errors.New("guest issuer dependency required")
	errMissingDocuments     = errors.New("document service dependency required")
	errMissingAccess        = errors.New("access service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// GuestIssuer mints document-scoped guest tokens.
type GuestIssuer interface {
	IssueGuest(ctx context.Context, documentID string, readOnly bool, ttl time.Duration) (auth.IssuedToken, error)
}

// DocumentService is the document surface exposed over REST.
type DocumentService interface {
	GetState(ctx context.Context, documentID documents.DocumentID) (documents.State, error)
	ApplyUpdate(ctx context.Context, documentID documents.DocumentID, update []byte, authorID string) (documents.CommitResult, error)
	SyncDiff(ctx context.Context, documentID documents.DocumentID, vector []byte) (documents.SyncResult, error)
	ReplayLog(ctx context.Context, documentID documents.DocumentID, afterSeq int64, limit int) ([]documents.LogEntry, error)
	ListSnapshots(ctx context.Context, documentID documents.DocumentID) ([]documents.SnapshotInfo, error)
	CreateSnapshot(ctx context.Context, request documents.SnapshotRequest) (documents.SnapshotInfo, error)
	Rollback(ctx context.Context, documentID documents.DocumentID, snapshotID string, actorID string) (documents.RollbackResult, error)
	ValidateAndRepair(ctx context.Context, documentID documents.DocumentID) (documents.RepairReport, error)
	Export(ctx context.Context, documentID documents.DocumentID, format string) ([]byte, error)
	DiffSnapshots(ctx context.Context, documentID documents.DocumentID, fromID string, toID string) ([]documents.DiffSegment, error)
}

// AccessService resolves roles and owns document registration and metadata.
type AccessService interface {
	Register(ctx context.Context, registration access.Registration) error
	RoleOf(ctx context.Context, userID string, documentID documents.DocumentID) (access.Role, error)
	Grant(ctx context.Context, documentID documents.DocumentID, userID string, role access.Role) error
	Revoke(ctx context.Context, documentID documents.DocumentID, userID string) error
	Metadata(ctx context.Context, documentID documents.DocumentID) (access.Metadata, error)
	PatchMetadata(ctx context.Context, documentID documents.DocumentID, format string, patch []byte) (access.Metadata, error)
}

// Realtime is the websocket gateway.
type Realtime interface {
	http.Handler
	Stats() gateway.Stats
}

// JobHealth reports the maintenance loop state.
type JobHealth interface {
	Health() jobs.Health
}

// CounterSource exposes the shared metrics counters.
type CounterSource interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
	DocumentSnapshot(ctx context.Context, documentID string) (map[string]int64, error)
}

// InstanceSource lists live gateway instances.
type InstanceSource interface {
	Live(ctx context.Context) ([]string, error)
}

// UpdateLimiter bounds REST writes per document.
type UpdateLimiter interface {
	AllowDocument(ctx context.Context, documentID string) ratelimit.Decision
}

// ReadinessCheck probes one backing service.
type ReadinessCheck func(ctx context.Context) error

// Dependencies wires the HTTP surface. Realtime, Jobs, Counters, Instances, Limiter and
// ReadinessChecks are optional.
type Dependencies struct {
	Verifier        TokenVerifier
	Issuer          GuestIssuer
	Documents       DocumentService
	Access          AccessService
	Realtime        Realtime
	Jobs            JobHealth
	Counters        CounterSource
	Instances       InstanceSource
	Limiter         UpdateLimiter
	ReadinessChecks map[string]ReadinessCheck
	AllowedOrigins  []string
	GuestTokenTTL   time.Duration
	UpdateMaxBytes  int
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Issuer == nil {
		return nil, errMissingIssuer
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Access == nil {
		return nil, errMissingAccess
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		verifier:        deps.Verifier,
		issuer:          deps.Issuer,
		documents:       deps.Documents,
		access:          deps.Access,
		realtime:        deps.Realtime,
		jobs:            deps.Jobs,
		counters:        deps.Counters,
		instances:       deps.Instances,
		limiter:         deps.Limiter,
		readinessChecks: deps.ReadinessChecks,
		guestTokenTTL:   deps.GuestTokenTTL,
		updateMaxBytes:  deps.UpdateMaxBytes,
		logger:          logger,
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/ready", handler.handleReady)
	if deps.Realtime != nil {
		router.GET("/ws", gin.WrapH(deps.Realtime))
	}

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.GET("/jobs/health", handler.handleJobHealth)
	api.GET("/metrics", handler.handleMetrics)
	api.POST("/docs", handler.handleCreateDocument)

	viewer := api.Group("/docs/:id", handler.requireRole(access.RoleViewer))
	viewer.GET("/state", handler.handleGetState)
	viewer.GET("/updates", handler.handleListUpdates)
	viewer.POST("/sync", handler.handleSync)
	viewer.GET("/snapshots", handler.handleListSnapshots)
	viewer.GET("/export", handler.handleExport)
	viewer.GET("/diff", handler.handleDiff)
	viewer.GET("/meta", handler.handleGetMetadata)
	viewer.GET("/metrics", handler.handleDocumentMetrics)

	editor := api.Group("/docs/:id", handler.requireRole(access.RoleEditor))
	editor.POST("/updates", handler.handleApplyUpdate)
	editor.POST("/snapshots", handler.handleCreateSnapshot)
	editor.POST("/repair", handler.handleRepair)

	owner := api.Group("/docs/:id", handler.requireRole(access.RoleOwner))
	owner.POST("/rollback", handler.handleRollback)
	owner.PATCH("/meta", handler.handlePatchMetadata)
	owner.POST("/guest-grants", handler.handleGuestGrant)
	owner.PUT("/permissions", handler.handleGrant)
	owner.DELETE("/permissions/:userId", handler.handleRevoke)

	return router, nil
}

type httpHandler struct {
	verifier        TokenVerifier
	issuer          GuestIssuer
	documents       DocumentService
	access          AccessService
	realtime        Realtime
	jobs            JobHealth
	counters        CounterSource
	instances       InstanceSource
	limiter         UpdateLimiter
	readinessChecks map[string]ReadinessCheck
	guestTokenTTL   time.Duration
	updateMaxBytes  int
	logger          *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed == "*" {
			origins = nil
			break
		}
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := auth.TokenFromRequest(c.Request)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

// requireRole resolves the caller's role on :id and rejects callers below required. Guests hold
// editor (or viewer when read-only) on their own document only.
func (h *httpHandler) requireRole(required access.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID, err := documents.NewDocumentID(c.Param("id"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
			return
		}
		identity := identityFrom(c)
		role, err := h.roleOf(c.Request.Context(), identity, documentID)
		if err != nil {
			h.logger.Error("role lookup failed", zap.String("document_id", documentID.String()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "access_check_failed"})
			return
		}
		if !role.Allows(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Set(documentIDContextKey, documentID)
		c.Set(roleContextKey, role)
		c.Next()
	}
}

func (h *httpHandler) roleOf(ctx context.Context, identity auth.Identity, documentID documents.DocumentID) (access.Role, error) {
	if !identity.Permits(documentID.String()) {
		return access.RoleNone, nil
	}
	if identity.Guest {
		if identity.ReadOnly {
			return access.RoleViewer, nil
		}
		return access.RoleEditor, nil
	}
	role, err := h.access.RoleOf(ctx, identity.UserID, documentID)
	if err != nil {
		return access.RoleNone, err
	}
	if identity.ReadOnly && role.Allows(access.RoleViewer) {
		return access.RoleViewer, nil
	}
	return role, nil
}

func identityFrom(c *gin.Context) auth.Identity {
	value, _ := c.Get(identityContextKey)
	identity, _ := value.(auth.Identity)
	return identity
}

func documentIDFrom(c *gin.Context) documents.DocumentID {
	value, _ := c.Get(documentIDContextKey)
	documentID, _ := value.(documents.DocumentID)
	return documentID
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()
	names := make([]string, 0, len(h.readinessChecks))
	for name := range h.readinessChecks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := h.readinessChecks[name](ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "error"
			ready = false
			continue
		}
		checks[name] = "ok"
	}
	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

func (h *httpHandler) handleJobHealth(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusOK, jobs.Health{})
		return
	}
	c.JSON(http.StatusOK, h.jobs.Health())
}

type metricsPayload struct {
	Counters  map[string]int64 `json:"counters"`
	Instances []string         `json:"instances"`
	Local     *gateway.Stats   `json:"local,omitempty"`
}

func (h *httpHandler) handleMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	payload := metricsPayload{Counters: map[string]int64{}, Instances: []string{}}
	if h.counters != nil {
		counters, err := h.counters.Snapshot(ctx)
		if err != nil {
			h.logger.Warn("metrics counters unavailable", zap.Error(err))
		} else {
			payload.Counters = counters
		}
	}
	if h.instances != nil {
		live, err := h.instances.Live(ctx)
		if err != nil {
			h.logger.Warn("instance registry unavailable", zap.Error(err))
		} else if live != nil {
			payload.Instances = live
		}
	}
	if h.realtime != nil {
		stats := h.realtime.Stats()
		payload.Local = &stats
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleDocumentMetrics(c *gin.Context) {
	documentID := documentIDFrom(c)
	counters := map[string]int64{}
	if h.counters != nil {
		values, err := h.counters.DocumentSnapshot(c.Request.Context(), documentID.String())
		if err != nil {
			h.logger.Warn("document counters unavailable", zap.String("document_id", documentID.String()), zap.Error(err))
		} else {
			counters = values
		}
	}
	c.JSON(http.StatusOK, gin.H{"documentId": documentID.String(), "counters": counters})
}
