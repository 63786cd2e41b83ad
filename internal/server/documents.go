package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	maxMetadataPatchBytes = 64 << 10
	defaultUpdatesLimit   = 500
	contentTypeJSONPatch  = "application/json-patch+json"
	contentTypeYAML       = "application/yaml"
)

type createDocumentRequest struct {
	DocumentID  string `json:"documentId"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Capacity    int    `json:"capacity"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	identity := identityFrom(c)
	if identity.Guest || identity.ReadOnly {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var request createDocumentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Capacity < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_capacity"})
		return
	}
	rawID := request.DocumentID
	if strings.TrimSpace(rawID) == "" {
		rawID = strings.ToLower(ulid.Make().String())
	}
	documentID, err := documents.NewDocumentID(rawID)
	if err != nil {
		h.writeError(c, "documents.create", err)
		return
	}
	ctx := c.Request.Context()
	if err := h.access.Register(ctx, access.Registration{
		DocumentID:  documentID,
		OwnerID:     identity.UserID,
		WorkspaceID: request.WorkspaceID,
		Title:       request.Title,
		Capacity:    request.Capacity,
	}); err != nil {
		h.writeError(c, "documents.create", err)
		return
	}
	metadata, err := h.access.Metadata(ctx, documentID)
	if err != nil {
		h.writeError(c, "documents.create", err)
		return
	}
	h.logger.Info("document registered", zap.String("document_id", documentID.String()), zap.String("user_id", identity.UserID))
	c.JSON(http.StatusCreated, metadata)
}

func (h *httpHandler) handleGetState(c *gin.Context) {
	state, err := h.documents.GetState(c.Request.Context(), documentIDFrom(c))
	if err != nil {
		h.writeError(c, "documents.state", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleListUpdates(c *gin.Context) {
	after, err := queryInt(c, "after", 0)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_after"})
		return
	}
	limit, err := queryInt(c, "limit", defaultUpdatesLimit)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	documentID := documentIDFrom(c)
	entries, err := h.documents.ReplayLog(c.Request.Context(), documentID, after, int(limit))
	if err != nil {
		h.writeError(c, "documents.updates", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": documentID, "entries": entries})
}

type applyUpdateRequest struct {
	Update string `json:"update"`
}

type applyUpdateResponse struct {
	DocumentID  documents.DocumentID `json:"documentId"`
	Seq         int64                `json:"seq"`
	Checksum    string               `json:"checksum"`
	Snapshotted bool                 `json:"snapshotted"`
}

func (h *httpHandler) handleApplyUpdate(c *gin.Context) {
	documentID := documentIDFrom(c)
	if h.limiter != nil {
		if decision := h.limiter.AllowDocument(c.Request.Context(), documentID.String()); !decision.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64(decision.RetryAfter/time.Second)+1, 10))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "retryAfterMs": decision.RetryAfter.Milliseconds()})
			return
		}
	}
	var request applyUpdateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	update, err := codec.DecodeWire(request.Update, h.updateMaxBytes)
	if err != nil {
		h.writeError(c, "documents.update", err)
		return
	}
	result, err := h.documents.ApplyUpdate(c.Request.Context(), documentID, update, identityFrom(c).UserID)
	if err != nil {
		h.writeError(c, "documents.update", err)
		return
	}
	c.JSON(http.StatusOK, applyUpdateResponse{
		DocumentID:  result.DocumentID,
		Seq:         result.Seq,
		Checksum:    result.Checksum,
		Snapshotted: result.Snapshotted,
	})
}

type syncRequest struct {
	Vector string `json:"vector"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncRequest
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	vector, err := codec.DecodeVector(request.Vector)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_vector"})
		return
	}
	result, err := h.documents.SyncDiff(c.Request.Context(), documentIDFrom(c), vector)
	if err != nil {
		h.writeError(c, "documents.sync", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleListSnapshots(c *gin.Context) {
	documentID := documentIDFrom(c)
	snapshots, err := h.documents.ListSnapshots(c.Request.Context(), documentID)
	if err != nil {
		h.writeError(c, "snapshots.list", err)
		return
	}
	if snapshots == nil {
		snapshots = []documents.SnapshotInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"documentId": documentID, "snapshots": snapshots})
}

type createSnapshotRequest struct {
	Label     string `json:"label"`
	Milestone bool   `json:"milestone"`
}

func (h *httpHandler) handleCreateSnapshot(c *gin.Context) {
	var request createSnapshotRequest
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	snapshot, err := h.documents.CreateSnapshot(c.Request.Context(), documents.SnapshotRequest{
		DocumentID: documentIDFrom(c),
		Reason:     documents.ReasonManual,
		Label:      strings.TrimSpace(request.Label),
		Milestone:  request.Milestone,
		CreatedBy:  identityFrom(c).UserID,
	})
	if err != nil {
		h.writeError(c, "snapshots.create", err)
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

type rollbackRequest struct {
	SnapshotID string `json:"snapshotId"`
}

func (h *httpHandler) handleRollback(c *gin.Context) {
	var request rollbackRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SnapshotID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.documents.Rollback(c.Request.Context(), documentIDFrom(c), strings.TrimSpace(request.SnapshotID), identityFrom(c).UserID)
	if err != nil {
		h.writeError(c, "snapshots.rollback", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleRepair(c *gin.Context) {
	report, err := h.documents.ValidateAndRepair(c.Request.Context(), documentIDFrom(c))
	if err != nil {
		h.writeError(c, "documents.repair", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleExport(c *gin.Context) {
	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", documents.ExportFormatJSON)))
	payload, err := h.documents.Export(c.Request.Context(), documentIDFrom(c), format)
	if err != nil {
		h.writeError(c, "documents.export", err)
		return
	}
	contentType := gin.MIMEJSON
	if format == documents.ExportFormatYAML {
		contentType = contentTypeYAML
	}
	c.Data(http.StatusOK, contentType, payload)
}

func (h *httpHandler) handleDiff(c *gin.Context) {
	from := strings.TrimSpace(c.Query("from"))
	to := strings.TrimSpace(c.Query("to"))
	if from == "" || to == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from_and_to_required"})
		return
	}
	segments, err := h.documents.DiffSnapshots(c.Request.Context(), documentIDFrom(c), from, to)
	if err != nil {
		h.writeError(c, "snapshots.diff", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "segments": segments})
}

func (h *httpHandler) handleGetMetadata(c *gin.Context) {
	metadata, err := h.access.Metadata(c.Request.Context(), documentIDFrom(c))
	if err != nil {
		h.writeError(c, "metadata.get", err)
		return
	}
	c.JSON(http.StatusOK, metadata)
}

func (h *httpHandler) handlePatchMetadata(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMetadataPatchBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(body) > maxMetadataPatchBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return
	}
	format := access.PatchFormatMerge
	if strings.HasPrefix(c.ContentType(), contentTypeJSONPatch) {
		format = access.PatchFormatJSON
	}
	metadata, err := h.access.PatchMetadata(c.Request.Context(), documentIDFrom(c), format, body)
	if err != nil {
		h.writeError(c, "metadata.patch", err)
		return
	}
	c.JSON(http.StatusOK, metadata)
}

type guestGrantRequest struct {
	ReadOnly   bool `json:"readOnly"`
	TTLMinutes int  `json:"ttlMinutes"`
}

func (h *httpHandler) handleGuestGrant(c *gin.Context) {
	var request guestGrantRequest
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.TTLMinutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_ttl"})
		return
	}
	ttl := h.guestTokenTTL
	if request.TTLMinutes > 0 {
		ttl = time.Duration(request.TTLMinutes) * time.Minute
	}
	documentID := documentIDFrom(c)
	issued, err := h.issuer.IssueGuest(c.Request.Context(), documentID.String(), request.ReadOnly, ttl)
	if err != nil {
		h.writeError(c, "guest.grant", err)
		return
	}
	h.logger.Info("guest grant issued",
		zap.String("document_id", documentID.String()),
		zap.String("user_id", issued.UserID),
		zap.Bool("read_only", issued.ReadOnly))
	c.JSON(http.StatusCreated, issued)
}

type grantRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (h *httpHandler) handleGrant(c *gin.Context) {
	var request grantRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := access.ParseRole(request.Role)
	if err != nil || role == access.RoleOwner || role == access.RoleNone {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}
	documentID := documentIDFrom(c)
	userID := strings.TrimSpace(request.UserID)
	if err := h.access.Grant(c.Request.Context(), documentID, userID, role); err != nil {
		h.writeError(c, "permissions.grant", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": documentID, "userId": userID, "role": role})
}

func (h *httpHandler) handleRevoke(c *gin.Context) {
	if err := h.access.Revoke(c.Request.Context(), documentIDFrom(c), c.Param("userId")); err != nil {
		h.writeError(c, "permissions.revoke", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryInt(c *gin.Context, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
