package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/documents"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const retryAfterSeconds = "1"

// statusFor maps service errors onto HTTP statuses and stable error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound):
		return http.StatusNotFound, "document_not_found"
	case errors.Is(err, documents.ErrSnapshotNotFound):
		return http.StatusNotFound, "snapshot_not_found"
	case errors.Is(err, access.ErrDocumentExists):
		return http.StatusConflict, "document_exists"
	case errors.Is(err, documents.ErrLockContention):
		return http.StatusConflict, "lock_contention"
	case errors.Is(err, documents.ErrStorageFailure):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, access.ErrAccessDenied):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, codec.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, documents.ErrInvalidUpdate),
		errors.Is(err, documents.ErrInvalidDocumentID),
		errors.Is(err, documents.ErrUnsupportedFormat),
		errors.Is(err, access.ErrInvalidPatch),
		errors.Is(err, access.ErrInvalidRole),
		errors.Is(err, codec.ErrEmptyPayload),
		errors.Is(err, codec.ErrInvalidEncoding):
		return http.StatusBadRequest, "invalid_request"
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return http.StatusInternalServerError, coded.Code()
	}
	return http.StatusInternalServerError, "internal"
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status, code := statusFor(err)
	fields := []zap.Field{zap.String("operation", operation), zap.String("code", code), zap.Error(err)}
	if documentID := documentIDFrom(c); documentID != "" {
		fields = append(fields, zap.String("document_id", documentID.String()))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Info("request rejected", fields...)
	}
	if documents.IsRetryable(err) {
		c.Header("Retry-After", retryAfterSeconds)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "retryable": documents.IsRetryable(err)})
}
