package handler

import (
	"errors"
	"net/http"

	"github.com/docflow/custody/model"
	"github.com/docflow/custody/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps an error kind to its HTTP status
func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindPermissionDenied:
		return http.StatusForbidden
	case model.KindInvalidTransition:
		return http.StatusConflict
	case model.KindProvider:
		return http.StatusBadGateway
	case model.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err as a JSON body carrying its stable code
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var de *model.Error
	var pe *model.ProviderError
	switch {
	case errors.As(err, &de):
		body["code"] = de.Code
		if de.Message != "" {
			body["error"] = de.Message
		}
	case errors.As(err, &pe):
		body["code"] = "ProviderError"
		provider := gin.H{"operation": pe.Op}
		if pe.Status != 0 {
			provider["status"] = pe.Status
		}
		if pe.Code != "" {
			provider["code"] = pe.Code
		}
		if pe.Detail != "" {
			provider["detail"] = pe.Detail
		}
		body["provider"] = provider
	default:
		body["error"] = "Internal server error"
	}

	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", zap.Int("status", status), zap.Error(err))
	}
	c.Error(err)
	c.AbortWithStatusJSON(status, body)
}
