package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/docflow/custody/model"
	"github.com/gin-gonic/gin"
)

func TestRespondError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"validation", model.Validation("title", "is required"), http.StatusBadRequest, "ValidationError"},
		{"not found", model.ErrDocumentNotFound, http.StatusNotFound, "DocumentNotFound"},
		{"permission", model.ErrPermissionDenied, http.StatusForbidden, "PermissionDenied"},
		{"transition", model.ErrAlreadyReceived, http.StatusConflict, "AlreadyReceived"},
		{"storage", model.ErrNoFileBytes, http.StatusServiceUnavailable, "StorageUnavailable"},
		{"provider", &model.ProviderError{Op: "send", Status: 422}, http.StatusBadGateway, "ProviderError"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/", func(c *gin.Context) { respondError(c, tt.err) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			var resp map[string]interface{}
			decode(t, w, &resp)
			if tt.expectedCode != "" && resp["code"] != tt.expectedCode {
				t.Errorf("Expected code %s, got %v", tt.expectedCode, resp["code"])
			}
			if tt.expectedCode == "" && resp["error"] != "Internal server error" {
				t.Errorf("Expected internal details hidden, got %v", resp["error"])
			}
		})
	}
}
