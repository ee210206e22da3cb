package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/docflow/custody/model"
	"github.com/docflow/custody/pkg/logger"
	"github.com/docflow/custody/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC of the callback body
const SignatureHeader = "X-Signature"

// maxCallbackBody bounds the callback payload read into memory
const maxCallbackBody = 1 << 20

// CallbackVerifier authenticates provider callbacks
type CallbackVerifier interface {
	VerifyCallback(signature string, body []byte) bool
}

type CallbackHandler struct {
	signing  *service.SigningOrchestrator
	verifier CallbackVerifier
}

func NewCallbackHandler(signing *service.SigningOrchestrator, verifier CallbackVerifier) *CallbackHandler {
	return &CallbackHandler{signing: signing, verifier: verifier}
}

// HandleCallback receives project status notifications from the signing provider
func (h *CallbackHandler) HandleCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if !h.verifier.VerifyCallback(c.GetHeader(SignatureHeader), body) {
		logger.Warn(c.Request.Context(), "rejected provider callback", zap.String("reason", "bad signature"))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	var payload service.CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.ProjectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid content format"})
		return
	}

	doc, err := h.signing.HandleCallback(c.Request.Context(), payload)
	if err != nil {
		if errors.Is(err, model.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found", "code": model.ErrProjectNotFound.Code})
			return
		}
		respondError(c, err)
		return
	}

	resp := gin.H{"message": "Callback received"}
	if doc != nil {
		resp["document_id"] = doc.ID
		resp["signing_status"] = doc.Ledger.Signing.Status
	}
	c.JSON(http.StatusOK, resp)
}
