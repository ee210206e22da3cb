package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/docflow/custody/service"
	"github.com/gin-gonic/gin"
)

// maxSubmitAttempts caps the attempts a caller may ask for on submit
const maxSubmitAttempts = 3

type SigningHandler struct {
	documentAccess
	signing *service.SigningOrchestrator
	backoff time.Duration
}

func NewSigningHandler(routing *service.RoutingService, authz service.Authorizer, signing *service.SigningOrchestrator) *SigningHandler {
	return &SigningHandler{
		documentAccess: documentAccess{routing: routing, authz: authz},
		signing:        signing,
		backoff:        2 * time.Second,
	}
}

// Submit sends the document to the signing provider. A single attempt is
// made unless the caller asks for more with ?attempts=.
func (h *SigningHandler) Submit(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "code": "ValidationError"})
		return
	}
	doc, actor, ok := h.load(c, service.ActionSign)
	if !ok {
		return
	}

	attempts, _ := strconv.Atoi(c.DefaultQuery("attempts", "1"))
	if attempts > maxSubmitAttempts {
		attempts = maxSubmitAttempts
	}

	ctx := c.Request.Context()
	if attempts > 1 {
		doc, err := h.signing.SubmitWithRetry(ctx, actor, doc.ID, req, attempts, h.backoff)
		h.reply(c, doc, err)
		return
	}
	doc, err := h.signing.Submit(ctx, actor, doc.ID, req)
	h.reply(c, doc, err)
}

// Dispatch sends a draft project to its signers
func (h *SigningHandler) Dispatch(c *gin.Context) {
	doc, actor, ok := h.load(c, service.ActionSign)
	if !ok {
		return
	}
	doc, err := h.signing.Dispatch(c.Request.Context(), actor, doc.ID)
	h.reply(c, doc, err)
}

// Passport proxies the provider's audit record for the document
func (h *SigningHandler) Passport(c *gin.Context) {
	doc, _, ok := h.load(c, service.ActionView)
	if !ok {
		return
	}
	raw, err := h.signing.Passport(c.Request.Context(), doc.ID, c.DefaultQuery("view", "history"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (h *SigningHandler) UpdateSigner(c *gin.Context) {
	var spec service.SignerSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "code": "ValidationError"})
		return
	}
	doc, _, ok := h.load(c, service.ActionSign)
	if !ok {
		return
	}
	if err := h.signing.UpdateSigner(c.Request.Context(), doc.ID, c.Param("signerId"), spec); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Signer updated"})
}

func (h *SigningHandler) RemoveSigner(c *gin.Context) {
	doc, _, ok := h.load(c, service.ActionSign)
	if !ok {
		return
	}
	if err := h.signing.RemoveSigner(c.Request.Context(), doc.ID, c.Param("signerId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Signer removed"})
}

func (h *SigningHandler) AddMark(c *gin.Context) {
	var mark service.MarkRequest
	if err := c.ShouldBindJSON(&mark); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "code": "ValidationError"})
		return
	}
	doc, _, ok := h.load(c, service.ActionSign)
	if !ok {
		return
	}
	markID, err := h.signing.AddMark(c.Request.Context(), doc.ID, c.Param("signerId"), mark)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"mark_id": markID})
}

func (h *SigningHandler) UpdateMark(c *gin.Context) {
	var mark service.MarkRequest
	if err := c.ShouldBindJSON(&mark); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "code": "ValidationError"})
		return
	}
	doc, _, ok := h.load(c, service.ActionSign)
	if !ok {
		return
	}
	if err := h.signing.UpdateMark(c.Request.Context(), doc.ID, c.Param("markId"), mark); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Mark updated"})
}

func (h *SigningHandler) RemoveMark(c *gin.Context) {
	doc, _, ok := h.load(c, service.ActionSign)
	if !ok {
		return
	}
	if err := h.signing.RemoveMark(c.Request.Context(), doc.ID, c.Param("markId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Mark removed"})
}

// ProviderMetrics proxies the provider's aggregate counts
func (h *SigningHandler) ProviderMetrics(c *gin.Context) {
	if _, ok := h.allow(c, service.ActionProvider, nil); !ok {
		return
	}
	raw, err := h.signing.ProviderMetrics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// VerifySession checks the provider session is usable
func (h *SigningHandler) VerifySession(c *gin.Context) {
	if _, ok := h.allow(c, service.ActionProvider, nil); !ok {
		return
	}
	raw, err := h.signing.Verify(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// Logout ends the provider session
func (h *SigningHandler) Logout(c *gin.Context) {
	if _, ok := h.allow(c, service.ActionProvider, nil); !ok {
		return
	}
	if err := h.signing.Logout(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Provider session closed"})
}

func (h *SigningHandler) reply(c *gin.Context, doc any, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}
