package handler

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/docflow/custody/middleware"
	"github.com/docflow/custody/model"
	"github.com/docflow/custody/service"
	"github.com/gin-gonic/gin"
)

type DocumentHandler struct {
	documentAccess
}

func NewDocumentHandler(routing *service.RoutingService, authz service.Authorizer) *DocumentHandler {
	return &DocumentHandler{documentAccess{routing: routing, authz: authz}}
}

var allowedTypes = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

type CreateRequest struct {
	Title          string `json:"title" form:"title" binding:"required"`
	Classification string `json:"classification" form:"classification"`
	Origin         string `json:"origin" form:"origin"`
}

type ReleaseRequest struct {
	ToDepartment   string   `json:"to_department" binding:"required"`
	FromDepartment string   `json:"from_department"`
	Actions        []string `json:"actions"`
	Remarks        string   `json:"remarks"`
}

type ReceiveRequest struct {
	Department string `json:"department"`
}

type RemarksRequest struct {
	Remarks string `json:"remarks"`
}

type ShareRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

type PurgeRequest struct {
	DocumentIDs []string `json:"document_ids" binding:"required"`
}

// openUpload validates a multipart file and wraps it for the routing service
func openUpload(header *multipart.FileHeader) (*service.Upload, multipart.File, error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	expected, ok := allowedTypes[ext]
	if !ok {
		return nil, nil, model.Validation("file", "only PDF and DOCX files are allowed")
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = expected
	}

	file, err := header.Open()
	if err != nil {
		return nil, nil, model.Validation("file", "failed to read upload")
	}
	if ext == ".pdf" {
		buffer := make([]byte, 512)
		n, _ := file.Read(buffer)
		detected := http.DetectContentType(buffer[:n])
		if !strings.Contains(detected, "pdf") && detected != "application/octet-stream" {
			file.Close()
			return nil, nil, model.Validation("file", "invalid file type")
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			file.Close()
			return nil, nil, model.Validation("file", "failed to read upload")
		}
		contentType = expected
	}

	return &service.Upload{
		Name:     filepath.Base(header.Filename),
		Reader:   file,
		Size:     header.Size,
		MimeType: contentType,
	}, file, nil
}

// Create registers a new document, optionally with its primary file
func (h *DocumentHandler) Create(c *gin.Context) {
	var req CreateRequest
	var upload *service.Upload

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Title is required", "code": "ValidationError"})
			return
		}
		if header, err := c.FormFile("file"); err == nil {
			up, file, err := openUpload(header)
			if err != nil {
				respondError(c, err)
				return
			}
			defer file.Close()
			upload = up
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Title is required", "code": "ValidationError"})
		return
	}

	origin := strings.TrimSpace(req.Origin)
	if origin == "" {
		origin = middleware.GetDepartment(c)
	}
	actor, ok := h.allow(c, service.ActionCreate, &model.Document{Ledger: model.NewLedger(origin)})
	if !ok {
		return
	}

	doc, err := h.routing.Create(c.Request.Context(), actor, service.CreateInput{
		Title:          req.Title,
		Classification: req.Classification,
		Origin:         origin,
		File:           upload,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// AttachFile adds another file to an existing document
func (h *DocumentHandler) AttachFile(c *gin.Context) {
	doc, actor, ok := h.load(c, service.ActionAttach)
	if !ok {
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided", "code": "ValidationError"})
		return
	}
	up, file, err := openUpload(header)
	if err != nil {
		respondError(c, err)
		return
	}
	defer file.Close()

	primary := c.PostForm("primary") == "true"
	stored, err := h.routing.AttachFile(c.Request.Context(), actor, doc.ID, *up, primary)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// visibleFilter limits non-admins to their department's chain and their shares
func visibleFilter(c *gin.Context) service.DocumentFilter {
	actor := middleware.GetActor(c)
	filter := service.DocumentFilter{Status: model.DocumentStatus(c.Query("status"))}
	if actor.IsAdmin() {
		filter.Department = c.Query("department")
		return filter
	}
	filter.Department = actor.Department
	filter.SharedWith = actor.UserID
	return filter
}

// List returns the documents visible to the caller
func (h *DocumentHandler) List(c *gin.Context) {
	filter := visibleFilter(c)
	if filter.Status != "" && !filter.Status.Valid() {
		respondError(c, model.Validation("status", "unknown status "+string(filter.Status)))
		return
	}
	docs, err := h.routing.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// RecycleBin lists deleted documents visible to the caller
func (h *DocumentHandler) RecycleBin(c *gin.Context) {
	docs, err := h.routing.RecycleBin(c.Request.Context(), visibleFilter(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// Get returns a single document
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, _, ok := h.load(c, service.ActionView)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, doc)
}

// Files lists the stored files of a document
func (h *DocumentHandler) Files(c *gin.Context) {
	doc, _, ok := h.load(c, service.ActionView)
	if !ok {
		return
	}
	files, err := h.routing.Files(c.Request.Context(), doc.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// Audit returns the transition history of a document, oldest first. Admins
// can still read the history of a purged document.
func (h *DocumentHandler) Audit(c *gin.Context) {
	ctx := c.Request.Context()
	actor := middleware.GetActor(c)
	id := c.Param("id")

	doc, err := h.routing.Get(ctx, id)
	switch {
	case err == nil:
		if err := h.authz.Authorize(ctx, actor, service.ActionView, doc); err != nil {
			respondError(c, err)
			return
		}
	case errors.Is(err, model.ErrDocumentNotFound) && actor.IsAdmin():
	default:
		respondError(c, err)
		return
	}

	entries, err := h.routing.Audit(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Release hands the document to another department
func (h *DocumentHandler) Release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to_department is required", "code": "ValidationError"})
		return
	}
	doc, actor, ok := h.load(c, service.ActionRelease)
	if !ok {
		return
	}
	h.reply(c)(h.routing.Release(c.Request.Context(), actor, service.ReleaseInput{
		DocumentID:     doc.ID,
		FromDepartment: req.FromDepartment,
		ToDepartment:   req.ToDepartment,
		Actions:        req.Actions,
		Remarks:        req.Remarks,
	}))
}

// Receive acknowledges the document on behalf of a department
func (h *DocumentHandler) Receive(c *gin.Context) {
	var req ReceiveRequest
	if !bindOptional(c, &req) {
		return
	}
	doc, actor, ok := h.load(c, service.ActionReceive)
	if !ok {
		return
	}
	h.reply(c)(h.routing.Receive(c.Request.Context(), actor, doc.ID, req.Department))
}

func (h *DocumentHandler) Complete(c *gin.Context) {
	var req RemarksRequest
	if !bindOptional(c, &req) {
		return
	}
	doc, actor, ok := h.load(c, service.ActionComplete)
	if !ok {
		return
	}
	h.reply(c)(h.routing.Complete(c.Request.Context(), actor, doc.ID, req.Remarks))
}

func (h *DocumentHandler) Cancel(c *gin.Context) {
	var req RemarksRequest
	if !bindOptional(c, &req) {
		return
	}
	doc, actor, ok := h.load(c, service.ActionCancel)
	if !ok {
		return
	}
	h.reply(c)(h.routing.Cancel(c.Request.Context(), actor, doc.ID, req.Remarks))
}

// Delete moves the document to the recycle bin
func (h *DocumentHandler) Delete(c *gin.Context) {
	doc, actor, ok := h.load(c, service.ActionDelete)
	if !ok {
		return
	}
	h.reply(c)(h.routing.Delete(c.Request.Context(), actor, doc.ID))
}

// Restore brings a document back from the recycle bin
func (h *DocumentHandler) Restore(c *gin.Context) {
	doc, actor, ok := h.load(c, service.ActionRestore)
	if !ok {
		return
	}
	h.reply(c)(h.routing.Restore(c.Request.Context(), actor, doc.ID))
}

func (h *DocumentHandler) Share(c *gin.Context) {
	var req ShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_ids is required", "code": "ValidationError"})
		return
	}
	doc, actor, ok := h.load(c, service.ActionShare)
	if !ok {
		return
	}
	h.reply(c)(h.routing.Share(c.Request.Context(), actor, doc.ID, req.UserIDs))
}

// Purge permanently removes documents from the recycle bin
func (h *DocumentHandler) Purge(c *gin.Context) {
	var req PurgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document_ids is required", "code": "ValidationError"})
		return
	}
	actor, ok := h.allow(c, service.ActionPurge, nil)
	if !ok {
		return
	}
	result, err := h.routing.BulkPurge(c.Request.Context(), actor, req.DocumentIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *DocumentHandler) reply(c *gin.Context) func(*model.Document, error) {
	return func(doc *model.Document, err error) {
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}
