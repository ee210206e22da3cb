package handler

import (
	"net/http"

	"github.com/docflow/custody/middleware"
	"github.com/docflow/custody/model"
	"github.com/docflow/custody/service"
	"github.com/gin-gonic/gin"
)

// documentAccess loads the document named in the route and checks the
// caller against the custody policy.
type documentAccess struct {
	routing *service.RoutingService
	authz   service.Authorizer
}

func (a documentAccess) load(c *gin.Context, action string) (*model.Document, model.Actor, bool) {
	actor := middleware.GetActor(c)
	doc, err := a.routing.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, actor, false
	}
	if err := a.authz.Authorize(c.Request.Context(), actor, action, doc); err != nil {
		respondError(c, err)
		return nil, actor, false
	}
	return doc, actor, true
}

// allow checks an action that is not tied to a stored document
func (a documentAccess) allow(c *gin.Context, action string, doc *model.Document) (model.Actor, bool) {
	actor := middleware.GetActor(c)
	if err := a.authz.Authorize(c.Request.Context(), actor, action, doc); err != nil {
		respondError(c, err)
		return actor, false
	}
	return actor, true
}

// bindOptional decodes a JSON body when one was sent
func bindOptional(c *gin.Context, obj any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "code": "ValidationError"})
		return false
	}
	return true
}
