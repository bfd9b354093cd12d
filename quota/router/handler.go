// Package router exposes quota.Engine over HTTP as a thin gin surface.
package router

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quotaward/quotaward/engine/core"
	"github.com/quotaward/quotaward/pkg/logger"
	"github.com/quotaward/quotaward/quota"
)

// Handler handles quota-engine HTTP requests.
type Handler struct {
	engine quota.Engine
}

// NewHandler creates a Handler backed by engine.
func NewHandler(engine quota.Engine) *Handler {
	return &Handler{engine: engine}
}

// Register mounts the handler's routes under group.
func (h *Handler) Register(group gin.IRoutes) {
	group.POST("/check", h.check)
	group.POST("/acquire", h.acquire)
	group.POST("/release", h.release)
	group.POST("/restrictions", h.insertRestriction)
	group.POST("/restrictions/bulk", h.bulkInsertRestrictions)
	group.PUT("/restrictions/:id", h.updateRestriction)
	group.GET("/restrictions/:id", h.getRestriction)
	group.GET("/restrictions", h.getAllRestrictions)
	group.DELETE("/restrictions/:id", h.removeRestriction)
	group.DELETE("/restrictions", h.removeAllRestrictions)
}

func (h *Handler) check(c *gin.Context) {
	var in quota.CheckInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	decision, err := h.engine.Check(c.Request.Context(), in)
	if err != nil {
		h.handleEngineError(c, "check", err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *Handler) acquire(c *gin.Context) {
	var in quota.AcquireInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	decision, err := h.engine.Acquire(c.Request.Context(), in)
	if err != nil {
		h.handleEngineError(c, "acquire", err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *Handler) release(c *gin.Context) {
	var in quota.ReleaseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	decision, err := h.engine.Release(c.Request.Context(), in)
	if err != nil {
		h.handleEngineError(c, "release", err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *Handler) insertRestriction(c *gin.Context) {
	var r quota.Restriction
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	inserted, err := h.engine.Insert(c.Request.Context(), r)
	if err != nil {
		h.handleEngineError(c, "insert restriction", err)
		return
	}
	c.JSON(http.StatusCreated, inserted)
}

func (h *Handler) bulkInsertRestrictions(c *gin.Context) {
	var rs []quota.Restriction
	if err := c.ShouldBindJSON(&rs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	inserted, err := h.engine.BulkInsert(c.Request.Context(), rs)
	if err != nil {
		h.handleEngineError(c, "bulk insert restrictions", err)
		return
	}
	c.JSON(http.StatusCreated, inserted)
}

func (h *Handler) updateRestriction(c *gin.Context) {
	var r quota.Restriction
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	r.ID = c.Param("id")
	updated, err := h.engine.Update(c.Request.Context(), r)
	if err != nil {
		h.handleEngineError(c, "update restriction", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) getRestriction(c *gin.Context) {
	r, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleEngineError(c, "get restriction", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) getAllRestrictions(c *gin.Context) {
	q := quota.RestrictionQuery{Zone: c.Query("zone"), Resource: c.Query("resource")}
	rs, err := h.engine.GetAll(c.Request.Context(), q)
	if err != nil {
		h.handleEngineError(c, "list restrictions", err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (h *Handler) removeRestriction(c *gin.Context) {
	if err := h.engine.Remove(c.Request.Context(), c.Param("id")); err != nil {
		h.handleEngineError(c, "remove restriction", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) removeAllRestrictions(c *gin.Context) {
	q := quota.RestrictionQuery{Zone: c.Query("zone"), Resource: c.Query("resource")}
	removed, err := h.engine.RemoveAll(c.Request.Context(), q)
	if err != nil {
		h.handleEngineError(c, "remove restrictions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// handleEngineError centralizes engine-error-to-HTTP-status mapping per
// SPEC_FULL.md §7.
func (h *Handler) handleEngineError(c *gin.Context, op string, err error) {
	log := logger.FromContext(c.Request.Context())
	log.Error("quota engine operation failed", "op", op, "error", err)
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		switch {
		case errors.Is(err, quota.ErrInputValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": coreErr.Code, "details": coreErr.Message})
		case errors.Is(err, quota.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": coreErr.Code, "details": coreErr.Message})
		case errors.Is(err, quota.ErrDuplicate):
			c.JSON(http.StatusConflict, gin.H{"error": coreErr.Code, "details": coreErr.Message})
		case errors.Is(err, quota.ErrMethodNotRegistered):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": coreErr.Code, "details": coreErr.Message})
		case errors.Is(err, quota.ErrUpstream):
			c.JSON(http.StatusBadGateway, gin.H{"error": coreErr.Code, "details": coreErr.Message})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": coreErr.Code, "details": coreErr.Message})
		}
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "details": err.Error()})
}
