// Package sales implements the prospect endpoints of the sales pipeline. Every
// mutating handler runs the business operation through services.SalesPipeline,
// which records the change in the audit trail.
package sales

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gladgrade/portal/internal/audit"
	"github.com/gladgrade/portal/internal/middleware"
	"github.com/gladgrade/portal/internal/services"
)

// ProspectHandlers handles prospect API requests
type ProspectHandlers struct {
	pipeline *services.SalesPipeline
	logger   *audit.Logger
}

// NewProspectHandlers creates a new ProspectHandlers instance
func NewProspectHandlers(pipeline *services.SalesPipeline, logger *audit.Logger) *ProspectHandlers {
	return &ProspectHandlers{pipeline: pipeline, logger: logger}
}

// CreateProspectRequest is the body of POST /api/v1/prospects
type CreateProspectRequest struct {
	BusinessName          string  `json:"business_name" binding:"required"`
	ContactName           string  `json:"contact_name"`
	ContactEmail          string  `json:"contact_email" binding:"omitempty,email"`
	Phone                 string  `json:"phone"`
	AssignedSalespersonID *int64  `json:"assigned_salesperson_id"`
	EstimatedValue        float64 `json:"estimated_value"`
}

// ReassignOwnerRequest is the body of PUT /api/v1/prospects/:id/owner
type ReassignOwnerRequest struct {
	NewOwnerID int64  `json:"new_owner_id" binding:"required"`
	Reason     string `json:"reason"`
}

// ConvertRequest is the body of POST /api/v1/prospects/:id/convert
type ConvertRequest struct {
	ContractValue float64 `json:"contract_value"`
}

// @Summary      Create prospect
// @Tags         Prospects
// @Accept       json
// @Produce      json
// @Param        body  body  CreateProspectRequest  true  "Prospect"
// @Success      201  {object}  map[string]interface{}  "prospect: models.Prospect"
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/prospects [post]
// CreateProspectHandler creates a prospect
func (h *ProspectHandlers) CreateProspectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateProspectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}

		p, err := h.pipeline.CreateProspect(c.Request.Context(), middleware.ActorFrom(c), services.ProspectInput{
			BusinessName:          req.BusinessName,
			ContactName:           req.ContactName,
			ContactEmail:          req.ContactEmail,
			Phone:                 req.Phone,
			AssignedSalespersonID: req.AssignedSalespersonID,
			EstimatedValue:        req.EstimatedValue,
		}, middleware.ProvenanceFrom(c))
		if err != nil {
			respondError(c, err, "Failed to create prospect")
			return
		}

		c.JSON(http.StatusCreated, gin.H{"prospect": p})
	}
}

// @Summary      Get prospect
// @Tags         Prospects
// @Produce      json
// @Param        id  path  int  true  "Prospect ID"
// @Success      200  {object}  map[string]interface{}  "prospect: models.Prospect"
// @Failure      404  {object}  map[string]interface{}  "Prospect not found"
// @Router       /api/v1/prospects/{id} [get]
// GetProspectHandler returns a single prospect
func (h *ProspectHandlers) GetProspectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := prospectID(c)
		if !ok {
			return
		}

		p, err := h.pipeline.GetProspect(c.Request.Context(), id)
		if err != nil {
			respondError(c, err, "Failed to retrieve prospect")
			return
		}

		c.JSON(http.StatusOK, gin.H{"prospect": p})
	}
}

// @Summary      Reassign prospect owner
// @Description  Moves the prospect to another salesperson and records the change in the ownership ledger and the audit trail.
// @Tags         Prospects
// @Accept       json
// @Produce      json
// @Param        id    path  int                   true  "Prospect ID"
// @Param        body  body  ReassignOwnerRequest  true  "New owner"
// @Success      200  {object}  map[string]interface{}  "prospect: models.Prospect"
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Failure      404  {object}  map[string]interface{}  "Prospect not found"
// @Failure      409  {object}  map[string]interface{}  "Already assigned to this owner"
// @Router       /api/v1/prospects/{id}/owner [put]
// ReassignOwnerHandler reassigns a prospect
func (h *ProspectHandlers) ReassignOwnerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := prospectID(c)
		if !ok {
			return
		}

		var req ReassignOwnerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}

		p, err := h.pipeline.ReassignOwner(c.Request.Context(), middleware.ActorFrom(c), id,
			req.NewOwnerID, req.Reason, middleware.ProvenanceFrom(c))
		if err != nil {
			respondError(c, err, "Failed to reassign prospect")
			return
		}

		c.JSON(http.StatusOK, gin.H{"prospect": p})
	}
}

// @Summary      Prospect ownership history
// @Tags         Prospects
// @Produce      json
// @Param        id  path  int  true  "Prospect ID"
// @Success      200  {object}  map[string]interface{}  "history: []models.OwnershipChangeRecord"
// @Failure      404  {object}  map[string]interface{}  "Prospect not found"
// @Router       /api/v1/prospects/{id}/ownership-history [get]
// OwnershipHistoryHandler lists the ownership ledger of a prospect, oldest first
func (h *ProspectHandlers) OwnershipHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := prospectID(c)
		if !ok {
			return
		}

		if _, err := h.pipeline.GetProspect(c.Request.Context(), id); err != nil {
			respondError(c, err, "Failed to retrieve prospect")
			return
		}

		history, err := h.logger.OwnershipHistory(c.Request.Context(), id)
		if err != nil {
			respondError(c, err, "Failed to retrieve ownership history")
			return
		}

		c.JSON(http.StatusOK, gin.H{"history": history})
	}
}

// @Summary      Convert prospect to client
// @Tags         Prospects
// @Accept       json
// @Produce      json
// @Param        id    path  int             true  "Prospect ID"
// @Param        body  body  ConvertRequest  true  "Contract"
// @Success      201  {object}  map[string]interface{}  "client: models.Client"
// @Failure      404  {object}  map[string]interface{}  "Prospect not found"
// @Failure      409  {object}  map[string]interface{}  "Prospect already converted"
// @Router       /api/v1/prospects/{id}/convert [post]
// ConvertProspectHandler converts a prospect into a client
func (h *ProspectHandlers) ConvertProspectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := prospectID(c)
		if !ok {
			return
		}

		var req ConvertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}

		client, err := h.pipeline.ConvertToClient(c.Request.Context(), middleware.ActorFrom(c), id,
			req.ContractValue, middleware.ProvenanceFrom(c))
		if err != nil {
			respondError(c, err, "Failed to convert prospect")
			return
		}

		c.JSON(http.StatusCreated, gin.H{"client": client})
	}
}

func prospectID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid prospect ID"})
		return 0, false
	}
	return id, true
}

// respondError maps pipeline errors to status codes. Unexpected errors are
// logged and answered with a generic message.
func respondError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrProspectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Prospect not found"})
	case errors.Is(err, services.ErrAlreadyConverted), errors.Is(err, services.ErrSameOwner),
		errors.Is(err, services.ErrOwnerChanged):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidProspect):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("prospect request failed", "operation", fallback, "error", err, "request_id", c.GetString(middleware.RequestIDKey))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
