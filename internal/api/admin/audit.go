// audit.go implements the read-side handlers of the audit trail: the recent
// activity feed and the filtered, paginated audit log used by the admin dashboard.
package admin

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gladgrade/portal/internal/audit"
	"github.com/gladgrade/portal/internal/db/models"
	"github.com/gladgrade/portal/internal/db/repositories"
)

// maxAuditPage bounds page so the computed offset cannot overflow.
const maxAuditPage = 1000000

// AuditHandlers serves audit records to the admin dashboard
type AuditHandlers struct {
	logger *audit.Logger
}

// NewAuditHandlers creates a new AuditHandlers instance
func NewAuditHandlers(logger *audit.Logger) *AuditHandlers {
	return &AuditHandlers{logger: logger}
}

// @Summary      Recent activity
// @Description  Most recent audit records, newest first. Limit defaults to the configured value and is capped.
// @Tags         Audit
// @Produce      json
// @Param        limit  query  int  false  "Maximum number of records"
// @Success      200  {object}  map[string]interface{}  "records: []models.AuditRecord"
// @Failure      400  {object}  map[string]interface{}  "Invalid limit"
// @Router       /api/v1/audit/recent [get]
// RecentActivityHandler returns the recent-activity feed
// GET /api/v1/audit/recent?limit=50
func (h *AuditHandlers) RecentActivityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
				return
			}
			limit = n
		}

		// read failures are already logged and surface as an empty feed
		records := h.logger.RecentActivity(c.Request.Context(), limit)
		c.JSON(http.StatusOK, gin.H{
			"records": records,
			"count":   len(records),
		})
	}
}

// @Summary      List audit logs
// @Description  Paginated audit records matching every supplied filter, newest first.
// @Tags         Audit
// @Produce      json
// @Param        page              query  int     false  "Page number (default 1)"
// @Param        per_page          query  int     false  "Items per page, max 100 (default 50)"
// @Param        user_id           query  int     false  "Acting user"
// @Param        action_type       query  string  false  "CREATE, UPDATE, DELETE, ASSIGN, CONVERT..."
// @Param        table_name        query  string  false  "Entity kind"
// @Param        record_id         query  int     false  "Entity id"
// @Param        business_context  query  string  false  "Business context"
// @Param        severity          query  string  false  "info, warning, error or critical"
// @Param        start_date        query  string  false  "RFC3339 lower bound"
// @Param        end_date          query  string  false  "RFC3339 upper bound"
// @Success      200  {object}  map[string]interface{}  "logs: []models.AuditRecord, pagination: map"
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/audit/logs [get]
// ListAuditLogsHandler lists audit records with filters and pagination
func (h *AuditHandlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))

		if page < 1 {
			page = 1
		}
		if page > maxAuditPage {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("page must not exceed %d", maxAuditPage)})
			return
		}
		if perPage < 1 || perPage > 100 {
			perPage = 50
		}

		filters, err := parseAuditFilters(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		offset := (page - 1) * perPage
		logs, total, err := h.logger.ListRecords(c.Request.Context(), filters, perPage, offset)
		if err != nil {
			slog.Error("failed to list audit logs", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list audit logs",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"logs": logs,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

// @Summary      Get audit log
// @Tags         Audit
// @Produce      json
// @Param        id  path  int  true  "Audit record ID"
// @Success      200  {object}  models.AuditRecord
// @Failure      400  {object}  map[string]interface{}  "Invalid ID"
// @Failure      404  {object}  map[string]interface{}  "Audit log not found"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/audit/logs/{id} [get]
// GetAuditLogHandler returns a single audit record
func (h *AuditHandlers) GetAuditLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid audit log ID"})
			return
		}

		rec, err := h.logger.GetRecord(c.Request.Context(), id)
		if err != nil {
			slog.Error("failed to get audit log", "id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retrieve audit log",
			})
			return
		}
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Audit log not found"})
			return
		}

		c.JSON(http.StatusOK, rec)
	}
}

func parseAuditFilters(c *gin.Context) (repositories.AuditFilters, error) {
	var f repositories.AuditFilters

	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid user_id: %q", raw)
		}
		f.UserID = &id
	}
	if raw := c.Query("record_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid record_id: %q", raw)
		}
		f.RecordID = &id
	}
	if v := c.Query("action_type"); v != "" {
		f.ActionType = &v
	}
	if v := c.Query("table_name"); v != "" {
		f.TableName = &v
	}
	if v := c.Query("business_context"); v != "" {
		f.BusinessContext = &v
	}
	if v := c.Query("severity"); v != "" {
		sev := models.Severity(v)
		if !sev.Valid() {
			return f, fmt.Errorf("invalid severity: %q (must be info, warning, error or critical)", v)
		}
		f.SeverityLevel = &sev
	}
	if raw := c.Query("start_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid start_date: must be RFC3339")
		}
		f.StartDate = &t
	}
	if raw := c.Query("end_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid end_date: must be RFC3339")
		}
		f.EndDate = &t
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return f, fmt.Errorf("end_date must not be before start_date")
	}

	return f, nil
}
