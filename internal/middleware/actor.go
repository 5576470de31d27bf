// actor.go turns the identity headers set by the portal's session layer into
// the actor and provenance that audited operations record.
package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gladgrade/portal/internal/db/models"
)

// Identity headers. Sessions are terminated upstream; these headers are
// trusted only because the API is reachable solely through the portal.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
	HeaderUserRole  = "X-User-Role"
)

const (
	ActorKey      = "actor"
	ProvenanceKey = "provenance"

	maxUserAgentLen = 512
)

// ActorMiddleware stores the request's *models.Actor under ActorKey and its
// models.Provenance under ProvenanceKey. Requests without X-User-ID run as the
// system actor; a malformed X-User-ID is rejected with 400.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ProvenanceKey, models.Provenance{
			IPAddress: c.ClientIP(),
			UserAgent: models.ClampText(c.Request.UserAgent(), maxUserAgentLen),
		})

		raw := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if raw == "" {
			c.Next()
			return
		}

		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + HeaderUserID + " header"})
			return
		}

		c.Set(ActorKey, &models.Actor{
			UserID:    id,
			UserEmail: headerValue(c, HeaderUserEmail, models.MaxUserEmailLen),
			UserName:  headerValue(c, HeaderUserName, models.MaxUserNameLen),
			UserRole:  headerValue(c, HeaderUserRole, models.MaxUserRoleLen),
		})
		c.Next()
	}
}

// ActorFrom returns the request's actor, or nil for the system actor.
func ActorFrom(c *gin.Context) *models.Actor {
	v, ok := c.Get(ActorKey)
	if !ok {
		return nil
	}
	actor, _ := v.(*models.Actor)
	return actor
}

// ProvenanceFrom returns the request's provenance. Outside ActorMiddleware it
// is derived directly from the request.
func ProvenanceFrom(c *gin.Context) models.Provenance {
	if v, ok := c.Get(ProvenanceKey); ok {
		if p, ok := v.(models.Provenance); ok {
			return p
		}
	}
	return models.Provenance{IPAddress: c.ClientIP(), UserAgent: models.ClampText(c.Request.UserAgent(), maxUserAgentLen)}
}

// headerValue returns the trimmed header cut to the width of its audit column.
func headerValue(c *gin.Context, name string, width int) string {
	return models.ClampText(strings.TrimSpace(c.GetHeader(name)), width)
}
