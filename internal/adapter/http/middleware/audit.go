package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuditLog records successful operator write actions once the handler has
// responded. Routes are matched on their registered pattern.
func AuditLog(auditSvc ports.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		if status < 200 || status >= 300 {
			return
		}

		action, resourceType := mapRouteToAction(c.FullPath(), c.Request.Method)
		if action == "" {
			return
		}

		details, _ := json.Marshal(map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": status,
		})

		auditSvc.Log(c.Request.Context(), &domain.AuditLog{
			ID:           uuid.New(),
			OperatorID:   c.GetString(CtxOperatorID),
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   c.Param("id"),
			IPAddress:    c.ClientIP(),
			Details:      string(details),
			CreatedAt:    time.Now(),
		})
	}
}

func mapRouteToAction(route, method string) (domain.AuditAction, string) {
	switch {
	case route == "/api/v1/admin/users/:id/freeze" && method == http.MethodPut:
		return domain.AuditActionFreeze, "user"
	case route == "/api/v1/admin/users/:id/freeze" && method == http.MethodDelete:
		return domain.AuditActionUnfreeze, "user"
	case route == "/api/v1/admin/transactions/:id/replay" && method == http.MethodPost:
		return domain.AuditActionReplay, "transaction"
	}
	return "", ""
}
