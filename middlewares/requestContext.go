package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bitbucket.org/mmdatafocus/pos_sync/appctx"
)

const (
	HeaderBusinessId    = "X-Business-Id"
	HeaderUserId        = "X-User-Id"
	HeaderCorrelationId = "X-Correlation-Id"
)

// CorrelationIdMiddleware stores the caller's correlation id, or a new one, in the
// request context and echoes it back.
func CorrelationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(appctx.SetCorrelationId(c.Request.Context(), cid))
		c.Header(HeaderCorrelationId, cid)
		c.Next()
	}
}

// TenantMiddleware requires X-Business-Id and stores it, with X-User-Id, in the
// request context so model queries are scoped to the tenant.
func TenantMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		businessId := strings.TrimSpace(c.GetHeader(HeaderBusinessId))
		if businessId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success":    false,
				"error_code": "INVALID_REQUEST",
				"message":    "missing " + HeaderBusinessId + " header",
			})
			return
		}
		ctx := appctx.SetBusinessId(c.Request.Context(), businessId)
		if userId := strings.TrimSpace(c.GetHeader(HeaderUserId)); userId != "" {
			ctx = appctx.SetUserId(ctx, userId)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
