// Package middleware provides HTTP middleware for the sync API.
package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/domain/record"
	"github.com/erp/fleetsync/internal/infrastructure/logger"
	"github.com/erp/fleetsync/internal/interfaces/http/dto"
)

// Identity headers.
const (
	TenantHeader = "X-Tenant-ID"
	UserHeader   = "X-User-ID"

	// MaxIdentityLength bounds tenant and user header values.
	MaxIdentityLength = 64

	callerKey = "caller"
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]*$`)

// Caller reads the tenant and user headers into the request. Missing headers
// leave the fields empty so the sync service can resolve the tenant from the
// remote client. Malformed values are rejected with 400.
func Caller() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := record.Caller{
			TenantID: strings.TrimSpace(c.GetHeader(TenantHeader)),
			UserID:   strings.TrimSpace(c.GetHeader(UserHeader)),
		}
		if !validIdentity(caller.TenantID) || !validIdentity(caller.UserID) {
			reqLogger := logger.FromContext(c.Request.Context())
			reqLogger.Warn("Rejected malformed identity header",
				zap.Int("tenant_len", len(caller.TenantID)),
				zap.Int("user_len", len(caller.UserID)))
			c.AbortWithStatusJSON(http.StatusBadRequest, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeBadRequest,
				"Invalid tenant or user header",
				logger.GetRequestID(c.Request.Context()),
			))
			return
		}

		c.Set(callerKey, caller)
		ctx := c.Request.Context()
		c.Request = c.Request.WithContext(logger.WithCaller(ctx, logger.FromContext(ctx), caller))
		c.Next()
	}
}

func validIdentity(v string) bool {
	if v == "" {
		return true
	}
	return len(v) <= MaxIdentityLength && identityPattern.MatchString(v)
}

// GetCaller returns the caller stored by Caller, or an empty caller.
func GetCaller(c *gin.Context) record.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(record.Caller); ok {
			return caller
		}
	}
	return record.Caller{}
}
