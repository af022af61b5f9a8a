package middleware

import (
	"net/http"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/priyxstudio/forge/modpack"
	"github.com/priyxstudio/forge/modules"
	"github.com/priyxstudio/forge/notifications"
	"github.com/priyxstudio/forge/permissions"
)

// AttachRequestID attaches a unique ID to the incoming request so errors
// reported to operators can be correlated with log entries.
func AttachRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("request_id", uuid.New().String())
		c.Set("logger", log.WithField("request_id", c.MustGet("request_id").(string)))
		c.Next()
	}
}

// AttachLifecycleManager attaches the module lifecycle manager to the request
// context.
func AttachLifecycleManager(m *modules.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("lifecycle_manager", m)
		c.Next()
	}
}

// AttachRegistries attaches the shared permission and notification registries
// to the request context.
func AttachRegistries(acl *permissions.Registry, nr *notifications.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("acl_registry", acl)
		c.Set("notification_registry", nr)
		c.Next()
	}
}

// ExtractLifecycleManager returns the lifecycle manager attached to the
// request.
func ExtractLifecycleManager(c *gin.Context) *modules.Manager {
	return c.MustGet("lifecycle_manager").(*modules.Manager)
}

// ExtractACLRegistry returns the permission registry attached to the request.
func ExtractACLRegistry(c *gin.Context) *permissions.Registry {
	return c.MustGet("acl_registry").(*permissions.Registry)
}

// ExtractNotificationRegistry returns the notification registry attached to
// the request.
func ExtractNotificationRegistry(c *gin.Context) *notifications.Registry {
	return c.MustGet("notification_registry").(*notifications.Registry)
}

// ExtractLogger returns the request-scoped logger.
func ExtractLogger(c *gin.Context) *log.Entry {
	return c.MustGet("logger").(*log.Entry)
}

// CaptureAndAbort aborts the request with an error response whose status code
// reflects the class of failure: package validation problems and lifecycle
// violations are client errors, everything else is internal.
func CaptureAndAbort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case modpack.IsErrorCode(err, modpack.ErrCodeModuleExists), errors.Is(err, modules.ErrAlreadyInstalled):
		status = http.StatusConflict
	case modpack.IsValidationError(err):
		status = http.StatusBadRequest
	case errors.Is(err, modules.ErrActionNotAllowed):
		status = http.StatusConflict
	case errors.Is(err, modules.ErrModuleBusy):
		status = http.StatusAccepted
	case errors.Is(err, modules.ErrModuleNotFound), errors.Is(err, permissions.ErrRoleNotFound), errors.Is(err, notifications.ErrChannelNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		ExtractLogger(c).WithError(err).Error("unhandled error while processing request")
		c.AbortWithStatusJSON(status, gin.H{
			"error":      "an internal error was encountered while processing this request",
			"request_id": c.MustGet("request_id"),
		})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":      err.Error(),
		"request_id": c.MustGet("request_id"),
	})
}
