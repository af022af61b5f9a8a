package router

import (
	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/priyxstudio/forge/modules"
	"github.com/priyxstudio/forge/notifications"
	"github.com/priyxstudio/forge/permissions"
	"github.com/priyxstudio/forge/router/middleware"
)

// Configure configures the routing infrastructure for this daemon instance.
func Configure(m *modules.Manager, acl *permissions.Registry, nr *notifications.Registry) *gin.Engine {
	gin.SetMode("release")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.AttachRequestID())
	router.Use(middleware.AttachLifecycleManager(m), middleware.AttachRegistries(acl, nr))

	router.Use(gin.LoggerWithFormatter(func(params gin.LogFormatterParams) string {
		log.WithFields(log.Fields{
			"client_ip":  params.ClientIP,
			"status":     params.StatusCode,
			"latency":    params.Latency,
			"request_id": params.Keys["request_id"],
		}).Debugf("%s %s", params.Method, params.Path)

		return ""
	}))

	api := router.Group("/api/modules")
	{
		api.GET("", getModules)
		api.POST("", postModuleInstall)
		api.POST("/check", postModulesCheck)

		module := api.Group("/:module")
		{
			module.GET("", getModule)
			module.GET("/migrations", getModuleMigrations)
			module.POST("/prepare-db", postModulePrepareDatabase)
			module.POST("/activate", postModuleActivate)
			module.POST("/deactivate", postModuleDeactivate)
			module.DELETE("", deleteModule)
		}
	}

	return router
}
