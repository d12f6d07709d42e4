package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, unlockToken string, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(CORS())
	router.Use(ErrorHandler())

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	api := router.Group("/api")

	commands := api.Group("/commands")
	{
		commands.GET("/:id", handlers.GetCommand)
		commands.GET("/:id/wait", handlers.WaitCommand)
		commands.POST("/unlock", handlers.CreateUnlock)
	}

	// Quick unlock for phone shortcuts
	unlock := api.Group("/unlock")
	unlock.Use(UnlockToken(unlockToken))
	{
		unlock.POST("/:deviceId", handlers.QuickUnlock)
		unlock.GET("/:deviceId", handlers.QuickUnlock)
	}

	devices := api.Group("/devices")
	{
		devices.GET("", handlers.ListDevices)
		devices.GET("/:id", handlers.GetDevice)
		devices.GET("/:id/whitelist", handlers.GetWhitelist)
		devices.GET("/:id/blacklist", handlers.GetBlacklist)
		devices.GET("/:id/pending", handlers.GetPendingUIDs)
		devices.GET("/:id/commands", handlers.GetCommandHistory)
		devices.GET("/:id/logs", handlers.GetAccessLogs)
		devices.GET("/:id/health", handlers.GetHealth)
		devices.GET("/:id/names", handlers.GetUIDNames)
		devices.POST("/:id/commands", handlers.CreateCommand)
	}

	api.PATCH("/uids/:id", handlers.UpdateUIDName)
}
