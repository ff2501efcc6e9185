package router

import (
	"github.com/gin-gonic/gin"

	"chatwire.app/sessiond/internal/http/handler"
)

func SetupRoutes(router *gin.Engine, channels *handler.ChannelHandler, sessions *handler.SessionsHandler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		ChannelRouter(v1.Group("/orgs/:org_id/channels"), channels)
		v1.GET("/sessions", sessions.List)
	}
}
