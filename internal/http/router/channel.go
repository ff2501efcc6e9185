package router

import (
	"github.com/gin-gonic/gin"

	"chatwire.app/sessiond/internal/http/handler"
)

func ChannelRouter(rg *gin.RouterGroup, h *handler.ChannelHandler) {
	rg.POST("/:channel_id/start", h.Start)
	rg.POST("/:channel_id/stop", h.Stop)
	rg.POST("/:channel_id/messages", h.Send)
	rg.GET("/:channel_id/status", h.Status)
}
