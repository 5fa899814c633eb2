package router

import (
	"github.com/gin-gonic/gin"

	"github.com/navid-fn/txradar/server/internal/handler"
)

func registerRollupRoutes(router *gin.RouterGroup, rollupHandler *handler.RollupHandler) {
	rollups := router.Group("/rollups")
	{
		rollups.GET("", rollupHandler.GetRollups)
		rollups.GET("/summary", rollupHandler.GetSummary)
	}
}
