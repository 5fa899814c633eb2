package router

import (
	"github.com/gin-gonic/gin"

	"github.com/navid-fn/txradar/server/internal/handler"
)

type Config struct {
	RollupHandler *handler.RollupHandler
}

func NewRouter(cfg *Config) *gin.Engine {
	router := gin.Default()

	api := router.Group("/v1")
	registerRollupRoutes(api, cfg.RollupHandler)

	return router
}
