package router

import (
	"github.com/gin-gonic/gin"

	"basegraph.app/observer/internal/http/handler"
)

func SetupRoutes(router *gin.Engine, status *handler.StatusHandler) {
	router.GET("/health", status.Health)
	router.GET("/status", status.Status)
}
