package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"stoktracker/internal/engine"
	"stoktracker/internal/pos"
	"stoktracker/internal/queue"
)

// InitRoutes registers all POS and sync endpoints on the given Gin engine.
// The caller owns the wiring of service, engine and queue; the router only
// binds each HTTP method and path to the appropriate handler function.
func InitRoutes(e *gin.Engine, service *pos.Service, eng *engine.Engine, q *queue.Queue, logger *zap.Logger) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	handler := NewPOSHandler(service, eng, q, logger)

	e.POST("/products", handler.handleCreateProduct)
	e.GET("/products", handler.handleListProducts)
	e.GET("/products/:id", handler.handleGetProduct)
	e.PUT("/products/:id", handler.handleUpdateProduct)
	e.DELETE("/products/:id", handler.handleDeleteProduct)

	e.POST("/sales", handler.handleCreateSale)
	e.GET("/sales", handler.handleListSales)

	e.POST("/sync", handler.handleManualSync)
	e.GET("/sync/status", handler.handleSyncStatus)
	e.GET("/sync/attention", handler.handleSyncAttention)
	e.POST("/sync/attention/:id/retry", handler.handleRetryAttention)

	e.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
}
