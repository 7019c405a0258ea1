package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"stoktracker/internal/engine"
	"stoktracker/internal/pos"
	"stoktracker/internal/queue"
)

// posHandler holds the POS service and sync engine and implements the
// HTTP handlers exposed to the UI layer.
type posHandler struct {
	service *pos.Service
	engine  *engine.Engine
	queue   *queue.Queue
	logger  *zap.Logger
}

// NewPOSHandler creates a new POS handler.
func NewPOSHandler(service *pos.Service, eng *engine.Engine, q *queue.Queue, logger *zap.Logger) *posHandler {
	return &posHandler{
		service: service,
		engine:  eng,
		queue:   q,
		logger:  logger,
	}
}

func (h *posHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pos.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case errors.Is(err, pos.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, pos.ErrStockInsufficient):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient stock"})
	case errors.Is(err, queue.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "queue item not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// handleCreateProduct handles POST /products.
func (h *posHandler) handleCreateProduct(c *gin.Context) {
	var req pos.ProductInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("failed to bind product payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	product, err := h.service.CreateProduct(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.engine.TriggerSync()
	c.JSON(http.StatusCreated, product)
}

// handleUpdateProduct handles PUT /products/:id.
func (h *posHandler) handleUpdateProduct(c *gin.Context) {
	var req pos.ProductInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	product, err := h.service.UpdateProduct(c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.engine.TriggerSync()
	c.JSON(http.StatusOK, product)
}

// handleDeleteProduct handles DELETE /products/:id.
func (h *posHandler) handleDeleteProduct(c *gin.Context) {
	if err := h.service.DeleteProduct(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	h.engine.TriggerSync()
	c.Status(http.StatusNoContent)
}

// handleGetProduct handles GET /products/:id.
func (h *posHandler) handleGetProduct(c *gin.Context) {
	product, err := h.service.GetProduct(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// handleListProducts handles GET /products. Products at or below their
// alert threshold are listed separately so the UI can surface restock
// alerts.
func (h *posHandler) handleListProducts(c *gin.Context) {
	products, err := h.service.ListProducts()
	if err != nil {
		h.respondError(c, err)
		return
	}
	restock := make([]string, 0)
	for _, p := range products {
		if p.NeedsRestock() {
			restock = append(restock, p.ID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": products, "restockAlerts": restock})
}

// handleCreateSale handles POST /sales.
func (h *posHandler) handleCreateSale(c *gin.Context) {
	var req pos.SaleInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	sale, err := h.service.CreateSale(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.engine.TriggerSync()
	c.JSON(http.StatusCreated, sale)
}

// handleListSales handles GET /sales.
func (h *posHandler) handleListSales(c *gin.Context) {
	sales, err := h.service.ListSales()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": sales})
}

// handleManualSync handles POST /sync.
func (h *posHandler) handleManualSync(c *gin.Context) {
	h.engine.TriggerSync()
	c.JSON(http.StatusAccepted, gin.H{"message": "sync requested"})
}

// handleSyncStatus handles GET /sync/status.
func (h *posHandler) handleSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Snapshot())
}

// handleSyncAttention handles GET /sync/attention: queue items rejected
// by the server, waiting for the user to edit-and-retry or discard.
func (h *posHandler) handleSyncAttention(c *gin.Context) {
	items, err := h.queue.FailedItems()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": items})
}

// handleRetryAttention handles POST /sync/attention/:id/retry.
func (h *posHandler) handleRetryAttention(c *gin.Context) {
	if err := h.queue.Retry(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	h.engine.TriggerSync()
	c.JSON(http.StatusOK, gin.H{"message": "item requeued"})
}
