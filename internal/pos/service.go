package pos

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Entity types and actions carried by sync queue entries.
const (
	EntityProduct = "product"
	EntitySale    = "sale"

	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ErrNotFound is returned when a record with the given ID is not found.
var ErrNotFound = errors.New("record not found")

// ErrStockInsufficient is returned when a sale would drive stock negative.
var ErrStockInsufficient = errors.New("insufficient stock")

// ErrInvalidInput is returned for inputs that fail validation.
var ErrInvalidInput = errors.New("invalid input")

// Store is the local persistence layer the service writes through.
type Store interface {
	PutProduct(p *Product) error
	GetProduct(id string) (*Product, error)
	ListProducts() ([]*Product, error)
	DeleteProduct(id string) error
	CreateSaleWithStock(s *Sale) error
	GetSale(id string) (*Sale, error)
	ListSales() ([]*Sale, error)
}

// Queue receives one entry per local mutation; entries are drained against
// the server by the sync engine.
type Queue interface {
	Enqueue(entityType, action, entityID string, payload any) (string, error)
	PendingCount() (int64, error)
}

// ProductInput is the UI payload for creating or updating a product.
type ProductInput struct {
	Name           string  `json:"name"`
	Barcode        string  `json:"barcode"`
	BuyPrice       float64 `json:"buyPrice"`
	SellPrice      float64 `json:"sellPrice"`
	Stock          int     `json:"stock"`
	AlertThreshold int     `json:"alertThreshold"`
}

// SaleLineInput is one requested line of a sale.
type SaleLineInput struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// SaleInput is the UI payload for recording a sale.
type SaleInput struct {
	Lines         []SaleLineInput `json:"lines"`
	PaymentMethod string          `json:"paymentMethod"`
	CustomerName  string          `json:"customerName"`
	CustomerPhone string          `json:"customerPhone"`
}

// Service provides the local-first product and sale operations exposed to
// the UI. Every mutation writes the local store and enqueues a sync entry
// in the same call.
type Service struct {
	store  Store
	queue  Queue
	logger *zap.Logger
}

// NewService creates a new Service.
func NewService(store Store, queue Queue, logger *zap.Logger) *Service {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &Service{store: store, queue: queue, logger: logger}
}

func validateProductInput(in ProductInput) error {
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.BuyPrice < 0 || in.SellPrice < 0 {
		return fmt.Errorf("%w: prices must not be negative", ErrInvalidInput)
	}
	if in.Stock < 0 || in.AlertThreshold < 0 {
		return fmt.Errorf("%w: stock and alert threshold must not be negative", ErrInvalidInput)
	}
	return nil
}

// CreateProduct stores a new product under a temporary local id and
// enqueues its creation for the next sync pass.
func (s *Service) CreateProduct(in ProductInput) (*Product, error) {
	if err := validateProductInput(in); err != nil {
		return nil, err
	}

	now := time.Now()
	product := &Product{
		ID:             NewLocalID(),
		Name:           in.Name,
		Barcode:        in.Barcode,
		BuyPrice:       in.BuyPrice,
		SellPrice:      in.SellPrice,
		Stock:          in.Stock,
		AlertThreshold: in.AlertThreshold,
		Synced:         false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.PutProduct(product); err != nil {
		s.logger.Error("failed to save product", zap.String("product_id", product.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to save product: %w", err)
	}
	if _, err := s.queue.Enqueue(EntityProduct, ActionCreate, product.ID, product); err != nil {
		s.logger.Error("failed to enqueue product create", zap.String("product_id", product.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to enqueue product create: %w", err)
	}

	s.logger.Info("product created", zap.String("product_id", product.ID), zap.String("name", product.Name))
	return product, nil
}

// UpdateProduct applies in to an existing product and enqueues the update.
// Updates to a not-yet-synced product coalesce into its pending create.
func (s *Service) UpdateProduct(id string, in ProductInput) (*Product, error) {
	if err := validateProductInput(in); err != nil {
		return nil, err
	}

	product, err := s.store.GetProduct(id)
	if err != nil {
		return nil, err
	}

	product.Name = in.Name
	product.Barcode = in.Barcode
	product.BuyPrice = in.BuyPrice
	product.SellPrice = in.SellPrice
	product.Stock = in.Stock
	product.AlertThreshold = in.AlertThreshold
	product.Synced = false
	product.UpdatedAt = time.Now()

	if err := s.store.PutProduct(product); err != nil {
		s.logger.Error("failed to update product", zap.String("product_id", product.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to update product: %w", err)
	}
	if _, err := s.queue.Enqueue(EntityProduct, ActionUpdate, product.ID, product); err != nil {
		return nil, fmt.Errorf("failed to enqueue product update: %w", err)
	}

	s.logger.Info("product updated", zap.String("product_id", product.ID))
	return product, nil
}

// DeleteProduct removes the product locally and enqueues the deletion.
// Deleting a product whose create is still pending cancels both.
func (s *Service) DeleteProduct(id string) error {
	if _, err := s.store.GetProduct(id); err != nil {
		return err
	}
	if err := s.store.DeleteProduct(id); err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if _, err := s.queue.Enqueue(EntityProduct, ActionDelete, id, nil); err != nil {
		return fmt.Errorf("failed to enqueue product delete: %w", err)
	}

	s.logger.Info("product deleted", zap.String("product_id", id))
	return nil
}

// GetProduct returns a single product by id.
func (s *Service) GetProduct(id string) (*Product, error) {
	return s.store.GetProduct(id)
}

// ListProducts returns all products.
func (s *Service) ListProducts() ([]*Product, error) {
	return s.store.ListProducts()
}

// CreateSale records a sale: snapshots the current prices of every line,
// computes totals, decrements stock in the same store transaction that
// persists the sale, and enqueues it for sync. A line may reference a
// product that has not reached the server yet; queue ordering guarantees
// the product create is applied first.
func (s *Service) CreateSale(in SaleInput) (*Sale, error) {
	if len(in.Lines) == 0 {
		return nil, fmt.Errorf("%w: a sale needs at least one line", ErrInvalidInput)
	}
	if !ValidPaymentMethod(in.PaymentMethod) {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, in.PaymentMethod)
	}

	now := time.Now()
	sale := &Sale{
		ID:            NewLocalID(),
		PaymentMethod: in.PaymentMethod,
		CustomerName:  in.CustomerName,
		CustomerPhone: in.CustomerPhone,
		ReceiptNumber: NewReceiptNumber(),
		SoldAt:        now,
		Synced:        false,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for _, line := range in.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be greater than zero", ErrInvalidInput)
		}
		product, err := s.store.GetProduct(line.ProductID)
		if err != nil {
			return nil, err
		}
		item := SaleItem{
			SaleID:    sale.ID,
			ProductID: product.ID,
			Quantity:  line.Quantity,
			BuyPrice:  product.BuyPrice,
			SellPrice: product.SellPrice,
			Subtotal:  product.SellPrice * float64(line.Quantity),
		}
		sale.Items = append(sale.Items, item)
		sale.Total += item.Subtotal
		sale.TotalCost += item.BuyPrice * float64(line.Quantity)
	}
	sale.Profit = sale.Total - sale.TotalCost

	if err := s.store.CreateSaleWithStock(sale); err != nil {
		s.logger.Error("failed to record sale", zap.String("sale_id", sale.ID), zap.Error(err))
		return nil, err
	}
	if _, err := s.queue.Enqueue(EntitySale, ActionCreate, sale.ID, sale); err != nil {
		return nil, fmt.Errorf("failed to enqueue sale create: %w", err)
	}

	s.logger.Info("sale recorded",
		zap.String("sale_id", sale.ID),
		zap.String("receipt", sale.ReceiptNumber),
		zap.Float64("total", sale.Total),
		zap.Float64("profit", sale.Profit),
	)
	return sale, nil
}

// ListSales returns all recorded sales.
func (s *Service) ListSales() ([]*Sale, error) {
	return s.store.ListSales()
}

// PendingSyncCount returns the number of queued mutations awaiting sync.
func (s *Service) PendingSyncCount() (int64, error) {
	return s.queue.PendingCount()
}
