package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"stoktracker/internal/pos"
)

// Store is the durable local database backing products, sales and the
// sync queue. Every exported call is a single transaction, so a crash
// between two calls never leaves a half-written record.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema. Use ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	return New(db, logger)
}

// New wraps an already-open gorm DB and migrates the product and sale schema.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	// sqlite allows a single writer; one pooled connection also keeps
	// in-memory databases stable across goroutines.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&pos.Product{}, &pos.Sale{}, &pos.SaleItem{}); err != nil {
		return nil, fmt.Errorf("failed to migrate local database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying gorm handle so the sync queue can share the
// same database file.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(p *pos.Product) error {
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(p).Error; err != nil {
		return fmt.Errorf("failed to put product: %w", err)
	}
	return nil
}

// GetProduct retrieves a product by id.
func (s *Store) GetProduct(id string) (*pos.Product, error) {
	var p pos.Product
	if err := s.db.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pos.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

// ListProducts returns all products in insertion order.
func (s *Store) ListProducts() ([]*pos.Product, error) {
	var products []*pos.Product
	if err := s.db.Order("created_at").Find(&products).Error; err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return products, nil
}

// DeleteProduct removes a product by id.
func (s *Store) DeleteProduct(id string) error {
	result := s.db.Delete(&pos.Product{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete product: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return pos.ErrNotFound
	}
	return nil
}

// CreateSaleWithStock persists the sale with its items and decrements the
// stock of every referenced product in one transaction. The whole sale is
// rejected if any line would drive stock negative.
func (s *Store) CreateSaleWithStock(sale *pos.Sale) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, item := range sale.Items {
			result := tx.Model(&pos.Product{}).
				Where("id = ? AND stock >= ?", item.ProductID, item.Quantity).
				UpdateColumn("stock", gorm.Expr("stock - ?", item.Quantity))
			if result.Error != nil {
				return fmt.Errorf("failed to decrement stock: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				var count int64
				if err := tx.Model(&pos.Product{}).Where("id = ?", item.ProductID).Count(&count).Error; err != nil {
					return fmt.Errorf("failed to check product: %w", err)
				}
				if count == 0 {
					return pos.ErrNotFound
				}
				return pos.ErrStockInsufficient
			}
		}
		if err := tx.Create(sale).Error; err != nil {
			return fmt.Errorf("failed to create sale: %w", err)
		}
		return nil
	})
}

// GetSale retrieves a sale with its items.
func (s *Store) GetSale(id string) (*pos.Sale, error) {
	var sale pos.Sale
	if err := s.db.Preload("Items").First(&sale, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pos.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sale: %w", err)
	}
	return &sale, nil
}

// ListSales returns all sales with their items in insertion order.
func (s *Store) ListSales() ([]*pos.Sale, error) {
	var sales []*pos.Sale
	if err := s.db.Preload("Items").Order("created_at").Find(&sales).Error; err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	return sales, nil
}

// RemapProductIDTx rewrites a locally-generated product id to the
// server-assigned one on the caller's transaction: the product row
// itself and every sale item referencing it. The product is marked
// synced by the same rewrite.
func (s *Store) RemapProductIDTx(tx *gorm.DB, localID, serverID string) error {
	if err := tx.Model(&pos.Product{}).Where("id = ?", localID).
		UpdateColumns(map[string]any{"id": serverID, "synced": true}).Error; err != nil {
		return fmt.Errorf("failed to remap product id: %w", err)
	}
	if err := tx.Model(&pos.SaleItem{}).Where("product_id = ?", localID).
		UpdateColumn("product_id", serverID).Error; err != nil {
		return fmt.Errorf("failed to remap sale item references: %w", err)
	}
	s.logger.Debug("product id remapped", zap.String("local_id", localID), zap.String("server_id", serverID))
	return nil
}

// RemapProductID runs RemapProductIDTx in its own transaction.
func (s *Store) RemapProductID(localID, serverID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.RemapProductIDTx(tx, localID, serverID)
	})
}

// RemapSaleIDTx rewrites a locally-generated sale id to the
// server-assigned one on the caller's transaction and marks the sale
// synced.
func (s *Store) RemapSaleIDTx(tx *gorm.DB, localID, serverID string) error {
	if err := tx.Model(&pos.Sale{}).Where("id = ?", localID).
		UpdateColumns(map[string]any{"id": serverID, "synced": true}).Error; err != nil {
		return fmt.Errorf("failed to remap sale id: %w", err)
	}
	if err := tx.Model(&pos.SaleItem{}).Where("sale_id = ?", localID).
		UpdateColumn("sale_id", serverID).Error; err != nil {
		return fmt.Errorf("failed to remap sale item parents: %w", err)
	}
	s.logger.Debug("sale id remapped", zap.String("local_id", localID), zap.String("server_id", serverID))
	return nil
}

// RemapSaleID runs RemapSaleIDTx in its own transaction.
func (s *Store) RemapSaleID(localID, serverID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.RemapSaleIDTx(tx, localID, serverID)
	})
}

// MarkProductSyncedTx flags a product as confirmed by the server.
func (s *Store) MarkProductSyncedTx(tx *gorm.DB, id string) error {
	if err := tx.Model(&pos.Product{}).Where("id = ?", id).UpdateColumn("synced", true).Error; err != nil {
		return fmt.Errorf("failed to mark product synced: %w", err)
	}
	return nil
}

// MarkSaleSyncedTx flags a sale as confirmed by the server.
func (s *Store) MarkSaleSyncedTx(tx *gorm.DB, id string) error {
	if err := tx.Model(&pos.Sale{}).Where("id = ?", id).UpdateColumn("synced", true).Error; err != nil {
		return fmt.Errorf("failed to mark sale synced: %w", err)
	}
	return nil
}
