package pos

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payment methods accepted at the point of sale.
const (
	PaymentCash        = "cash"
	PaymentMobileMoney = "mobile_money"
	PaymentCard        = "card"
	PaymentCredit      = "credit"
)

// LocalIDPrefix marks identifiers generated on-device before the server
// has assigned a canonical one.
const LocalIDPrefix = "local-"

// NewLocalID generates a temporary identifier for a record created offline.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was generated on-device and still needs to
// be remapped to a server-assigned identifier.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// NewReceiptNumber generates a receipt number for a sale recorded offline.
// The server keeps it if it is free for the owner, otherwise rejects the sale.
func NewReceiptNumber() string {
	return "RCT-" + strings.ToUpper(uuid.NewString()[:8])
}

// Product is a tracked stock item.
type Product struct {
	ID             string    `gorm:"primarykey;size:64" json:"id"`
	Name           string    `gorm:"size:100;not null" json:"name"`
	Barcode        string    `gorm:"size:64;index" json:"barcode,omitempty"`
	BuyPrice       float64   `gorm:"not null" json:"buyPrice"`
	SellPrice      float64   `gorm:"not null" json:"sellPrice"`
	Stock          int       `gorm:"not null;default:0" json:"stock"`
	AlertThreshold int       `gorm:"not null;default:0" json:"alertThreshold"`
	OwnerID        string    `gorm:"size:64;index" json:"ownerId,omitempty"`
	Synced         bool      `gorm:"not null;default:false" json:"synced"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TableName returns the table name for Product.
func (Product) TableName() string {
	return "products"
}

// NeedsRestock reports whether stock has reached the alert threshold.
func (p *Product) NeedsRestock() bool {
	return p.Stock <= p.AlertThreshold
}

// SaleItem is one line of a sale. Prices are snapshots taken at sale time
// and never change afterwards, even if the product's prices do.
type SaleItem struct {
	ID        uint    `gorm:"primarykey" json:"-"`
	SaleID    string  `gorm:"size:64;index" json:"-"`
	ProductID string  `gorm:"size:64;index" json:"productId"`
	Quantity  int     `gorm:"not null" json:"quantity"`
	BuyPrice  float64 `gorm:"not null" json:"buyPrice"`
	SellPrice float64 `gorm:"not null" json:"sellPrice"`
	Subtotal  float64 `gorm:"not null" json:"subtotal"`
}

// TableName returns the table name for SaleItem.
func (SaleItem) TableName() string {
	return "sale_items"
}

// Sale is a completed transaction with its line items.
type Sale struct {
	ID            string     `gorm:"primarykey;size:64" json:"id"`
	Items         []SaleItem `gorm:"foreignKey:SaleID" json:"items"`
	Total         float64    `gorm:"not null" json:"total"`
	TotalCost     float64    `gorm:"not null" json:"totalCost"`
	Profit        float64    `gorm:"not null" json:"profit"`
	PaymentMethod string     `gorm:"size:20;not null" json:"paymentMethod"`
	CustomerName  string     `gorm:"size:100" json:"customerName,omitempty"`
	CustomerPhone string     `gorm:"size:30" json:"customerPhone,omitempty"`
	ReceiptNumber string     `gorm:"size:32;index" json:"receiptNumber"`
	OwnerID       string     `gorm:"size:64;index" json:"ownerId,omitempty"`
	SoldAt        time.Time  `json:"soldAt"`
	Synced        bool       `gorm:"not null;default:false" json:"synced"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// TableName returns the table name for Sale.
func (Sale) TableName() string {
	return "sales"
}

// ValidPaymentMethod reports whether m is one of the accepted payment methods.
func ValidPaymentMethod(m string) bool {
	switch m {
	case PaymentCash, PaymentMobileMoney, PaymentCard, PaymentCredit:
		return true
	}
	return false
}
