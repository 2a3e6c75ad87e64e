package models

// StockStatus is the availability state of an item.
type StockStatus string

const (
	StockInStock    StockStatus = "In Stock"
	StockOutOfStock StockStatus = "Out of Stock"
	StockBackorder  StockStatus = "Backordered"
)

// StockStatuses lists every accepted stock status.
var StockStatuses = []StockStatus{StockInStock, StockOutOfStock, StockBackorder}

// Valid reports whether s is one of the known stock statuses.
func (s StockStatus) Valid() bool {
	for _, known := range StockStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Item represents a stock keeping unit in the catalog.
// Items belong to exactly one category and are removed with it.
type Item struct {
	ID             uint        `gorm:"primaryKey"`
	SKU            string      `gorm:"column:sku;uniqueIndex;size:100;not null"`
	Name           string      `gorm:"size:255;not null"`
	CategoryName   string      `gorm:"column:category_name;size:100;not null;index"`
	Category       Category    `gorm:"foreignKey:CategoryName;references:Name;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Tags           *string     `gorm:"size:255"`
	StockStatus    StockStatus `gorm:"size:20;not null"`
	AvailableStock int         `gorm:"not null;default:0"`
}

func (i *Item) TableName() string {
	return "items"
}
