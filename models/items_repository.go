package models

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ItemsRepository struct {
	db *gorm.DB
}

var (
	// ErrItemNotFound is returned when no item has the requested SKU.
	ErrItemNotFound = errors.New("item not found")
	// ErrDuplicateSKU is returned when a write collides with an existing SKU.
	ErrDuplicateSKU = errors.New("item with this SKU already exists")
	// ErrUnknownCategory is returned when an item references a missing category.
	ErrUnknownCategory = errors.New("category does not exist")
	// ErrInvalidOrderField is returned for an order_by value that is not an item field.
	ErrInvalidOrderField = errors.New("invalid order_by field")
)

// ItemFilters narrows GetFilteredItems. Empty fields are ignored.
type ItemFilters struct {
	Search      string
	OrderBy     string
	SKU         string
	Name        string
	Category    string
	StockStatus string
}

// orderColumns maps the JSON field names clients sort by to item columns.
var orderColumns = map[string]string{
	"id":              "id",
	"SKU":             "sku",
	"sku":             "sku",
	"name":            "name",
	"category":        "category_name",
	"tags":            "tags",
	"stock_status":    "stock_status",
	"available_stock": "available_stock",
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(s)) + "%"
}

func NewItemsRepository(db *gorm.DB) *ItemsRepository {
	return &ItemsRepository{
		db: db,
	}
}

// GetFilteredItems returns the items matching every non-empty filter.
// Filters are applied in the order search, order_by, sku, name, category, stock_status.
func (r *ItemsRepository) GetFilteredItems(ctx context.Context, filters ItemFilters) ([]Item, error) {
	query := r.db.WithContext(ctx).Model(&Item{})

	if filters.Search != "" {
		query = query.Where("LOWER(items.name) LIKE ? ESCAPE '!'", containsPattern(filters.Search))
	}

	if filters.OrderBy != "" {
		field, desc := strings.CutPrefix(filters.OrderBy, "-")
		column, ok := orderColumns[field]
		if !ok {
			return nil, ErrInvalidOrderField
		}
		query = query.Order(clause.OrderByColumn{
			Column: clause.Column{Table: "items", Name: column},
			Desc:   desc,
		})
	}

	if filters.SKU != "" {
		query = query.Where("LOWER(items.sku) LIKE ? ESCAPE '!'", containsPattern(filters.SKU))
	}
	if filters.Name != "" {
		query = query.Where("LOWER(items.name) LIKE ? ESCAPE '!'", containsPattern(filters.Name))
	}

	if filters.Category != "" {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(&Category{}).
			Where("name = ?", filters.Category).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, ErrCategoryNotFound
		}
		query = query.Where("items.category_name = ?", filters.Category)
	}

	if filters.StockStatus != "" {
		query = query.Where("items.stock_status = ?", filters.StockStatus)
	}

	// Tie-break on insertion order so listings are stable.
	query = query.Order("items.id")

	items := []Item{}
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *ItemsRepository) GetBySKU(ctx context.Context, sku string) (*Item, error) {
	var item Item
	if err := r.db.WithContext(ctx).
		Where("sku = ?", sku).
		First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err // Other DB error
	}
	return &item, nil
}

// CreateItem inserts item. SKU uniqueness and the category reference are
// enforced by the database constraints, so concurrent creates cannot both win.
func (r *ItemsRepository) CreateItem(ctx context.Context, item *Item) error {
	if err := r.db.WithContext(ctx).
		Omit(clause.Associations).
		Create(item).Error; err != nil {
		return translateItemError(err)
	}
	return nil
}

// ReplaceItem overwrites every field of the item currently stored under sku.
// On success item carries the stored row's ID.
func (r *ItemsRepository) ReplaceItem(ctx context.Context, sku string, item *Item) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Item
		if err := tx.Where("sku = ?", sku).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrItemNotFound
			}
			return err
		}

		// Select every column so zero values and a nil tags field are written too.
		if err := tx.Model(&existing).
			Select("sku", "name", "category_name", "tags", "stock_status", "available_stock").
			Updates(map[string]any{
				"sku":             item.SKU,
				"name":            item.Name,
				"category_name":   item.CategoryName,
				"tags":            item.Tags,
				"stock_status":    item.StockStatus,
				"available_stock": item.AvailableStock,
			}).Error; err != nil {
			return translateItemError(err)
		}
		item.ID = existing.ID
		return nil
	})
}

// DeleteBySKU removes the items stored under sku and reports how many rows went.
// Deleting an unknown SKU is not an error.
func (r *ItemsRepository) DeleteBySKU(ctx context.Context, sku string) (int64, error) {
	res := r.db.WithContext(ctx).Where("sku = ?", sku).Delete(&Item{})
	return res.RowsAffected, res.Error
}

func translateItemError(err error) error {
	switch {
	case isDuplicateKey(err):
		return ErrDuplicateSKU
	case isForeignKeyViolation(err):
		return ErrUnknownCategory
	default:
		return err
	}
}

// isDuplicateKey recognises unique violations whether or not the dialector
// translated them into gorm.ErrDuplicatedKey.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate")
}

func isForeignKeyViolation(err error) bool {
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint")
}
