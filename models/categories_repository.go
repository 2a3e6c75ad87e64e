package models

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type CategoriesRepository struct {
	db *gorm.DB
}

var (
	// ErrCategoryNotFound is returned when no category has the requested name.
	ErrCategoryNotFound = errors.New("category not found")
	// ErrDuplicateCategory is returned when the category name is already taken.
	ErrDuplicateCategory = errors.New("category with this name already exists")
)

func NewCategoriesRepository(db *gorm.DB) *CategoriesRepository {
	return &CategoriesRepository{db: db}
}

func (r *CategoriesRepository) GetAllCategories(ctx context.Context) ([]Category, error) {
	categories := []Category{}
	if err := r.db.WithContext(ctx).Order("name").Find(&categories).Error; err != nil {
		return nil, err
	}
	return categories, nil
}

// CreateCategory inserts category, relying on the primary key for uniqueness.
func (r *CategoriesRepository) CreateCategory(ctx context.Context, category *Category) error {
	if err := r.db.WithContext(ctx).Create(category).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateCategory
		}
		return err
	}
	return nil
}

// DeleteCategory removes the named category together with its items.
// The foreign key cascades as well; deleting the items explicitly keeps the
// behaviour identical on stores where constraints are not enforced.
func (r *CategoriesRepository) DeleteCategory(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var category Category
		if err := tx.Where("name = ?", name).First(&category).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCategoryNotFound
			}
			return err
		}

		if err := tx.Where("category_name = ?", name).Delete(&Item{}).Error; err != nil {
			return err
		}
		return tx.Delete(&category).Error
	})
}
