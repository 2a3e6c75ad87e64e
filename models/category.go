package models

// Category groups catalog items.
// Its name is both the primary key and the value items reference.
type Category struct {
	Name string `gorm:"primaryKey;size:100"`
}

func (c *Category) TableName() string {
	return "categories"
}
