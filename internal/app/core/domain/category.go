package domain

import (
	"fmt"
	"strings"
)

// Category 支出分類 (封閉集合)
type Category string

const (
	CategoryTravel   Category = "travel"
	CategoryFood     Category = "food"
	CategoryBills    Category = "bills"
	CategoryShopping Category = "shopping"
	CategoryOther    Category = "other"
)

// Categories 全部合法分類，順序固定
var Categories = []Category{
	CategoryTravel,
	CategoryFood,
	CategoryBills,
	CategoryShopping,
	CategoryOther,
}

// ParseCategory 不分大小寫解析分類，未知分類回傳 ErrValidation
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrValidation, s)
	}
	return c, nil
}

// Valid 是否屬於封閉集合
func (c Category) Valid() bool {
	switch c {
	case CategoryTravel, CategoryFood, CategoryBills, CategoryShopping, CategoryOther:
		return true
	}
	return false
}

func (c Category) String() string {
	return string(c)
}
