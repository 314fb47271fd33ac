package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// Category groups items on a list. Categories are identified by label.
type Category struct {
	Label string `json:"label"`
	Color string `json:"color"`
}

// Item is one entry on a list.
type Item struct {
	ID       int    `json:"id"`
	Label    string `json:"label"`
	Category string `json:"category"`
	Color    string `json:"color"`
	Done     bool   `json:"done"`
}

// Record is the stored form of a list. Version increases by one on every
// accepted mutation.
type Record struct {
	List       []Item     `json:"list"`
	Categories []Category `json:"categories"`
	Version    int        `json:"version"`
}

// DeriveListID maps a user-chosen list name to the opaque id used on the
// wire and in storage.
func DeriveListID(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

func CloneCategories(categories []Category) []Category {
	if categories == nil {
		return nil
	}
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

func ItemsEqual(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func CategoriesEqual(a, b []Category) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
