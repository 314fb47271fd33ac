package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/recetteo/listes/pkg/model"
)

// Bridge merges incoming mutations into the stored record. Each apply loads
// the current record (absent lists start empty), replaces one of the two
// fields, bumps the version and writes the result back.
type Bridge struct {
	store Store
}

func NewBridge(store Store) *Bridge {
	return &Bridge{store: store}
}

// ApplyListUpdate replaces the items of a list, keeping its categories.
// The merged record is returned even when the save fails so that the caller
// can still broadcast it; durability here is best-effort.
func (b *Bridge) ApplyListUpdate(ctx context.Context, listID string, items []model.Item) (*model.Record, error) {
	current, err := b.loadOrEmpty(ctx, listID)
	if err != nil {
		return nil, err
	}
	current.List = items
	current.Version++
	if err := b.store.Save(ctx, listID, current); err != nil {
		return current, fmt.Errorf("failed to persist list update: %w", err)
	}
	return current, nil
}

// ApplyCategoriesUpdate replaces the categories of a list, keeping its items.
func (b *Bridge) ApplyCategoriesUpdate(ctx context.Context, listID string, categories []model.Category) (*model.Record, error) {
	current, err := b.loadOrEmpty(ctx, listID)
	if err != nil {
		return nil, err
	}
	current.Categories = categories
	current.Version++
	if err := b.store.Save(ctx, listID, current); err != nil {
		return current, fmt.Errorf("failed to persist categories update: %w", err)
	}
	return current, nil
}

func (b *Bridge) loadOrEmpty(ctx context.Context, listID string) (*model.Record, error) {
	current, err := b.store.Load(ctx, listID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &model.Record{List: []model.Item{}, Categories: []model.Category{}}, nil
		}
		return nil, fmt.Errorf("failed to load current record: %w", err)
	}
	return current, nil
}
