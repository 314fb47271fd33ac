package store

import (
	"context"
	"errors"
	"testing"

	"github.com/recetteo/listes/pkg/model"
)

type memStore struct {
	records map[string]*model.Record
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*model.Record)}
}

func (m *memStore) Load(_ context.Context, listID string) (*model.Record, error) {
	r, ok := m.records[listID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) Save(_ context.Context, listID string, record *model.Record) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *record
	m.records[listID] = &cp
	return nil
}

func TestApplyListUpdateOnAbsentRecord(t *testing.T) {
	mem := newMemStore()
	bridge := NewBridge(mem)

	items := []model.Item{{ID: 1, Label: "milk", Category: "dairy", Color: "#fff"}}
	record, err := bridge.ApplyListUpdate(context.Background(), "abc", items)
	if err != nil {
		t.Fatalf("ApplyListUpdate: %v", err)
	}
	if record.Version != 1 {
		t.Fatalf("Version = %d, want 1", record.Version)
	}
	if !model.ItemsEqual(record.List, items) {
		t.Fatalf("List = %+v, want incoming payload", record.List)
	}
	if len(record.Categories) != 0 {
		t.Fatalf("Categories = %+v, want empty", record.Categories)
	}
	if stored := mem.records["abc"]; stored == nil || stored.Version != 1 {
		t.Fatalf("stored record = %+v, want version 1", stored)
	}
}

func TestApplyListUpdateKeepsCategories(t *testing.T) {
	mem := newMemStore()
	mem.records["abc"] = &model.Record{
		Categories: []model.Category{{Label: "dairy", Color: "#fff"}},
		Version:    4,
	}
	bridge := NewBridge(mem)

	record, err := bridge.ApplyListUpdate(context.Background(), "abc", []model.Item{{ID: 2, Label: "eggs"}})
	if err != nil {
		t.Fatalf("ApplyListUpdate: %v", err)
	}
	if record.Version != 5 {
		t.Fatalf("Version = %d, want 5", record.Version)
	}
	if len(record.Categories) != 1 || record.Categories[0].Label != "dairy" {
		t.Fatalf("Categories = %+v, want preserved", record.Categories)
	}
}

func TestApplyCategoriesUpdateKeepsItems(t *testing.T) {
	mem := newMemStore()
	mem.records["abc"] = &model.Record{
		List:    []model.Item{{ID: 1, Label: "milk"}},
		Version: 1,
	}
	bridge := NewBridge(mem)

	categories := []model.Category{{Label: "bakery", Color: "#a00"}}
	record, err := bridge.ApplyCategoriesUpdate(context.Background(), "abc", categories)
	if err != nil {
		t.Fatalf("ApplyCategoriesUpdate: %v", err)
	}
	if record.Version != 2 {
		t.Fatalf("Version = %d, want 2", record.Version)
	}
	if len(record.List) != 1 || record.List[0].Label != "milk" {
		t.Fatalf("List = %+v, want preserved", record.List)
	}
	if !model.CategoriesEqual(record.Categories, categories) {
		t.Fatalf("Categories = %+v, want incoming payload", record.Categories)
	}
}

func TestSaveFailureStillReturnsMergedRecord(t *testing.T) {
	mem := newMemStore()
	mem.saveErr = errors.New("disk full")
	bridge := NewBridge(mem)

	record, err := bridge.ApplyListUpdate(context.Background(), "abc", []model.Item{{ID: 1, Label: "milk"}})
	if err == nil {
		t.Fatal("expected save error")
	}
	if record == nil || record.Version != 1 {
		t.Fatalf("record = %+v, want merged record despite failure", record)
	}
}
