// Package diff compares two immutable list snapshots and reports the
// human-readable changes between them, for surfacing remote updates to a
// watching user.
package diff

import (
	"fmt"

	"github.com/recetteo/listes/pkg/model"
)

// CategoryRenameThreshold is the number of items that must move together
// from one category to another within a single update before the update is
// reported as a category rename instead of individual item moves.
const CategoryRenameThreshold = 3

type Kind int

const (
	ItemAdded Kind = iota
	ItemRemoved
	ItemRenamed
	ItemMoved
	ItemDone
	ItemNotDone
	CategoryAdded
	CategoryRemoved
	CategoryRenamed
	CategoryColorChanged
	CategoryMovedUp
	CategoryMovedDown
)

// Change is one reported difference between two snapshots.
type Change struct {
	Kind     Kind
	Label    string // subject of the change (new label when renamed)
	OldLabel string // previous label for renames
	From     string // previous category for item moves
	To       string // new category for item moves
	Count    int    // positions moved for category reorders
}

func (c Change) String() string {
	switch c.Kind {
	case ItemAdded:
		return fmt.Sprintf("Item %q added", c.Label)
	case ItemRemoved:
		return fmt.Sprintf("Item %q removed", c.Label)
	case ItemRenamed:
		return fmt.Sprintf("Item renamed: %q → %q", c.OldLabel, c.Label)
	case ItemMoved:
		return fmt.Sprintf("Item %q moved from %q to %q", c.Label, c.From, c.To)
	case ItemDone:
		return fmt.Sprintf("Item %q marked as done", c.Label)
	case ItemNotDone:
		return fmt.Sprintf("Item %q marked as not done", c.Label)
	case CategoryAdded:
		return fmt.Sprintf("Category %q added", c.Label)
	case CategoryRemoved:
		return fmt.Sprintf("Category %q removed", c.Label)
	case CategoryRenamed:
		return fmt.Sprintf("Category renamed: %q → %q", c.OldLabel, c.Label)
	case CategoryColorChanged:
		return fmt.Sprintf("Category %q changed color", c.Label)
	case CategoryMovedUp:
		return fmt.Sprintf("Category %q moved up %d position%s", c.Label, c.Count, plural(c.Count))
	case CategoryMovedDown:
		return fmt.Sprintf("Category %q moved down %d position%s", c.Label, c.Count, plural(c.Count))
	}
	return "unknown change"
}

func plural(n int) string {
	if n > 1 {
		return "s"
	}
	return ""
}

// Items reports the changes from old to new. Items are matched by id.
// When CategoryRenameThreshold or more items move from the same source
// category to the same destination in one update, the moves collapse into a
// single category-rename event.
func Items(old, new []model.Item) []Change {
	oldByID := make(map[int]model.Item, len(old))
	for _, it := range old {
		oldByID[it.ID] = it
	}
	newIDs := make(map[int]struct{}, len(new))

	var changes []Change
	type moveKey struct{ from, to string }
	moves := make(map[moveKey][]model.Item)
	var moveOrder []moveKey

	for _, it := range new {
		newIDs[it.ID] = struct{}{}
		prev, ok := oldByID[it.ID]
		if !ok {
			changes = append(changes, Change{Kind: ItemAdded, Label: it.Label})
			continue
		}
		if prev.Label != it.Label {
			changes = append(changes, Change{Kind: ItemRenamed, Label: it.Label, OldLabel: prev.Label})
		}
		if prev.Category != it.Category {
			k := moveKey{from: prev.Category, to: it.Category}
			if _, seen := moves[k]; !seen {
				moveOrder = append(moveOrder, k)
			}
			moves[k] = append(moves[k], it)
		}
		if prev.Done != it.Done {
			kind := ItemDone
			if !it.Done {
				kind = ItemNotDone
			}
			changes = append(changes, Change{Kind: kind, Label: it.Label})
		}
	}

	for _, k := range moveOrder {
		group := moves[k]
		if len(group) >= CategoryRenameThreshold {
			changes = append(changes, Change{Kind: CategoryRenamed, Label: k.to, OldLabel: k.from})
			continue
		}
		for _, it := range group {
			changes = append(changes, Change{Kind: ItemMoved, Label: it.Label, From: k.from, To: k.to})
		}
	}

	for _, it := range old {
		if _, ok := newIDs[it.ID]; !ok {
			changes = append(changes, Change{Kind: ItemRemoved, Label: it.Label})
		}
	}
	return changes
}

// Categories reports the changes from old to new. Categories are matched by
// label; a removed and an added category sharing a color are folded into a
// rename.
func Categories(old, new []model.Category) []Change {
	oldIdx := make(map[string]int, len(old))
	for i, c := range old {
		oldIdx[c.Label] = i
	}
	newIdx := make(map[string]int, len(new))
	for i, c := range new {
		newIdx[c.Label] = i
	}

	var added []model.Category
	for _, c := range new {
		if _, ok := oldIdx[c.Label]; !ok {
			added = append(added, c)
		}
	}
	var removed []model.Category
	for _, c := range old {
		if _, ok := newIdx[c.Label]; !ok {
			removed = append(removed, c)
		}
	}

	var changes []Change

	// Pair removed/added categories of the same color into renames.
	renamedFrom := make(map[string]struct{})
	renamedTo := make(map[string]struct{})
	for _, r := range removed {
		for _, a := range added {
			if _, taken := renamedTo[a.Label]; taken {
				continue
			}
			if a.Color == r.Color {
				changes = append(changes, Change{Kind: CategoryRenamed, Label: a.Label, OldLabel: r.Label})
				renamedFrom[r.Label] = struct{}{}
				renamedTo[a.Label] = struct{}{}
				break
			}
		}
	}
	for _, a := range added {
		if _, ok := renamedTo[a.Label]; !ok {
			changes = append(changes, Change{Kind: CategoryAdded, Label: a.Label})
		}
	}
	for _, r := range removed {
		if _, ok := renamedFrom[r.Label]; !ok {
			changes = append(changes, Change{Kind: CategoryRemoved, Label: r.Label})
		}
	}

	// Color changes and reorders among surviving categories. Positions are
	// measured within the subsequence of shared labels so that insertions
	// and deletions do not read as moves.
	shared := make(map[string]struct{})
	for label := range oldIdx {
		if _, ok := newIdx[label]; ok {
			shared[label] = struct{}{}
		}
	}
	oldPos := sharedPositions(old, shared)
	newPos := sharedPositions(new, shared)

	for _, c := range new {
		oi, ok := oldIdx[c.Label]
		if !ok {
			continue
		}
		if old[oi].Color != c.Color {
			changes = append(changes, Change{Kind: CategoryColorChanged, Label: c.Label})
		}
		delta := oldPos[c.Label] - newPos[c.Label]
		if delta > 0 {
			changes = append(changes, Change{Kind: CategoryMovedUp, Label: c.Label, Count: delta})
		} else if delta < 0 {
			changes = append(changes, Change{Kind: CategoryMovedDown, Label: c.Label, Count: -delta})
		}
	}
	return changes
}

func sharedPositions(categories []model.Category, shared map[string]struct{}) map[string]int {
	pos := make(map[string]int, len(shared))
	i := 0
	for _, c := range categories {
		if _, ok := shared[c.Label]; ok {
			pos[c.Label] = i
			i++
		}
	}
	return pos
}
