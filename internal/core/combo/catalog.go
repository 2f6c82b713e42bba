package combo

import (
	"sort"
	"strings"

	"github.com/rl1809/stock-deduction/internal/core/domain"
)

// Snapshot is an immutable in-memory catalog keyed by store. Adapters
// build one per load; it is safe for concurrent reads.
type Snapshot struct {
	byStore map[string][]entry
	exact   map[string]map[string]domain.CatalogItem
}

type entry struct {
	norm string
	item domain.CatalogItem
}

func NewSnapshot(items []domain.CatalogItem) *Snapshot {
	s := &Snapshot{
		byStore: make(map[string][]entry),
		exact:   make(map[string]map[string]domain.CatalogItem),
	}
	for _, it := range items {
		norm := Normalize(it.Name)
		if norm == "" {
			continue
		}
		if s.exact[it.StoreID] == nil {
			s.exact[it.StoreID] = make(map[string]domain.CatalogItem)
		}
		// duplicate names resolve to the lowest item id
		if prev, dup := s.exact[it.StoreID][norm]; dup && prev.ItemID < it.ItemID {
			continue
		}
		s.exact[it.StoreID][norm] = it
	}
	for store, names := range s.exact {
		entries := make([]entry, 0, len(names))
		for norm, it := range names {
			entries = append(entries, entry{norm: norm, item: it})
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].item.ItemID != entries[j].item.ItemID {
				return entries[i].item.ItemID < entries[j].item.ItemID
			}
			return entries[i].norm < entries[j].norm
		})
		s.byStore[store] = entries
	}
	return s
}

func (s *Snapshot) ByExactName(storeID, name string) (domain.CatalogItem, bool) {
	it, ok := s.exact[storeID][Normalize(name)]
	return it, ok
}

// ByPartialName prefers the shortest catalog name containing the token;
// failing that, the longest catalog name contained in the token. Ties go
// to the lowest item id.
func (s *Snapshot) ByPartialName(storeID, name string) (domain.CatalogItem, bool) {
	token := Normalize(name)
	if token == "" {
		return domain.CatalogItem{}, false
	}
	var (
		best      *entry
		bestScore int
	)
	for i := range s.byStore[storeID] {
		e := &s.byStore[storeID][i]
		var score int
		switch {
		case strings.Contains(e.norm, token):
			score = 1<<20 - len(e.norm)
		case strings.Contains(token, e.norm):
			score = len(e.norm)
		default:
			continue
		}
		if best == nil || score > bestScore {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return domain.CatalogItem{}, false
	}
	return best.item, true
}

// Len is the number of distinct names across stores.
func (s *Snapshot) Len() int {
	n := 0
	for _, entries := range s.byStore {
		n += len(entries)
	}
	return n
}
