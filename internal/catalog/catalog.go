// Package catalog resolves catalog item references to names and prices.
// The catalog itself is maintained elsewhere; the engine only reads it.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"roomtab-engine/internal/config"
	"roomtab-engine/internal/models"
)

// Item is one sellable catalog entry.
type Item struct {
	Ref   string          `json:"ref"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Catalog looks up items by reference. Unknown references yield a
// NotFoundError.
type Catalog interface {
	Lookup(ctx context.Context, ref string) (Item, error)
}

// Static is a catalog built from configuration.
type Static struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewStatic builds a catalog from the given items.
func NewStatic(items ...Item) *Static {
	s := &Static{items: map[string]Item{}}
	for _, it := range items {
		s.items[it.Ref] = it
	}
	return s
}

// FromConfig builds a catalog from the catalog section of cfg.
func FromConfig(cfg config.CatalogConfig) (*Static, error) {
	items, err := parseItems(cfg)
	if err != nil {
		return nil, err
	}
	return NewStatic(items...), nil
}

func parseItems(cfg config.CatalogConfig) ([]Item, error) {
	items := make([]Item, 0, len(cfg.Items))
	for _, c := range cfg.Items {
		if c.Ref == "" {
			return nil, fmt.Errorf("catalog item without ref")
		}
		price, err := decimal.NewFromString(c.Price)
		if err != nil {
			return nil, fmt.Errorf("catalog item %s: invalid price %q: %w", c.Ref, c.Price, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("catalog item %s: negative price", c.Ref)
		}
		items = append(items, Item{Ref: c.Ref, Name: c.Name, Price: price})
	}
	return items, nil
}

// Watch replaces the catalog contents whenever p reloads. A reload with an
// invalid catalog keeps the previous items.
func (s *Static) Watch(p *config.Provider) {
	p.OnReload(func(cfg *config.Config) {
		items, err := parseItems(cfg.Catalog)
		if err != nil {
			return
		}
		s.Replace(items)
	})
}

// Replace swaps the full item set.
func (s *Static) Replace(items []Item) {
	next := make(map[string]Item, len(items))
	for _, it := range items {
		next[it.Ref] = it
	}
	s.mu.Lock()
	s.items = next
	s.mu.Unlock()
}

// Items returns the current items ordered by ref.
func (s *Static) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Ref < items[j].Ref })
	return items
}

// Lookup implements Catalog.
func (s *Static) Lookup(ctx context.Context, ref string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[ref]
	if !ok {
		return Item{}, models.NotFoundError{Entity: "catalog item", ID: ref}
	}
	return it, nil
}
