// Package catalog loads and orders marketplace listings and tracks the one
// listing currently in focus.
package catalog

import (
	"context"
	"sort"
	"sync"

	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/obs"
)

// SortKey selects the client-side ordering of listings.
type SortKey string

const (
	SortNone   SortKey = ""
	SortPrice  SortKey = "price"
	SortAmount SortKey = "amount"
)

// Source fetches listings from the service.
type Source interface {
	Listings(ctx context.Context, f carbon.ListingFilter) ([]carbon.Listing, error)
}

// Sort returns a new slice ordered by key. Price sorts ascending, amount
// descending; ties keep fetch order. Unknown keys keep fetch order.
func Sort(listings []carbon.Listing, key SortKey) []carbon.Listing {
	out := append([]carbon.Listing(nil), listings...)
	switch key {
	case SortPrice:
		sort.SliceStable(out, func(i, j int) bool { return out[i].PricePerKg < out[j].PricePerKg })
	case SortAmount:
		sort.SliceStable(out, func(i, j int) bool { return out[i].AmountKgCO2 > out[j].AmountKgCO2 })
	}
	return out
}

// Controller is the sole owner of the loaded listings.
type Controller struct {
	src Source

	mu       sync.RWMutex
	fetched  []carbon.Listing
	sorted   []carbon.Listing
	filter   carbon.ListingFilter
	key      SortKey
	selected *carbon.Listing
	loaded   bool
}

// New returns a controller that sorts by price until told otherwise.
func New(src Source) *Controller {
	return &Controller{src: src, key: SortPrice}
}

// Load replaces the listings with the service's answer for f. On failure the
// previous listings stay in place.
func (c *Controller) Load(ctx context.Context, f carbon.ListingFilter) error {
	if f.CreditType != "" && !f.CreditType.Valid() {
		return carbon.Validation("load listings", "unknown credit type %q", f.CreditType)
	}
	if f.MaxPrice < 0 || f.MinAmount < 0 {
		return carbon.Validation("load listings", "filter bounds must not be negative")
	}

	listings, err := c.src.Listings(ctx, f)
	if err != nil {
		obs.Logger().Warn().Err(err).Str("credit_type", string(f.CreditType)).Msg("catalog: load failed")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = listings
	c.filter = f
	c.loaded = true
	c.sorted = Sort(listings, c.key)
	if c.selected != nil {
		// Focus follows the refreshed copy and is dropped once the listing
		// leaves the result set.
		id := c.selected.ID
		c.selected = nil
		for i := range c.sorted {
			if c.sorted[i].ID == id {
				cp := c.sorted[i]
				c.selected = &cp
				break
			}
		}
	}
	return nil
}

// Reload repeats the last Load.
func (c *Controller) Reload(ctx context.Context) error {
	c.mu.RLock()
	f := c.filter
	c.mu.RUnlock()
	return c.Load(ctx, f)
}

// SetSortKey reorders the loaded listings.
func (c *Controller) SetSortKey(key SortKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.sorted = Sort(c.fetched, key)
}

func (c *Controller) SortKey() SortKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// Filter returns the filter of the last successful load.
func (c *Controller) Filter() carbon.ListingFilter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter
}

// Listings returns a copy of the ordered listings.
func (c *Controller) Listings() []carbon.Listing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]carbon.Listing(nil), c.sorted...)
}

// Loaded reports whether any load has succeeded.
func (c *Controller) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

func (c *Controller) Find(id string) (carbon.Listing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, l := range c.sorted {
		if l.ID == id {
			return l, true
		}
	}
	return carbon.Listing{}, false
}

// Select focuses one listing, replacing any previous focus.
func (c *Controller) Select(l carbon.Listing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := l
	c.selected = &cp
}

func (c *Controller) ClearSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = nil
}

func (c *Controller) Selected() (carbon.Listing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.selected == nil {
		return carbon.Listing{}, false
	}
	return *c.selected, true
}
