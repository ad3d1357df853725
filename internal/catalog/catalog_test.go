package catalog

import (
	"context"
	"errors"
	"io"
	"testing"

	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/obs"
)

type fakeSource struct {
	listings []carbon.Listing
	err      error
	filters  []carbon.ListingFilter
}

func (f *fakeSource) Listings(_ context.Context, filter carbon.ListingFilter) ([]carbon.Listing, error) {
	f.filters = append(f.filters, filter)
	if f.err != nil {
		return nil, f.err
	}
	return append([]carbon.Listing(nil), f.listings...), nil
}

func listing(id string, amount, price float64) carbon.Listing {
	return carbon.Listing{
		ID:          id,
		CreditType:  carbon.CreditSolar,
		AmountKgCO2: amount,
		PricePerKg:  price,
		TotalPrice:  carbon.LineTotal(amount, price),
		Status:      carbon.ListingActive,
	}
}

func ids(ls []carbon.Listing) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.ID
	}
	return out
}

func equal(a, b []string) bool {
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

func TestSort(t *testing.T) {
	in := []carbon.Listing{
		listing("a", 50, 8),
		listing("b", 100, 6),
		listing("c", 50, 6),
		listing("d", 10, 8),
	}
	cases := []struct {
		key  SortKey
		want []string
	}{
		{SortPrice, []string{"b", "c", "a", "d"}},
		{SortAmount, []string{"b", "a", "c", "d"}},
		{SortKey("views"), []string{"a", "b", "c", "d"}},
	}
	for _, tc := range cases {
		t.Run(string(tc.key), func(t *testing.T) {
			got := ids(Sort(in, tc.key))
			if !equal(got, tc.want) {
				t.Fatalf("Sort(%q) = %v, want %v", tc.key, got, tc.want)
			}
		})
	}
	if got := ids(in); !equal(got, []string{"a", "b", "c", "d"}) {
		t.Fatalf("Sort mutated its input: %v", got)
	}
}

func TestLoadAppliesSortAndFilter(t *testing.T) {
	src := &fakeSource{listings: []carbon.Listing{listing("x", 10, 9), listing("y", 20, 5)}}
	c := New(src)

	f := carbon.ListingFilter{CreditType: carbon.CreditWind}
	if err := c.Load(context.Background(), f); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := ids(c.Listings()); !equal(got, []string{"y", "x"}) {
		t.Fatalf("expected price order, got %v", got)
	}
	c.SetSortKey(SortAmount)
	if got := ids(c.Listings()); !equal(got, []string{"y", "x"}) {
		t.Fatalf("expected amount order, got %v", got)
	}
	if c.Filter() != f || src.filters[0] != f {
		t.Fatalf("filter not forwarded: %+v", src.filters)
	}
}

func TestLoadFailureKeepsListings(t *testing.T) {
	restore := obs.SetOutput(io.Discard)
	defer restore()

	src := &fakeSource{listings: []carbon.Listing{listing("x", 10, 9)}}
	c := New(src)
	if err := c.Load(context.Background(), carbon.ListingFilter{}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	src.err = &carbon.Error{Kind: carbon.ErrNetwork, Message: "service unreachable"}
	if err := c.Reload(context.Background()); !errors.Is(err, carbon.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if got := ids(c.Listings()); !equal(got, []string{"x"}) {
		t.Fatalf("listings lost after failed reload: %v", got)
	}
}

func TestLoadRejectsBadFilter(t *testing.T) {
	src := &fakeSource{}
	c := New(src)
	err := c.Load(context.Background(), carbon.ListingFilter{CreditType: "coal"})
	if !errors.Is(err, carbon.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(src.filters) != 0 {
		t.Fatal("bad filter reached the network")
	}
}

func TestSelection(t *testing.T) {
	src := &fakeSource{listings: []carbon.Listing{listing("x", 10, 9), listing("y", 20, 5)}}
	c := New(src)
	if err := c.Load(context.Background(), carbon.ListingFilter{}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	x, _ := c.Find("x")
	y, _ := c.Find("y")
	c.Select(x)
	c.Select(y)
	if got, ok := c.Selected(); !ok || got.ID != "y" {
		t.Fatalf("expected y focused, got %+v", got)
	}

	// a purchase drained y; the reload carries the new amount
	src.listings = []carbon.Listing{listing("x", 10, 9), listing("y", 5, 5)}
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got, _ := c.Selected(); got.AmountKgCO2 != 5 {
		t.Fatalf("selection not refreshed: %+v", got)
	}

	src.listings = []carbon.Listing{listing("x", 10, 9)}
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := c.Selected(); ok {
		t.Fatal("selection should drop once the listing disappears")
	}

	c.Select(x)
	c.ClearSelection()
	if _, ok := c.Selected(); ok {
		t.Fatal("expected no selection")
	}
}
