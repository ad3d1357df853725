// Package publisher submits and withdraws the caller's sell listings.
package publisher

import (
	"context"
	"errors"
	"math"

	"ecotrade.org/internal/audit"
	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/obs"
)

var (
	ErrNotConfirmed = errors.New("publisher: cancellation not confirmed")
	ErrNotOwner     = errors.New("publisher: listing does not belong to you")
)

// Gateway is the slice of the remote API the publisher needs.
type Gateway interface {
	CreateListing(ctx context.Context, nl carbon.NewListing) (carbon.Listing, error)
	CancelListing(ctx context.Context, id string) (carbon.Listing, error)
	MyListings(ctx context.Context) ([]carbon.Listing, error)
}

// Reloader refreshes the catalog after a mutation.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Confirmer asks the user to approve an irreversible action.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) { return f(ctx, prompt) }

type Publisher struct {
	gw      Gateway
	catalog Reloader
	confirm Confirmer
}

// New wires a publisher. catalog may be nil when no catalog is on screen.
func New(gw Gateway, catalog Reloader, confirm Confirmer) *Publisher {
	return &Publisher{gw: gw, catalog: catalog, confirm: confirm}
}

// Validate applies the local listing rules.
func Validate(nl carbon.NewListing) error {
	switch {
	case !nl.CreditType.Valid():
		return carbon.Validation("create listing", "choose a credit type (solar, wind or bio)")
	case math.IsNaN(nl.AmountKgCO2) || math.IsInf(nl.AmountKgCO2, 0) || nl.AmountKgCO2 <= 0:
		return carbon.Validation("create listing", "amount must be greater than zero")
	case math.IsNaN(nl.PricePerKg) || math.IsInf(nl.PricePerKg, 0):
		return carbon.Validation("create listing", "price must be a number")
	case nl.PricePerKg < carbon.MinPricePerKg:
		return carbon.Validation("create listing", "minimum price per kg is %s", carbon.FormatMoney(carbon.MinPricePerKg))
	}
	return nil
}

// Create validates and submits nl, then reloads the catalog. The service's
// copy of the listing is not kept; the reload is the source of truth.
func (p *Publisher) Create(ctx context.Context, nl carbon.NewListing) error {
	if err := Validate(nl); err != nil {
		return err
	}
	created, err := p.gw.CreateListing(ctx, nl)
	if err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "listing.created", map[string]any{
		"listing_id":   created.ID,
		"credit_type":  string(nl.CreditType),
		"amount_kg":    nl.AmountKgCO2,
		"price_per_kg": nl.PricePerKg,
	})
	p.reload(ctx)
	return nil
}

// Cancel withdraws one of the caller's active listings after confirmation.
func (p *Publisher) Cancel(ctx context.Context, listingID string) error {
	if listingID == "" {
		return carbon.Validation("cancel listing", "listing id is required")
	}
	mine, err := p.gw.MyListings(ctx)
	if err != nil {
		return err
	}
	var target *carbon.Listing
	for i := range mine {
		if mine[i].ID == listingID {
			target = &mine[i]
			break
		}
	}
	if target == nil {
		return &carbon.Error{Kind: carbon.ErrValidation, Op: "cancel listing", Message: "listing not found among your listings", Err: ErrNotOwner}
	}
	if !target.Active() {
		return carbon.Conflict("cancel listing", "only active listings can be cancelled (status: "+string(target.Status)+")")
	}

	if p.confirm == nil {
		return ErrNotConfirmed
	}
	prompt := "Cancel listing of " + carbon.FormatKg(target.AmountKgCO2) + " at " + carbon.FormatMoney(target.PricePerKg) + " per kg?"
	ok, err := p.confirm.Confirm(ctx, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotConfirmed
	}

	if _, err := p.gw.CancelListing(ctx, listingID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "listing.cancelled", map[string]any{"listing_id": listingID})
	p.reload(ctx)
	return nil
}

// Mine lists the caller's listings, newest first.
func (p *Publisher) Mine(ctx context.Context) ([]carbon.Listing, error) {
	return p.gw.MyListings(ctx)
}

func (p *Publisher) reload(ctx context.Context) {
	if p.catalog == nil {
		return
	}
	if err := p.catalog.Reload(ctx); err != nil {
		obs.Logger().Warn().Err(err).Msg("publisher: catalog reload failed")
	}
}
