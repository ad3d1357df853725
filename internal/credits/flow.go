// Package credits is the direct purchase path: buy offsets of one credit type
// straight from the service's catalog, in a single call.
package credits

import (
	"context"
	"errors"
	"math"
	"sync"

	"ecotrade.org/internal/audit"
	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/obs"
)

var (
	ErrInvalidStep = errors.New("credits: action not allowed in current step")
	ErrInFlight    = errors.New("credits: purchase already in flight")
	ErrUnknownType = errors.New("credits: credit type not in catalog")
)

type Step string

const (
	TypeSelect  Step = "type_select"
	AmountEntry Step = "amount_entry"
	Done        Step = "done"
)

// Gateway is the slice of the remote API the flow needs.
type Gateway interface {
	CreditTypes(ctx context.Context) ([]carbon.CreditType, error)
	PurchaseCredits(ctx context.Context, kind carbon.CreditKind, amountKg float64) (carbon.CreditPurchase, error)
	ActiveCredits(ctx context.Context) (carbon.CreditSummary, error)
}

type RefreshFunc func(ctx context.Context) error

// State is a snapshot of the flow.
type State struct {
	Step      Step
	Entry     carbon.CreditType
	Amount    float64
	InFlight  bool
	Result    *carbon.CreditPurchase
	LastError error
}

// Total is recomputed from the current amount and the catalog price.
func (s State) Total() float64 { return carbon.LineTotal(s.Amount, s.Entry.PricePerKg) }

type Flow struct {
	gw      Gateway
	refresh RefreshFunc

	mu      sync.Mutex
	catalog []carbon.CreditType
	state   State
}

func New(gw Gateway, refresh RefreshFunc) *Flow {
	return &Flow{
		gw:      gw,
		refresh: refresh,
		catalog: carbon.DefaultCatalog(),
		state:   State{Step: TypeSelect},
	}
}

// Load fetches the catalog. When the service cannot be reached the reference
// catalog stays in place and the fetch error is returned.
func (f *Flow) Load(ctx context.Context) error {
	types, err := f.gw.CreditTypes(ctx)
	if err == nil && len(types) == 0 {
		err = &carbon.Error{Kind: carbon.ErrService, Op: "credit types", Message: "empty catalog"}
	}
	if err != nil {
		obs.Logger().Warn().Err(err).Msg("credits: using reference catalog")
		f.mu.Lock()
		f.catalog = carbon.DefaultCatalog()
		f.mu.Unlock()
		return err
	}
	f.mu.Lock()
	f.catalog = types
	f.mu.Unlock()
	return nil
}

func (f *Flow) Catalog() []carbon.CreditType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]carbon.CreditType(nil), f.catalog...)
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

func (f *Flow) snapshot() State {
	s := f.state
	if s.Result != nil {
		r := *s.Result
		s.Result = &r
	}
	return s
}

// SelectType picks a catalog entry. Allowed until the purchase is done.
func (f *Flow) SelectType(kind carbon.CreditKind) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Step == Done {
		return f.snapshot(), ErrInvalidStep
	}
	if f.state.InFlight {
		return f.snapshot(), ErrInFlight
	}
	for _, ct := range f.catalog {
		if ct.Type == kind {
			f.state.Entry = ct
			f.state.Step = AmountEntry
			f.state.LastError = nil
			return f.snapshot(), nil
		}
	}
	return f.snapshot(), &carbon.Error{Kind: carbon.ErrValidation, Op: "select credit type", Message: "unknown credit type " + string(kind), Err: ErrUnknownType}
}

func (f *Flow) SetAmount(kg float64) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Step != AmountEntry {
		return f.snapshot(), ErrInvalidStep
	}
	if f.state.InFlight {
		return f.snapshot(), ErrInFlight
	}
	if math.IsNaN(kg) || math.IsInf(kg, 0) {
		return f.snapshot(), carbon.Validation("set amount", "amount must be a number")
	}
	f.state.Amount = kg
	f.state.LastError = nil
	return f.snapshot(), nil
}

// Confirm buys the selected amount. On failure the flow stays in amount entry.
func (f *Flow) Confirm(ctx context.Context) (State, error) {
	f.mu.Lock()
	if f.state.Step != AmountEntry {
		snap := f.snapshot()
		f.mu.Unlock()
		return snap, ErrInvalidStep
	}
	if f.state.InFlight {
		snap := f.snapshot()
		f.mu.Unlock()
		return snap, ErrInFlight
	}
	if f.state.Amount <= 0 {
		err := carbon.Validation("purchase credits", "enter an amount greater than zero")
		f.state.LastError = err
		snap := f.snapshot()
		f.mu.Unlock()
		return snap, err
	}
	f.state.InFlight = true
	kind, amount := f.state.Entry.Type, f.state.Amount
	f.mu.Unlock()

	res, err := f.gw.PurchaseCredits(ctx, kind, amount)

	f.mu.Lock()
	f.state.InFlight = false
	if err != nil {
		f.state.LastError = err
		snap := f.snapshot()
		f.mu.Unlock()
		_ = audit.LogEvent(ctx, "credits.failed", map[string]any{
			"credit_type": string(kind),
			"amount_kg":   amount,
			"error":       err.Error(),
		})
		return snap, err
	}
	f.state.Step = Done
	f.state.Result = &res
	f.state.LastError = nil
	snap := f.snapshot()
	f.mu.Unlock()

	_ = audit.LogEvent(ctx, "credits.purchased", map[string]any{
		"credit_id":   res.CreditID,
		"credit_type": string(kind),
		"amount_kg":   amount,
		"total":       snap.Total(),
	})
	if f.refresh != nil {
		if err := f.refresh(ctx); err != nil {
			obs.Logger().Warn().Err(err).Msg("credits: refresh after purchase failed")
		}
	}
	return snap, nil
}

// Reset starts over for another purchase.
func (f *Flow) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.InFlight {
		return ErrInFlight
	}
	f.state = State{Step: TypeSelect}
	return nil
}

// Summary reports the caller's active offsets.
func (f *Flow) Summary(ctx context.Context) (carbon.CreditSummary, error) {
	return f.gw.ActiveCredits(ctx)
}
