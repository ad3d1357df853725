// Package purchase drives a single marketplace buy from amount entry through
// payment confirmation.
package purchase

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"

	"ecotrade.org/internal/audit"
	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/gateway"
	"ecotrade.org/internal/ids"
	"ecotrade.org/internal/obs"
)

var (
	ErrPurchaseInProgress = errors.New("purchase: another purchase is in progress")
	ErrNoDraft            = errors.New("purchase: no purchase in progress")
	ErrInvalidTransition  = errors.New("purchase: action not allowed in current step")
	ErrInFlight           = errors.New("purchase: request already in flight")
	ErrDraftDiscarded     = errors.New("purchase: draft was cancelled")
)

// State is the step a draft is in.
type State string

const (
	AmountEntry         State = "amount_entry"
	PaymentMethodSelect State = "payment_method_select"
	PendingConfirmation State = "pending_confirmation"
	Success             State = "success"
	Cancelled           State = "cancelled"
)

// Terminal reports whether no further events apply.
func (s State) Terminal() bool { return s == Success || s == Cancelled }

// Gateway is the slice of the remote API a purchase needs.
type Gateway interface {
	InitiatePurchase(ctx context.Context, listingID string, amountKg float64, method carbon.PaymentMethod) (carbon.Payment, error)
	CompletePayment(ctx context.Context, paymentID, reference string) (gateway.Completion, error)
}

// RefreshFunc reloads listings and holdings after a completed purchase.
type RefreshFunc func(ctx context.Context) error

// Draft is a snapshot of the purchase in progress.
type Draft struct {
	State     State
	Listing   carbon.Listing
	Amount    float64
	Method    carbon.PaymentMethod
	Payment   *carbon.Payment
	Reference string
	Credits   float64
	InFlight  bool
	LastError error
}

// Total is always recomputed from the current amount and the listing price.
func (d Draft) Total() float64 { return carbon.LineTotal(d.Amount, d.Listing.PricePerKg) }

type draft struct {
	Draft
	gen       uint64
	refreshed bool
}

func (d *draft) snapshot() Draft {
	s := d.Draft
	if d.Payment != nil {
		p := *d.Payment
		s.Payment = &p
	}
	return s
}

// Orchestrator holds at most one draft at a time.
type Orchestrator struct {
	gw        Gateway
	refresh   RefreshFunc
	reference func(carbon.PaymentMethod) string

	mu    sync.Mutex
	draft *draft
	gen   uint64
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithRefresh sets the hook run once per successful purchase.
func WithRefresh(fn RefreshFunc) Option {
	return func(o *Orchestrator) { o.refresh = fn }
}

// WithReferenceGenerator replaces the payment reference scheme.
func WithReferenceGenerator(fn func(carbon.PaymentMethod) string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.reference = fn
		}
	}
}

func New(gw Gateway, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gw: gw,
		reference: func(m carbon.PaymentMethod) string {
			return ids.Reference(string(m))
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start opens a draft for listing, pre-filled with the full available amount.
// The previous draft must be finished.
func (o *Orchestrator) Start(listing carbon.Listing) (Draft, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draft != nil && !o.draft.State.Terminal() {
		return o.draft.snapshot(), ErrPurchaseInProgress
	}
	if listing.ID == "" {
		return Draft{}, carbon.Validation("start purchase", "listing is required")
	}
	if !listing.Active() {
		return Draft{}, carbon.Conflict("start purchase", "listing is no longer available")
	}
	o.gen++
	o.draft = &draft{
		Draft: Draft{State: AmountEntry, Listing: listing, Amount: listing.AmountKgCO2},
		gen:   o.gen,
	}
	return o.draft.snapshot(), nil
}

// Current returns the draft, including a finished one until the next Start.
func (o *Orchestrator) Current() (Draft, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draft == nil {
		return Draft{}, false
	}
	return o.draft.snapshot(), true
}

// Active reports whether a non-terminal draft exists.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draft != nil && !o.draft.State.Terminal()
}

// step returns the live draft if it is in one of the given states.
// Callers hold o.mu.
func (o *Orchestrator) step(states ...State) (*draft, error) {
	if o.draft == nil {
		return nil, ErrNoDraft
	}
	for _, s := range states {
		if o.draft.State == s {
			return o.draft, nil
		}
	}
	return nil, ErrInvalidTransition
}

// SetAmount records the requested kilograms. The bound is checked on
// Continue, not here.
func (o *Orchestrator) SetAmount(kg float64) (Draft, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, err := o.step(AmountEntry)
	if err != nil {
		return Draft{}, err
	}
	if math.IsNaN(kg) || math.IsInf(kg, 0) {
		return d.snapshot(), carbon.Validation("set amount", "amount must be a number")
	}
	d.Amount = kg
	d.LastError = nil
	return d.snapshot(), nil
}

// Continue moves to method selection when 0 < amount <= listing amount.
func (o *Orchestrator) Continue() (Draft, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, err := o.step(AmountEntry)
	if err != nil {
		return Draft{}, err
	}
	switch {
	case d.Amount <= 0:
		err = carbon.Validation("continue", "enter an amount greater than zero")
	case d.Amount > d.Listing.AmountKgCO2:
		err = carbon.Validation("continue", "only %s available", carbon.FormatKg(d.Listing.AmountKgCO2))
	}
	if err != nil {
		d.LastError = err
		return d.snapshot(), err
	}
	d.State = PaymentMethodSelect
	d.LastError = nil
	return d.snapshot(), nil
}

// Back returns to amount entry and forgets the chosen method.
func (o *Orchestrator) Back() (Draft, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, err := o.step(PaymentMethodSelect)
	if err != nil {
		return Draft{}, err
	}
	if d.InFlight {
		return d.snapshot(), ErrInFlight
	}
	d.State = AmountEntry
	d.Method = ""
	d.LastError = nil
	return d.snapshot(), nil
}

func (o *Orchestrator) ChooseMethod(m carbon.PaymentMethod) (Draft, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, err := o.step(PaymentMethodSelect)
	if err != nil {
		return Draft{}, err
	}
	if d.InFlight {
		return d.snapshot(), ErrInFlight
	}
	if !m.Valid() {
		return d.snapshot(), carbon.Validation("choose method", "unsupported payment method %q", m)
	}
	d.Method = m
	d.LastError = nil
	return d.snapshot(), nil
}

// Pay opens the payment with the service. A second call while the first is
// outstanding returns ErrInFlight without contacting the service.
func (o *Orchestrator) Pay(ctx context.Context) (Draft, error) {
	o.mu.Lock()
	d, err := o.step(PaymentMethodSelect)
	if err != nil {
		o.mu.Unlock()
		return Draft{}, err
	}
	if d.InFlight {
		snap := d.snapshot()
		o.mu.Unlock()
		return snap, ErrInFlight
	}
	if d.Method == "" {
		err := carbon.Validation("pay", "choose a payment method")
		d.LastError = err
		snap := d.snapshot()
		o.mu.Unlock()
		return snap, err
	}
	d.InFlight = true
	gen := d.gen
	listingID, amount, method := d.Listing.ID, d.Amount, d.Method
	o.mu.Unlock()

	payment, err := o.gw.InitiatePurchase(ctx, listingID, amount, method)

	o.mu.Lock()
	d, stale := o.live(gen)
	if stale {
		o.mu.Unlock()
		o.discard(ctx, "initiate", listingID, payment.ID, err)
		return Draft{}, ErrDraftDiscarded
	}
	d.InFlight = false
	if err != nil {
		d.LastError = err
		snap := d.snapshot()
		o.mu.Unlock()
		o.logFailure(ctx, "initiate", snap, err)
		return snap, err
	}
	d.Payment = &payment
	d.State = PendingConfirmation
	d.LastError = nil
	snap := d.snapshot()
	o.mu.Unlock()

	_ = audit.LogEvent(ctx, "purchase.initiated", map[string]any{
		"listing_id": listingID,
		"payment_id": payment.ID,
		"amount_kg":  amount,
		"method":     string(method),
		"total":      snap.Total(),
	})
	return snap, nil
}

// Confirm completes the pending payment. It may be retried any number of
// times; every attempt carries the same reference.
func (o *Orchestrator) Confirm(ctx context.Context) (Draft, error) {
	o.mu.Lock()
	d, err := o.step(PendingConfirmation)
	if err != nil {
		o.mu.Unlock()
		return Draft{}, err
	}
	if d.InFlight {
		snap := d.snapshot()
		o.mu.Unlock()
		return snap, ErrInFlight
	}
	if d.Payment == nil || d.Payment.ID == "" {
		o.mu.Unlock()
		return Draft{}, ErrInvalidTransition
	}
	if d.Reference == "" {
		d.Reference = o.reference(d.Method)
	}
	d.InFlight = true
	gen := d.gen
	paymentID, reference, listingID := d.Payment.ID, d.Reference, d.Listing.ID
	o.mu.Unlock()

	done, err := o.gw.CompletePayment(ctx, paymentID, reference)
	if err != nil && alreadyCompleted(err) {
		// An earlier attempt went through but its answer was lost.
		obs.Logger().Info().Str("payment_id", paymentID).Msg("purchase: payment already completed, treating as success")
		done, err = gateway.Completion{}, nil
	}

	o.mu.Lock()
	d, stale := o.live(gen)
	if stale {
		o.mu.Unlock()
		o.discard(ctx, "complete", listingID, paymentID, err)
		return Draft{}, ErrDraftDiscarded
	}
	d.InFlight = false
	if err != nil {
		d.LastError = err
		snap := d.snapshot()
		o.mu.Unlock()
		o.logFailure(ctx, "complete", snap, err)
		return snap, err
	}
	d.State = Success
	d.LastError = nil
	d.Credits = done.CreditsReceived
	if done.Payment.ID != "" {
		p := done.Payment
		d.Payment = &p
	} else {
		d.Payment.Status = carbon.PaymentCompleted
	}
	runRefresh := !d.refreshed
	d.refreshed = true
	snap := d.snapshot()
	o.mu.Unlock()

	_ = audit.LogEvent(ctx, "purchase.completed", map[string]any{
		"listing_id": listingID,
		"payment_id": paymentID,
		"reference":  reference,
		"amount_kg":  snap.Amount,
		"total":      snap.Total(),
	})
	if runRefresh && o.refresh != nil {
		if err := o.refresh(ctx); err != nil {
			obs.Logger().Warn().Err(err).Msg("purchase: refresh after success failed")
		}
	}
	return snap, nil
}

// Cancel abandons the draft. A payment already opened stays pending on the
// service; nothing is sent to void it.
func (o *Orchestrator) Cancel(ctx context.Context) (Draft, error) {
	o.mu.Lock()
	if o.draft == nil {
		o.mu.Unlock()
		return Draft{}, ErrNoDraft
	}
	d := o.draft
	if d.State.Terminal() {
		snap := d.snapshot()
		o.mu.Unlock()
		return snap, ErrInvalidTransition
	}
	from := d.State
	d.State = Cancelled
	d.InFlight = false
	// Responses still on the wire for this draft are dropped on arrival.
	o.gen++
	d.gen = 0
	snap := d.snapshot()
	o.mu.Unlock()

	fields := map[string]any{
		"listing_id": snap.Listing.ID,
		"from":       string(from),
	}
	if snap.Payment != nil {
		fields["payment_id"] = snap.Payment.ID
	}
	_ = audit.LogEvent(ctx, "purchase.cancelled", fields)
	return snap, nil
}

// live returns the current draft if it is still the one identified by gen.
// Callers hold o.mu.
func (o *Orchestrator) live(gen uint64) (*draft, bool) {
	if o.draft == nil || o.draft.gen != gen || o.draft.State.Terminal() {
		return nil, true
	}
	return o.draft, false
}

func (o *Orchestrator) discard(ctx context.Context, stage, listingID, paymentID string, err error) {
	ev := obs.Logger().Info().
		Str("stage", stage).
		Str("listing_id", listingID).
		Str("payment_id", paymentID)
	if err != nil {
		ev = ev.AnErr("response_error", err)
	}
	ev.Msg("purchase: late response for cancelled draft discarded")
}

func (o *Orchestrator) logFailure(ctx context.Context, stage string, d Draft, err error) {
	fields := map[string]any{
		"stage":      stage,
		"listing_id": d.Listing.ID,
		"error":      err.Error(),
	}
	if d.Payment != nil {
		fields["payment_id"] = d.Payment.ID
	}
	_ = audit.LogEvent(ctx, "purchase.failed", fields)
}

func alreadyCompleted(err error) bool {
	return errors.Is(err, carbon.ErrConflict) &&
		strings.Contains(strings.ToLower(carbon.Message(err)), "already completed")
}
