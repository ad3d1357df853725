package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"ecotrade.org/internal/carbon"
)

type listingsResponse struct {
	Listings []carbon.Listing `json:"listings"`
	Count    int              `json:"count"`
}

type listingResponse struct {
	Listing carbon.Listing `json:"listing"`
	Message string         `json:"message,omitempty"`
}

type paymentResponse struct {
	Payment carbon.Payment `json:"payment"`
	Message string         `json:"message,omitempty"`
}

// Completion is the service's acknowledgement of a confirmed payment.
type Completion struct {
	Message         string         `json:"message"`
	Payment         carbon.Payment `json:"payment"`
	CreditsReceived float64        `json:"credits_received"`
}

type purchaseRequest struct {
	AmountKgCO2   float64              `json:"amount_kg_co2"`
	PaymentMethod carbon.PaymentMethod `json:"payment_method"`
}

type completeRequest struct {
	PaymentReference string `json:"payment_reference"`
}

func filterQuery(f carbon.ListingFilter) url.Values {
	q := url.Values{}
	if f.CreditType != "" {
		q.Set("credit_type", string(f.CreditType))
	}
	if f.MaxPrice > 0 {
		q.Set("max_price", strconv.FormatFloat(f.MaxPrice, 'f', -1, 64))
	}
	if f.MinAmount > 0 {
		q.Set("min_amount", strconv.FormatFloat(f.MinAmount, 'f', -1, 64))
	}
	return q
}

// Listings returns active listings matching f, in the service's order.
func (c *Client) Listings(ctx context.Context, f carbon.ListingFilter) ([]carbon.Listing, error) {
	var out listingsResponse
	err := c.do(ctx, call{
		op:     "list listings",
		method: http.MethodGet,
		path:   "/api/marketplace/listings",
		query:  filterQuery(f),
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Listings, nil
}

func (c *Client) Listing(ctx context.Context, id string) (carbon.Listing, error) {
	var out listingResponse
	err := c.do(ctx, call{
		op:     "get listing",
		method: http.MethodGet,
		path:   "/api/marketplace/listing/" + url.PathEscape(id),
	}, &out)
	return out.Listing, err
}

// InitiatePurchase opens a pending payment against a listing.
func (c *Client) InitiatePurchase(ctx context.Context, listingID string, amountKg float64, method carbon.PaymentMethod) (carbon.Payment, error) {
	var out paymentResponse
	err := c.do(ctx, call{
		op:     "initiate purchase",
		method: http.MethodPost,
		path:   "/api/marketplace/buy/" + url.PathEscape(listingID),
		body:   purchaseRequest{AmountKgCO2: amountKg, PaymentMethod: method},
		authed: true,
	}, &out)
	if err != nil {
		return carbon.Payment{}, err
	}
	if out.Payment.ID == "" {
		return carbon.Payment{}, &carbon.Error{Kind: carbon.ErrService, Op: "initiate purchase", Message: "no payment in response"}
	}
	return out.Payment, nil
}

// CompletePayment confirms a pending payment with the client's reference.
func (c *Client) CompletePayment(ctx context.Context, paymentID, reference string) (Completion, error) {
	var out Completion
	err := c.do(ctx, call{
		op:     "complete payment",
		method: http.MethodPost,
		path:   "/api/marketplace/payment/" + url.PathEscape(paymentID) + "/complete",
		body:   completeRequest{PaymentReference: reference},
		authed: true,
	}, &out)
	return out, err
}

// CreateListing submits a sell offer. The returned listing is informational;
// callers reload the catalog instead of trusting it.
func (c *Client) CreateListing(ctx context.Context, nl carbon.NewListing) (carbon.Listing, error) {
	var out listingResponse
	err := c.do(ctx, call{
		op:     "create listing",
		method: http.MethodPost,
		path:   "/api/marketplace/sell",
		body:   nl,
		authed: true,
	}, &out)
	return out.Listing, err
}

func (c *Client) CancelListing(ctx context.Context, id string) (carbon.Listing, error) {
	var out listingResponse
	err := c.do(ctx, call{
		op:     "cancel listing",
		method: http.MethodDelete,
		path:   "/api/marketplace/listing/" + url.PathEscape(id),
		authed: true,
	}, &out)
	return out.Listing, err
}

// MyListings returns every listing the caller created, newest first.
func (c *Client) MyListings(ctx context.Context) ([]carbon.Listing, error) {
	var out listingsResponse
	err := c.do(ctx, call{
		op:     "my listings",
		method: http.MethodGet,
		path:   "/api/marketplace/my-listings",
		authed: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Listings, nil
}

func (c *Client) MyTrades(ctx context.Context) (carbon.Trades, error) {
	var out struct {
		Trades carbon.Trades `json:"trades"`
	}
	err := c.do(ctx, call{
		op:     "my trades",
		method: http.MethodGet,
		path:   "/api/marketplace/my-trades",
		authed: true,
	}, &out)
	return out.Trades, err
}
