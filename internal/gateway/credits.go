package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"ecotrade.org/internal/carbon"
)

// CreditTypes fetches the direct-purchase catalog.
func (c *Client) CreditTypes(ctx context.Context) ([]carbon.CreditType, error) {
	var out struct {
		CreditTypes []carbon.CreditType `json:"credit_types"`
	}
	err := c.do(ctx, call{
		op:     "credit types",
		method: http.MethodGet,
		path:   "/api/credits/types",
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.CreditTypes, nil
}

// PurchaseCredits buys offsets straight from the catalog in one atomic call.
func (c *Client) PurchaseCredits(ctx context.Context, kind carbon.CreditKind, amountKg float64) (carbon.CreditPurchase, error) {
	var out carbon.CreditPurchase
	err := c.do(ctx, call{
		op:     "purchase credits",
		method: http.MethodPost,
		path:   "/api/credits/purchase",
		body: struct {
			CreditType  carbon.CreditKind `json:"credit_type"`
			AmountKgCO2 float64           `json:"amount_kg_co2"`
		}{kind, amountKg},
		authed: true,
	}, &out)
	return out, err
}

func (c *Client) ActiveCredits(ctx context.Context) (carbon.CreditSummary, error) {
	var out carbon.CreditSummary
	err := c.do(ctx, call{
		op:     "active credits",
		method: http.MethodGet,
		path:   "/api/credits/active",
		authed: true,
	}, &out)
	return out, err
}

// RecordEmission submits one meter reading for the caller's household.
func (c *Client) RecordEmission(ctx context.Context, r carbon.EmissionReading) (carbon.RecordedEmission, error) {
	var out carbon.RecordedEmission
	err := c.do(ctx, call{
		op:     "record emission",
		method: http.MethodPost,
		path:   "/api/iot/emission",
		body:   r,
		authed: true,
	}, &out)
	return out, err
}

func (c *Client) EmissionStatus(ctx context.Context) (carbon.EmissionStatus, error) {
	var out carbon.EmissionStatus
	err := c.do(ctx, call{
		op:     "emission status",
		method: http.MethodGet,
		path:   "/api/emissions/status",
		authed: true,
	}, &out)
	return out, err
}

// Forecast asks for a daily emissions prediction over the next days.
func (c *Client) Forecast(ctx context.Context, days int) (carbon.Forecast, error) {
	q := url.Values{}
	if days > 0 {
		q.Set("days", strconv.Itoa(days))
	}
	var out carbon.Forecast
	err := c.do(ctx, call{
		op:     "forecast",
		method: http.MethodGet,
		path:   "/api/predictions/forecast",
		query:  q,
		authed: true,
	}, &out)
	return out, err
}
