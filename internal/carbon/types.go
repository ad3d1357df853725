package carbon

import (
	"math"
	"strings"
)

// MinPricePerKg is the lowest price a seller may ask per kg of CO2.
const MinPricePerKg = 5.00

// Household is supplied by the service at registration and never edited client-side.
type Household struct {
	AreaSqm             float64 `json:"area_sqm"`
	Occupants           int     `json:"occupants"`
	AnnualCarbonLimitKg float64 `json:"annual_carbon_limit_kg"`
}

// User is the household account holder.
type User struct {
	ID        string    `json:"user_id"`
	Email     string    `json:"email"`
	Household Household `json:"household"`
	CreatedAt Timestamp `json:"created_at,omitempty"`
}

// Admin is a console operator. Admins share the login form with users.
type Admin struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// CreditKind is a category of renewable-energy offset.
type CreditKind string

const (
	CreditSolar CreditKind = "solar"
	CreditWind  CreditKind = "wind"
	CreditBio   CreditKind = "bio"
)

// CreditKinds lists every kind in display order.
var CreditKinds = []CreditKind{CreditSolar, CreditWind, CreditBio}

func (k CreditKind) Valid() bool {
	switch k {
	case CreditSolar, CreditWind, CreditBio:
		return true
	}
	return false
}

// ParseCreditKind normalises user input ("Solar ", "WIND") into a kind.
func ParseCreditKind(s string) (CreditKind, bool) {
	k := CreditKind(strings.ToLower(strings.TrimSpace(s)))
	return k, k.Valid()
}

type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingSold      ListingStatus = "sold"
	ListingCancelled ListingStatus = "cancelled"
)

// Listing is a seller's offer of credits. Mutations happen server-side only.
// AmountKgCO2 is what remains on offer; partial purchases move kilograms into
// SoldAmount.
type Listing struct {
	ID             string        `json:"listing_id"`
	SellerID       string        `json:"seller_id"`
	SellerEmail    string        `json:"seller_email,omitempty"`
	CreditType     CreditKind    `json:"credit_type"`
	AmountKgCO2    float64       `json:"amount_kg_co2"`
	OriginalAmount float64       `json:"original_amount,omitempty"`
	PricePerKg     float64       `json:"price_per_kg"`
	TotalPrice     float64       `json:"total_price"`
	Status         ListingStatus `json:"status"`
	SoldAmount     float64       `json:"sold_amount"`
	Views          int           `json:"views"`
	CreatedAt      Timestamp     `json:"created_at"`
}

// Total recomputes the listing value from amount and unit price.
func (l Listing) Total() float64 { return LineTotal(l.AmountKgCO2, l.PricePerKg) }

// Active reports whether the listing still accepts buyers.
func (l Listing) Active() bool { return l.Status == ListingActive }

// NewListing is the seller's input for a new offer.
type NewListing struct {
	CreditType  CreditKind `json:"credit_type"`
	AmountKgCO2 float64    `json:"amount_kg_co2"`
	PricePerKg  float64    `json:"price_per_kg"`
}

// CreditType is a static catalog entry for direct purchases.
type CreditType struct {
	Type        CreditKind `json:"type"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	PricePerKg  float64    `json:"price_per_kg"`
}

// DefaultCatalog returns the service's reference prices (USD per kg).
func DefaultCatalog() []CreditType {
	return []CreditType{
		{Type: CreditSolar, Name: "Solar Energy Credits", Description: "Offset via solar power generation", PricePerKg: 0.15},
		{Type: CreditWind, Name: "Wind Energy Credits", Description: "Offset via wind power generation", PricePerKg: 0.12},
		{Type: CreditBio, Name: "Bio-Energy Credits", Description: "Offset via biomass energy", PricePerKg: 0.10},
	}
}

type PaymentMethod string

const (
	MethodUPI        PaymentMethod = "upi"
	MethodQR         PaymentMethod = "qr"
	MethodCard       PaymentMethod = "card"
	MethodWallet     PaymentMethod = "wallet"
	MethodNetBanking PaymentMethod = "netbanking"
)

// PaymentMethods lists the selectable methods in display order.
var PaymentMethods = []PaymentMethod{MethodUPI, MethodQR, MethodCard, MethodWallet, MethodNetBanking}

func (m PaymentMethod) Valid() bool {
	for _, known := range PaymentMethods {
		if m == known {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// Payment is the server record of a marketplace purchase.
type Payment struct {
	ID            string        `json:"payment_id"`
	ListingID     string        `json:"listing_id,omitempty"`
	CreditType    CreditKind    `json:"credit_type,omitempty"`
	BuyerID       string        `json:"buyer_id"`
	AmountKgCO2   float64       `json:"amount_kg_co2"`
	PricePerKg    float64       `json:"price_per_kg,omitempty"`
	TotalAmount   float64       `json:"total_amount"`
	Method        PaymentMethod `json:"payment_method"`
	TransactionID string        `json:"transaction_id"`
	Status        PaymentStatus `json:"status"`
	QRCode        string        `json:"qr_code,omitempty"`
	UPIID         string        `json:"upi_id,omitempty"`
	Reference     string        `json:"payment_reference,omitempty"`
	CreatedAt     Timestamp     `json:"created_at"`
}

// CreditPurchase is the result of an atomic direct purchase.
type CreditPurchase struct {
	CreditID    string     `json:"credit_id"`
	CreditType  CreditKind `json:"credit_type"`
	CreditName  string     `json:"credit_name"`
	AmountKgCO2 float64    `json:"amount_kg_co2"`
	PriceUSD    float64    `json:"price_usd"`
	Message     string     `json:"message"`
	ValidUntil  string     `json:"valid_until,omitempty"`
}

// CreditHolding groups active credits by kind.
type CreditHolding struct {
	Type    CreditKind `json:"type"`
	Name    string     `json:"name"`
	TotalKg float64    `json:"total_kg"`
	Count   int        `json:"count"`
}

// CreditSummary describes the caller's active offsets.
type CreditSummary struct {
	TotalActiveOffsetKg float64         `json:"total_active_offset_kg"`
	ByType              []CreditHolding `json:"by_type"`
	CreditCount         int             `json:"credit_count"`
}

// Trades is the caller's trading history.
type Trades struct {
	SellListings []Listing `json:"sell_listings"`
	Purchases    []Payment `json:"purchases"`
}

// EmissionReading is one household meter sample.
type EmissionReading struct {
	ElectricityKwh float64 `json:"electricity_kwh"`
	CombustionPPM  float64 `json:"combustion_ppm"`
}

// EmissionBreakdown is the CO2 the service attributes to a reading.
type EmissionBreakdown struct {
	ElectricityCO2Kg float64 `json:"electricity_co2_kg"`
	CombustionCO2Kg  float64 `json:"combustion_co2_kg"`
	TotalCO2Kg       float64 `json:"total_co2_kg"`
}

// RecordedEmission acknowledges a stored reading.
type RecordedEmission struct {
	ID        string            `json:"emission_id"`
	Emissions EmissionBreakdown `json:"calculated_emissions"`
}

// EmissionStatus is the dashboard gauge against the annual limit.
// CarbonScore is a letter grade from A+ to F.
type EmissionStatus struct {
	Status            string  `json:"status"`
	CarbonScore       string  `json:"carbon_score"`
	AnnualLimitKg     float64 `json:"annual_limit_kg"`
	TotalEmittedKg    float64 `json:"total_emitted_kg"`
	ElectricityCO2Kg  float64 `json:"electricity_co2_kg"`
	CombustionCO2Kg   float64 `json:"combustion_co2_kg"`
	ActiveCreditsKg   float64 `json:"active_credits_kg"`
	NetEmissionsKg    float64 `json:"net_emissions_kg"`
	PercentageUsed    float64 `json:"percentage_used"`
	ExcessCO2Kg       float64 `json:"excess_co2_kg"`
	RemainingBudgetKg float64 `json:"remaining_budget_kg"`
	NeedsCredits      bool    `json:"needs_credits"`
	StatusMessage     string  `json:"status_message,omitempty"`
}

// ForecastPoint is one predicted day.
type ForecastPoint struct {
	Date        string  `json:"date"`
	PredictedKg float64 `json:"predicted_co2_kg"`
}

// Forecast is the prediction service's outlook for the caller. Success is
// false, with Message set, when there is too little history to predict from.
type Forecast struct {
	Success            bool            `json:"success"`
	Predictions        []ForecastPoint `json:"predictions"`
	HorizonDays        int             `json:"prediction_horizon_days,omitempty"`
	ModelType          string          `json:"model_type,omitempty"`
	CurrentEmissionsKg float64         `json:"current_emissions_kg"`
	ProjectedTotalKg   float64         `json:"projected_total_kg"`
	AnnualLimitKg      float64         `json:"annual_limit_kg"`
	WillExceedLimit    bool            `json:"will_exceed_limit"`
	Warning            string          `json:"warning,omitempty"`
	Message            string          `json:"message,omitempty"`
}

// LineTotal is the single pricing rule shared by every purchase path.
// Values are never rounded here; rounding is a display concern.
func LineTotal(amountKg, pricePerKg float64) float64 {
	return amountKg * pricePerKg
}

// Round2 rounds half away from zero to two decimals for display.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ListingFilter narrows a catalog fetch. Zero fields are not sent.
type ListingFilter struct {
	CreditType CreditKind
	MaxPrice   float64
	MinAmount  float64
}
