package sandbox

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/ids"
)

// Household limit inputs, kg CO2 per year.
const (
	limitPerSqm      = 50.0
	limitPerOccupant = 1000.0
)

// apiError carries the status and message a handler writes as {"error": msg}.
type apiError struct {
	code int
	msg  string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &apiError{code: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func notFound(msg string) error { return &apiError{code: http.StatusNotFound, msg: msg} }

type account struct {
	user carbon.User
	hash string
}

type operator struct {
	admin carbon.Admin
	hash  string
}

type credit struct {
	id        string
	kind      carbon.CreditKind
	amountKg  float64
	priceUSD  float64
	createdAt time.Time
}

// state is the whole in-memory service. One mutex guards everything; the
// sandbox serves tests and local runs, not load.
type state struct {
	mu sync.Mutex

	now     func() time.Time
	catalog []carbon.CreditType

	users    map[string]*account // by id
	emails   map[string]string   // email -> id
	admins   map[string]*operator
	listings map[string]*carbon.Listing
	payments map[string]*carbon.Payment
	credits  map[string][]*credit // user id -> holdings, oldest first
	readings map[string][]*reading
}

func newState(now func() time.Time) *state {
	return &state{
		now:      now,
		catalog:  carbon.DefaultCatalog(),
		users:    make(map[string]*account),
		emails:   make(map[string]string),
		admins:   make(map[string]*operator),
		listings: make(map[string]*carbon.Listing),
		payments: make(map[string]*carbon.Payment),
		credits:  make(map[string][]*credit),
		readings: make(map[string][]*reading),
	}
}

func normEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (s *state) register(email, hash string, areaSqm float64, occupants int) (carbon.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = normEmail(email)
	if _, ok := s.emails[email]; ok {
		return carbon.User{}, &apiError{code: http.StatusConflict, msg: "Email already exists"}
	}
	u := carbon.User{
		ID:    strings.ToLower(ids.New()),
		Email: email,
		Household: carbon.Household{
			AreaSqm:             areaSqm,
			Occupants:           occupants,
			AnnualCarbonLimitKg: areaSqm*limitPerSqm + float64(occupants)*limitPerOccupant,
		},
		CreatedAt: carbon.Timestamp{Time: s.now().UTC()},
	}
	s.users[u.ID] = &account{user: u, hash: hash}
	s.emails[email] = u.ID
	return u, nil
}

func (s *state) userByEmail(email string) (account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[normEmail(email)]
	if !ok {
		return account{}, false
	}
	return *s.users[id], true
}

func (s *state) user(id string) (carbon.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.users[id]
	if !ok {
		return carbon.User{}, false
	}
	return a.user, true
}

func (s *state) addAdmin(email, name, hash string) carbon.Admin {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := carbon.Admin{ID: strings.ToLower(ids.New()), Email: normEmail(email), Name: name}
	s.admins[a.Email] = &operator{admin: a, hash: hash}
	return a
}

func (s *state) adminByEmail(email string) (operator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.admins[normEmail(email)]
	if !ok {
		return operator{}, false
	}
	return *op, true
}

func (s *state) creditType(kind carbon.CreditKind) (carbon.CreditType, bool) {
	for _, ct := range s.catalog {
		if ct.Type == kind {
			return ct, true
		}
	}
	return carbon.CreditType{}, false
}

// balanceLocked sums a user's active holdings.
func (s *state) balanceLocked(userID string) float64 {
	var total float64
	for _, c := range s.credits[userID] {
		total += c.amountKg
	}
	return total
}

func (s *state) grantLocked(userID string, kind carbon.CreditKind, kg, priceUSD float64) *credit {
	c := &credit{
		id:        strings.ToLower(ids.New()),
		kind:      kind,
		amountKg:  kg,
		priceUSD:  priceUSD,
		createdAt: s.now().UTC(),
	}
	s.credits[userID] = append(s.credits[userID], c)
	return c
}

// deductLocked removes up to kg from the oldest holdings first.
func (s *state) deductLocked(userID string, kg float64) {
	held := s.credits[userID]
	kept := held[:0]
	for _, c := range held {
		if kg > 0 {
			take := min(c.amountKg, kg)
			c.amountKg -= take
			kg -= take
		}
		if c.amountKg > 0 {
			kept = append(kept, c)
		}
	}
	s.credits[userID] = kept
}

func (s *state) purchaseCredits(userID string, kind carbon.CreditKind, kg float64) (carbon.CreditPurchase, error) {
	ct, ok := s.creditType(kind)
	if !ok {
		return carbon.CreditPurchase{}, badRequest("Invalid credit type: %s", kind)
	}
	if kg <= 0 {
		return carbon.CreditPurchase{}, badRequest("Amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	price := carbon.LineTotal(kg, ct.PricePerKg)
	c := s.grantLocked(userID, kind, kg, price)
	return carbon.CreditPurchase{
		CreditID:    c.id,
		CreditType:  kind,
		CreditName:  ct.Name,
		AmountKgCO2: kg,
		PriceUSD:    carbon.Round2(price),
		Message:     fmt.Sprintf("Successfully purchased %s kg of %s", num(kg), ct.Name),
		ValidUntil:  "Valid for 1 year from purchase date",
	}, nil
}

type holdingView struct {
	ID          string            `json:"credit_id"`
	CreditType  carbon.CreditKind `json:"credit_type"`
	AmountKgCO2 float64           `json:"amount_kg_co2"`
	PriceUSD    float64           `json:"price_usd"`
	Status      string            `json:"status"`
	CreatedAt   carbon.Timestamp  `json:"created_at"`
}

type summaryView struct {
	carbon.CreditSummary
	ActiveCredits []holdingView `json:"active_credits"`
}

func (s *state) creditSummary(userID string) summaryView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := summaryView{ActiveCredits: []holdingView{}}
	out.ByType = []carbon.CreditHolding{}
	byKind := make(map[carbon.CreditKind]int)
	for _, c := range s.credits[userID] {
		out.TotalActiveOffsetKg += c.amountKg
		out.CreditCount++
		out.ActiveCredits = append(out.ActiveCredits, holdingView{
			ID: c.id, CreditType: c.kind, AmountKgCO2: c.amountKg, PriceUSD: c.priceUSD,
			Status: "active", CreatedAt: carbon.Timestamp{Time: c.createdAt},
		})
		i, ok := byKind[c.kind]
		if !ok {
			ct, _ := s.creditType(c.kind)
			out.ByType = append(out.ByType, carbon.CreditHolding{Type: c.kind, Name: ct.Name})
			i = len(out.ByType) - 1
			byKind[c.kind] = i
		}
		out.ByType[i].TotalKg += c.amountKg
		out.ByType[i].Count++
	}
	return out
}

func (s *state) createListing(sellerID string, nl carbon.NewListing) (carbon.Listing, error) {
	if !nl.CreditType.Valid() {
		return carbon.Listing{}, badRequest("Invalid credit type: %s", nl.CreditType)
	}
	if nl.AmountKgCO2 <= 0 {
		return carbon.Listing{}, badRequest("Amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if avail := s.balanceLocked(sellerID); avail < nl.AmountKgCO2 {
		return carbon.Listing{}, badRequest("Insufficient credits. Available: %s kg, Requested: %s kg", num(avail), num(nl.AmountKgCO2))
	}
	if nl.PricePerKg < carbon.MinPricePerKg {
		return carbon.Listing{}, badRequest("Minimum price per kg must be at least 5 Rs")
	}
	seller := s.users[sellerID]
	l := &carbon.Listing{
		ID:             strings.ToLower(ids.New()),
		SellerID:       sellerID,
		CreditType:     nl.CreditType,
		AmountKgCO2:    nl.AmountKgCO2,
		OriginalAmount: nl.AmountKgCO2,
		PricePerKg:     nl.PricePerKg,
		TotalPrice:     carbon.LineTotal(nl.AmountKgCO2, nl.PricePerKg),
		Status:         carbon.ListingActive,
		CreatedAt:      carbon.Timestamp{Time: s.now().UTC()},
	}
	if seller != nil {
		l.SellerEmail = seller.user.Email
	}
	s.listings[l.ID] = l
	return *l, nil
}

// activeListings applies the catalog filter and orders by price, cheapest first.
func (s *state) activeListings(f carbon.ListingFilter) []carbon.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []carbon.Listing{}
	for _, l := range s.listings {
		switch {
		case !l.Active() || l.AmountKgCO2 <= 0:
		case f.CreditType != "" && l.CreditType != f.CreditType:
		case f.MaxPrice > 0 && l.PricePerKg > f.MaxPrice:
		case f.MinAmount > 0 && l.AmountKgCO2 < f.MinAmount:
		default:
			out = append(out, *l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PricePerKg != out[j].PricePerKg {
			return out[i].PricePerKg < out[j].PricePerKg
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// viewListing returns a listing and counts the view.
func (s *state) viewListing(id string) (carbon.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return carbon.Listing{}, notFound("Listing not found")
	}
	l.Views++
	return *l, nil
}

// sellerListings returns a user's listings, newest first.
func (s *state) sellerListings(userID string) []carbon.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []carbon.Listing{}
	for _, l := range s.listings {
		if l.SellerID == userID {
			out = append(out, *l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt.Time) {
			return out[i].CreatedAt.After(out[j].CreatedAt.Time)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *state) cancelListing(id, userID string) (carbon.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok || l.SellerID != userID {
		return carbon.Listing{}, badRequest("Listing not found or unauthorized")
	}
	if !l.Active() {
		return carbon.Listing{}, badRequest("Can only cancel active listings")
	}
	l.Status = carbon.ListingCancelled
	return *l, nil
}

func (s *state) initiatePurchase(buyerID, listingID string, kg float64, method carbon.PaymentMethod) (carbon.Payment, error) {
	if !method.Valid() {
		return carbon.Payment{}, badRequest("Invalid payment method: %s", method)
	}
	if kg <= 0 {
		return carbon.Payment{}, badRequest("Amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingID]
	switch {
	case !ok:
		return carbon.Payment{}, badRequest("Listing not found")
	case !l.Active():
		return carbon.Payment{}, badRequest("Listing is not active")
	case l.SellerID == buyerID:
		return carbon.Payment{}, badRequest("Cannot buy from your own listing")
	case kg > l.AmountKgCO2:
		return carbon.Payment{}, badRequest("Insufficient amount available. Available: %s kg", num(l.AmountKgCO2))
	}

	total := carbon.LineTotal(kg, l.PricePerKg)
	p := &carbon.Payment{
		ID:            strings.ToLower(ids.New()),
		ListingID:     l.ID,
		CreditType:    l.CreditType,
		BuyerID:       buyerID,
		AmountKgCO2:   kg,
		PricePerKg:    l.PricePerKg,
		TotalAmount:   total,
		Method:        method,
		TransactionID: ids.Reference("TXN"),
		Status:        carbon.PaymentPending,
		CreatedAt:     carbon.Timestamp{Time: s.now().UTC()},
	}
	switch method {
	case carbon.MethodUPI:
		p.UPIID = upiID(l.SellerID)
		p.QRCode = fmt.Sprintf("upi://pay?pa=%s&pn=CarbonCredit&am=%s&tn=%s&cu=INR", p.UPIID, num(total), p.TransactionID)
	case carbon.MethodQR:
		p.QRCode = fmt.Sprintf("PAYMENT|TXN:%s|AMT:%s|CUR:INR", p.TransactionID, num(total))
	}
	s.payments[p.ID] = p
	return *p, nil
}

type completion struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message"`
	Payment         carbon.Payment `json:"payment"`
	CreditsReceived float64        `json:"credits_received"`
}

// completePayment settles a pending payment: credits move from seller to
// buyer, the listing shrinks, and the payment becomes completed.
func (s *state) completePayment(paymentID, buyerID, reference string) (completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok || p.BuyerID != buyerID {
		return completion{}, badRequest("Payment not found")
	}
	if p.Status != carbon.PaymentPending {
		return completion{}, badRequest("Payment already %s", p.Status)
	}
	l, ok := s.listings[p.ListingID]
	if !ok {
		return completion{}, badRequest("Listing not found")
	}
	// Another payment may have taken the stock since this one was opened.
	if l.Status != carbon.ListingActive {
		return completion{}, badRequest("Listing is not active")
	}
	if p.AmountKgCO2 > l.AmountKgCO2 {
		return completion{}, badRequest("Insufficient amount available. Available: %s kg", num(l.AmountKgCO2))
	}

	s.deductLocked(l.SellerID, p.AmountKgCO2)
	ct, _ := s.creditType(l.CreditType)
	s.grantLocked(p.BuyerID, l.CreditType, p.AmountKgCO2, carbon.LineTotal(p.AmountKgCO2, ct.PricePerKg))
	if buyer, ok := s.users[p.BuyerID]; ok {
		buyer.user.Household.AnnualCarbonLimitKg += p.AmountKgCO2
	}

	l.AmountKgCO2 -= p.AmountKgCO2
	l.SoldAmount += p.AmountKgCO2
	l.TotalPrice = carbon.LineTotal(l.AmountKgCO2, l.PricePerKg)
	if l.AmountKgCO2 <= 0 {
		l.Status = carbon.ListingSold
	}

	p.Status = carbon.PaymentCompleted
	if reference != "" {
		p.Reference = reference
	}
	return completion{
		Success:         true,
		Message:         "Purchase completed successfully",
		Payment:         *p,
		CreditsReceived: p.AmountKgCO2,
	}, nil
}

// completedPurchases returns a buyer's completed payments, newest first.
func (s *state) completedPurchases(buyerID string) []carbon.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []carbon.Payment{}
	for _, p := range s.payments {
		if p.BuyerID == buyerID && p.Status == carbon.PaymentCompleted {
			out = append(out, *p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func upiID(sellerID string) string {
	if len(sellerID) > 8 {
		sellerID = sellerID[:8]
	}
	return "seller" + sellerID + "@upi"
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
