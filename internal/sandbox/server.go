// Package sandbox serves an in-memory copy of the carbon marketplace API.
// It follows the service's wire contract closely enough for end-to-end
// tests and local runs of the CLI; nothing is persisted.
package sandbox

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ecotrade.org/internal/audit"
	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/ids"
	"ecotrade.org/internal/obs"
)

const (
	defaultTokenTTL = 24 * time.Hour
	maxBodyBytes    = 1 << 20
)

type Option func(*Server)

// WithClock drives token issue/expiry and record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSecret sets the HS256 signing key. A random key is used otherwise.
func WithSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.secret = []byte(secret)
		}
	}
}

func WithVersion(v string) Option {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// WithRateLimit caps requests per client IP. perSec <= 0 disables limiting.
func WithRateLimit(perSec float64, burst int) Option {
	return func(s *Server) {
		s.limiter = nil
		if perSec > 0 {
			s.limiter = newLimiter(perSec, burst)
		}
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithAdmin seeds a console operator account.
func WithAdmin(email, password, name string) Option {
	return func(s *Server) {
		s.seedAdmins = append(s.seedAdmins, adminSeed{email, password, name})
	}
}

type adminSeed struct{ email, password, name string }

type Server struct {
	mux        *http.ServeMux
	st         *state
	tokens     signer
	now        func() time.Time
	secret     []byte
	ttl        time.Duration
	version    string
	limiter    *limiter
	seedAdmins []adminSeed
}

func New(opts ...Option) (*Server, error) {
	s := &Server{
		mux:     http.NewServeMux(),
		now:     time.Now,
		secret:  []byte(ids.RequestID()),
		ttl:     defaultTokenTTL,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.st = newState(s.now)
	s.tokens = signer{secret: s.secret, ttl: s.ttl, now: s.now}
	for _, a := range s.seedAdmins {
		hash, err := hashPassword(a.password)
		if err != nil {
			return nil, err
		}
		s.st.addAdmin(a.email, a.name, hash)
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.healthz)
	s.mux.Handle("GET /metrics", obs.Handler())

	s.mux.HandleFunc("POST /api/auth/register", s.register)
	s.mux.HandleFunc("POST /api/auth/login", s.login)
	s.mux.Handle("GET /api/auth/profile", s.withUser(s.profile))
	s.mux.HandleFunc("POST /api/admin/login", s.adminLogin)

	s.mux.HandleFunc("GET /api/credits/types", s.creditTypes)
	s.mux.Handle("POST /api/credits/purchase", s.withUser(s.purchaseCredits))
	s.mux.Handle("GET /api/credits/active", s.withUser(s.activeCredits))

	s.mux.Handle("POST /api/iot/emission", s.withUser(s.recordEmission))
	s.mux.Handle("GET /api/emissions/status", s.withUser(s.emissionStatus))
	s.mux.Handle("GET /api/predictions/forecast", s.withUser(s.forecast))

	s.mux.HandleFunc("GET /api/marketplace/listings", s.listings)
	s.mux.HandleFunc("GET /api/marketplace/listing/{id}", s.listing)
	s.mux.Handle("DELETE /api/marketplace/listing/{id}", s.withUser(s.cancelListing))
	s.mux.Handle("POST /api/marketplace/sell", s.withUser(s.sell))
	s.mux.Handle("POST /api/marketplace/buy/{id}", s.withUser(s.buy))
	s.mux.Handle("POST /api/marketplace/payment/{id}/complete", s.withUser(s.complete))
	s.mux.Handle("GET /api/marketplace/my-listings", s.withUser(s.myListings))
	s.mux.Handle("GET /api/marketplace/my-trades", s.withUser(s.myTrades))
}

// Handler wraps the routes with request ids, rate limiting, CORS, request
// logs and metrics.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	return obs.Instrument(withRequestID(logRequests(allowLocalOrigins(h))))
}

// withUser admits requests carrying a valid user token. Token failures use
// the {"msg": ...} shape and status codes of the service's JWT layer.
func (s *Server) withUser(next func(http.ResponseWriter, *http.Request, carbon.User)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "Missing Authorization Header"})
			return
		}
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"msg": "Bad Authorization header. Expected 'Authorization: Bearer <JWT>'"})
			return
		}
		c, err := s.tokens.parse(header[len("bearer "):])
		switch {
		case errors.Is(err, errTokenExpired):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "Token has expired"})
			return
		case err != nil:
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"msg": "Signature verification failed"})
			return
		}
		u, ok := s.st.user(c.Subject)
		if c.Role != roleUser || !ok {
			writeError(w, r, notFound("User not found"))
			return
		}
		next(w, r.WithContext(audit.WithActor(r.Context(), u.ID)), u)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "ecotrade-sandbox",
		"version": s.version,
	})
}

type registerRequest struct {
	Email     *string  `json:"email"`
	Password  *string  `json:"password"`
	AreaSqm   *float64 `json:"area_sqm"`
	Occupants *int     `json:"occupants"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, badRequest("%s", err.Error()))
		return
	}
	switch {
	case req.Email == nil:
		writeError(w, r, badRequest("Missing required field: email"))
		return
	case req.Password == nil:
		writeError(w, r, badRequest("Missing required field: password"))
		return
	case req.AreaSqm == nil:
		writeError(w, r, badRequest("Missing required field: area_sqm"))
		return
	case req.Occupants == nil:
		writeError(w, r, badRequest("Missing required field: occupants"))
		return
	}
	hash, err := hashPassword(*req.Password)
	if err != nil {
		writeError(w, r, badRequest("Password is required"))
		return
	}
	u, err := s.st.register(*req.Email, hash, *req.AreaSqm, *req.Occupants)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := s.tokens.issue(u.ID, roleUser)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(audit.WithActor(r.Context(), u.ID), "sandbox.user.registered", map[string]any{"email": u.Email})
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":      true,
		"message":      "User registered successfully",
		"user_id":      u.ID,
		"email":        u.Email,
		"household":    u.Household,
		"access_token": token,
	})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, badRequest("%s", err.Error()))
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, badRequest("Email and password required"))
		return
	}
	acc, ok := s.st.userByEmail(req.Email)
	if !ok || !verifyPassword(acc.hash, req.Password) {
		writeError(w, r, &apiError{code: http.StatusUnauthorized, msg: "Invalid credentials"})
		return
	}
	token, err := s.tokens.issue(acc.user.ID, roleUser)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"access_token": token,
		"user_id":      acc.user.ID,
		"email":        acc.user.Email,
		"household":    acc.user.Household,
	})
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request, u carbon.User) {
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) adminLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, badRequest("%s", err.Error()))
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, badRequest("Email and password required"))
		return
	}
	op, ok := s.st.adminByEmail(req.Email)
	if !ok || !verifyPassword(op.hash, req.Password) {
		writeError(w, r, &apiError{code: http.StatusUnauthorized, msg: "Invalid admin credentials"})
		return
	}
	token, err := s.tokens.issue(op.admin.ID, roleAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"access_token": token,
		"admin":        op.admin,
	})
}

func (s *Server) creditTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"credit_types": s.st.catalog})
}

type creditPurchaseRequest struct {
	CreditType  carbon.CreditKind `json:"credit_type"`
	AmountKgCO2 *float64          `json:"amount_kg_co2"`
}

func (s *Server) purchaseCredits(w http.ResponseWriter, r *http.Request, u carbon.User) {
	var req creditPurchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, badRequest("%s", err.Error()))
		return
	}
	if req.CreditType == "" || req.AmountKgCO2 == nil {
		writeError(w, r, badRequest("credit_type and amount_kg_co2 required"))
		return
	}
	res, err := s.st.purchaseCredits(u.ID, req.CreditType, *req.AmountKgCO2)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "sandbox.credits.purchased", map[string]any{
		"credit_id":   res.CreditID,
		"credit_type": string(res.CreditType),
		"amount_kg":   res.AmountKgCO2,
	})
	writeJSON(w, http.StatusCreated, struct {
		Success bool `json:"success"`
		carbon.CreditPurchase
	}{true, res})
}

func (s *Server) activeCredits(w http.ResponseWriter, r *http.Request, u carbon.User) {
	writeJSON(w, http.StatusOK, s.st.creditSummary(u.ID))
}

func (s *Server) listings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f carbon.ListingFilter
	f.CreditType = carbon.CreditKind(q.Get("credit_type"))
	for _, p := range []struct {
		key string
		dst *float64
	}{{"max_price", &f.MaxPrice}, {"min_amount", &f.MinAmount}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, r, badRequest("invalid %s", p.key))
			return
		}
		*p.dst = v
	}
	out := s.st.activeListings(f)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "listings": out, "count": len(out)})
}

func (s *Server) listing(w http.ResponseWriter, r *http.Request) {
	l, err := s.st.viewListing(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "listing": l})
}

func (s *Server) sell(w http.ResponseWriter, r *http.Request, u carbon.User) {
	var req struct {
		CreditType  carbon.CreditKind `json:"credit_type"`
		AmountKgCO2 *float64          `json:"amount_kg_co2"`
		PricePerKg  *float64          `json:"price_per_kg"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, badRequest("%s", err.Error()))
		return
	}
	switch {
	case req.CreditType == "":
		writeError(w, r, badRequest("credit_type is required"))
		return
	case req.AmountKgCO2 == nil:
		writeError(w, r, badRequest("amount_kg_co2 is required"))
		return
	case req.PricePerKg == nil:
		writeError(w, r, badRequest("price_per_kg is required"))
		return
	}
	l, err := s.st.createListing(u.ID, carbon.NewListing{
		CreditType:  req.CreditType,
		AmountKgCO2: *req.AmountKgCO2,
		PricePerKg:  *req.PricePerKg,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "sandbox.listing.created", map[string]any{"listing_id": l.ID})
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Listing created successfully",
		"listing": l,
	})
}

func (s *Server) cancelListing(w http.ResponseWriter, r *http.Request, u carbon.User) {
	l, err := s.st.cancelListing(r.PathValue("id"), u.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "sandbox.listing.cancelled", map[string]any{"listing_id": l.ID})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Listing cancelled successfully",
		"listing": l,
	})
}

func (s *Server) buy(w http.ResponseWriter, r *http.Request, u carbon.User) {
	var req struct {
		AmountKgCO2   *float64             `json:"amount_kg_co2"`
		PaymentMethod carbon.PaymentMethod `json:"payment_method"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, badRequest("%s", err.Error()))
		return
	}
	if req.AmountKgCO2 == nil || req.PaymentMethod == "" {
		writeError(w, r, badRequest("amount_kg_co2 and payment_method required"))
		return
	}
	p, err := s.st.initiatePurchase(u.ID, r.PathValue("id"), *req.AmountKgCO2, req.PaymentMethod)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "sandbox.payment.initiated", map[string]any{
		"payment_id": p.ID,
		"listing_id": p.ListingID,
		"amount_kg":  p.AmountKgCO2,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Payment initiated",
		"payment": p,
	})
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request, u carbon.User) {
	var req struct {
		PaymentReference string `json:"payment_reference"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, badRequest("%s", err.Error()))
		return
	}
	res, err := s.st.completePayment(r.PathValue("id"), u.ID, req.PaymentReference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "sandbox.payment.completed", map[string]any{
		"payment_id": res.Payment.ID,
		"reference":  res.Payment.Reference,
	})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) myListings(w http.ResponseWriter, r *http.Request, u carbon.User) {
	out := s.st.sellerListings(u.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "listings": out, "count": len(out)})
}

func (s *Server) myTrades(w http.ResponseWriter, r *http.Request, u carbon.User) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"trades": carbon.Trades{
			SellListings: s.st.sellerListings(u.ID),
			Purchases:    s.st.completedPurchases(u.ID),
		},
	})
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apiError
	if !errors.As(err, &ae) {
		obs.Logger().Error().Err(err).Str("path", r.URL.Path).Msg("sandbox: internal error")
		ae = &apiError{code: http.StatusInternalServerError, msg: err.Error()}
	}
	payload := map[string]any{"error": ae.msg}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, ae.code, payload)
}
