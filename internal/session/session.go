// Package session owns the client's authentication state. It is the only
// writer of the persisted token; every other component reads through it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ecotrade.org/internal/audit"
	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/gateway"
	"ecotrade.org/internal/kv"
	"ecotrade.org/internal/obs"
)

// DefaultStorageKey is where the token lives in the key-value store.
const DefaultStorageKey = "token"

var (
	ErrTokenUnreadable = errors.New("session: token unreadable")
	ErrTokenExpired    = errors.New("session: token expired")
)

// Principal is the kind of account behind a session.
type Principal string

const (
	PrincipalUser  Principal = "user"
	PrincipalAdmin Principal = "admin"
)

// Session is a read-only snapshot of the signed-in identity.
type Session struct {
	Token     string
	Principal Principal
	UserID    string
	Email     string
	Household carbon.Household
	Admin     carbon.Admin
	ExpiresAt time.Time
}

// Gateway is the slice of the remote API the session needs.
type Gateway interface {
	Login(ctx context.Context, email, password string) (gateway.AuthResult, error)
	AdminLogin(ctx context.Context, email, password string) (gateway.AdminAuthResult, error)
	Register(ctx context.Context, reg gateway.Registration) (gateway.AuthResult, error)
	Profile(ctx context.Context) (carbon.User, error)
}

// record is the persisted form of a session.
type record struct {
	Token     string    `json:"token"`
	Principal Principal `json:"principal"`
}

// Store holds the current session.
type Store struct {
	storage kv.Store
	gw      Gateway
	now     func() time.Time
	key     string
	order   []Principal

	mu      sync.RWMutex
	current *Session

	subMu sync.RWMutex
	subs  map[int]chan Event
	next  int
}

// Option customises a Store.
type Option func(*Store)

// WithClock injects the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPrincipalOrder sets which account kinds Login tries, in order.
func WithPrincipalOrder(order ...Principal) Option {
	return func(s *Store) {
		if len(order) > 0 {
			s.order = append([]Principal(nil), order...)
		}
	}
}

// WithStorageKey overrides DefaultStorageKey.
func WithStorageKey(key string) Option {
	return func(s *Store) {
		if key = strings.TrimSpace(key); key != "" {
			s.key = key
		}
	}
}

// New creates an empty session store. Call Restore to pick up a persisted
// token.
func New(storage kv.Store, gw Gateway, opts ...Option) *Store {
	s := &Store{
		storage: storage,
		gw:      gw,
		now:     time.Now,
		key:     DefaultStorageKey,
		order:   []Principal{PrincipalUser, PrincipalAdmin},
		subs:    make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// expiry reads the exp claim without verifying the signature. The service
// verifies; the client only needs to know when to stop sending the token.
func expiry(token string) (time.Time, string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrTokenUnreadable, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, "", fmt.Errorf("%w: no exp claim", ErrTokenUnreadable)
	}
	return claims.ExpiresAt.Time, claims.Subject, nil
}

func (s *Store) valid(sess *Session) bool {
	return sess != nil && sess.ExpiresAt.After(s.now())
}

// IsAuthenticated reports whether a session is present and unexpired.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid(s.current)
}

// Current returns a copy of the active session.
func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid(s.current) {
		return Session{}, false
	}
	return *s.current, true
}

// Token hands the bearer token to the gateway. An absent or expired session
// fails here so no request leaves the process with a stale token.
func (s *Store) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	sess := s.current
	s.mu.RUnlock()

	if sess == nil {
		return "", carbon.SessionExpired("token")
	}
	if !s.valid(sess) {
		s.teardown(ctx, EventExpired, sess.Token)
		return "", carbon.SessionExpired("token")
	}
	return sess.Token, nil
}

// Invalidate drops the session after the service rejected token. A session
// adopted since token was sent is left alone.
func (s *Store) Invalidate(ctx context.Context, token string) {
	if token == "" {
		return
	}
	s.teardown(ctx, EventExpired, token)
}

// Logout clears memory and storage. Safe to call repeatedly.
func (s *Store) Logout(ctx context.Context) {
	s.teardown(ctx, EventLogout, "")
}

// teardown clears the session. A non-empty token restricts it to the session
// holding that token.
func (s *Store) teardown(ctx context.Context, kind EventKind, token string) {
	s.mu.Lock()
	prev := s.current
	if token != "" && (prev == nil || prev.Token != token) {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()

	if err := s.storage.Clear(ctx, s.key); err != nil {
		obs.Logger().Error().Err(err).Str("key", s.key).Msg("session: clear storage failed")
	}
	if prev == nil {
		return
	}
	_ = audit.LogEvent(audit.WithActor(ctx, prev.UserID), "session."+string(kind), map[string]any{
		"principal": string(prev.Principal),
	})
	s.publish(Event{Kind: kind})
}

func (s *Store) load(ctx context.Context) (record, bool, error) {
	raw, ok, err := s.storage.Get(ctx, s.key)
	if err != nil || !ok {
		return record{}, false, err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return record{}, false, nil
	}
	var rec record
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return record{}, false, fmt.Errorf("%w: %v", ErrTokenUnreadable, err)
		}
	} else {
		// Bare token written by older clients.
		rec = record{Token: raw, Principal: PrincipalUser}
	}
	if rec.Principal == "" {
		rec.Principal = PrincipalUser
	}
	return rec, true, nil
}

// Restore adopts a persisted token if it has not expired and the service
// still recognises it. It never fails; problems are logged and leave the
// session absent.
func (s *Store) Restore(ctx context.Context) bool {
	log := obs.Logger()

	rec, ok, err := s.load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("session: discarding stored token")
		s.clearStorage(ctx)
		return false
	}
	if !ok {
		return false
	}
	if rec.Principal != PrincipalUser {
		// Operator sessions have no profile endpoint to corroborate them.
		log.Info().Str("principal", string(rec.Principal)).Msg("session: not restoring non-user session")
		s.clearStorage(ctx)
		return false
	}

	exp, sub, err := expiry(rec.Token)
	if err != nil {
		log.Warn().Err(err).Msg("session: discarding stored token")
		s.clearStorage(ctx)
		return false
	}
	if !exp.After(s.now()) {
		log.Info().Time("expired_at", exp).Msg("session: stored token expired")
		s.clearStorage(ctx)
		return false
	}

	s.mu.Lock()
	s.current = &Session{Token: rec.Token, Principal: PrincipalUser, UserID: sub, ExpiresAt: exp}
	s.mu.Unlock()

	user, err := s.gw.Profile(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("session: profile load failed, signing out")
		s.Logout(ctx)
		return false
	}

	s.mu.Lock()
	if s.current == nil || s.current.Token != rec.Token {
		s.mu.Unlock()
		return false
	}
	if user.ID != "" {
		s.current.UserID = user.ID
	}
	s.current.Email = user.Email
	s.current.Household = user.Household
	snapshot := *s.current
	s.mu.Unlock()

	_ = audit.LogEvent(audit.WithActor(ctx, snapshot.UserID), "session.restored", nil)
	s.publish(Event{Kind: EventRestored, Session: snapshot})
	return true
}

func (s *Store) clearStorage(ctx context.Context) {
	if err := s.storage.Clear(ctx, s.key); err != nil {
		obs.Logger().Error().Err(err).Str("key", s.key).Msg("session: clear storage failed")
	}
}

// Login tries each configured principal kind in turn. Only credential
// rejections move on to the next kind; any other failure stops the chain.
func (s *Store) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Session{}, carbon.Validation("login", "email and password are required")
	}

	var rejected []error
	for _, p := range s.order {
		sess, err := s.tryLogin(ctx, p, email, password)
		if err == nil {
			if err := s.adopt(ctx, sess); err != nil {
				return Session{}, err
			}
			return sess, nil
		}
		if !errors.Is(err, carbon.ErrCredential) {
			return Session{}, err
		}
		rejected = append(rejected, err)
	}
	return Session{}, &carbon.Error{
		Kind:    carbon.ErrCredential,
		Op:      "login",
		Message: "invalid email or password",
		Err:     errors.Join(rejected...),
	}
}

func (s *Store) tryLogin(ctx context.Context, p Principal, email, password string) (Session, error) {
	switch p {
	case PrincipalUser:
		res, err := s.gw.Login(ctx, email, password)
		if err != nil {
			return Session{}, err
		}
		return s.fromAuth(res, "login")
	case PrincipalAdmin:
		res, err := s.gw.AdminLogin(ctx, email, password)
		if err != nil {
			return Session{}, err
		}
		exp, _, err := expiry(res.Token)
		if err != nil {
			return Session{}, &carbon.Error{Kind: carbon.ErrService, Op: "admin login", Message: "unreadable token", Err: err}
		}
		return Session{
			Token:     res.Token,
			Principal: PrincipalAdmin,
			UserID:    res.Admin.ID,
			Email:     res.Admin.Email,
			Admin:     res.Admin,
			ExpiresAt: exp,
		}, nil
	}
	return Session{}, fmt.Errorf("session: unknown principal %q", p)
}

func (s *Store) fromAuth(res gateway.AuthResult, op string) (Session, error) {
	exp, sub, err := expiry(res.Token)
	if err != nil {
		return Session{}, &carbon.Error{Kind: carbon.ErrService, Op: op, Message: "unreadable token", Err: err}
	}
	if !exp.After(s.now()) {
		return Session{}, &carbon.Error{Kind: carbon.ErrService, Op: op, Message: "token already expired", Err: ErrTokenExpired}
	}
	id := res.UserID
	if id == "" {
		id = sub
	}
	return Session{
		Token:     res.Token,
		Principal: PrincipalUser,
		UserID:    id,
		Email:     res.Email,
		Household: res.Household,
		ExpiresAt: exp,
	}, nil
}

// Register creates an account and signs it in.
func (s *Store) Register(ctx context.Context, email, password string, areaSqm float64, occupants int) (Session, error) {
	email = strings.TrimSpace(email)
	switch {
	case email == "" || password == "":
		return Session{}, carbon.Validation("register", "email and password are required")
	case !strings.Contains(email, "@"):
		return Session{}, carbon.Validation("register", "email address is not valid")
	case areaSqm <= 0:
		return Session{}, carbon.Validation("register", "area must be positive")
	case occupants <= 0:
		return Session{}, carbon.Validation("register", "occupants must be at least 1")
	}

	res, err := s.gw.Register(ctx, gateway.Registration{
		Email:     email,
		Password:  password,
		AreaSqm:   areaSqm,
		Occupants: occupants,
	})
	if err != nil {
		return Session{}, err
	}
	sess, err := s.fromAuth(res, "register")
	if err != nil {
		return Session{}, err
	}
	if err := s.adopt(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// adopt persists sess and makes it current. Operator sessions stay in memory.
func (s *Store) adopt(ctx context.Context, sess Session) error {
	if sess.Principal == PrincipalUser {
		raw, err := json.Marshal(record{Token: sess.Token, Principal: sess.Principal})
		if err != nil {
			return fmt.Errorf("session: encode: %w", err)
		}
		if err := s.storage.Set(ctx, s.key, string(raw)); err != nil {
			return fmt.Errorf("session: persist: %w", err)
		}
	} else {
		s.clearStorage(ctx)
	}

	s.mu.Lock()
	cp := sess
	s.current = &cp
	s.mu.Unlock()

	_ = audit.LogEvent(audit.WithActor(ctx, sess.UserID), "session.login", map[string]any{
		"principal": string(sess.Principal),
	})
	s.publish(Event{Kind: EventLogin, Session: sess})
	return nil
}
