package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/gateway"
	"ecotrade.org/internal/kv"
	"ecotrade.org/internal/obs"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mintToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

type fakeGateway struct {
	mu         sync.Mutex
	loginFn    func(email, pw string) (gateway.AuthResult, error)
	adminFn    func(email, pw string) (gateway.AdminAuthResult, error)
	registerFn func(reg gateway.Registration) (gateway.AuthResult, error)
	profileFn  func() (carbon.User, error)
	calls      map[string]int
}

func (f *fakeGateway) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeGateway) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeGateway) Login(_ context.Context, email, pw string) (gateway.AuthResult, error) {
	f.count("login")
	if f.loginFn == nil {
		return gateway.AuthResult{}, &carbon.Error{Kind: carbon.ErrCredential, Message: "Invalid credentials"}
	}
	return f.loginFn(email, pw)
}

func (f *fakeGateway) AdminLogin(_ context.Context, email, pw string) (gateway.AdminAuthResult, error) {
	f.count("admin")
	if f.adminFn == nil {
		return gateway.AdminAuthResult{}, &carbon.Error{Kind: carbon.ErrCredential, Message: "Invalid admin credentials"}
	}
	return f.adminFn(email, pw)
}

func (f *fakeGateway) Register(_ context.Context, reg gateway.Registration) (gateway.AuthResult, error) {
	f.count("register")
	return f.registerFn(reg)
}

func (f *fakeGateway) Profile(context.Context) (carbon.User, error) {
	f.count("profile")
	if f.profileFn == nil {
		return carbon.User{}, errors.New("no profile")
	}
	return f.profileFn()
}

func setup(t *testing.T, gw Gateway) (*Store, *kv.Memory, *clock) {
	t.Helper()
	restore := obs.SetOutput(io.Discard)
	t.Cleanup(restore)
	clk := &clock{now: epoch}
	mem := kv.NewMemory()
	return New(mem, gw, WithClock(clk.Now)), mem, clk
}

func storeRecord(t *testing.T, mem *kv.Memory, token string, p Principal) {
	t.Helper()
	raw, _ := json.Marshal(record{Token: token, Principal: p})
	if err := mem.Set(context.Background(), DefaultStorageKey, string(raw)); err != nil {
		t.Fatalf("seed storage: %v", err)
	}
}

func stored(t *testing.T, mem *kv.Memory) bool {
	t.Helper()
	_, ok, err := mem.Get(context.Background(), DefaultStorageKey)
	if err != nil {
		t.Fatalf("storage get: %v", err)
	}
	return ok
}

func TestRestoreExpiredTokenIsAbsent(t *testing.T) {
	gw := &fakeGateway{}
	s, mem, _ := setup(t, gw)
	storeRecord(t, mem, mintToken(t, "u1", epoch.Add(-time.Second)), PrincipalUser)

	if s.Restore(context.Background()) {
		t.Fatal("expired token must not restore")
	}
	if s.IsAuthenticated() {
		t.Fatal("expected no session")
	}
	if gw.Calls("profile") != 0 {
		t.Fatalf("expected no network calls, got %d", gw.Calls("profile"))
	}
	if stored(t, mem) {
		t.Fatal("expired token should be cleared from storage")
	}
	if _, err := s.Token(context.Background()); !errors.Is(err, carbon.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestRestoreExpiryBoundary(t *testing.T) {
	gw := &fakeGateway{}
	s, mem, _ := setup(t, gw)
	storeRecord(t, mem, mintToken(t, "u1", epoch), PrincipalUser)

	if s.Restore(context.Background()) {
		t.Fatal("token expiring exactly now must not restore")
	}
	if gw.Calls("profile") != 0 {
		t.Fatal("expected no profile call")
	}
}

func TestRestoreUndecodableToken(t *testing.T) {
	for name, raw := range map[string]string{
		"garbage":     "not-a-jwt",
		"broken json": `{"token":`,
	} {
		t.Run(name, func(t *testing.T) {
			gw := &fakeGateway{}
			s, mem, _ := setup(t, gw)
			_ = mem.Set(context.Background(), DefaultStorageKey, raw)

			if s.Restore(context.Background()) {
				t.Fatal("expected restore to fail")
			}
			if stored(t, mem) || gw.Calls("profile") != 0 {
				t.Fatal("expected storage cleared and no calls")
			}
		})
	}
}

func TestRestoreLoadsProfile(t *testing.T) {
	gw := &fakeGateway{profileFn: func() (carbon.User, error) {
		return carbon.User{ID: "u1", Email: "a@b.c", Household: carbon.Household{Occupants: 2}}, nil
	}}
	s, mem, _ := setup(t, gw)
	// bare token, as older clients stored it
	_ = mem.Set(context.Background(), DefaultStorageKey, mintToken(t, "u1", epoch.Add(time.Hour)))

	if !s.Restore(context.Background()) {
		t.Fatal("expected restore to succeed")
	}
	cur, ok := s.Current()
	if !ok || cur.Email != "a@b.c" || cur.UserID != "u1" || cur.Household.Occupants != 2 {
		t.Fatalf("unexpected session %+v", cur)
	}
}

func TestRestoreProfileFailureSignsOut(t *testing.T) {
	gw := &fakeGateway{profileFn: func() (carbon.User, error) {
		return carbon.User{}, &carbon.Error{Kind: carbon.ErrService, Message: "User not found"}
	}}
	s, mem, _ := setup(t, gw)
	storeRecord(t, mem, mintToken(t, "u1", epoch.Add(time.Hour)), PrincipalUser)

	if s.Restore(context.Background()) {
		t.Fatal("expected restore to fail closed")
	}
	if s.IsAuthenticated() || stored(t, mem) {
		t.Fatal("expected session and storage cleared")
	}
}

func TestRestoreSkipsAdminRecord(t *testing.T) {
	gw := &fakeGateway{}
	s, mem, _ := setup(t, gw)
	storeRecord(t, mem, mintToken(t, "a1", epoch.Add(time.Hour)), PrincipalAdmin)

	if s.Restore(context.Background()) || gw.Calls("profile") != 0 {
		t.Fatal("admin record must not be restored")
	}
}

func TestLoginPersistsUserSession(t *testing.T) {
	tok := mintToken(t, "u1", epoch.Add(24*time.Hour))
	gw := &fakeGateway{loginFn: func(email, pw string) (gateway.AuthResult, error) {
		return gateway.AuthResult{Token: tok, UserID: "u1", Email: email}, nil
	}}
	s, mem, _ := setup(t, gw)

	sess, err := s.Login(context.Background(), " a@b.c ", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.Principal != PrincipalUser || sess.Email != "a@b.c" || !sess.ExpiresAt.Equal(epoch.Add(24*time.Hour)) {
		t.Fatalf("unexpected session %+v", sess)
	}
	raw, ok, _ := mem.Get(context.Background(), DefaultStorageKey)
	if !ok {
		t.Fatal("expected token persisted")
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Token != tok {
		t.Fatalf("unexpected record %q: %v", raw, err)
	}
	if gw.Calls("admin") != 0 {
		t.Fatal("admin login should not be tried after user success")
	}
}

func TestLoginFallsBackToAdmin(t *testing.T) {
	tok := mintToken(t, "a1", epoch.Add(time.Hour))
	gw := &fakeGateway{adminFn: func(email, pw string) (gateway.AdminAuthResult, error) {
		return gateway.AdminAuthResult{Token: tok, Admin: carbon.Admin{ID: "a1", Email: email, Name: "Ops"}}, nil
	}}
	s, mem, _ := setup(t, gw)

	sess, err := s.Login(context.Background(), "ops@b.c", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.Principal != PrincipalAdmin || sess.Admin.Name != "Ops" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if stored(t, mem) {
		t.Fatal("operator sessions are memory-only")
	}
	if got, err := s.Token(context.Background()); err != nil || got != tok {
		t.Fatalf("Token = %q, %v", got, err)
	}
}

func TestLoginRejectedKeepsPriorSession(t *testing.T) {
	good := mintToken(t, "u1", epoch.Add(time.Hour))
	attempt := 0
	gw := &fakeGateway{loginFn: func(email, pw string) (gateway.AuthResult, error) {
		attempt++
		if attempt == 1 {
			return gateway.AuthResult{Token: good, UserID: "u1", Email: email}, nil
		}
		return gateway.AuthResult{}, &carbon.Error{Kind: carbon.ErrCredential, Message: "Invalid credentials"}
	}}
	s, _, _ := setup(t, gw)

	if _, err := s.Login(context.Background(), "a@b.c", "pw"); err != nil {
		t.Fatalf("first login: %v", err)
	}
	_, err := s.Login(context.Background(), "x@b.c", "nope")
	if !errors.Is(err, carbon.ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
	if carbon.Message(err) != "invalid email or password" {
		t.Fatalf("expected one merged message, got %q", carbon.Message(err))
	}
	cur, ok := s.Current()
	if !ok || cur.Email != "a@b.c" {
		t.Fatalf("prior session lost: %+v", cur)
	}
}

func TestLoginNetworkErrorStopsChain(t *testing.T) {
	gw := &fakeGateway{loginFn: func(string, string) (gateway.AuthResult, error) {
		return gateway.AuthResult{}, &carbon.Error{Kind: carbon.ErrNetwork, Message: "service unreachable"}
	}}
	s, _, _ := setup(t, gw)

	_, err := s.Login(context.Background(), "a@b.c", "pw")
	if !errors.Is(err, carbon.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if gw.Calls("admin") != 0 {
		t.Fatal("admin login must not be tried after a network failure")
	}
}

func TestLoginRequiresInput(t *testing.T) {
	gw := &fakeGateway{}
	s, _, _ := setup(t, gw)
	if _, err := s.Login(context.Background(), "  ", "pw"); !errors.Is(err, carbon.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if gw.Calls("login") != 0 {
		t.Fatal("validation must happen before the network")
	}
}

func TestRegisterValidation(t *testing.T) {
	cases := []struct {
		name      string
		email     string
		password  string
		area      float64
		occupants int
	}{
		{"no email", "", "pw", 50, 2},
		{"bad email", "nobody", "pw", 50, 2},
		{"no password", "a@b.c", "", 50, 2},
		{"zero area", "a@b.c", "pw", 0, 2},
		{"no occupants", "a@b.c", "pw", 50, 0},
	}
	gw := &fakeGateway{}
	s, _, _ := setup(t, gw)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Register(context.Background(), tc.email, tc.password, tc.area, tc.occupants)
			if !errors.Is(err, carbon.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if gw.Calls("register") != 0 {
		t.Fatal("validation must happen before the network")
	}
}

func TestRegisterSignsIn(t *testing.T) {
	tok := mintToken(t, "u9", epoch.Add(time.Hour))
	gw := &fakeGateway{registerFn: func(reg gateway.Registration) (gateway.AuthResult, error) {
		if reg.AreaSqm != 80 || reg.Occupants != 3 {
			t.Errorf("unexpected registration %+v", reg)
		}
		return gateway.AuthResult{Token: tok, UserID: "u9", Email: reg.Email,
			Household: carbon.Household{AreaSqm: 80, Occupants: 3, AnnualCarbonLimitKg: 3600}}, nil
	}}
	s, mem, _ := setup(t, gw)

	sess, err := s.Register(context.Background(), "new@b.c", "pw", 80, 3)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if sess.Household.AnnualCarbonLimitKg != 3600 || !stored(t, mem) {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestTokenTearsDownExpiredSession(t *testing.T) {
	tok := mintToken(t, "u1", epoch.Add(time.Minute))
	gw := &fakeGateway{loginFn: func(email, _ string) (gateway.AuthResult, error) {
		return gateway.AuthResult{Token: tok, UserID: "u1", Email: email}, nil
	}}
	s, mem, clk := setup(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Subscribe(ctx)

	if _, err := s.Login(context.Background(), "a@b.c", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if evt := <-events; evt.Kind != EventLogin {
		t.Fatalf("expected login event, got %v", evt.Kind)
	}

	clk.Advance(time.Minute)
	if s.IsAuthenticated() {
		t.Fatal("session should be expired")
	}
	if _, err := s.Token(context.Background()); !errors.Is(err, carbon.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if evt := <-events; evt.Kind != EventExpired {
		t.Fatalf("expected expired event, got %v", evt.Kind)
	}
	if stored(t, mem) {
		t.Fatal("expected storage cleared")
	}
}

func TestInvalidateIgnoresSupersededToken(t *testing.T) {
	first := mintToken(t, "u1", epoch.Add(time.Hour))
	second := mintToken(t, "u2", epoch.Add(2*time.Hour))
	next := first
	gw := &fakeGateway{loginFn: func(email, _ string) (gateway.AuthResult, error) {
		return gateway.AuthResult{Token: next, Email: email}, nil
	}}
	s, mem, _ := setup(t, gw)
	ctx := context.Background()

	if _, err := s.Login(ctx, "a@b.c", "pw"); err != nil {
		t.Fatalf("first Login: %v", err)
	}
	next = second
	if _, err := s.Login(ctx, "d@e.f", "pw"); err != nil {
		t.Fatalf("second Login: %v", err)
	}

	// a rejection of the first token arrives after the second sign-in
	s.Invalidate(ctx, first)
	cur, ok := s.Current()
	if !ok || cur.Token != second || cur.UserID != "u2" {
		t.Fatalf("newer session was torn down: %+v", cur)
	}
	if !stored(t, mem) {
		t.Fatal("newer session's storage was cleared")
	}

	s.Invalidate(ctx, second)
	if s.IsAuthenticated() || stored(t, mem) {
		t.Fatal("expected the rejected session cleared")
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	tok := mintToken(t, "u1", epoch.Add(time.Hour))
	gw := &fakeGateway{loginFn: func(email, _ string) (gateway.AuthResult, error) {
		return gateway.AuthResult{Token: tok, UserID: "u1", Email: email}, nil
	}}
	s, mem, _ := setup(t, gw)
	if _, err := s.Login(context.Background(), "a@b.c", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	s.Logout(context.Background())
	s.Logout(context.Background())
	if s.IsAuthenticated() || stored(t, mem) {
		t.Fatal("expected everything cleared")
	}
}

func TestSubscribeClosesWithContext(t *testing.T) {
	s, _, _ := setup(t, &fakeGateway{})
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestRestoreThroughGateway(t *testing.T) {
	tok := mintToken(t, "u1", epoch.Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/profile" || r.Header.Get("Authorization") != "Bearer "+tok {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"msg":"Missing Authorization Header"}`)
			return
		}
		_, _ = io.WriteString(w, `{"user_id":"u1","email":"a@b.c","household":{"occupants":4},"created_at":"2025-01-01T00:00:00"}`)
	}))
	defer srv.Close()

	client := gateway.New(srv.URL)
	s, mem, _ := setup(t, client)
	client.Bind(s)
	storeRecord(t, mem, tok, PrincipalUser)

	if !s.Restore(context.Background()) {
		t.Fatal("expected restore to succeed")
	}
	cur, _ := s.Current()
	if cur.Household.Occupants != 4 {
		t.Fatalf("unexpected session %+v", cur)
	}
}
