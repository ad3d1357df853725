package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/config"
	"ecotrade.org/internal/kv"
	"ecotrade.org/internal/obs"
	"ecotrade.org/internal/sandbox"
)

func testApp(apiURL string, store kv.Store, stdin string) (*app, *bytes.Buffer) {
	a := buildApp(config.Config{APIURL: apiURL, Timeout: 5 * time.Second}, store)
	var out bytes.Buffer
	a.out = &out
	a.in = bufio.NewReader(strings.NewReader(stdin))
	return a, &out
}

func TestCommandsAgainstSandbox(t *testing.T) {
	restore := obs.SetOutput(io.Discard)
	defer restore()
	sb, err := sandbox.New()
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	srv := httptest.NewServer(sb.Handler())
	defer srv.Close()

	ctx := context.Background()
	sellerStore, buyerStore := kv.NewMemory(), kv.NewMemory()

	run := func(store kv.Store, stdin, name string, args ...string) string {
		t.Helper()
		a, out := testApp(srv.URL, store, stdin)
		cmd := lookup(name)
		if cmd == nil {
			t.Fatalf("unknown command %s", name)
		}
		if err := a.exec(ctx, cmd, args); err != nil {
			t.Fatalf("%s %v: %v", name, args, err)
		}
		return out.String()
	}

	run(sellerStore, "", "register", "-email", "s@x.io", "-password", "pw", "-area", "100", "-occupants", "2")
	if out := run(sellerStore, "", "whoami"); !strings.Contains(out, "s@x.io") {
		t.Fatalf("whoami: %q", out)
	}
	if out := run(sellerStore, "", "credits-buy", "-type", "Solar", "-amount", "100"); !strings.Contains(out, "100.00 kg CO2") {
		t.Fatalf("credits-buy: %q", out)
	}
	out := run(sellerStore, "", "sell", "-type", "solar", "-amount", "50", "-price", "10")
	fields := strings.Fields(strings.Split(out, "\n")[2])
	listingID := fields[0]

	run(buyerStore, "", "register", "-email", "b@x.io", "-password", "pw", "-area", "80", "-occupants", "1")
	if out := run(buyerStore, "", "listings", "-type", "solar"); !strings.Contains(out, listingID) {
		t.Fatalf("listings: %q", out)
	}
	out = run(buyerStore, "y\n", "buy", "-listing", listingID, "-amount", "40", "-method", "upi")
	if !strings.Contains(out, "400.00") || !strings.Contains(out, "received 40.00 kg CO2") {
		t.Fatalf("buy: %q", out)
	}
	if out := run(buyerStore, "", "trades"); !strings.Contains(out, "UPI") {
		t.Fatalf("trades: %q", out)
	}

	if out := run(sellerStore, "n\n", "cancel", "-listing", listingID); !strings.Contains(out, "kept listing") {
		t.Fatalf("declined cancel: %q", out)
	}
	if out := run(sellerStore, "", "cancel", "-listing", listingID, "-yes"); !strings.Contains(out, "listing cancelled") {
		t.Fatalf("cancel: %q", out)
	}

	run(buyerStore, "", "logout")
	a, _ := testApp(srv.URL, buyerStore, "")
	if a.session.Restore(ctx) {
		t.Fatal("expected no session after logout")
	}
}

func TestAuditEventsCarryActor(t *testing.T) {
	var logs bytes.Buffer
	restore := obs.SetOutput(zerolog.SyncWriter(&logs))
	defer restore()
	sb, err := sandbox.New()
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	srv := httptest.NewServer(sb.Handler())
	defer srv.Close()

	ctx := context.Background()
	store := kv.NewMemory()

	a, _ := testApp(srv.URL, store, "")
	if err := a.exec(ctx, lookup("credits-buy"), []string{"-type", "solar", "-amount", "10"}); !errors.Is(err, errNotSignedIn) {
		t.Fatalf("expected errNotSignedIn, got %v", err)
	}
	if err := a.exec(ctx, lookup("register"), []string{"-email", "a@x.io", "-password", "pw", "-area", "60", "-occupants", "2"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	cur, ok := a.session.Current()
	if !ok || cur.UserID == "" {
		t.Fatal("expected a signed-in user")
	}

	b, _ := testApp(srv.URL, store, "")
	if err := b.exec(ctx, lookup("credits-buy"), []string{"-type", "solar", "-amount", "10"}); err != nil {
		t.Fatalf("credits-buy: %v", err)
	}
	srv.Close()

	var found bool
	for _, line := range bytes.Split(logs.Bytes(), []byte("\n")) {
		var entry map[string]any
		if json.Unmarshal(line, &entry) != nil || entry["event"] != "credits.purchased" {
			continue
		}
		found = true
		if entry["user_id"] != cur.UserID {
			t.Fatalf("user_id %v, want %s", entry["user_id"], cur.UserID)
		}
		if rid, _ := entry["request_id"].(string); rid == "" {
			t.Fatal("expected a request id on the audit line")
		}
	}
	if !found {
		t.Fatalf("no credits.purchased event in %s", logs.String())
	}
}

func TestRecordAndStatusCommands(t *testing.T) {
	restore := obs.SetOutput(io.Discard)
	defer restore()
	sb, err := sandbox.New()
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	srv := httptest.NewServer(sb.Handler())
	defer srv.Close()

	ctx := context.Background()
	store := kv.NewMemory()
	exec := func(name string, args ...string) (string, error) {
		a, out := testApp(srv.URL, store, "")
		err := a.exec(ctx, lookup(name), args)
		return out.String(), err
	}

	if _, err := exec("register", "-email", "home@x.io", "-password", "pw", "-area", "100", "-occupants", "2"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := exec("record"); !errors.Is(err, carbon.ErrValidation) {
		t.Fatalf("empty reading: expected ErrValidation, got %v", err)
	}
	out, err := exec("record", "-kwh", "10")
	if err != nil || !strings.Contains(out, "recorded 8.50 kg CO2") {
		t.Fatalf("record: %q %v", out, err)
	}
	out, err = exec("status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"status: safe (score A+)", "7000.00 kg CO2", "Insufficient recent data"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q: %q", want, out)
		}
	}

	for i := 0; i < 6; i++ {
		if _, err := exec("record", "-kwh", "10"); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	out, err = exec("status", "-days", "3")
	if err != nil || !strings.Contains(out, "forecast: 85.00 kg CO2 emitted this year after the next 3 days") {
		t.Fatalf("status with forecast: %q %v", out, err)
	}
}
