package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/catalog"
	"ecotrade.org/internal/config"
	"ecotrade.org/internal/credits"
	"ecotrade.org/internal/gateway"
	"ecotrade.org/internal/ids"
	"ecotrade.org/internal/kv"
	"ecotrade.org/internal/obs"
	"ecotrade.org/internal/publisher"
	"ecotrade.org/internal/purchase"
	"ecotrade.org/internal/session"
)

// Registers a seller and a buyer, lists 50 kg of solar credits at 10 per kg
// and buys 40 kg of it through UPI. Needs a fresh or sandbox API.
func main() {
	envFile := flag.String("env", ".env", "dotenv file to load before reading ECOTRADE_* variables")
	apiURL := flag.String("api", "", "API base URL (overrides ECOTRADE_API_URL)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	log := obs.Logger()
	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *apiURL != "" {
		cfg.APIURL = *apiURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	run := ids.New()
	seller := signIn(ctx, cfg, "seller-"+run+"@smoke.ecotrade", 120, 3)
	buyer := signIn(ctx, cfg, "buyer-"+run+"@smoke.ecotrade", 80, 2)

	flow := credits.New(seller, nil)
	_ = flow.Load(ctx)
	must(flow.SelectType(carbon.CreditSolar))
	must(flow.SetAmount(100))
	must(flow.Confirm(ctx))

	if err := publisher.New(seller, nil, nil).Create(ctx, carbon.NewListing{
		CreditType: carbon.CreditSolar, AmountKgCO2: 50, PricePerKg: 10,
	}); err != nil {
		log.Fatal().Err(err).Msg("create listing")
	}
	mine, err := publisher.New(seller, nil, nil).Mine(ctx)
	if err != nil || len(mine) == 0 {
		log.Fatal().Err(err).Msg("seller listings")
	}
	listingID := mine[0].ID

	cat := catalog.New(buyer)
	if err := cat.Load(ctx, carbon.ListingFilter{CreditType: carbon.CreditSolar}); err != nil {
		log.Fatal().Err(err).Msg("load catalog")
	}
	listing, ok := cat.Find(listingID)
	if !ok {
		log.Fatal().Str("listing_id", listingID).Msg("new listing missing from catalog")
	}

	orch := purchase.New(buyer, purchase.WithRefresh(cat.Reload))
	mustDraft(orch.Start(listing))
	mustDraft(orch.SetAmount(40))
	mustDraft(orch.Continue())
	mustDraft(orch.ChooseMethod(carbon.MethodUPI))
	d := mustDraft(orch.Pay(ctx))
	if carbon.FormatMoney(d.Total()) != "400.00" {
		log.Fatal().Float64("total", d.Total()).Msg("unexpected total")
	}
	d = mustDraft(orch.Confirm(ctx))
	if d.State != purchase.Success || d.Credits != 40 {
		log.Fatal().Str("state", string(d.State)).Float64("credits", d.Credits).Msg("purchase did not complete")
	}

	after, ok := cat.Find(listingID)
	if !ok || after.AmountKgCO2 != 10 {
		log.Fatal().Float64("remaining", after.AmountKgCO2).Msg("listing not decremented")
	}

	fmt.Printf("✅ marketplace smoke test passed: listing=%s payment=%s reference=%s\n", listingID, d.Payment.ID, d.Reference)
}

func signIn(ctx context.Context, cfg config.Config, email string, area float64, occupants int) *gateway.Client {
	gw := gateway.New(cfg.APIURL, gateway.WithTimeout(cfg.Timeout), gateway.WithRateLimit(cfg.RatePerSec, cfg.RateBurst))
	sess := session.New(kv.NewMemory(), gw)
	gw.Bind(sess)
	if _, err := sess.Register(ctx, email, "smoke-"+email, area, occupants); err != nil {
		fmt.Fprintf(os.Stderr, "register %s: %s\n", email, carbon.Message(err))
		os.Exit(1)
	}
	return gw
}

func must(_ credits.State, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "credits: %s\n", carbon.Message(err))
		os.Exit(1)
	}
}

func mustDraft(d purchase.Draft, err error) purchase.Draft {
	if err != nil {
		fmt.Fprintf(os.Stderr, "purchase (%s): %s\n", d.State, carbon.Message(err))
		os.Exit(1)
	}
	return d
}
