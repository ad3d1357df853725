package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"text/tabwriter"

	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/catalog"
	"ecotrade.org/internal/credits"
	"ecotrade.org/internal/publisher"
	"ecotrade.org/internal/purchase"
	"ecotrade.org/internal/session"
)

func parse(name string, args []string, define func(fs *flag.FlagSet)) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	define(fs)
	return fs.Parse(args)
}

func runLogin(ctx context.Context, a *app, args []string) error {
	var email, password string
	if err := parse("login", args, func(fs *flag.FlagSet) {
		fs.StringVar(&email, "email", "", "account email")
		fs.StringVar(&password, "password", "", "account password")
	}); err != nil {
		return err
	}
	sess, err := a.session.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if sess.Principal == session.PrincipalAdmin {
		fmt.Fprintf(a.out, "signed in as operator %s; operator sessions are not kept between runs\n", sess.Admin.Email)
		return nil
	}
	fmt.Fprintf(a.out, "signed in as %s, session valid until %s\n", sess.Email, sess.ExpiresAt.Local().Format("2006-01-02 15:04"))
	return nil
}

func runRegister(ctx context.Context, a *app, args []string) error {
	var (
		email, password string
		area            float64
		occupants       int
	)
	if err := parse("register", args, func(fs *flag.FlagSet) {
		fs.StringVar(&email, "email", "", "account email")
		fs.StringVar(&password, "password", "", "account password")
		fs.Float64Var(&area, "area", 0, "household floor area in square metres")
		fs.IntVar(&occupants, "occupants", 0, "household occupants")
	}); err != nil {
		return err
	}
	sess, err := a.session.Register(ctx, email, password, area, occupants)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "registered %s, annual limit %s\n", sess.Email, carbon.FormatKg(sess.Household.AnnualCarbonLimitKg))
	return nil
}

func runLogout(ctx context.Context, a *app, _ []string) error {
	a.session.Logout(ctx)
	fmt.Fprintln(a.out, "signed out")
	return nil
}

func runWhoami(_ context.Context, a *app, _ []string) error {
	sess, _ := a.session.Current()
	fmt.Fprintf(a.out, "%s\nuser id: %s\nhousehold: %.0f m², %d occupants, limit %s\nexpires: %s\n",
		sess.Email, sess.UserID, sess.Household.AreaSqm, sess.Household.Occupants,
		carbon.FormatKg(sess.Household.AnnualCarbonLimitKg), sess.ExpiresAt.Local().Format("2006-01-02 15:04"))
	return nil
}

func runListings(ctx context.Context, a *app, args []string) error {
	var (
		f    carbon.ListingFilter
		kind string
		key  string
	)
	if err := parse("listings", args, func(fs *flag.FlagSet) {
		fs.StringVar(&kind, "type", "", "credit type: solar, wind or bio")
		fs.Float64Var(&f.MaxPrice, "max-price", 0, "highest price per kg")
		fs.Float64Var(&f.MinAmount, "min-amount", 0, "smallest amount on offer in kg")
		fs.StringVar(&key, "sort", string(catalog.SortPrice), "price, amount or none")
	}); err != nil {
		return err
	}
	if kind != "" {
		k, ok := carbon.ParseCreditKind(kind)
		if !ok {
			return carbon.Validation("listings", "unknown credit type %q", kind)
		}
		f.CreditType = k
	}
	if key == "none" {
		key = ""
	}

	cat := catalog.New(a.gw)
	cat.SetSortKey(catalog.SortKey(key))
	if err := cat.Load(ctx, f); err != nil {
		return err
	}
	printListings(a, cat.Listings())
	return nil
}

func printListings(a *app, listings []carbon.Listing) {
	if len(listings) == 0 {
		fmt.Fprintln(a.out, "no listings")
		return
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tAMOUNT\tPRICE/KG\tTOTAL\tSTATUS\tSELLER")
	for _, l := range listings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.ID, l.CreditType, carbon.FormatKg(l.AmountKgCO2), carbon.FormatMoney(l.PricePerKg),
			carbon.FormatMoney(l.Total()), l.Status, l.SellerEmail)
	}
	_ = tw.Flush()
}

func runBuy(ctx context.Context, a *app, args []string) error {
	var (
		listingID, method string
		amount            float64
		yes               bool
	)
	if err := parse("buy", args, func(fs *flag.FlagSet) {
		fs.StringVar(&listingID, "listing", "", "listing id")
		fs.Float64Var(&amount, "amount", 0, "kg of CO2 to buy (default: everything listed)")
		fs.StringVar(&method, "method", string(carbon.MethodUPI), "payment method")
		fs.BoolVar(&yes, "yes", false, "confirm the payment without prompting")
	}); err != nil {
		return err
	}
	if listingID == "" {
		return carbon.Validation("buy", "listing id is required")
	}
	listing, err := a.gw.Listing(ctx, listingID)
	if err != nil {
		return err
	}

	orch := purchase.New(a.gw)
	if _, err := orch.Start(listing); err != nil {
		return err
	}
	if amount != 0 {
		if _, err := orch.SetAmount(amount); err != nil {
			return err
		}
	}
	if _, err := orch.Continue(); err != nil {
		return err
	}
	if _, err := orch.ChooseMethod(carbon.PaymentMethod(method)); err != nil {
		return err
	}
	d, err := orch.Pay(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "payment %s pending: %s of %s for %s\n",
		d.Payment.TransactionID, carbon.FormatKg(d.Amount), d.Listing.CreditType, carbon.FormatMoney(d.Total()))
	if d.Payment.UPIID != "" {
		fmt.Fprintf(a.out, "pay to UPI id %s\n", d.Payment.UPIID)
	}
	if d.Payment.QRCode != "" {
		fmt.Fprintf(a.out, "QR payload: %s\n", d.Payment.QRCode)
	}

	if !yes {
		ok, err := a.confirm(ctx, "Payment made?")
		if err != nil {
			return err
		}
		if !ok {
			_, _ = orch.Cancel(ctx)
			fmt.Fprintln(a.out, "purchase cancelled; the payment stays pending")
			return nil
		}
	}
	d, err = orch.Confirm(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "received %s (reference %s)\n", carbon.FormatKg(d.Credits), d.Reference)
	return nil
}

func runSell(ctx context.Context, a *app, args []string) error {
	var (
		kind string
		nl   carbon.NewListing
	)
	if err := parse("sell", args, func(fs *flag.FlagSet) {
		fs.StringVar(&kind, "type", "", "credit type: solar, wind or bio")
		fs.Float64Var(&nl.AmountKgCO2, "amount", 0, "kg of CO2 to offer")
		fs.Float64Var(&nl.PricePerKg, "price", 0, "price per kg")
	}); err != nil {
		return err
	}
	nl.CreditType, _ = carbon.ParseCreditKind(kind)

	pub := publisher.New(a.gw, nil, nil)
	if err := pub.Create(ctx, nl); err != nil {
		return err
	}
	mine, err := pub.Mine(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "listing created")
	printListings(a, mine)
	return nil
}

func runCancel(ctx context.Context, a *app, args []string) error {
	var (
		listingID string
		yes       bool
	)
	if err := parse("cancel", args, func(fs *flag.FlagSet) {
		fs.StringVar(&listingID, "listing", "", "listing id")
		fs.BoolVar(&yes, "yes", false, "cancel without prompting")
	}); err != nil {
		return err
	}
	var confirm publisher.Confirmer = publisher.ConfirmFunc(a.confirm)
	if yes {
		confirm = publisher.ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })
	}
	err := publisher.New(a.gw, nil, confirm).Cancel(ctx, listingID)
	if errors.Is(err, publisher.ErrNotConfirmed) {
		fmt.Fprintln(a.out, "kept listing")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "listing cancelled")
	return nil
}

func runCreditTypes(ctx context.Context, a *app, _ []string) error {
	flow := credits.New(a.gw, nil)
	if err := flow.Load(ctx); err != nil {
		fmt.Fprintf(a.out, "(service unavailable, showing reference prices)\n")
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tNAME\tUSD/KG")
	for _, ct := range flow.Catalog() {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\n", ct.Type, ct.Name, ct.PricePerKg)
	}
	return tw.Flush()
}

func runCreditsBuy(ctx context.Context, a *app, args []string) error {
	var (
		kind   string
		amount float64
	)
	if err := parse("credits-buy", args, func(fs *flag.FlagSet) {
		fs.StringVar(&kind, "type", "", "credit type: solar, wind or bio")
		fs.Float64Var(&amount, "amount", 0, "kg of CO2 to offset")
	}); err != nil {
		return err
	}
	k, ok := carbon.ParseCreditKind(kind)
	if !ok {
		return carbon.Validation("credits-buy", "unknown credit type %q", kind)
	}

	flow := credits.New(a.gw, nil)
	_ = flow.Load(ctx)
	if _, err := flow.SelectType(k); err != nil {
		return err
	}
	if _, err := flow.SetAmount(amount); err != nil {
		return err
	}
	st, err := flow.Confirm(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s (credit %s, %s USD)\n", st.Result.Message, st.Result.CreditID, carbon.FormatMoney(st.Result.PriceUSD))
	sum, err := flow.Summary(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "active offsets: %s across %d credits\n", carbon.FormatKg(sum.TotalActiveOffsetKg), sum.CreditCount)
	return nil
}

func runTrades(ctx context.Context, a *app, _ []string) error {
	trades, err := a.gw.MyTrades(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "sell listings:")
	printListings(a, trades.SellListings)
	fmt.Fprintln(a.out, "\npurchases:")
	if len(trades.Purchases) == 0 {
		fmt.Fprintln(a.out, "none")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAYMENT\tTYPE\tAMOUNT\tTOTAL\tMETHOD\tREFERENCE")
	for _, p := range trades.Purchases {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.CreditType, carbon.FormatKg(p.AmountKgCO2), carbon.FormatMoney(p.TotalAmount), p.Method, p.Reference)
	}
	return tw.Flush()
}

func runRecord(ctx context.Context, a *app, args []string) error {
	var r carbon.EmissionReading
	if err := parse("record", args, func(fs *flag.FlagSet) {
		fs.Float64Var(&r.ElectricityKwh, "kwh", 0, "electricity used, kWh")
		fs.Float64Var(&r.CombustionPPM, "ppm", 0, "combustion CO2 reading, ppm")
	}); err != nil {
		return err
	}
	switch {
	case math.IsNaN(r.ElectricityKwh) || math.IsInf(r.ElectricityKwh, 0) || r.ElectricityKwh < 0,
		math.IsNaN(r.CombustionPPM) || math.IsInf(r.CombustionPPM, 0) || r.CombustionPPM < 0:
		return carbon.Validation("record", "readings must be zero or more")
	case r.ElectricityKwh == 0 && r.CombustionPPM == 0:
		return carbon.Validation("record", "give -kwh, -ppm or both")
	}
	rec, err := a.gw.RecordEmission(ctx, r)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "recorded %s: electricity %s, combustion %s\n",
		carbon.FormatKg(rec.Emissions.TotalCO2Kg), carbon.FormatKg(rec.Emissions.ElectricityCO2Kg), carbon.FormatKg(rec.Emissions.CombustionCO2Kg))
	return nil
}

func runStatus(ctx context.Context, a *app, args []string) error {
	var days int
	if err := parse("status", args, func(fs *flag.FlagSet) {
		fs.IntVar(&days, "days", 7, "forecast horizon in days")
	}); err != nil {
		return err
	}
	st, err := a.gw.EmissionStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "status: %s (score %s)\n", st.Status, st.CarbonScore)
	if st.StatusMessage != "" {
		fmt.Fprintln(a.out, st.StatusMessage)
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "annual limit\t%s\n", carbon.FormatKg(st.AnnualLimitKg))
	fmt.Fprintf(tw, "emitted this year\t%s\n", carbon.FormatKg(st.TotalEmittedKg))
	fmt.Fprintf(tw, "offset by credits\t%s\n", carbon.FormatKg(st.ActiveCreditsKg))
	fmt.Fprintf(tw, "remaining budget\t%s\n", carbon.FormatKg(st.RemainingBudgetKg))
	if st.NeedsCredits {
		fmt.Fprintf(tw, "to offset\t%s\n", carbon.FormatKg(st.ExcessCO2Kg))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	f, err := a.gw.Forecast(ctx, days)
	if err != nil {
		return err
	}
	if !f.Success {
		fmt.Fprintf(a.out, "forecast: %s\n", f.Message)
		return nil
	}
	fmt.Fprintf(a.out, "forecast: %s emitted this year after the next %d days\n",
		carbon.FormatKg(f.ProjectedTotalKg), len(f.Predictions))
	if f.Warning != "" {
		fmt.Fprintln(a.out, f.Warning)
	}
	return nil
}
