package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"ecotrade.org/internal/audit"
	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/config"
	"ecotrade.org/internal/gateway"
	"ecotrade.org/internal/ids"
	"ecotrade.org/internal/kv"
	"ecotrade.org/internal/obs"
	"ecotrade.org/internal/session"
)

type command struct {
	name  string
	usage string
	auth  bool
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"login", "login -email E -password P", false, runLogin},
	{"register", "register -email E -password P -area SQM -occupants N", false, runRegister},
	{"logout", "logout", false, runLogout},
	{"whoami", "whoami", true, runWhoami},
	{"listings", "listings [-type T] [-max-price X] [-min-amount KG] [-sort price|amount|none]", false, runListings},
	{"buy", "buy -listing ID [-amount KG] [-method upi|qr|card|wallet|netbanking] [-yes]", true, runBuy},
	{"sell", "sell -type T -amount KG -price X", true, runSell},
	{"cancel", "cancel -listing ID [-yes]", true, runCancel},
	{"credit-types", "credit-types", false, runCreditTypes},
	{"credits-buy", "credits-buy -type T -amount KG", true, runCreditsBuy},
	{"trades", "trades", true, runTrades},
	{"record", "record [-kwh KWH] [-ppm PPM]", true, runRecord},
	{"status", "status [-days N]", true, runStatus},
}

func main() {
	global := flag.NewFlagSet("carbonctl", flag.ExitOnError)
	envFile := global.String("env", ".env", "dotenv file to load before reading ECOTRADE_* variables")
	apiURL := global.String("api", "", "API base URL (overrides ECOTRADE_API_URL)")
	storeSpec := global.String("store", "", "session store: memory:, file:<path> or postgres://... (overrides ECOTRADE_STORE)")
	verbose := global.Bool("v", false, "log gateway requests to stderr")
	global.Usage = usage
	_ = global.Parse(os.Args[1:])

	if global.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	if *verbose {
		obs.SetOutput(os.Stderr)
	} else {
		obs.SetOutput(io.Discard)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fatal(err)
	}
	if *apiURL != "" {
		cfg.APIURL = *apiURL
		if err := cfg.Validate(); err != nil {
			fatal(err)
		}
	}
	if *storeSpec != "" {
		cfg.Store = *storeSpec
	}

	name, args := global.Arg(0), global.Args()[1:]
	cmd := lookup(name)
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer a.close()

	if err := a.exec(ctx, cmd, args); err != nil {
		a.close()
		fatal(err)
	}
}

var errNotSignedIn = errors.New("not signed in; run `carbonctl login` first")

func lookup(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

// exec runs cmd under one request id. Commands that need a session restore it
// first and attribute their audit events to the signed-in user.
func (a *app) exec(ctx context.Context, cmd *command, args []string) error {
	ctx = audit.WithRequestID(ctx, ids.RequestID())
	if cmd.auth {
		if !a.session.Restore(ctx) {
			return errNotSignedIn
		}
		if cur, ok := a.session.Current(); ok {
			ctx = audit.WithActor(ctx, cur.UserID)
		}
	}
	return cmd.run(ctx, a, args)
}

type app struct {
	cfg     config.Config
	gw      *gateway.Client
	session *session.Store
	in      *bufio.Reader
	out     io.Writer
	closeFn func() error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, closeFn, err := kv.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := buildApp(cfg, store)
	a.closeFn = closeFn
	return a, nil
}

func buildApp(cfg config.Config, store kv.Store) *app {
	gw := gateway.New(cfg.APIURL,
		gateway.WithTimeout(cfg.Timeout),
		gateway.WithRateLimit(cfg.RatePerSec, cfg.RateBurst),
	)
	sess := session.New(store, gw)
	gw.Bind(sess)
	return &app{
		cfg:     cfg,
		gw:      gw,
		session: sess,
		in:      bufio.NewReader(os.Stdin),
		out:     os.Stdout,
	}
}

func (a *app) close() {
	if a.closeFn != nil {
		_ = a.closeFn()
		a.closeFn = nil
	}
}

// confirm asks a yes/no question on stdin. Anything but y/yes is a no.
func (a *app) confirm(_ context.Context, prompt string) (bool, error) {
	fmt.Fprintf(a.out, "%s [y/N] ", prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: carbonctl [-env FILE] [-api URL] [-store SPEC] [-v] <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "carbonctl: %s\n", carbon.Message(err))
	os.Exit(1)
}
