package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"threshold-trader/internal/authbrowser"
	"threshold-trader/internal/config"
	"threshold-trader/internal/cookies"
	"threshold-trader/internal/ibkrcp"
	"threshold-trader/internal/order"
	"threshold-trader/internal/server"
	"threshold-trader/internal/state"
	"threshold-trader/internal/tradelog"
	"threshold-trader/internal/trader"
	"threshold-trader/internal/trigger"
)

type cliArgs struct {
	configPath     string
	symbol         string
	upper          string
	lower          string
	buyQty         int
	dryRun         bool
	login          bool
	cookiesBrowser string
	set            map[string]bool
}

func parseArgs(args []string, stderr io.Writer) (cliArgs, error) {
	var a cliArgs
	fs := flag.NewFlagSet("threshold-trader", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&a.configPath, "config", "config.yaml", "optional YAML config file")
	fs.StringVar(&a.symbol, "stock-symbol", "", "ticker symbol (e.g. TSLA, AAPL)")
	fs.StringVar(&a.upper, "upper", "", "upper threshold; BUY when price reaches it")
	fs.StringVar(&a.lower, "lower", "", "lower threshold; SELL when price reaches it")
	fs.IntVar(&a.buyQty, "buy-qty", 0, "shares per order")
	fs.BoolVar(&a.dryRun, "dry-run", false, "log orders instead of sending them")
	fs.BoolVar(&a.login, "login", false, "sign in to the gateway in a browser, save the session and exit")
	fs.StringVar(&a.cookiesBrowser, "cookies-from-browser", "", "import gateway cookies from a local browser (chrome, edge, brave, ...)")
	if err := fs.Parse(args); err != nil {
		return a, err
	}
	if fs.NArg() > 0 {
		return a, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	a.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { a.set[f.Name] = true })
	return a, nil
}

// apply overlays explicitly passed flags on top of the file config.
func (a cliArgs) apply(cfg *config.Config) {
	if a.set["stock-symbol"] {
		cfg.Symbol = a.symbol
	}
	if a.set["upper"] {
		cfg.Upper = a.upper
	}
	if a.set["lower"] {
		cfg.Lower = a.lower
	}
	if a.set["buy-qty"] {
		cfg.Quantity = a.buyQty
	}
	if a.set["dry-run"] {
		cfg.DryRun = a.dryRun
	}
}

func main() {
	os.Exit(run())
}

// setup parses flags and config and, unless logging in, validates the trigger
// bounds. A non-zero code means the process stops before touching disk.
func setup(argv []string, stderr io.Writer) (cliArgs, config.Config, trigger.Config, int) {
	args, err := parseArgs(argv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return args, config.Config{}, trigger.Config{}, -1
		}
		fmt.Fprintln(stderr, err)
		return args, config.Config{}, trigger.Config{}, 2
	}

	cfg, err := config.Load(args.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load %s: %v\n", args.configPath, err)
		return args, cfg, trigger.Config{}, 1
	}
	args.apply(&cfg)
	if args.login {
		return args, cfg, trigger.Config{}, 0
	}

	tc, err := cfg.Trigger()
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		fmt.Fprintln(stderr, "usage: threshold-trader --stock-symbol TSLA --upper 200 --lower 180 --buy-qty 10")
		return args, cfg, tc, 2
	}
	return args, cfg, tc, 0
}

func run() int {
	_ = godotenv.Load() // best-effort: .env is optional

	args, cfg, tc, code := setup(os.Args[1:], os.Stderr)
	switch {
	case code < 0:
		return 0
	case code > 0:
		return code
	}

	start := time.Now()
	var out io.Writer = os.Stdout
	if lf, err := config.OpenLogFile(cfg.LogDir, start); err != nil {
		fmt.Fprintf(os.Stderr, "log file disabled: %v\n", err)
	} else {
		defer lf.Close()
		out = io.MultiWriter(os.Stdout, lf)
	}
	logger := config.NewLogger(cfg.LogLevel, out)

	client := ibkrcp.NewClient(cfg.IBKRGatewayURL, cfg.SessionStorePath, logger)
	client.SetCurrency(cfg.Currency)

	// If requested, import cookies from a local browser (Chrome/Edge/Brave/Chromium).
	if args.cookiesBrowser != "" {
		if cs, err := cookies.ExtractFromBrowser(args.cookiesBrowser, cfg.IBKRGatewayURL); err != nil {
			logger.Error("cookie import failed", slog.String("err", err.Error()))
		} else {
			client.InjectCookies(cs)
			logger.Info("imported cookies from browser",
				slog.String("browser", args.cookiesBrowser),
				slog.Int("count", len(cs)),
				slog.String("session_store", cfg.SessionStorePath),
			)
		}
	}

	// One-shot login mode to acquire/refresh the session and exit.
	if args.login {
		return login(client, cfg, logger)
	}

	ev, err := trigger.New(tc)
	if err != nil {
		logger.Error("invalid trigger", slog.String("err", err.Error()))
		return 2
	}

	logger.Info("threshold-trader starting",
		slog.String("symbol", tc.Symbol),
		slog.String("upper", tc.Upper.String()),
		slog.String("lower", tc.Lower.String()),
		slog.Int("quantity", tc.Quantity),
		slog.String("order_type", cfg.OrderType),
		slog.String("currency", cfg.Currency),
		slog.Bool("dry_run", cfg.DryRun),
		slog.String("ibkr_gateway_url", cfg.IBKRGatewayURL),
	)

	rec, err := tradelog.Open(tradelog.PathFor(cfg.LogDir, start))
	if err != nil {
		logger.Error("trade log", slog.String("err", err.Error()))
		return 1
	}
	defer rec.Close()

	st := state.NewState(tc.Symbol)
	opts := trader.Options{State: st, Recorder: rec, OrderTimeout: cfg.OrderTimeout()}

	// Live orders go to the gateway with a shadow log line per intent; fills
	// are followed so the trade log gets PartialFill/Executed rows.
	var sink order.Sink = order.NewDryRun(logger)
	if !cfg.DryRun {
		live := ibkrcp.NewOrderSink(client, cfg.Exchange, cfg.OrderType, logger)
		sink = order.NewFanOut(logger, live, order.NewShadow(logger))
		opts.Follower = ibkrcp.NewExecutionFollower(client, logger, 2*time.Second)
	}

	var httpSrv *http.Server
	if cfg.Port > 0 {
		srv := server.NewHTTPServer(cfg, tc, st, logger)
		opts.Observer = srv
		httpSrv = &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	feed := ibkrcp.NewGatewayPriceFeed(client, tc.Symbol, logger)
	runner := trader.NewRunner(ev, feed, sink, logger, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("runner stopped", slog.String("err", err.Error()))
		}
		cancel()
	}()

	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		if httpSrv == nil {
			return
		}
		logger.Info("status server listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("err", err.Error()))
		}
	}()

	// Graceful shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	cancel()
	feed.Close()
	shCtx, shCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shCancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shCtx)
	}
	<-runDone
	<-httpDone
	snap := st.Snapshot()
	logger.Info("bye", slog.Int64("intents", snap.IntentsEmitted), slog.Int64("malformed_ticks", snap.MalformedTicks))
	return 0
}

func login(client *ibkrcp.Client, cfg config.Config, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()
	if err := client.Connect(ctx); err == nil {
		logger.Info("gateway session already authenticated; session saved")
		return 0
	}
	err := authbrowser.AcquireSession(ctx, client.Jar(), authbrowser.Options{
		BaseURL: cfg.IBKRGatewayURL,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("browser login failed", slog.String("err", err.Error()))
		return 1
	}
	if err := client.Connect(ctx); err != nil {
		logger.Error("login failed", slog.String("err", err.Error()))
		return 1
	}
	logger.Info("login successful (authenticated:true); session saved")
	return 0
}
