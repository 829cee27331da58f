package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/peerbook/params"
	"github.com/uhyunpark/peerbook/pkg/api"
	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/metrics"
	"github.com/uhyunpark/peerbook/pkg/node"
	"github.com/uhyunpark/peerbook/pkg/orderbook"
	"github.com/uhyunpark/peerbook/pkg/p2p"
	"github.com/uhyunpark/peerbook/pkg/rpc"
	"github.com/uhyunpark/peerbook/pkg/storage"
	"github.com/uhyunpark/peerbook/pkg/util"
)

func main() {
	app := &cli.App{
		Name:  "peerbook-node",
		Usage: "run one replica of the peer-to-peer order book",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "`FILE` with KEY=value settings (default ./.env)"},
			&cli.StringFlag{Name: "listen", Usage: "libp2p listen `MULTIADDR`"},
			&cli.StringSliceFlag{Name: "bootstrap", Usage: "peer `MULTIADDR` to dial at startup (repeatable)"},
			&cli.StringFlag{Name: "api-addr", Usage: "HTTP API listen `ADDR`"},
			&cli.BoolFlag{Name: "mdns", Usage: "discover peers on the local network"},
			&cli.BoolFlag{Name: "no-trade", Usage: "join and serve peers without originating orders"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (params.Config, error) {
	cfg, err := params.LoadFromEnv(c.String("env-file"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("listen") {
		cfg.Network.Listen = c.String("listen")
	}
	if c.IsSet("bootstrap") {
		cfg.Network.Bootstrap = c.StringSlice("bootstrap")
	}
	if c.IsSet("api-addr") {
		cfg.APIAddr = c.String("api-addr")
	}
	if c.IsSet("mdns") {
		cfg.Network.EnableMDNS = c.Bool("mdns")
	}
	if c.Bool("no-trade") {
		cfg.Trading.Enabled = false
	}
	return cfg, nil
}

func newLogger(cfg params.Config) (*zap.Logger, error) {
	if cfg.LogFile == "" {
		return util.NewLogger(cfg.LogLevel)
	}
	return util.NewLoggerWithFile(cfg.LogFile, cfg.LogLevel)
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), 2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("logger: %v", err), 2)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile, "level", cfg.LogLevel)

	var journal storage.Journal = storage.NewNopJournal()
	if cfg.JournalPath != "" {
		pj, err := storage.NewPebbleJournal(cfg.JournalPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("journal: %v", err), 1)
		}
		journal = pj
		sugar.Infow("journal_opened", "path", cfg.JournalPath)
	}
	defer journal.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	book := orderbook.NewOrderBook()
	locks := lock.NewStore(lock.Options{LeaseTTL: cfg.Node.LockLeaseTTL, Logger: sugar})

	disp := rpc.NewDispatcher(rpc.DispatcherConfig{
		Book:    book,
		Locks:   locks,
		Journal: journal,
		Metrics: m,
		Logger:  sugar,
	})

	net, err := p2p.NewNet(ctx, p2p.Config{
		ListenAddr:       cfg.Network.Listen,
		Bootstrap:        cfg.Network.Bootstrap,
		EnableMDNS:       cfg.Network.EnableMDNS,
		AnnounceInterval: cfg.Network.AnnounceInterval,
		AnnounceTTL:      cfg.Network.AnnounceTTL,
		LookupWait:       cfg.Network.LookupWait,
		Logger:           sugar,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("libp2p: %v", err), 1)
	}
	defer net.Close()

	nd := node.New(node.Config{
		VisibilityInterval: cfg.Node.VisibilityInterval,
		VisibilityAttempts: cfg.Node.VisibilityAttempts,
		TradingOff:         !cfg.Trading.Enabled,
		Trading: node.TraderConfig{
			MinDelay:         cfg.Trading.MinDelay,
			MaxDelay:         cfg.Trading.MaxDelay,
			LockPollInterval: cfg.Trading.LockPollInterval,
			BasePrice:        cfg.Trading.BasePrice,
			PriceRange:       cfg.Trading.PriceRange,
		},
	}, node.Deps{
		Book:    book,
		Locks:   locks,
		Dir:     net,
		Client:  rpc.NewClient(net, net, cfg.Network.CallTimeout),
		Metrics: m,
		Logger:  sugar,
	})

	apiServer := api.NewServer(ctx, api.Config{
		Book:    book,
		Locks:   locks,
		Node:    nd,
		Journal: journal,
		Metrics: m,
		Logger:  sugar,
		Addr:    cfg.APIAddr,
	})
	disp.OnPlace = apiServer.PublishOrder
	net.SetHandler(disp.Handle)

	sugar.Infow("node_starting",
		"self", nd.Self(),
		"addrs", net.Addrs(),
		"bootstrap", len(cfg.Network.Bootstrap),
		"api", cfg.APIAddr,
		"trading", cfg.Trading.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Serve)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiServer.Shutdown(sctx)
	})
	g.Go(func() error {
		err := nd.Run(gctx)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		return err
	})

	err = g.Wait()
	nd.Shutdown(cfg.Node.ShutdownGrace)
	if err != nil {
		sugar.Errorw("node_failed", "phase", nd.Phase().String(), "err", err)
		return cli.Exit(fmt.Sprintf("node: %v", err), 1)
	}
	sugar.Infow("node_stopped")
	return nil
}
