package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"birdbridge/internal/activity"
	"birdbridge/internal/cmdlog"
	"birdbridge/internal/config"
	"birdbridge/internal/delivery"
	"birdbridge/internal/jobs"
	"birdbridge/internal/logging"
	"birdbridge/internal/magickey"
	"birdbridge/internal/metrics"
	"birdbridge/internal/model"
	"birdbridge/internal/pipeline"
	"birdbridge/internal/server"
	"birdbridge/internal/store"
	"birdbridge/internal/theme"
	"birdbridge/internal/xclient"
)

const defaultConfigPath = "./birdbridge.yaml"

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	var f func([]string) error
	switch cmd {
	case "init":
		f = cmdInit
	case "keygen":
		f = cmdKeygen
	case "add":
		f = cmdAdd
	case "remove":
		f = cmdRemove
	case "follow":
		f = cmdFollow
	case "run":
		f = cmdRun
	case "stats":
		f = cmdStats
	default:
		printHelp()
		return
	}
	if err := cmdlog.Run(cmd, func() error { return f(os.Args[2:]) }); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func printHelp() {
	theme.PrintBanner()
	fmt.Println("Usage: birdbridge <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init        Create a config file at ./birdbridge.yaml")
	fmt.Println("  keygen      Print a new signing key pair")
	fmt.Println("  add         Start mirroring an X account")
	fmt.Println("  remove      Stop mirroring an X account")
	fmt.Println("  follow      Register a remote follower by hand")
	fmt.Println("  run         Run the sync pipeline and the inbox server")
	fmt.Println("  stats       Print account and sync-lag statistics")
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	logging.Setup(cfg.Log.Level)
	return cfg, nil
}

func openStore(cfg config.Config) (*store.DB, error) {
	return store.Open(cfg.Storage.DBPath)
}

func newSource(cfg config.Config) xclient.Source {
	base := xclient.NewHTTPClient(cfg.Credentials.BearerToken)
	c := cfg.Credentials
	if c.HasOAuth1() {
		return xclient.NewV1Client(base, c.ConsumerKey, c.ConsumerSecret, c.AccessToken, c.AccessSecret)
	}
	if c.BearerToken == "" {
		fmt.Println("warning: missing X_BEARER_TOKEN; API calls will fail")
	}
	return base
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", defaultConfigPath, "path to write config")
	domain := fs.String("domain", "", "public host name of this bridge")
	_ = fs.Parse(args)
	cfg := config.Default()
	cfg.Instance.Domain = *domain
	if err := config.Save(*path, cfg); err != nil {
		return err
	}
	abs, _ := filepath.Abs(*path)
	theme.PrintBanner()
	fmt.Println("Config written to:", abs)
	return nil
}

func cmdKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	_ = fs.Parse(args)
	k, err := magickey.Generate()
	if err != nil {
		return err
	}
	priv, err := k.PrivateJSON()
	if err != nil {
		return err
	}
	pem, err := k.PublicPEM()
	if err != nil {
		return err
	}
	fmt.Println(priv)
	fmt.Println(k.PublicToken())
	fmt.Print(pem)
	return nil
}

func cmdAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	handle := fs.String("handle", "", "X handle to mirror")
	_ = fs.Parse(args)
	if *handle == "" {
		return errors.New("-handle is required")
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	k, err := magickey.Generate()
	if err != nil {
		return err
	}
	priv, err := k.PrivateJSON()
	if err != nil {
		return err
	}
	acct, err := db.CreateAccount(context.Background(), *handle, priv)
	if err != nil {
		return err
	}
	b := activity.Builder{Domain: cfg.Instance.Domain}
	fmt.Printf("Mirroring @%s as %s\n", acct.Handle, b.ActorURL(acct.Handle))
	return nil
}

func cmdRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	handle := fs.String("handle", "", "X handle to stop mirroring")
	_ = fs.Parse(args)
	if *handle == "" {
		return errors.New("-handle is required")
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.DeleteAccount(context.Background(), *handle); err != nil {
		return err
	}
	fmt.Printf("Removed @%s\n", model.NormalizeHandle(*handle))
	return nil
}

func cmdFollow(args []string) error {
	fs := flag.NewFlagSet("follow", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	handle := fs.String("handle", "", "mirrored X handle")
	actor := fs.String("actor", "", "remote actor URI")
	inbox := fs.String("inbox", "", "remote inbox URL")
	shared := fs.String("shared", "", "remote shared inbox URL (optional)")
	_ = fs.Parse(args)
	if *handle == "" || *actor == "" || *inbox == "" {
		return errors.New("-handle, -actor and -inbox are required")
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	sub, err := db.AddFollower(context.Background(), *handle, model.Subscriber{
		ActorURI:    *actor,
		Inbox:       *inbox,
		SharedInbox: *shared,
		Host:        hostOf(*actor),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Follower %d delivers to %s\n", sub.ID, sub.Target())
	return nil
}

func cmdStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	_ = fs.Parse(args)
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	s, err := jobs.RunStatsOnce(context.Background(), db, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Accounts: %d\nFailing:  %d\nSync lag: %s\n", s.Accounts, s.Failing, s.SyncLag.Round(time.Second))
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	_ = fs.Parse(args)
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	logger := logging.Default()
	builder := activity.Builder{Domain: cfg.Instance.Domain}
	transport := delivery.NewHTTPTransport(cfg.Delivery.Timeout.Std(), cfg.Delivery.UserAgent)
	p := pipeline.New(db, newSource(cfg), transport, builder, cfg.PipelineConfig(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	theme.PrintBanner()
	metrics.StartServer(cfg.Metrics.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error {
		if err := jobs.RunStatsLoop(gctx, db, cfg.Metrics.StatsInterval.Std()); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.Server.Addr != "" {
		router := server.NewRouter(server.Deps{
			Store:     db,
			Actors:    server.NewHTTPActorFetcher(cfg.Delivery.Timeout.Std(), cfg.Delivery.UserAgent),
			Sender:    transport,
			Builder:   builder,
			Logger:    logger,
			ClockSkew: cfg.Server.ClockSkew.Std(),
		})
		g.Go(func() error { return server.Serve(gctx, cfg.Server.Addr, router, logger) })
	}
	return g.Wait()
}

func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}
