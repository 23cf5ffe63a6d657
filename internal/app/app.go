package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"ip2asn/internal/app/server"
	"ip2asn/internal/app/version"
	"ip2asn/internal/auth"
	"ip2asn/internal/config"
	"ip2asn/internal/database"
	"ip2asn/internal/feed"
	"ip2asn/internal/geolite"
	"ip2asn/internal/jobs/runtime"
	"ip2asn/internal/loader"
	"ip2asn/internal/service"
	"ip2asn/internal/support"
	"ip2asn/internal/watch"
)

// Run parses args and executes the selected command.
func Run(args []string) error {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found. Falling back to system environment variables.")
	}

	app := &cli.App{
		Name:           "ip2asn",
		Usage:          "attribute IP addresses to the autonomous system announcing them",
		Version:        version.String(),
		DefaultCommand: "serve",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "text, logfmt or json",
				Value:   "text",
				EnvVars: []string{"LOG_FORMAT"},
			},
		},
		Before: func(cctx *cli.Context) error {
			return configureLogging(cctx.String("log-level"), cctx.String("log-format"))
		},
		Commands: []*cli.Command{
			serveCmd,
			lookupCmd,
			tokenCmd,
		},
	}

	return app.Run(args)
}

func configureLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetReportTimestamp(true)

	switch strings.ToLower(format) {
	case "", "text":
		log.SetFormatter(log.TextFormatter)
	case "logfmt":
		log.SetFormatter(log.LogfmtFormatter)
	case "json":
		log.SetFormatter(log.JSONFormatter)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

var serveCmd = &cli.Command{
	Name:      "serve",
	Usage:     "load the table and serve lookups over HTTP",
	ArgsUsage: "[table] [bind]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "table",
			Usage:   "path of the table file (.jsonl or .mmdb)",
			Value:   config.DefaultTablePath,
			EnvVars: []string{"TABLE_PATH"},
		},
		&cli.StringFlag{
			Name:    "table-format",
			Usage:   "auto, jsonl or mmdb",
			Value:   string(loader.FormatAuto),
			EnvVars: []string{"TABLE_FORMAT"},
		},
		&cli.StringFlag{
			Name:    "malformed",
			Usage:   "what to do with malformed feed lines: abort or skip",
			Value:   string(loader.PolicyAbort),
			EnvVars: []string{"TABLE_MALFORMED_POLICY"},
		},
		&cli.BoolFlag{
			Name:    "watch",
			Usage:   "reload when the table file changes",
			Value:   true,
			EnvVars: []string{"TABLE_WATCH"},
		},
		&cli.DurationFlag{
			Name:    "reload-debounce",
			Usage:   "quiet period after a file change before reloading",
			Value:   config.DefaultReloadDebounce,
			EnvVars: []string{"TABLE_RELOAD_DEBOUNCE"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "address and port for the lookup API",
			Value:   config.DefaultListenAddr,
			EnvVars: []string{"BIND", "IP2ASN_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "address and port for prometheus metrics; empty disables",
			EnvVars: []string{"METRICS_LISTEN"},
		},
		&cli.IntFlag{
			Name:    "max-connections",
			Usage:   "maximum concurrent client connections; 0 is unlimited",
			Value:   config.DefaultMaxConnections,
			EnvVars: []string{"MAX_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "feed-url",
			Usage:   "download the table from this url on a schedule",
			EnvVars: []string{"FEED_URL"},
		},
		&cli.DurationFlag{
			Name:    "feed-interval",
			Usage:   "time between feed downloads",
			Value:   config.GetFeedUpdateInterval(),
			EnvVars: []string{"FEED_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "feed-user-agent",
			Usage:   "User-Agent sent to the feed server",
			Value:   config.DefaultFeedUserAgent,
			EnvVars: []string{"FEED_USER_AGENT"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis for leader election, feed fan-out and heartbeats",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "postgres:// or sqlite path for reload history",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "geolite-asn",
			Usage:   "GeoLite2-ASN database used to add AS names to JSON lookups",
			EnvVars: []string{"GEOLITE_ASN_PATH"},
		},
		&cli.StringFlag{
			Name:    "jwt-secret",
			Usage:   "HMAC secret for admin tokens; empty disables the admin API",
			EnvVars: []string{"JWT_SECRET"},
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := configFromContext(cctx)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func configFromContext(cctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	cfg.Table.Path = cctx.String("table")
	cfg.Table.Format = cctx.String("table-format")
	cfg.Table.MalformedPolicy = cctx.String("malformed")
	cfg.Table.Watch = cctx.Bool("watch")
	cfg.Table.ReloadDebounce = cctx.Duration("reload-debounce")
	cfg.Server.ListenAddr = cctx.String("bind")
	cfg.Server.MetricsAddr = cctx.String("metrics-listen")
	cfg.Server.MaxConnections = cctx.Int("max-connections")
	cfg.Feed.URL = cctx.String("feed-url")
	cfg.Feed.UpdateInterval = cctx.Duration("feed-interval")
	cfg.Feed.UserAgent = cctx.String("feed-user-agent")
	cfg.RedisURL = cctx.String("redis-url")
	cfg.DatabaseURL = cctx.String("database-url")
	cfg.GeoLiteASNPath = cctx.String("geolite-asn")
	cfg.JWTSecret = cctx.String("jwt-secret")
	cfg.Log.Level = cctx.String("log-level")
	cfg.Log.Format = cctx.String("log-format")

	// ip2asn <table> <bind>
	switch cctx.NArg() {
	case 0:
	case 1:
		cfg.Table.Path = cctx.Args().Get(0)
	case 2:
		cfg.Table.Path = cctx.Args().Get(0)
		cfg.Server.ListenAddr = cctx.Args().Get(1)
	default:
		return cfg, fmt.Errorf("serve takes at most two arguments, got %d", cctx.NArg())
	}

	return cfg, cfg.Validate()
}

func newLoader(cfg config.Config) (*loader.Loader, error) {
	format, err := loader.ParseFormat(cfg.Table.Format)
	if err != nil {
		return nil, err
	}
	policy, err := loader.ParsePolicy(cfg.Table.MalformedPolicy)
	if err != nil {
		return nil, err
	}
	l := loader.New(cfg.Table.Path)
	l.Format = format
	l.Policy = policy
	return l, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	if err := config.SetConfig(cfg); err != nil {
		return err
	}
	auth.SetSecret(cfg.JWTSecret)

	l, err := newLoader(cfg)
	if err != nil {
		return err
	}

	svcOpts := []service.Option{service.WithInstance(support.InstanceID())}
	var history *database.HistoryStore
	if cfg.DatabaseURL != "" {
		dialector, err := database.DialectorFromURL(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		db, err := database.SetupDB(database.WithDialector(dialector))
		if err != nil {
			return err
		}
		history = database.NewHistoryStore(db)
		if last, err := history.LastPublished(ctx); err != nil {
			log.Warn("Failed to read reload history", "error", err)
		} else if last != nil {
			log.Info("Last recorded publish",
				"generation", last.Generation,
				"instance", last.Instance,
				"fingerprint", last.Fingerprint,
				"at", last.CreatedAt,
			)
		}
		svcOpts = append(svcOpts, service.WithHistory(history))
	}

	var orgs *geolite.Resolver
	if cfg.GeoLiteASNPath != "" {
		if orgs, err = geolite.Open(cfg.GeoLiteASNPath); err != nil {
			log.Warn("GeoLite ASN database unavailable, AS names disabled", "error", err)
			orgs = nil
		} else {
			defer orgs.Close()
		}
	}

	var redisClient *redis.Client
	support.ConfigureRedis(cfg.RedisURL)
	if support.RedisEnabled() {
		if redisClient, err = support.GetRedisClient(ctx); err != nil {
			log.Warn("Redis unavailable, running standalone", "error", err)
			redisClient = nil
		} else {
			defer support.CloseRedisClient()
		}
	}

	var distributor *feed.Distributor
	if redisClient != nil {
		distributor = feed.NewDistributor(redisClient, cfg.Table.Path, support.InstanceID(), l.Validate)
	}
	updater := &feed.Updater{
		URL:       cfg.Feed.URL,
		Dest:      cfg.Table.Path,
		UserAgent: cfg.Feed.UserAgent,
		Validate:  l.Validate,
	}
	if distributor != nil {
		updater.Publisher = distributor
	}

	if err := bootstrapTableFile(ctx, cfg.Table.Path, updater, distributor); err != nil {
		log.Warn("Could not fetch an initial table", "error", err)
	}

	svc := service.New(l, svcOpts...)
	if _, err := svc.Reload(ctx, "startup", true); err != nil {
		return fmt.Errorf("initial table load: %w", err)
	}

	srvOpts := []server.Option{}
	if history != nil {
		srvOpts = append(srvOpts, server.WithHistory(history))
	}
	if orgs != nil {
		srvOpts = append(srvOpts, server.WithOrgResolver(orgs))
	}
	if redisClient != nil {
		srvOpts = append(srvOpts, server.WithInstanceCounter(func(ctx context.Context) (int, error) {
			return runtime.CountActiveInstances(ctx, redisClient)
		}))
	}
	api := server.New(svc, srvOpts...)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return api.Serve(ctx, cfg.Server.ListenAddr, cfg.Server.MaxConnections)
	})

	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error {
			return server.ServeMetrics(ctx, cfg.Server.MetricsAddr)
		})
	}

	if cfg.Table.Watch {
		watcher, err := watch.New(cfg.Table.Path, cfg.Table.ReloadDebounce, func(ctx context.Context) {
			_, _ = svc.Reload(ctx, "file-change", false)
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	g.Go(func() error {
		reloadOnHangup(ctx, svc, orgs)
		return nil
	})

	if cfg.Feed.URL != "" {
		g.Go(func() error {
			runtime.StartFeedUpdateRoutine(ctx, updater, redisClient)
			return nil
		})
	}

	if redisClient != nil {
		g.Go(func() error {
			distributor.Subscribe(ctx)
			return nil
		})
		cancelHeartbeat := runtime.LaunchInstanceHeartbeat(ctx, redisClient, func() string {
			current := svc.Current()
			return fmt.Sprintf("%d:%016x", current.Generation, current.Fingerprint)
		})
		defer cancelHeartbeat()
	}

	err = g.Wait()
	log.Info("ip2asn stopped")
	return err
}

// bootstrapTableFile makes sure a table file exists before the first load,
// preferring a copy from redis over a fresh download.
func bootstrapTableFile(ctx context.Context, path string, updater *feed.Updater, distributor *feed.Distributor) error {
	if _, err := os.Stat(path); err == nil || !errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if distributor != nil {
		if changed, err := distributor.Sync(ctx); err != nil {
			log.Warn("Initial redis sync failed", "error", err)
		} else if changed {
			log.Info("Table file fetched from redis", "path", path)
			return nil
		}
	}

	if updater.URL == "" {
		return nil
	}
	if _, err := updater.Update(ctx); err != nil {
		return err
	}
	log.Info("Table file downloaded", "path", path, "url", updater.URL)
	return nil
}

// reloadOnHangup forces a table rebuild and re-reads the GeoLite database on
// every SIGHUP.
func reloadOnHangup(ctx context.Context, svc *service.Service, orgs *geolite.Resolver) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Info("SIGHUP received, reloading table")
			_, _ = svc.Reload(ctx, "signal", true)
			if orgs != nil {
				if err := orgs.Reload(); err != nil {
					log.Warn("GeoLite ASN reload failed", "error", err)
				}
			}
		}
	}
}

var lookupCmd = &cli.Command{
	Name:      "lookup",
	Usage:     "load a table once and attribute the given addresses",
	ArgsUsage: "<addr>...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "table",
			Value:   config.DefaultTablePath,
			EnvVars: []string{"TABLE_PATH"},
		},
		&cli.StringFlag{
			Name:  "table-format",
			Value: string(loader.FormatAuto),
		},
		&cli.StringFlag{
			Name:  "malformed",
			Value: string(loader.PolicyAbort),
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return errors.New("lookup needs at least one address")
		}

		cfg := config.Default()
		cfg.Table.Path = cctx.String("table")
		cfg.Table.Format = cctx.String("table-format")
		cfg.Table.MalformedPolicy = cctx.String("malformed")
		l, err := newLoader(cfg)
		if err != nil {
			return err
		}

		return runLookup(cctx.Context, l, cctx.Args().Slice(), cctx.App.Writer)
	},
}

func runLookup(ctx context.Context, l *loader.Loader, addrs []string, out io.Writer) error {
	tbl, report, err := l.Load(ctx, 0)
	if err != nil {
		return err
	}
	log.Debug("Table loaded", "networks", tbl.Len(), "records", report.Records, "duplicates", report.Duplicates, "skipped", report.Skipped)

	var invalid int
	for _, raw := range addrs {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			fmt.Fprintf(out, "%s\tinvalid\n", raw)
			invalid++
			continue
		}
		a := tbl.Lookup(addr)
		if !a.Found {
			fmt.Fprintf(out, "%s\t-\t-\t%d\n", addr, a.Cost)
			continue
		}
		fmt.Fprintf(out, "%s\t%d\t%s\t%d\n", addr, a.ASN, a.Prefix, a.Cost)
	}
	if invalid > 0 {
		return fmt.Errorf("%d invalid address(es)", invalid)
	}
	return nil
}

var tokenCmd = &cli.Command{
	Name:  "token",
	Usage: "issue an admin token for the reload API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "secret",
			Usage:    "the server's --jwt-secret",
			EnvVars:  []string{"JWT_SECRET"},
			Required: true,
		},
		&cli.StringFlag{
			Name:  "subject",
			Value: "admin",
		},
		&cli.DurationFlag{
			Name:  "ttl",
			Value: auth.DefaultTTL,
		},
	},
	Action: func(cctx *cli.Context) error {
		auth.SetSecret(cctx.String("secret"))
		token, err := auth.IssueToken(cctx.String("subject"), auth.RoleAdmin, cctx.Duration("ttl"))
		if err != nil {
			return err
		}
		fmt.Fprintln(cctx.App.Writer, token)
		return nil
	},
}
