// Command sxm-proxy: serve a provider account's live channels as local HLS
// playlists, or inspect the account from the command line.
//
//	serve     Run the playlist/segment proxy (default)
//	list      Print the channel list (favorites first), optionally save it
//	episodes  Print what is airing on a channel; -follow keeps watching
//	check     Log in, fetch the channel list, check the endpoints
//	keyring   Store the account password in the OS keyring
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/snapetech/sxmproxy/internal/catalog"
	"github.com/snapetech/sxmproxy/internal/config"
	"github.com/snapetech/sxmproxy/internal/health"
	"github.com/snapetech/sxmproxy/internal/metrics"
	"github.com/snapetech/sxmproxy/internal/provider"
	"github.com/snapetech/sxmproxy/internal/schedule"
	"github.com/snapetech/sxmproxy/internal/telemetry"
	"github.com/snapetech/sxmproxy/internal/tuner"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [serve|list|episodes|check|keyring] [flags]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  serve     Run the proxy (default): /<channel>.m3u8, segments, /healthz, /metrics\n")
	fmt.Fprintf(os.Stderr, "  list      Print channels as ID | Num | Name (-save writes the catalog snapshot)\n")
	fmt.Fprintf(os.Stderr, "  episodes  Print now playing / coming up for -channel (-follow to keep watching)\n")
	fmt.Fprintf(os.Stderr, "  check     Log in, fetch channel list, check API and CDN (-proxy to also hit a running proxy)\n")
	fmt.Fprintf(os.Stderr, "  keyring   Save SXM_PROXY_USER's password (-pass) to the OS keyring\n")
}

func main() {
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[sxm-proxy] ")
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Printf("Ignoring .env: %v", err)
	}

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Listen address (default: SXM_PROXY_ADDR or :8888)")
	serveCatalog := serveCmd.String("catalog", "", "Channel snapshot to preload (default: SXM_PROXY_CATALOG)")

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listSave := listCmd.String("save", "", "Also write the channel snapshot to this path")

	episodesCmd := flag.NewFlagSet("episodes", flag.ExitOnError)
	episodesChannel := episodesCmd.String("channel", "", "Channel name, id or number")
	episodesFollow := episodesCmd.Bool("follow", false, "Keep watching and log each new episode")
	episodesShows := episodesCmd.String("shows", "", "Comma-separated show patterns to flag while following")

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkProxy := checkCmd.String("proxy", "", "Base URL of a running proxy to check (e.g. http://localhost:8888)")
	checkChannel := checkCmd.String("channel", "", "Channel to request from -proxy")
	checkTimeout := checkCmd.Duration("timeout", 60*time.Second, "Overall timeout")

	keyringCmd := flag.NewFlagSet("keyring", flag.ExitOnError)
	keyringPass := keyringCmd.String("pass", "", "Password to store (default: SXM_PROXY_PASS)")

	sub, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}

	cfg := config.Load()

	switch sub {
	case "serve":
		_ = serveCmd.Parse(args)
		if *serveAddr != "" {
			cfg.Addr = *serveAddr
		}
		preload := *serveCatalog
		if preload == "" {
			preload = cfg.CatalogPath
		}
		if err := runServe(cfg, preload); err != nil {
			log.Printf("Serve failed: %v", err)
			os.Exit(1)
		}

	case "list":
		_ = listCmd.Parse(args)
		mustValidate(cfg)
		c := mustCore(cfg, "")
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		channels, err := c.directory.Channels(ctx)
		if err != nil {
			log.Printf("Channel list failed: %v", err)
			os.Exit(1)
		}
		if err := catalog.WriteTable(os.Stdout, catalog.Sorted(channels)); err != nil {
			log.Printf("Write table: %v", err)
			os.Exit(1)
		}
		path := *listSave
		if path == "" {
			path = cfg.CatalogPath
		}
		if path != "" {
			if err := c.directory.Catalog().Save(path); err != nil {
				log.Printf("Save catalog failed: %v", err)
				os.Exit(1)
			}
			log.Printf("Saved %d channels to %s", len(channels), path)
		}

	case "episodes":
		_ = episodesCmd.Parse(args)
		if *episodesChannel == "" {
			log.Print("episodes: -channel is required")
			os.Exit(2)
		}
		mustValidate(cfg)
		c := mustCore(cfg, cfg.CatalogPath)
		defer c.Close()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if *episodesFollow {
			if err := follow(ctx, c.schedule, *episodesChannel, *episodesShows); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Follow failed: %v", err)
				os.Exit(1)
			}
			return
		}
		eps, err := c.schedule.Episodes(ctx, *episodesChannel)
		if err != nil {
			log.Printf("Episodes failed: %v", err)
			os.Exit(1)
		}
		if err := schedule.WriteSchedule(os.Stdout, eps, time.Now()); err != nil {
			log.Printf("Write schedule: %v", err)
			os.Exit(1)
		}

	case "check":
		_ = checkCmd.Parse(args)
		mustValidate(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), *checkTimeout)
		defer cancel()
		if err := runCheck(ctx, cfg, *checkProxy, *checkChannel); err != nil {
			log.Printf("Check failed: %v", err)
			os.Exit(1)
		}

	case "keyring":
		_ = keyringCmd.Parse(args)
		pass := *keyringPass
		if pass == "" {
			pass = os.Getenv("SXM_PROXY_PASS")
		}
		if err := config.StorePassword(cfg.Username, pass); err != nil {
			log.Printf("Keyring: %v", err)
			os.Exit(1)
		}
		log.Printf("Stored password for %s in keyring service %q", cfg.Username, config.KeyringService)

	default:
		usage()
		os.Exit(1)
	}
}

func mustValidate(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		log.Print(err)
		os.Exit(2)
	}
}

func mustCore(cfg *config.Config, preload string) *core {
	c, err := newCore(cfg, preload)
	if err != nil {
		log.Printf("Setup failed: %v", err)
		os.Exit(1)
	}
	return c
}

func runServe(cfg *config.Config, preload string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	key, err := cfg.Key()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, "sxm-proxy")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	c, err := newCore(cfg, preload)
	if err != nil {
		return err
	}
	defer c.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	// Warm the session and channel list so the first player request is fast.
	// Failures are logged; requests retry on their own.
	go func() {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		n, err := health.CheckProvider(wctx, c.auth, c.directory)
		if err != nil {
			log.Printf("Startup check: %v", err)
			return
		}
		log.Printf("Startup check: session %s, %d channels", c.store.State(), n)
	}()

	srv := &tuner.Server{
		Addr:      cfg.Addr,
		Key:       key,
		Manifests: c.playlists,
		Segments:  c.segments,
		Session:   c.store,
		Channels:  c.directory.Catalog(),
		Gatherer:  reg,
	}
	return srv.Run(ctx)
}

func runCheck(ctx context.Context, cfg *config.Config, proxyURL, channel string) error {
	results := provider.ProbeAll(ctx, []string{cfg.APIBase, cfg.LivePrimary}, nil)
	for _, r := range results {
		log.Printf("endpoint %s: %s (HTTP %d, %d ms)", r.URL, r.Status, r.StatusCode, r.LatencyMs)
	}
	c, err := newCore(cfg, "")
	if err != nil {
		return err
	}
	defer c.Close()
	n, err := health.CheckProvider(ctx, c.auth, c.directory)
	if err != nil {
		return err
	}
	snap := c.store.Snapshot()
	log.Printf("Provider OK: session=%s token=%t subscriber=%t channels=%d", snap.StateName, snap.HasToken, snap.HasSubscriber, n)
	if proxyURL != "" {
		if err := health.CheckEndpoints(ctx, proxyURL, channel); err != nil {
			return fmt.Errorf("proxy %s: %w", proxyURL, err)
		}
		log.Printf("Proxy OK: %s", proxyURL)
	}
	return nil
}

func follow(ctx context.Context, s *schedule.Schedule, channel, shows string) error {
	var patterns []string
	if shows != "" {
		patterns = strings.Split(shows, ",")
	}
	m, err := schedule.NewMatcher(patterns)
	if err != nil {
		return err
	}
	t := &schedule.Tracker{
		Source:  s,
		Channel: channel,
		OnChange: func(e schedule.Episode) {
			tag := ""
			if m.Match(e) {
				tag = " [match]"
			}
			log.Printf("Now Playing on %s: %s - %s (until %s)%s",
				channel, e.LongTitle, e.LongDescription, e.End.Local().Format("15:04"), tag)
		},
	}
	return t.Run(ctx)
}
