package main

import (
	"fmt"
	"log"

	"github.com/snapetech/sxmproxy/internal/auth"
	"github.com/snapetech/sxmproxy/internal/catalog"
	"github.com/snapetech/sxmproxy/internal/config"
	"github.com/snapetech/sxmproxy/internal/httpclient"
	"github.com/snapetech/sxmproxy/internal/playlist"
	"github.com/snapetech/sxmproxy/internal/provider"
	"github.com/snapetech/sxmproxy/internal/schedule"
	"github.com/snapetech/sxmproxy/internal/segment"
	"github.com/snapetech/sxmproxy/internal/session"
)

// core is the wired session/playlist/segment stack shared by every subcommand.
type core struct {
	store     *session.Store
	persister *session.SQLitePersister
	client    *provider.Client
	auth      *auth.Authenticator
	directory *catalog.Directory
	resolver  *playlist.Resolver
	playlists *playlist.Service
	segments  *segment.Proxy
	schedule  *schedule.Schedule
}

// newCore builds the stack from cfg. preload is an optional catalog snapshot
// path; a loaded snapshot replaces the first channel-list fetch.
func newCore(cfg *config.Config, preload string) (*core, error) {
	store, err := session.NewStore(cfg.APIBase, session.Credentials{Username: cfg.Username, Password: cfg.Password})
	if err != nil {
		return nil, err
	}
	c := &core{store: store}
	if cfg.SessionDB != "" {
		p, err := session.OpenSQLite(cfg.SessionDB)
		if err != nil {
			return nil, fmt.Errorf("session db: %w", err)
		}
		if err := store.Attach(p); err != nil {
			p.Close()
			return nil, fmt.Errorf("session db: %w", err)
		}
		c.persister = p
		log.Printf("Session store %s: state=%s", cfg.SessionDB, store.State())
	}

	c.client = provider.NewClient(store, provider.Options{
		APIBase: cfg.APIBase,
		RPS:     cfg.APIRPS,
		Burst:   cfg.APIBurst,
	})
	c.auth = auth.New(store, c.client, cfg.AuthBackoff())

	cat := catalog.New()
	if preload != "" {
		if err := cat.Load(preload); err != nil {
			log.Printf("Load catalog %s: %v; channel list will be fetched", preload, err)
			cat = catalog.New()
		} else {
			log.Printf("Loaded %d channels from %s", cat.Len(), preload)
		}
	}
	c.directory = catalog.NewDirectory(c.client, c.auth, cfg.AuthBackoff(), cat)

	c.resolver = playlist.NewResolver(c.client, c.client, c.auth)
	c.resolver.LivePrimary = cfg.LivePrimary
	c.resolver.PreferredSize = cfg.PreferredSize
	c.resolver.MaxAttempts = cfg.ResolveAttempts
	c.playlists = playlist.NewService(c.directory, c.resolver, c.client, cfg.PlaylistBackoff())

	c.segments = segment.NewProxy(c.client, c.playlists, cfg.LivePrimary)
	c.segments.Attempts = cfg.SegmentAttempts
	c.segments.Backoff = cfg.SegmentBackoff()
	if cfg.SegmentMaxBytes > 0 {
		c.segments.MaxBytes = cfg.SegmentMaxBytes
	}
	if cfg.HostConcurrency > 0 {
		c.segments.Hosts = httpclient.NewHostSemaphore(cfg.HostConcurrency)
	}

	c.schedule = schedule.New(c.directory, c.resolver, cfg.EpisodeLayers)
	return c, nil
}

func (c *core) Close() {
	if c.persister != nil {
		if err := c.persister.Close(); err != nil {
			log.Printf("Session db close: %v", err)
		}
	}
	httpclient.CloseIdle()
}
