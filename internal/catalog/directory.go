package catalog

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/snapetech/sxmproxy/internal/httpclient"
	"github.com/snapetech/sxmproxy/internal/metrics"
	"github.com/snapetech/sxmproxy/internal/provider"
)

// Lister fetches the provider's channel list. *provider.Client implements it.
type Lister interface {
	ChannelList(ctx context.Context) ([]provider.ChannelEntry, error)
}

// SessionEnsurer is satisfied by *auth.Authenticator. Renew is used once per
// fetch when the provider rejects the resume of a stale login.
type SessionEnsurer interface {
	EnsureSessionActive(ctx context.Context) error
	Renew(ctx context.Context) error
}

// Directory resolves user-facing channel names to provider identity. The list
// is fetched on first use and kept for the life of the process; a failed
// fetch leaves it empty so a later lookup tries again.
type Directory struct {
	src     Lister
	sess    SessionEnsurer
	backoff httpclient.Backoff
	cat     *Catalog

	fetchMu sync.Mutex
}

// NewDirectory returns a directory backed by cat. A pre-populated catalog
// (loaded from disk) is used as is and never refetched.
func NewDirectory(src Lister, sess SessionEnsurer, backoff httpclient.Backoff, cat *Catalog) *Directory {
	if cat == nil {
		cat = New()
	}
	return &Directory{src: src, sess: sess, backoff: backoff, cat: cat}
}

// Catalog is the directory's backing snapshot.
func (d *Directory) Catalog() *Catalog { return d.cat }

// Channels returns every channel, fetching the list if it is not loaded yet.
func (d *Directory) Channels(ctx context.Context) ([]Channel, error) {
	if err := d.ensure(ctx); err != nil {
		return nil, err
	}
	return d.cat.Snapshot(), nil
}

// Resolve finds a channel by name, channel id, or channel number. Matching is
// case-insensitive. A channel without a content GUID cannot be tuned and is
// never returned.
func (d *Directory) Resolve(ctx context.Context, query string) (Channel, error) {
	if err := d.ensure(ctx); err != nil {
		return Channel{}, &provider.Error{Kind: provider.KindChannelNotFound, Op: "resolve", Message: query, Err: err}
	}
	if ch, ok := match(d.cat.Snapshot(), query); ok {
		return ch, nil
	}
	return Channel{}, &provider.Error{Kind: provider.KindChannelNotFound, Op: "resolve", Message: query}
}

func match(channels []Channel, query string) (Channel, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Channel{}, false
	}
	for _, ch := range channels {
		if ch.ContentGUID == "" {
			continue
		}
		if strings.ToLower(ch.Name) == q || strings.ToLower(ch.ChannelID) == q || ch.Number == q {
			return ch, true
		}
	}
	return Channel{}, false
}

func (d *Directory) ensure(ctx context.Context) error {
	if d.cat.Len() > 0 {
		return nil
	}
	d.fetchMu.Lock()
	defer d.fetchMu.Unlock()
	if d.cat.Len() > 0 {
		return nil
	}
	var entries []provider.ChannelEntry
	renewed := false
	err := httpclient.Retry(ctx, d.backoff, provider.Retryable, func(ctx context.Context) error {
		if err := d.sess.EnsureSessionActive(ctx); err != nil {
			if renewed || !provider.ResumeRejected(err) {
				return err
			}
			log.Printf("catalog: resume rejected, renewing session: %v", err)
			renewed = true
			if err := d.sess.Renew(ctx); err != nil {
				return err
			}
		}
		var err error
		entries, err = d.src.ChannelList(ctx)
		return err
	})
	if err != nil {
		log.Printf("catalog: channel list fetch failed: %v", err)
		return err
	}
	channels := fromEntries(entries)
	if len(channels) == 0 {
		return &provider.Error{Kind: provider.KindMalformedResponse, Op: "channel-list", Message: "empty channel list"}
	}
	d.cat.Replace(channels, time.Now())
	metrics.ChannelsKnown.Set(float64(len(channels)))
	log.Printf("catalog: loaded %d channels", len(channels))
	return nil
}

func fromEntries(entries []provider.ChannelEntry) []Channel {
	out := make([]Channel, 0, len(entries))
	for _, e := range entries {
		out = append(out, Channel{
			ChannelID:   e.ChannelID,
			Number:      string(e.Number),
			Name:        e.Name,
			ContentGUID: e.ContentGUID(),
			Favorite:    e.IsFavorite,
		})
	}
	return out
}
