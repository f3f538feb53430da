package playlist

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/snapetech/sxmproxy/internal/catalog"
	"github.com/snapetech/sxmproxy/internal/httpclient"
	"github.com/snapetech/sxmproxy/internal/provider"
)

// ChannelResolver is satisfied by *catalog.Directory.
type ChannelResolver interface {
	Resolve(ctx context.Context, query string) (catalog.Channel, error)
}

// Service serves rewritten variant playlists by channel name.
type Service struct {
	channels ChannelResolver
	resolver *Resolver
	content  ContentFetcher
	backoff  httpclient.Backoff
}

// NewService returns a playlist service. backoff bounds the attempts for one
// playlist request; a denied fetch switches the remaining attempts to fresh
// resolutions.
func NewService(channels ChannelResolver, resolver *Resolver, content ContentFetcher, backoff httpclient.Backoff) *Service {
	return &Service{channels: channels, resolver: resolver, content: content, backoff: backoff}
}

func (s *Service) Resolver() *Resolver { return s.resolver }

// Manifest returns the rewritten variant playlist for a channel name, id or number.
func (s *Service) Manifest(ctx context.Context, name string) ([]byte, error) {
	ch, err := s.channels.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	var out []byte
	stale := false
	err = httpclient.Retry(ctx, s.backoff, retryable, func(ctx context.Context) error {
		body, variant, err := s.load(ctx, ch, stale)
		if denied(err) {
			log.Printf("playlist: denied channel=%s, re-resolving", ch.ChannelID)
			stale = true
			s.resolver.Invalidate(ch.ChannelID)
		}
		if err != nil {
			return err
		}
		out, err = Rewrite(body, variant)
		if err != nil {
			return &provider.Error{Kind: provider.KindMalformedResponse, Op: "variant-playlist", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// load resolves the variant URL (fresh after a denial) and fetches it.
func (s *Service) load(ctx context.Context, ch catalog.Channel, fresh bool) ([]byte, string, error) {
	var variant string
	var err error
	if fresh {
		variant, err = s.refresh(ctx, ch)
	} else {
		variant, err = s.resolver.ResolveVariantURL(ctx, ch.ContentGUID, ch.ChannelID, true)
	}
	if err != nil {
		return nil, "", err
	}
	body, err := s.fetch(ctx, variant)
	return body, variant, err
}

// Refresh re-resolves a channel's variant URL, bypassing the cache, and makes
// sure the session has been renewed. The segment proxy calls it when the CDN
// denies a segment so the next attempt runs with a fresh access token.
func (s *Service) Refresh(ctx context.Context, channelID string) error {
	ch, err := s.channels.Resolve(ctx, channelID)
	if err != nil {
		return err
	}
	_, err = s.refresh(ctx, ch)
	return err
}

// refresh resolves without the cache. Now-playing renews the session only when
// it reports expiry; a CDN denial with an unchanged session means the access
// token went stale while the API still accepts it, so renew explicitly.
func (s *Service) refresh(ctx context.Context, ch catalog.Channel) (string, error) {
	auth := s.resolver.auth
	gen := auth.Generation()
	variant, err := s.resolver.ResolveVariantURL(ctx, ch.ContentGUID, ch.ChannelID, false)
	if auth.Generation() != gen {
		return variant, err
	}
	log.Printf("playlist: access denied channel=%s with unchanged session, renewing", ch.ChannelID)
	if rerr := auth.Renew(ctx); rerr != nil {
		return "", rerr
	}
	return variant, err
}

func (s *Service) fetch(ctx context.Context, variantURL string) ([]byte, error) {
	resp, err := s.content.Get(ctx, variantURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &provider.Error{Kind: provider.KindUnexpectedStatus, Op: "variant-playlist", Status: resp.StatusCode}
	}
	body, err := httpclient.ReadLimited(resp.Body, maxPlaylistBytes)
	if err != nil {
		return nil, readErr("variant-playlist", err)
	}
	return body, nil
}

func denied(err error) bool {
	var pe *provider.Error
	return errors.As(err, &pe) && pe.Kind == provider.KindUnexpectedStatus && pe.Status == http.StatusForbidden
}

// retryable: the shared transient set plus CDN denials, which a fresh
// resolution can clear.
func retryable(err error) bool {
	return provider.Retryable(err) || denied(err)
}
