// Package playlist turns a channel into a playable HLS variant playlist:
// it resolves the variant URL through the now-playing API (renewing the
// session when the provider reports it expired), caches it per channel, and
// rewrites segment references so players fetch them through the proxy.
package playlist

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/grafov/m3u8"

	"github.com/snapetech/sxmproxy/internal/httpclient"
	"github.com/snapetech/sxmproxy/internal/metrics"
	"github.com/snapetech/sxmproxy/internal/provider"
	"github.com/snapetech/sxmproxy/internal/safeurl"
)

const (
	DefaultLivePrimary = "https://siriusxm-priprodlive.akamaized.net"
	livePrimaryToken   = "%Live_Primary_HLS%"
	DefaultSize        = "LARGE"
	// DefaultMaxAttempts bounds session renewals inside one resolution.
	DefaultMaxAttempts = 5
	maxPlaylistBytes   = 1 << 20
)

// NowPlayingAPI is satisfied by *provider.Client.
type NowPlayingAPI interface {
	NowPlaying(ctx context.Context, guid, channelID string) (*provider.NowPlaying, error)
}

// ContentFetcher fetches CDN URLs with the session's access parameters.
// *provider.Client implements it.
type ContentFetcher interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
}

// Renewer is satisfied by *auth.Authenticator. Generation advances on every
// committed exchange, so callers can tell whether a renewal happened.
type Renewer interface {
	Renew(ctx context.Context) error
	Generation() uint64
}

// Resolver finds the variant playlist URL of a channel.
type Resolver struct {
	api     NowPlayingAPI
	content ContentFetcher
	auth    Renewer

	LivePrimary   string
	PreferredSize string
	MaxAttempts   int

	mu    sync.RWMutex
	cache map[string]string
}

func NewResolver(api NowPlayingAPI, content ContentFetcher, auth Renewer) *Resolver {
	return &Resolver{
		api:           api,
		content:       content,
		auth:          auth,
		LivePrimary:   DefaultLivePrimary,
		PreferredSize: DefaultSize,
		MaxAttempts:   DefaultMaxAttempts,
		cache:         make(map[string]string),
	}
}

// NowPlaying returns a successful now-playing descriptor for the channel.
// Expiry codes renew the session and retry; each renewal uses one unit of
// MaxAttempts. Any other non-success code is a provider rejection.
func (r *Resolver) NowPlaying(ctx context.Context, guid, channelID string) (*provider.NowPlaying, error) {
	budget := r.MaxAttempts
	for {
		np, err := r.api.NowPlaying(ctx, guid, channelID)
		if err != nil {
			return nil, err
		}
		switch {
		case np.Code == provider.CodeOK:
			return np, nil
		case provider.ExpiredCode(np.Code):
			if budget <= 0 {
				return nil, &provider.Error{Kind: provider.KindSessionExpired, Op: "now-playing", Code: np.Code,
					Message: fmt.Sprintf("still expired after %d renewals", r.MaxAttempts)}
			}
			log.Printf("playlist: session expired channel=%s code=%d, renewing", channelID, np.Code)
			if err := r.auth.Renew(ctx); err != nil {
				return nil, &provider.Error{Kind: provider.KindSessionExpired, Op: "now-playing", Code: np.Code, Err: err}
			}
			budget--
		default:
			return nil, &provider.Error{Kind: provider.KindProviderRejected, Op: "now-playing", Code: np.Code, Message: np.Message}
		}
	}
}

// ResolveVariantURL returns the absolute variant playlist URL for a channel.
// With useCache, a previously resolved URL is returned without any provider
// request.
func (r *Resolver) ResolveVariantURL(ctx context.Context, guid, channelID string, useCache bool) (string, error) {
	if useCache {
		if u, ok := r.cached(channelID); ok {
			metrics.VariantCacheTotal.WithLabelValues("hit").Inc()
			return u, nil
		}
		metrics.VariantCacheTotal.WithLabelValues("miss").Inc()
	} else {
		metrics.VariantCacheTotal.WithLabelValues("bypass").Inc()
	}

	np, err := r.NowPlaying(ctx, guid, channelID)
	if err != nil {
		return "", err
	}
	master, err := r.masterURL(np)
	if err != nil {
		return "", err
	}
	variant, err := r.selectVariant(ctx, master)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.cache[channelID] = variant
	r.mu.Unlock()
	return variant, nil
}

// Invalidate drops the cached variant URL of a channel.
func (r *Resolver) Invalidate(channelID string) {
	r.mu.Lock()
	delete(r.cache, channelID)
	r.mu.Unlock()
}

func (r *Resolver) cached(channelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.cache[channelID]
	return u, ok
}

func (r *Resolver) masterURL(np *provider.NowPlaying) (string, error) {
	if np.LiveChannel == nil {
		return "", &provider.Error{Kind: provider.KindMalformedResponse, Op: "now-playing", Message: "no live channel data"}
	}
	for _, info := range np.LiveChannel.HLSAudioInfos {
		if !strings.EqualFold(info.Size, r.PreferredSize) {
			continue
		}
		u := strings.Replace(info.URL, livePrimaryToken, strings.TrimSuffix(r.LivePrimary, "/"), 1)
		if !safeurl.IsHTTPOrHTTPS(u) {
			return "", &provider.Error{Kind: provider.KindMalformedResponse, Op: "now-playing", Message: "playlist url " + u}
		}
		return u, nil
	}
	return "", &provider.Error{Kind: provider.KindMalformedResponse, Op: "now-playing",
		Message: "no " + r.PreferredSize + " playlist offered"}
}

// selectVariant fetches the master playlist and returns the first variant
// (a .m3u8 URI) resolved against the master's location.
func (r *Resolver) selectVariant(ctx context.Context, masterURL string) (string, error) {
	resp, err := r.content.Get(ctx, masterURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &provider.Error{Kind: provider.KindUnexpectedStatus, Op: "master-playlist", Status: resp.StatusCode}
	}
	body, err := httpclient.ReadLimited(resp.Body, maxPlaylistBytes)
	if err != nil {
		return "", readErr("master-playlist", err)
	}
	uri, ok := variantURI(body)
	if !ok {
		return "", &provider.Error{Kind: provider.KindMalformedResponse, Op: "master-playlist", Message: "no variant playlist"}
	}
	base, err := url.Parse(masterURL)
	if err != nil {
		return "", &provider.Error{Kind: provider.KindMalformedResponse, Op: "master-playlist", Err: err}
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return "", &provider.Error{Kind: provider.KindMalformedResponse, Op: "master-playlist", Message: "variant " + uri, Err: err}
	}
	return base.ResolveReference(ref).String(), nil
}

// variantURI returns the first .m3u8 variant of a master playlist. Masters the
// m3u8 decoder cannot classify (no EXT-X-STREAM-INF tags) are scanned line by
// line for the first .m3u8 reference.
func variantURI(body []byte) (string, bool) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err == nil && listType == m3u8.MASTER {
		for _, v := range pl.(*m3u8.MasterPlaylist).Variants {
			if v != nil && strings.HasSuffix(v.URI, ".m3u8") {
				return v.URI, true
			}
		}
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), maxPlaylistBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !strings.HasPrefix(line, "#") && strings.HasSuffix(line, ".m3u8") {
			return line, true
		}
	}
	return "", false
}

func readErr(op string, err error) error {
	if errors.Is(err, httpclient.ErrBodyTooLarge) {
		return &provider.Error{Kind: provider.KindMalformedResponse, Op: op, Err: err}
	}
	return &provider.Error{Kind: provider.KindTransport, Op: op, Err: err}
}
