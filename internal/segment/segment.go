// Package segment relays audio segments from the CDN. A denied fetch (403)
// means the channel's access has gone stale, so the proxy re-resolves the
// channel's playlist and renews the session, then tries again with the new
// access token, within a fixed budget.
package segment

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/snapetech/sxmproxy/internal/httpclient"
	"github.com/snapetech/sxmproxy/internal/metrics"
	"github.com/snapetech/sxmproxy/internal/provider"
	"github.com/snapetech/sxmproxy/internal/safeurl"
)

const (
	DefaultAttempts = 5
	DefaultMaxBytes = 8 << 20
)

// ContentFetcher is satisfied by *provider.Client.
type ContentFetcher interface {
	Get(ctx context.Context, rawURL string) (*http.Response, error)
}

// Refresher is satisfied by *playlist.Service. Refresh returns once the
// channel is re-resolved and the session renewed.
type Refresher interface {
	Refresh(ctx context.Context, channelID string) error
}

type Proxy struct {
	content ContentFetcher
	refresh Refresher

	LivePrimary string
	// Attempts is the 403 budget per segment request.
	Attempts int
	// Backoff retries transport failures within one attempt.
	Backoff  httpclient.Backoff
	MaxBytes int64
	Hosts    *httpclient.HostSemaphore
}

func NewProxy(content ContentFetcher, refresh Refresher, livePrimary string) *Proxy {
	return &Proxy{
		content:     content,
		refresh:     refresh,
		LivePrimary: livePrimary,
		Attempts:    DefaultAttempts,
		Backoff:     httpclient.Backoff{Attempts: 1},
		MaxBytes:    DefaultMaxBytes,
	}
}

// ChannelID extracts the channel id from a rewritten segment path
// ("AAC_Data/<channel>/...").
func ChannelID(rel string) (string, bool) {
	parts := strings.SplitN(strings.TrimPrefix(rel, "/"), "/", 3)
	if len(parts) < 3 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Fetch returns the bytes of the segment at rel, a path produced by the
// playlist rewriter. Every 403 triggers one playlist re-resolution for the
// segment's channel; after Attempts denials the result is SegmentDenied.
func (p *Proxy) Fetch(ctx context.Context, rel string) ([]byte, error) {
	clean, ok := safeurl.CleanRelative(rel)
	if !ok {
		return nil, &provider.Error{Kind: provider.KindNotFound, Op: "segment", Message: "bad path"}
	}
	channelID, ok := ChannelID(clean)
	if !ok {
		return nil, &provider.Error{Kind: provider.KindNotFound, Op: "segment", Message: "no channel in path " + clean}
	}
	target, ok := safeurl.Join(p.LivePrimary, clean)
	if !ok {
		return nil, &provider.Error{Kind: provider.KindMalformedResponse, Op: "segment", Message: "bad upstream base"}
	}
	budget := p.Attempts
	if budget < 1 {
		budget = 1
	}
	for attempt := 1; ; attempt++ {
		var body []byte
		var status int
		err := httpclient.Retry(ctx, p.Backoff, provider.Retryable, func(ctx context.Context) error {
			var err error
			body, status, err = p.fetchOnce(ctx, target)
			return err
		})
		if err != nil {
			metrics.SegmentFetchesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		switch status {
		case http.StatusOK:
			metrics.SegmentFetchesTotal.WithLabelValues("ok").Inc()
			metrics.SegmentBytesTotal.Add(float64(len(body)))
			return body, nil
		case http.StatusForbidden:
			metrics.SegmentFetchesTotal.WithLabelValues("denied").Inc()
			log.Printf("segment: denied channel=%s attempt=%d/%d, refreshing", channelID, attempt, budget)
			if err := p.refresh.Refresh(ctx, channelID); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				log.Printf("segment: refresh channel=%s: %v", channelID, err)
			}
			if attempt >= budget {
				return nil, &provider.Error{Kind: provider.KindSegmentDenied, Op: "segment", Status: status,
					Message: clean}
			}
		case http.StatusNotFound:
			metrics.SegmentFetchesTotal.WithLabelValues("not_found").Inc()
			return nil, &provider.Error{Kind: provider.KindNotFound, Op: "segment", Status: status, Message: clean}
		default:
			metrics.SegmentFetchesTotal.WithLabelValues("error").Inc()
			return nil, &provider.Error{Kind: provider.KindUnexpectedStatus, Op: "segment", Status: status}
		}
	}
}

// fetchOnce performs one upstream GET under the per-host limit. A 503 is
// returned as a retryable error; other statuses are returned for the caller.
func (p *Proxy) fetchOnce(ctx context.Context, target string) ([]byte, int, error) {
	release, err := p.Hosts.Acquire(ctx, target)
	if err != nil {
		return nil, 0, err
	}
	defer release()
	resp, err := p.content.Get(ctx, target)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, &provider.Error{Kind: provider.KindUnexpectedStatus, Op: "segment", Status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}
	body, err := httpclient.ReadLimited(resp.Body, p.MaxBytes)
	if err != nil {
		return nil, 0, readErr("segment", err)
	}
	return body, resp.StatusCode, nil
}

func readErr(op string, err error) error {
	if errors.Is(err, httpclient.ErrBodyTooLarge) {
		return &provider.Error{Kind: provider.KindMalformedResponse, Op: op, Err: err}
	}
	return &provider.Error{Kind: provider.KindTransport, Op: op, Err: err}
}
