// Package provider speaks the streaming service's module REST API and fetches
// content (playlists, segments) from its CDN.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/snapetech/sxmproxy/internal/httpclient"
	"github.com/snapetech/sxmproxy/internal/metrics"
	"github.com/snapetech/sxmproxy/internal/session"
)

const DefaultAPIBase = "https://player.siriusxm.com/rest/v2/experience/modules"

// Options configures a Client. Zero values pick the defaults.
type Options struct {
	APIBase string
	Timeout time.Duration
	// RPS and Burst bound API calls (not content fetches). RPS <= 0 disables the limit.
	RPS   float64
	Burst int
	// Retry nil means httpclient.DefaultRetryPolicy.
	Retry *httpclient.RetryPolicy
	Now   func() time.Time
}

// Client is the typed provider API. Login and Resume are the only calls whose
// Set-Cookie responses reach the session store.
type Client struct {
	base    string
	store   *session.Store
	limiter *rate.Limiter
	timeout time.Duration
	policy  httpclient.RetryPolicy
	now     func() time.Time

	api *http.Client
}

func NewClient(store *session.Store, opts Options) *Client {
	c := &Client{
		base:    strings.TrimSuffix(opts.APIBase, "/"),
		store:   store,
		timeout: opts.Timeout,
		policy:  httpclient.DefaultRetryPolicy,
		now:     opts.Now,
	}
	if c.base == "" {
		c.base = DefaultAPIBase
	}
	if c.timeout <= 0 {
		c.timeout = httpclient.DefaultTimeout
	}
	if opts.Retry != nil {
		c.policy = *opts.Retry
	}
	if c.now == nil {
		c.now = time.Now
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	c.api = httpclient.WithJar(store.ReadOnly(), c.timeout)
	return c
}

// Login posts the account credentials. It succeeds when the provider answers
// status 1 and issues the login cookie; only then are the received cookies kept.
func (c *Client) Login(ctx context.Context) error {
	creds := c.store.Credentials()
	return c.exchange(ctx, "login", "modify/authentication", nil,
		&standardAuth{Username: creds.Username, Password: creds.Password},
		session.CookieLogin)
}

// Resume opens a playback session on top of a login. It succeeds when the
// provider answers status 1 and issues both session cookies.
func (c *Client) Resume(ctx context.Context) error {
	return c.exchange(ctx, "resume", "resume", url.Values{"OAtrial": {"false"}}, nil,
		session.CookieLoadBalancer, session.CookieSession)
}

func (c *Client) exchange(ctx context.Context, op, path string, q url.Values, auth *standardAuth, required ...string) error {
	ex, err := c.store.Begin()
	if err != nil {
		return err
	}
	env, err := c.call(ctx, httpclient.WithJar(ex, c.timeout), op, http.MethodPost, path, q, newRequestBody(auth))
	if err != nil {
		metrics.AuthExchangesTotal.WithLabelValues(op, "error").Inc()
		return err
	}
	status := env.ModuleListResponse.Status
	missing := ""
	for _, name := range required {
		if !ex.Has(name) {
			missing = name
			break
		}
	}
	if status != 1 || missing != "" {
		metrics.AuthExchangesTotal.WithLabelValues(op, "rejected").Inc()
		msg := firstMessage(env)
		if missing != "" && status == 1 {
			msg = "no " + missing + " cookie issued"
		}
		return &Error{Kind: KindAuthenticationFailed, Op: op, Code: status, Message: msg}
	}
	ex.Commit()
	metrics.AuthExchangesTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// NowPlaying fetches the live descriptor for a channel. A response without a
// message code is malformed; any code is returned to the caller to interpret.
func (c *Client) NowPlaying(ctx context.Context, guid, channelID string) (*NowPlaying, error) {
	now := c.now().UTC()
	q := url.Values{
		"assetGUID":       {guid},
		"ccRequestType":   {"AUDIO_VIDEO"},
		"channelId":       {channelID},
		"hls_output_mode": {"custom"},
		"marker_mode":     {"all_separate_cue_points"},
		"result-template": {"web"},
		"time":            {strconv.FormatInt(now.UnixMilli(), 10)},
		"timestamp":       {now.Format("2006-01-02T15:04:05.000000") + "Z"},
	}
	env, err := c.call(ctx, c.api, "now-playing", http.MethodGet, "tune/now-playing-live", q, nil)
	if err != nil {
		return nil, err
	}
	msgs := env.ModuleListResponse.Messages
	if len(msgs) == 0 {
		return nil, malformed("now-playing", "no message code", nil)
	}
	np := &NowPlaying{Code: msgs[0].Code, Message: msgs[0].Message}
	if raw := env.firstModule(); len(raw) > 0 {
		var m nowPlayingModule
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, malformed("now-playing", "module response", err)
		}
		np.LiveChannel = m.LiveChannelData
	}
	return np, nil
}

// ChannelList fetches the full channel directory.
func (c *Client) ChannelList(ctx context.Context) ([]ChannelEntry, error) {
	q := url.Values{
		"type":            {"2"},
		"batch-mode":      {"true"},
		"format":          {"json"},
		"request-option":  {"discover-channel-list-withpdt"},
		"result-template": {"web"},
	}
	env, err := c.call(ctx, c.api, "channel-list", http.MethodGet, "get/discover-channel-list", q, nil)
	if err != nil {
		return nil, err
	}
	raw := env.firstModule()
	if len(raw) == 0 {
		return nil, malformed("channel-list", "no module response", nil)
	}
	var m channelListModule
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, malformed("channel-list", "module response", err)
	}
	return m.ModuleDetails.LiveChannelResponse.LiveChannelResponses, nil
}

// Get fetches CDN content (playlist or segment) with the access token,
// consumer and subscriber id appended. The caller closes the body and
// interprets the status.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, malformed("content", "bad url", err)
	}
	tok, _ := c.store.AccessToken()
	gup, _ := c.store.SubscriberID()
	q := u.Query()
	q.Set("token", tok)
	q.Set("consumer", "k2")
	q.Set("gupId", gup)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, malformed("content", "bad request", err)
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	resp, err := httpclient.DoWithRetry(ctx, c.api, req, c.policy)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transportErr("content", err)
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, hc *http.Client, op, method, path string, q url.Values, body any) (*envelope, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	target := c.base + "/" + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", httpclient.AcceptEncoding)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := httpclient.DoWithRetry(ctx, hc, req, c.policy)
	metrics.ProviderRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		metrics.ProviderRequestsTotal.WithLabelValues(op, "transport").Inc()
		return nil, transportErr(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		metrics.ProviderRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
		return nil, statusErr(op, resp.StatusCode)
	}
	rc, err := httpclient.DecodeBody(resp)
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(op, "malformed").Inc()
		return nil, malformed(op, "body encoding", err)
	}
	defer rc.Close()
	var env envelope
	if err := json.NewDecoder(rc).Decode(&env); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		metrics.ProviderRequestsTotal.WithLabelValues(op, "malformed").Inc()
		return nil, malformed(op, "json", err)
	}
	metrics.ProviderRequestsTotal.WithLabelValues(op, "ok").Inc()
	return &env, nil
}

func firstMessage(env *envelope) string {
	if msgs := env.ModuleListResponse.Messages; len(msgs) > 0 {
		return msgs[0].Message
	}
	return ""
}
