package playlist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/snapetech/sxmproxy/internal/httpclient"
	"github.com/snapetech/sxmproxy/internal/provider"
	"github.com/snapetech/sxmproxy/internal/provider/providertest"
	"github.com/snapetech/sxmproxy/internal/session"
)

type countingRenewer struct {
	mu    sync.Mutex
	calls int
	gen   uint64
	err   error
}

func (r *countingRenewer) Renew(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err == nil {
		r.gen++
	}
	return r.err
}

func (r *countingRenewer) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

func (r *countingRenewer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// newTestClient returns a provider client with an active session on fake.
func newTestClient(t *testing.T, fake *providertest.Server) *provider.Client {
	t.Helper()
	store, err := session.NewStore(fake.APIBase(), session.Credentials{Username: "u", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	c := provider.NewClient(store, provider.Options{APIBase: fake.APIBase(), Retry: &httpclient.RetryPolicy{}})
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	return c
}

func newTestResolver(t *testing.T) (*providertest.Server, *Resolver, *countingRenewer) {
	t.Helper()
	fake := providertest.NewServer()
	t.Cleanup(fake.Close)
	c := newTestClient(t, fake)
	ren := &countingRenewer{}
	r := NewResolver(c, c, ren)
	r.LivePrimary = fake.URL
	return fake, r, ren
}

func TestResolveVariantURL(t *testing.T) {
	fake, r, _ := newTestResolver(t)
	got, err := r.ResolveVariantURL(context.Background(), "guid-octane", "9450", false)
	if err != nil {
		t.Fatal(err)
	}
	want := fake.URL + "/AAC_Data/9450/HLS_9450_256k_v3/9450_256k_large_v3.m3u8"
	if got != want {
		t.Errorf("variant = %q, want %q", got, want)
	}
}

func TestResolveVariantURL_CacheHitMakesNoRequest(t *testing.T) {
	fake, r, _ := newTestResolver(t)
	ctx := context.Background()
	first, err := r.ResolveVariantURL(ctx, "guid-octane", "9450", true)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.ResolveVariantURL(ctx, "guid-octane", "9450", true)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("cached %q != %q", second, first)
	}
	if n := fake.Calls("now-playing"); n != 1 {
		t.Errorf("now-playing calls = %d, want 1", n)
	}
	if n := fake.Calls("master"); n != 1 {
		t.Errorf("master fetches = %d, want 1", n)
	}

	if _, err := r.ResolveVariantURL(ctx, "guid-octane", "9450", false); err != nil {
		t.Fatal(err)
	}
	if n := fake.Calls("now-playing"); n != 2 {
		t.Errorf("bypass should refetch, now-playing calls = %d", n)
	}
}

func TestResolveVariantURL_ExpiredOnceRenewsOnce(t *testing.T) {
	fake, r, ren := newTestResolver(t)
	fake.Configure(func(s *providertest.Server) { s.NowPlayingCodes = []int{201} })
	if _, err := r.ResolveVariantURL(context.Background(), "guid-octane", "9450", false); err != nil {
		t.Fatal(err)
	}
	if ren.count() != 1 {
		t.Errorf("renewals = %d, want 1", ren.count())
	}
	if n := fake.Calls("now-playing"); n != 2 {
		t.Errorf("now-playing calls = %d, want 2", n)
	}
}

func TestResolveVariantURL_BudgetExhausted(t *testing.T) {
	fake, r, ren := newTestResolver(t)
	r.MaxAttempts = 2
	fake.Configure(func(s *providertest.Server) { s.NowPlayingCodes = []int{208, 201, 201, 201} })
	_, err := r.ResolveVariantURL(context.Background(), "guid-octane", "9450", false)
	if !errors.Is(err, provider.ErrSessionExpired) {
		t.Fatalf("err = %v, want session expired", err)
	}
	if ren.count() != 2 {
		t.Errorf("renewals = %d, want 2", ren.count())
	}
	if n := fake.Calls("now-playing"); n != 3 {
		t.Errorf("now-playing calls = %d, want 3", n)
	}
}

func TestResolveVariantURL_RenewFailure(t *testing.T) {
	fake, r, ren := newTestResolver(t)
	ren.err = errors.New("provider down")
	fake.Configure(func(s *providertest.Server) { s.NowPlayingCodes = []int{201} })
	_, err := r.ResolveVariantURL(context.Background(), "guid-octane", "9450", false)
	if !errors.Is(err, provider.ErrSessionExpired) || !strings.Contains(err.Error(), "provider down") {
		t.Errorf("err = %v", err)
	}
}

func TestResolveVariantURL_RejectedCode(t *testing.T) {
	fake, r, ren := newTestResolver(t)
	fake.Configure(func(s *providertest.Server) { s.NowPlayingCodes = []int{305} })
	_, err := r.ResolveVariantURL(context.Background(), "guid-octane", "9450", false)
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Kind != provider.KindProviderRejected || pe.Code != 305 {
		t.Errorf("err = %v", err)
	}
	if ren.count() != 0 {
		t.Error("rejection must not trigger renewal")
	}
}

func TestResolveVariantURL_NoPreferredSize(t *testing.T) {
	fake, r, _ := newTestResolver(t)
	fake.Configure(func(s *providertest.Server) { s.Channels[1].OmitMaster = true })
	_, err := r.ResolveVariantURL(context.Background(), "guid-octane", "9450", false)
	if !errors.Is(err, provider.ErrMalformedResponse) {
		t.Errorf("err = %v, want malformed", err)
	}
}

func TestResolveVariantURL_MasterDenied(t *testing.T) {
	fake, r, _ := newTestResolver(t)
	fake.Configure(func(s *providertest.Server) { s.MasterStatuses = []int{403} })
	_, err := r.ResolveVariantURL(context.Background(), "guid-octane", "9450", true)
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Status != 403 {
		t.Fatalf("err = %v", err)
	}
	// failure must not populate the cache
	if _, ok := r.cached("9450"); ok {
		t.Error("failed resolution was cached")
	}
}

func TestResolveVariantURL_MasterShapes(t *testing.T) {
	tests := []struct {
		name, body string
	}{
		{"stream-inf", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=281600\nHLS_9450_256k_v3/9450_256k_large_v3.m3u8\n"},
		{"crlf", "#EXTM3U\r\n#EXT-X-STREAM-INF:BANDWIDTH=281600\r\nHLS_9450_256k_v3/9450_256k_large_v3.m3u8\r\n"},
		{"bare uri", "#EXTM3U\nHLS_9450_256k_v3/9450_256k_large_v3.m3u8\n"},
		{"bare uri after comment", "#EXTM3U\n# generated\n\n  HLS_9450_256k_v3/9450_256k_large_v3.m3u8  \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, r, _ := newTestResolver(t)
			fake.Configure(func(s *providertest.Server) { s.MasterBody = tt.body })
			got, err := r.ResolveVariantURL(context.Background(), "guid-octane", "9450", false)
			if err != nil {
				t.Fatal(err)
			}
			want := fake.URL + "/AAC_Data/9450/HLS_9450_256k_v3/9450_256k_large_v3.m3u8"
			if got != want {
				t.Errorf("variant = %q, want %q", got, want)
			}
		})
	}
}

func TestResolveVariantURL_MasterWithoutVariant(t *testing.T) {
	fake, r, _ := newTestResolver(t)
	fake.Configure(func(s *providertest.Server) { s.MasterBody = "#EXTM3U\n#EXT-X-VERSION:3\n" })
	_, err := r.ResolveVariantURL(context.Background(), "guid-octane", "9450", false)
	if !errors.Is(err, provider.ErrMalformedResponse) {
		t.Errorf("err = %v, want malformed", err)
	}
}

func TestInvalidate(t *testing.T) {
	fake, r, _ := newTestResolver(t)
	ctx := context.Background()
	r.ResolveVariantURL(ctx, "guid-octane", "9450", true)
	r.Invalidate("9450")
	r.ResolveVariantURL(ctx, "guid-octane", "9450", true)
	if n := fake.Calls("now-playing"); n != 2 {
		t.Errorf("now-playing calls = %d, want 2 after invalidate", n)
	}
}
