package segment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/sxmproxy/internal/auth"
	"github.com/snapetech/sxmproxy/internal/catalog"
	"github.com/snapetech/sxmproxy/internal/httpclient"
	"github.com/snapetech/sxmproxy/internal/playlist"
	"github.com/snapetech/sxmproxy/internal/provider"
	"github.com/snapetech/sxmproxy/internal/provider/providertest"
	"github.com/snapetech/sxmproxy/internal/session"
)

type countingRefresher struct {
	mu       sync.Mutex
	channels []string
	err      error
}

func (r *countingRefresher) Refresh(_ context.Context, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, channelID)
	return r.err
}

func (r *countingRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

const segPath = "AAC_Data/9450/HLS_9450_256k_v3/9450_256k_1_000100.aac"

func newTestProxy(t *testing.T) (*providertest.Server, *Proxy, *countingRefresher) {
	t.Helper()
	fake := providertest.NewServer()
	t.Cleanup(fake.Close)
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
	ref := &countingRefresher{}
	p := NewProxy(c, ref, fake.URL)
	return fake, p, ref
}

func TestChannelID(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{segPath, "9450", true},
		{"/AAC_Data/siriushits1/x/y.aac", "siriushits1", true},
		{"AAC_Data/9450", "", false},
		{"y.aac", "", false},
	}
	for _, tt := range tests {
		got, ok := ChannelID(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ChannelID(%q) = %q,%v", tt.in, got, ok)
		}
	}
}

func TestFetch_OK(t *testing.T) {
	fake, p, ref := newTestProxy(t)
	body, err := p.Fetch(context.Background(), segPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "AAC-SEGMENT" {
		t.Errorf("body = %q", body)
	}
	if fake.Calls("segment") != 1 || ref.count() != 0 {
		t.Errorf("segment=%d refresh=%d", fake.Calls("segment"), ref.count())
	}
}

func TestFetch_DeniedOnceThenOK(t *testing.T) {
	fake, p, ref := newTestProxy(t)
	fake.Configure(func(s *providertest.Server) { s.SegmentStatuses = []int{403} })
	if _, err := p.Fetch(context.Background(), segPath); err != nil {
		t.Fatal(err)
	}
	if fake.Calls("segment") != 2 {
		t.Errorf("segment fetches = %d, want 2", fake.Calls("segment"))
	}
	if ref.count() != 1 || ref.channels[0] != "9450" {
		t.Errorf("refreshes = %v, want one for 9450", ref.channels)
	}
}

func TestFetch_AlwaysDenied(t *testing.T) {
	fake, p, ref := newTestProxy(t)
	fake.Configure(func(s *providertest.Server) { s.DenySegments = true })
	_, err := p.Fetch(context.Background(), segPath)
	if !errors.Is(err, provider.ErrSegmentDenied) {
		t.Fatalf("err = %v, want segment denied", err)
	}
	if n := fake.Calls("segment"); n != DefaultAttempts {
		t.Errorf("segment fetches = %d, want %d", n, DefaultAttempts)
	}
	if n := ref.count(); n != DefaultAttempts {
		t.Errorf("re-resolutions = %d, want %d", n, DefaultAttempts)
	}
}

func TestFetch_RefreshFailureStillRetries(t *testing.T) {
	fake, p, ref := newTestProxy(t)
	ref.err = errors.New("now-playing down")
	fake.Configure(func(s *providertest.Server) { s.SegmentStatuses = []int{403, 403} })
	if _, err := p.Fetch(context.Background(), segPath); err != nil {
		t.Fatal(err)
	}
	if fake.Calls("segment") != 3 {
		t.Errorf("segment fetches = %d, want 3", fake.Calls("segment"))
	}
}

func TestFetch_NotFound(t *testing.T) {
	fake, p, _ := newTestProxy(t)
	fake.Configure(func(s *providertest.Server) { s.SegmentStatuses = []int{404} })
	_, err := p.Fetch(context.Background(), segPath)
	if !errors.Is(err, provider.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestFetch_503Retried(t *testing.T) {
	fake, p, ref := newTestProxy(t)
	p.Backoff = httpclient.Backoff{Attempts: 3, Delay: time.Millisecond}
	fake.Configure(func(s *providertest.Server) { s.SegmentStatuses = []int{503, 503} })
	if _, err := p.Fetch(context.Background(), segPath); err != nil {
		t.Fatal(err)
	}
	if fake.Calls("segment") != 3 || ref.count() != 0 {
		t.Errorf("segment=%d refresh=%d", fake.Calls("segment"), ref.count())
	}
}

func TestFetch_TooLarge(t *testing.T) {
	fake, p, _ := newTestProxy(t)
	p.MaxBytes = 4
	_, err := p.Fetch(context.Background(), segPath)
	if !errors.Is(err, provider.ErrMalformedResponse) {
		t.Errorf("err = %v", err)
	}
	if fake.Calls("segment") != 1 {
		t.Errorf("oversized segment must not be retried, fetches = %d", fake.Calls("segment"))
	}
}

func TestFetch_RejectsTraversal(t *testing.T) {
	fake, p, _ := newTestProxy(t)
	_, err := p.Fetch(context.Background(), "AAC_Data/../../etc/passwd.aac")
	if !provider.Absent(err) {
		t.Errorf("err = %v", err)
	}
	if fake.Calls("segment") != 0 {
		t.Error("traversal path reached upstream")
	}
}

func TestFetch_HostLimit(t *testing.T) {
	_, p, _ := newTestProxy(t)
	p.Hosts = httpclient.NewHostSemaphore(1)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Fetch(context.Background(), segPath)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	if n := p.Hosts.InUse(p.LivePrimary); n != 0 {
		t.Errorf("slots held after completion: %d", n)
	}
}

// The CDN stops accepting the session's token while now-playing keeps
// answering 100: the refresh must renew the session so the retry carries a
// new token.
func TestFetch_StaleTokenRenewsSession(t *testing.T) {
	fake := providertest.NewServer()
	t.Cleanup(fake.Close)
	store, err := session.NewStore(fake.APIBase(), session.Credentials{Username: "u", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	c := provider.NewClient(store, provider.Options{APIBase: fake.APIBase(), Retry: &httpclient.RetryPolicy{}})
	once := httpclient.Backoff{Attempts: 1}
	authn := auth.New(store, c, once)
	ctx := context.Background()
	if err := authn.EnsureSessionActive(ctx); err != nil {
		t.Fatal(err)
	}
	stale := fake.LastToken()
	dir := catalog.NewDirectory(c, authn, once, nil)
	res := playlist.NewResolver(c, c, authn)
	res.LivePrimary = fake.URL
	svc := playlist.NewService(dir, res, c, once)
	p := NewProxy(c, svc, fake.URL)

	fake.Configure(func(s *providertest.Server) { s.RejectTokens = map[string]bool{stale: true} })
	body, err := p.Fetch(ctx, segPath)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != "AAC-SEGMENT" {
		t.Errorf("body = %q", body)
	}
	if n := fake.Calls("resume"); n != 2 {
		t.Errorf("resumes = %d, want 2", n)
	}
	if n := fake.Calls("segment"); n != 2 {
		t.Errorf("segment fetches = %d, want 2", n)
	}
	tok, _ := store.AccessToken()
	if tok == stale || tok != fake.LastToken() {
		t.Errorf("token = %q, stale %q, issued %q", tok, stale, fake.LastToken())
	}
}
