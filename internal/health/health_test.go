package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/snapetech/sxmproxy/internal/catalog"
	"github.com/snapetech/sxmproxy/internal/provider"
)

type fakeSession struct {
	err      error
	renewErr error
	renewed  *int
}

func (f fakeSession) EnsureSessionActive(context.Context) error { return f.err }

func (f fakeSession) Renew(context.Context) error {
	if f.renewed != nil {
		*f.renewed++
	}
	return f.renewErr
}

type fakeChannels struct {
	list []catalog.Channel
	err  error
}

func (f fakeChannels) Channels(context.Context) ([]catalog.Channel, error) { return f.list, f.err }

func TestCheckProvider_ok(t *testing.T) {
	n, err := CheckProvider(context.Background(), fakeSession{}, fakeChannels{list: []catalog.Channel{{ChannelID: "9450"}}})
	if err != nil || n != 1 {
		t.Fatalf("CheckProvider = %d, %v", n, err)
	}
}

func TestCheckProvider_sessionFails(t *testing.T) {
	_, err := CheckProvider(context.Background(), fakeSession{err: errors.New("bad password")}, fakeChannels{})
	if err == nil || !strings.HasPrefix(err.Error(), "session:") {
		t.Fatalf("err = %v", err)
	}
}

func TestCheckProvider_emptyList(t *testing.T) {
	_, err := CheckProvider(context.Background(), fakeSession{}, fakeChannels{})
	if err == nil {
		t.Fatal("expected error for empty channel list")
	}
}

func TestCheckEndpoints_ok(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	mux.HandleFunc("/Octane.m3u8", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()
	ctx := context.Background()
	if err := CheckEndpoints(ctx, srv.URL, ""); err != nil {
		t.Fatalf("CheckEndpoints: %v", err)
	}
	if err := CheckEndpoints(ctx, srv.URL+"/", "Octane"); err != nil {
		t.Fatalf("CheckEndpoints with channel: %v", err)
	}
}

func TestCheckEndpoints_notPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	mux.HandleFunc("/x.m3u8", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("<html>")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()
	if err := CheckEndpoints(context.Background(), srv.URL, "x"); err == nil {
		t.Fatal("expected error for non-playlist body")
	}
}

func TestCheckEndpoints_missing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	ctx := context.Background()
	err := CheckEndpoints(ctx, srv.URL, "")
	if err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestCheckProvider_staleLoginRenews(t *testing.T) {
	rejected := &provider.Error{Kind: provider.KindAuthenticationFailed, Op: "resume", Code: 0}
	renewed := 0
	n, err := CheckProvider(context.Background(),
		fakeSession{err: rejected, renewed: &renewed},
		fakeChannels{list: []catalog.Channel{{ChannelID: "9450"}}})
	if err != nil || n != 1 || renewed != 1 {
		t.Fatalf("CheckProvider = %d, %v, renewed %d", n, err, renewed)
	}

	renewed = 0
	_, err = CheckProvider(context.Background(),
		fakeSession{err: rejected, renewErr: errors.New("login rejected"), renewed: &renewed},
		fakeChannels{})
	if err == nil || !strings.HasPrefix(err.Error(), "session:") || renewed != 1 {
		t.Fatalf("err = %v renewed %d", err, renewed)
	}
}

func TestCheckProvider_loginRejectedNoRenew(t *testing.T) {
	renewed := 0
	login := &provider.Error{Kind: provider.KindAuthenticationFailed, Op: "login"}
	if _, err := CheckProvider(context.Background(), fakeSession{err: login, renewed: &renewed}, fakeChannels{}); err == nil {
		t.Fatal("want error")
	}
	if renewed != 0 {
		t.Errorf("renewed %d times on a rejected login", renewed)
	}
}
