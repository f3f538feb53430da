package health

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snapetech/sxmproxy/internal/catalog"
	"github.com/snapetech/sxmproxy/internal/httpclient"
	"github.com/snapetech/sxmproxy/internal/provider"
)

// SessionEnsurer is satisfied by *auth.Authenticator.
type SessionEnsurer interface {
	EnsureSessionActive(ctx context.Context) error
	Renew(ctx context.Context) error
}

// ChannelLister is satisfied by *catalog.Directory.
type ChannelLister interface {
	Channels(ctx context.Context) ([]catalog.Channel, error)
}

// CheckProvider logs in, resumes a session and fetches the channel list.
// Returns the number of channels, or an error naming the step that failed.
func CheckProvider(ctx context.Context, sess SessionEnsurer, channels ChannelLister) (int, error) {
	err := sess.EnsureSessionActive(ctx)
	if provider.ResumeRejected(err) {
		// A persisted login the provider no longer honours: start over.
		err = sess.Renew(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("session: %w", err)
	}
	list, err := channels.Channels(ctx)
	if err != nil {
		return 0, fmt.Errorf("channel list: %w", err)
	}
	if len(list) == 0 {
		return 0, fmt.Errorf("channel list: empty")
	}
	return len(list), nil
}

// CheckEndpoints hits /healthz at baseURL and, when channel is set, that
// channel's playlist, and returns the first error or nil.
func CheckEndpoints(ctx context.Context, baseURL, channel string) error {
	client := httpclient.WithTimeout(30 * time.Second)
	base := strings.TrimSuffix(baseURL, "/")
	if err := get(ctx, client, base+"/healthz", nil); err != nil {
		return fmt.Errorf("/healthz: %w", err)
	}
	if channel == "" {
		return nil
	}
	p := "/" + url.PathEscape(channel) + ".m3u8"
	err := get(ctx, client, base+p, func(body io.Reader) error {
		first, err := bufio.NewReader(body).ReadString('\n')
		if err != nil && first == "" {
			return fmt.Errorf("empty playlist")
		}
		if !strings.HasPrefix(strings.TrimSpace(first), "#EXTM3U") {
			return fmt.Errorf("not a playlist: %q", strings.TrimSpace(first))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	return nil
}

func get(ctx context.Context, client *http.Client, u string, check func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if check != nil {
		return check(resp.Body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
