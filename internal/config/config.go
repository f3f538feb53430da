package config

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/snapetech/sxmproxy/internal/httpclient"
)

// KeyringService is the OS keyring service the password is stored under.
const KeyringService = "sxm-proxy"

// DefaultHLSKey is the AES-128 key the provider's web player uses for every channel.
const DefaultHLSKey = "0Nsco7MAgxowGvkUT8aYag=="

// Config holds provider credentials, upstream endpoints, front-end and retry settings.
type Config struct {
	// Provider account
	Username string
	Password string

	// Upstream
	APIBase       string // module REST API base
	LivePrimary   string // substituted for the %Live_Primary_HLS% macro
	PreferredSize string // hlsAudioInfos size to play (LARGE, MEDIUM, SMALL)
	APIRPS        float64
	APIBurst      int

	// Front end
	Addr   string
	HLSKey string // base64 of the 16-byte key served at .../key/1

	// Paths
	SessionDB   string // sqlite cookie store; "" = session not persisted
	CatalogPath string // channel list snapshot (list -save, serve preload)

	// Retry classes
	AuthAttempts     int
	AuthDelay        time.Duration
	PlaylistAttempts int
	PlaylistDelay    time.Duration
	SegmentAttempts  int // 403 budget per segment
	SegmentDelay     time.Duration
	ResolveAttempts  int // session renewals per now-playing resolution

	HostConcurrency int   // concurrent segment fetches per CDN host; 0 = unlimited
	SegmentMaxBytes int64 // bound on one segment body

	EpisodeLayers []string
}

// Load reads config from environment. Call LoadEnvFile(".env") before Load() to use a .env file.
// Missing credentials fall back to SIRIUSXM_USER / SIRIUSXM_PASS, then SXM_PROXY_SUBSCRIPTION_FILE
// ("Username:" / "Password:" lines), then the OS keyring.
func Load() *Config {
	c := &Config{
		Username:         firstEnv("SXM_PROXY_USER", "SIRIUSXM_USER"),
		Password:         firstEnv("SXM_PROXY_PASS", "SIRIUSXM_PASS"),
		APIBase:          getEnv("SXM_PROXY_API_BASE", "https://player.siriusxm.com/rest/v2/experience/modules"),
		LivePrimary:      getEnv("SXM_PROXY_LIVE_PRIMARY_HLS", "https://siriusxm-priprodlive.akamaized.net"),
		PreferredSize:    strings.ToUpper(getEnv("SXM_PROXY_PREFERRED_SIZE", "LARGE")),
		APIRPS:           getEnvFloat("SXM_PROXY_API_RPS", 5),
		APIBurst:         getEnvInt("SXM_PROXY_API_BURST", 10),
		Addr:             getEnv("SXM_PROXY_ADDR", ":8888"),
		HLSKey:           getEnv("SXM_PROXY_HLS_KEY", DefaultHLSKey),
		SessionDB:        os.Getenv("SXM_PROXY_SESSION_DB"),
		CatalogPath:      os.Getenv("SXM_PROXY_CATALOG"),
		AuthAttempts:     getEnvInt("SXM_PROXY_AUTH_ATTEMPTS", 10),
		AuthDelay:        getEnvDuration("SXM_PROXY_AUTH_DELAY", 3*time.Second),
		PlaylistAttempts: getEnvInt("SXM_PROXY_PLAYLIST_ATTEMPTS", 25),
		PlaylistDelay:    getEnvDuration("SXM_PROXY_PLAYLIST_DELAY", time.Second),
		SegmentAttempts:  getEnvInt("SXM_PROXY_SEGMENT_ATTEMPTS", 5),
		SegmentDelay:     getEnvDuration("SXM_PROXY_SEGMENT_DELAY", time.Second),
		ResolveAttempts:  getEnvInt("SXM_PROXY_RESOLVE_ATTEMPTS", 5),
		HostConcurrency:  getEnvInt("SXM_PROXY_HOST_CONCURRENCY", 8),
		SegmentMaxBytes:  int64(getEnvInt("SXM_PROXY_SEGMENT_MAX_BYTES", 8<<20)),
		EpisodeLayers:    splitList(getEnv("SXM_PROXY_EPISODE_LAYERS", "episode,future-episode")),
	}
	if c.AuthAttempts <= 0 {
		c.AuthAttempts = 10
	}
	if c.PlaylistAttempts <= 0 {
		c.PlaylistAttempts = 25
	}
	if c.SegmentAttempts <= 0 {
		c.SegmentAttempts = 5
	}
	if c.ResolveAttempts < 0 {
		c.ResolveAttempts = 5
	}
	if c.Username == "" || c.Password == "" {
		if user, pass, err := readSubscriptionFile(os.Getenv("SXM_PROXY_SUBSCRIPTION_FILE")); err == nil {
			if c.Username == "" {
				c.Username = user
			}
			if c.Password == "" {
				c.Password = pass
			}
		}
	}
	if c.Password == "" {
		user := getEnv("SXM_PROXY_KEYRING_USER", c.Username)
		if user != "" {
			if pass, err := keyring.Get(KeyringService, user); err == nil {
				c.Username = user
				c.Password = pass
			}
		}
	}
	return c
}

// StorePassword saves the account password in the OS keyring so later runs
// only need SXM_PROXY_USER.
func StorePassword(user, pass string) error {
	if user == "" || pass == "" {
		return errors.New("keyring: username and password required")
	}
	return keyring.Set(KeyringService, user, pass)
}

// ErrNoCredentials is returned by Validate when no username or password was found.
var ErrNoCredentials = errors.New("no credentials: set SXM_PROXY_USER and SXM_PROXY_PASS (or SIRIUSXM_USER / SIRIUSXM_PASS)")

// Validate reports settings the proxy cannot run with.
func (c *Config) Validate() error {
	if c.Username == "" || c.Password == "" {
		return ErrNoCredentials
	}
	if _, err := c.Key(); err != nil {
		return err
	}
	for name, u := range map[string]string{"SXM_PROXY_API_BASE": c.APIBase, "SXM_PROXY_LIVE_PRIMARY_HLS": c.LivePrimary} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s: not an http(s) URL: %q", name, u)
		}
	}
	return nil
}

// Key decodes HLSKey. The key must be 16 bytes (AES-128).
func (c *Config) Key() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.HLSKey))
	if err != nil {
		return nil, fmt.Errorf("SXM_PROXY_HLS_KEY: %w", err)
	}
	if len(b) != 16 {
		return nil, fmt.Errorf("SXM_PROXY_HLS_KEY: %d bytes, want 16", len(b))
	}
	return b, nil
}

func (c *Config) AuthBackoff() httpclient.Backoff {
	return httpclient.Backoff{Attempts: c.AuthAttempts, Delay: c.AuthDelay}
}

func (c *Config) PlaylistBackoff() httpclient.Backoff {
	return httpclient.Backoff{Attempts: c.PlaylistAttempts, Delay: c.PlaylistDelay}
}

// SegmentBackoff retries transport failures within one segment attempt.
func (c *Config) SegmentBackoff() httpclient.Backoff {
	return httpclient.Backoff{Attempts: c.SegmentAttempts, Delay: c.SegmentDelay}
}

// readSubscriptionFile reads "Username: x" and "Password: x" from path.
func readSubscriptionFile(path string) (user, pass string, err error) {
	if path == "" {
		return "", "", os.ErrNotExist
	}
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Username:") {
			user = strings.TrimSpace(strings.TrimPrefix(line, "Username:"))
		} else if strings.HasPrefix(line, "Password:") {
			pass = strings.TrimSpace(strings.TrimPrefix(line, "Password:"))
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", err
	}
	if user == "" || pass == "" {
		return "", "", fmt.Errorf("subscription file: missing Username or Password")
	}
	return user, pass, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
