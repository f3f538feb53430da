// Package session holds the provider credentials and cookie state, and derives
// the values every content request carries (access token, subscriber id).
//
// The store is the only holder of cookies. Provider responses outside of login
// and resume cannot change it: ordinary requests read cookies through ReadOnly,
// and authentication exchanges stage their writes in an Exchange that is
// committed only when the exchange succeeds.
package session

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// Cookie names issued by the provider.
const (
	CookieLogin        = "SXMAUTHNEW"
	CookieLoadBalancer = "AWSELB"
	CookieSession      = "JSESSIONID"
	CookieAccessToken  = "SXMAKTOKEN"
	CookieData         = "SXMDATA"
)

// State is the authentication state derived from which cookies are present.
type State int

const (
	Anonymous State = iota
	LoggedIn
	SessionActive
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case LoggedIn:
		return "logged_in"
	case SessionActive:
		return "session_active"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Credentials are the account username and password. Immutable after startup.
type Credentials struct {
	Username string
	Password string
}

// Store owns credentials and the cookie jar.
type Store struct {
	creds  Credentials
	origin *url.URL

	mu      sync.RWMutex
	jar     *cookiejar.Jar
	gen     uint64
	persist Persister
}

// NewStore returns an empty store whose cookie state is read against apiBase.
func NewStore(apiBase string, creds Credentials) (*Store, error) {
	u, err := url.Parse(apiBase)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("session: bad api base %q", apiBase)
	}
	jar, err := newJar()
	if err != nil {
		return nil, err
	}
	return &Store{creds: creds, origin: u, jar: jar}, nil
}

var jarOptions = &cookiejar.Options{PublicSuffixList: publicsuffix.List}

func newJar() (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(jarOptions)
	if err != nil {
		return nil, fmt.Errorf("session: cookie jar: %w", err)
	}
	return jar, nil
}

// Credentials returns the configured account.
func (s *Store) Credentials() Credentials { return s.creds }

// Origin is the URL cookie state is evaluated against.
func (s *Store) Origin() *url.URL { return s.origin }

// Attach loads previously committed cookies from p and persists every later
// commit and reset to it.
func (s *Store) Attach(p Persister) error {
	stored, err := p.Load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = p
	for _, sc := range stored {
		u, err := url.Parse(sc.URL)
		if err != nil {
			continue
		}
		s.jar.SetCookies(u, []*http.Cookie{sc.Cookie})
	}
	if len(stored) > 0 {
		s.gen++
		log.Printf("session: restored %d cookies state=%s", len(stored), s.stateLocked())
	}
	return nil
}

// Cookie returns the named cookie visible to the provider origin.
func (s *Store) Cookie(name string) (*http.Cookie, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findCookie(s.jar.Cookies(s.origin), name)
}

// Has reports whether the named cookie is present.
func (s *Store) Has(name string) bool {
	_, ok := s.Cookie(name)
	return ok
}

// State derives the authentication state from cookie presence.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Store) stateLocked() State {
	return stateOf(s.jar.Cookies(s.origin))
}

func stateOf(cookies []*http.Cookie) State {
	_, login := findCookie(cookies, CookieLogin)
	if !login {
		return Anonymous
	}
	_, lb := findCookie(cookies, CookieLoadBalancer)
	_, sess := findCookie(cookies, CookieSession)
	if lb && sess {
		return SessionActive
	}
	return LoggedIn
}

// Generation increases on every commit and reset.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Reset clears every cookie. Used when the provider explicitly rejects the
// credentials, so the next call starts from a fresh login. On error the
// store is unchanged.
func (s *Store) Reset() error {
	jar, err := newJar()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jar = jar
	s.gen++
	p := s.persist
	s.mu.Unlock()
	if p != nil {
		if err := p.Clear(); err != nil {
			log.Printf("session: clear persisted cookies: %v", err)
		}
	}
	return nil
}

// AccessToken is the segment-access token carried in the SXMAKTOKEN cookie
// (the part after the first '=' and before the first ',').
func (s *Store) AccessToken() (string, bool) {
	c, ok := s.Cookie(CookieAccessToken)
	if !ok {
		return "", false
	}
	return parseAccessToken(c.Value)
}

func parseAccessToken(v string) (string, bool) {
	_, rest, ok := strings.Cut(v, "=")
	if !ok {
		return "", false
	}
	tok, _, _ := strings.Cut(rest, ",")
	if tok == "" {
		return "", false
	}
	return tok, true
}

// SubscriberID is the gupId field of the URL-encoded JSON in the SXMDATA cookie.
func (s *Store) SubscriberID() (string, bool) {
	c, ok := s.Cookie(CookieData)
	if !ok {
		return "", false
	}
	return parseSubscriberID(c.Value)
}

func parseSubscriberID(v string) (string, bool) {
	raw, err := url.QueryUnescape(v)
	if err != nil {
		return "", false
	}
	var data struct {
		GupID string `json:"gupId"`
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil || data.GupID == "" {
		return "", false
	}
	return data.GupID, true
}

// Snapshot is a point-in-time view for health reporting.
type Snapshot struct {
	State         State  `json:"-"`
	StateName     string `json:"state"`
	HasToken      bool   `json:"has_token"`
	HasSubscriber bool   `json:"has_subscriber_id"`
	Generation    uint64 `json:"generation"`
}

func (s *Store) Snapshot() Snapshot {
	st := s.State()
	_, tok := s.AccessToken()
	_, sub := s.SubscriberID()
	return Snapshot{
		State:         st,
		StateName:     st.String(),
		HasToken:      tok,
		HasSubscriber: sub,
		Generation:    s.Generation(),
	}
}

// ReadOnly returns a cookie jar that serves the store's cookies and drops any
// Set-Cookie from the response. Non-authentication requests use it.
func (s *Store) ReadOnly() http.CookieJar { return readOnlyJar{s} }

type readOnlyJar struct{ s *Store }

func (j readOnlyJar) Cookies(u *url.URL) []*http.Cookie {
	j.s.mu.RLock()
	defer j.s.mu.RUnlock()
	return j.s.jar.Cookies(u)
}

func (readOnlyJar) SetCookies(*url.URL, []*http.Cookie) {}

func findCookie(cookies []*http.Cookie, name string) (*http.Cookie, bool) {
	for _, c := range cookies {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}
