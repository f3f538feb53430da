package session

import (
	"log"
	"net/http"
	"net/url"
	"sync"
)

// Exchange is a cookie jar for one login or resume request. Requests see the
// store's cookies overlaid with whatever the exchange has received so far;
// received cookies reach the store only on Commit. A discarded exchange leaves
// the store untouched.
type Exchange struct {
	store  *Store
	staged http.CookieJar

	mu     sync.Mutex
	writes []StoredCookie
}

// Begin starts an exchange against the store.
func (s *Store) Begin() (*Exchange, error) {
	jar, err := newJar()
	if err != nil {
		return nil, err
	}
	return &Exchange{store: s, staged: jar}, nil
}

func (e *Exchange) Cookies(u *url.URL) []*http.Cookie {
	base := e.store.ReadOnly().Cookies(u)
	e.mu.Lock()
	fresh := e.staged.Cookies(u)
	e.mu.Unlock()
	if len(fresh) == 0 {
		return base
	}
	seen := make(map[string]bool, len(fresh))
	out := make([]*http.Cookie, 0, len(base)+len(fresh))
	for _, c := range fresh {
		seen[c.Name] = true
		out = append(out, c)
	}
	for _, c := range base {
		if !seen[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

func (e *Exchange) SetCookies(u *url.URL, cookies []*http.Cookie) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.staged.SetCookies(u, cookies)
	for _, c := range cookies {
		e.writes = append(e.writes, StoredCookie{URL: u.String(), Cookie: c})
	}
}

// Has reports whether the named cookie is visible through the exchange.
func (e *Exchange) Has(name string) bool {
	_, ok := findCookie(e.Cookies(e.store.origin), name)
	return ok
}

// State is the state the store would have if the exchange committed now.
func (e *Exchange) State() State {
	return stateOf(e.Cookies(e.store.origin))
}

// Received returns how many cookies the exchange has staged.
func (e *Exchange) Received() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.writes)
}

// Commit applies the staged cookies to the store atomically.
func (e *Exchange) Commit() {
	e.mu.Lock()
	writes := append([]StoredCookie(nil), e.writes...)
	e.mu.Unlock()

	s := e.store
	s.mu.Lock()
	for _, w := range writes {
		u, err := url.Parse(w.URL)
		if err != nil {
			continue
		}
		s.jar.SetCookies(u, []*http.Cookie{w.Cookie})
	}
	s.gen++
	p := s.persist
	state := s.stateLocked()
	s.mu.Unlock()

	if p != nil && len(writes) > 0 {
		if err := p.Save(writes); err != nil {
			log.Printf("session: persist cookies: %v", err)
		}
	}
	log.Printf("session: committed %d cookies state=%s", len(writes), state)
}
