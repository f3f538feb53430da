package httpclient

import (
	"context"
	"net/url"
	"sync"
)

// HostSemaphore is a per-host concurrency limiter. Segment fetches for every
// channel land on the same CDN host, so a burst of players would otherwise open
// an unbounded number of parallel downloads.
//
//	release, err := sem.Acquire(ctx, segmentURL)
//	if err != nil { return err }
//	defer release()
type HostSemaphore struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

func NewHostSemaphore(concurrency int) *HostSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HostSemaphore{
		sems:  make(map[string]chan struct{}),
		limit: concurrency,
	}
}

// Acquire blocks until a slot is available for the host of rawURL or ctx is done.
// A nil semaphore never blocks.
func (h *HostSemaphore) Acquire(ctx context.Context, rawURL string) (func(), error) {
	if h == nil {
		return func() {}, nil
	}
	sem := h.semFor(rawURL)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InUse reports how many slots are held for the host of rawURL.
func (h *HostSemaphore) InUse(rawURL string) int {
	if h == nil {
		return 0
	}
	return len(h.semFor(rawURL))
}

func (h *HostSemaphore) semFor(host string) chan struct{} {
	// Normalise: strip path/query, keep scheme+host.
	if u, err := url.Parse(host); err == nil {
		host = u.Scheme + "://" + u.Host
	}
	h.mu.Lock()
	s, ok := h.sems[host]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.sems[host] = s
	}
	h.mu.Unlock()
	return s
}
