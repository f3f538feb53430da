package tuner

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/snapetech/sxmproxy/internal/metrics"
	"github.com/snapetech/sxmproxy/internal/provider"
	"github.com/snapetech/sxmproxy/internal/session"
)

// DefaultAddr matches the port players were pointed at historically.
const DefaultAddr = ":8888"

// ManifestSource is satisfied by *playlist.Service.
type ManifestSource interface {
	Manifest(ctx context.Context, channel string) ([]byte, error)
}

// SegmentSource is satisfied by *segment.Proxy.
type SegmentSource interface {
	Fetch(ctx context.Context, rel string) ([]byte, error)
}

// SessionStatus is satisfied by *session.Store.
type SessionStatus interface {
	Snapshot() session.Snapshot
}

// ChannelCount is satisfied by *catalog.Catalog.
type ChannelCount interface {
	Len() int
}

// Server is the player-facing HTTP front end. It serves the AES key,
// rewritten channel playlists and audio segments, plus /healthz and /metrics.
type Server struct {
	Addr      string
	Key       []byte
	Manifests ManifestSource
	Segments  SegmentSource
	Session   SessionStatus
	Channels  ChannelCount
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer

	started time.Time
}

// Handler returns the routed, logged and instrumented handler.
func (s *Server) Handler() http.Handler {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	mux := http.NewServeMux()
	mux.Handle("/healthz", s.serveHealth())
	if s.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", http.HandlerFunc(s.serveMedia))
	return otelhttp.NewHandler(logRequests(mux), "sxm-proxy")
}

// Run blocks until ctx is cancelled or the server fails to start. On shutdown it stops
// accepting new connections and waits briefly for in-flight requests to finish.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Proxy listening on %s", addr)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("Shutting down proxy ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Proxy shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

// route classifies a request path for dispatch and metrics labels.
func route(p string) string {
	switch {
	case p == "/healthz":
		return "healthz"
	case p == "/metrics":
		return "metrics"
	case strings.HasSuffix(p, "/key/1"):
		return "key"
	case strings.HasSuffix(p, ".m3u8"):
		return "manifest"
	case strings.HasSuffix(p, ".aac"):
		return "segment"
	default:
		return "other"
	}
}

func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch route(r.URL.Path) {
	case "key":
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", strconv.Itoa(len(s.Key)))
		_, _ = w.Write(s.Key)
	case "manifest":
		channel := strings.TrimSuffix(path.Base(r.URL.Path), ".m3u8")
		body, err := s.Manifests.Manifest(r.Context(), channel)
		if err != nil {
			s.fail(w, r, "manifest", err)
			return
		}
		w.Header().Set("Content-Type", "application/x-mpegURL")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(body)
	case "segment":
		body, err := s.Segments.Fetch(r.Context(), strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			s.fail(w, r, "segment", err)
			return
		}
		w.Header().Set("Content-Type", "audio/x-aac")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	default:
		http.NotFound(w, r)
	}
}

// fail maps a core error to a status: 404 only for genuine absence, 500 for
// everything else, including lookups that failed on the way.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, what string, err error) {
	status := http.StatusInternalServerError
	if provider.Absent(err) {
		status = http.StatusNotFound
	}
	if r.Context().Err() != nil {
		log.Printf("proxy: %s %s: client gone: %v", what, r.URL.Path, err)
	} else {
		log.Printf("proxy: %s %s: %v", what, r.URL.Path, err)
	}
	http.Error(w, http.StatusText(status), status)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		dur := time.Since(start)
		rt := route(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(rt, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(rt).Observe(dur.Seconds())
		log.Printf(
			"http: %s %s status=%d bytes=%d dur=%s ua=%q remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, dur.Round(time.Millisecond), r.UserAgent(), r.RemoteAddr,
		)
	})
}

type healthBody struct {
	Status        string `json:"status"`
	Session       string `json:"session"`
	HasToken      bool   `json:"has_token"`
	HasSubscriber bool   `json:"has_subscriber"`
	Generation    uint64 `json:"generation"`
	Channels      int    `json:"channels"`
	Uptime        string `json:"uptime"`
}

// serveHealth returns an http.Handler for GET /healthz.
// Returns 200 {"status":"ok",...} once channels have been loaded, 503 {"status":"loading",...} before.
func (s *Server) serveHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body healthBody
		if s.Session != nil {
			snap := s.Session.Snapshot()
			body.Session = snap.StateName
			body.HasToken = snap.HasToken
			body.HasSubscriber = snap.HasSubscriber
			body.Generation = snap.Generation
		}
		if s.Channels != nil {
			body.Channels = s.Channels.Len()
		}
		body.Uptime = time.Since(s.started).Round(time.Second).String()

		w.Header().Set("Content-Type", "application/json")
		if body.Channels == 0 {
			body.Status = "loading"
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			body.Status = "ok"
		}
		_ = json.NewEncoder(w).Encode(body)
	})
}
