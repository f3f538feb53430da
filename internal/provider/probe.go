package provider

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/snapetech/sxmproxy/internal/httpclient"
)

// Result is the outcome of probing one provider endpoint.
type Result struct {
	URL         string
	Status      Status
	StatusCode  int
	LatencyMs   int64
	BodyPreview string // first 512 bytes for edge-block detection
}

type Status string

const (
	StatusOK        Status = "ok"
	StatusEdgeBlock Status = "edge_block"
	StatusBadStatus Status = "bad_status"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
)

// ProbeOne fetches url with a short timeout and classifies the result. Any
// response below 500 counts as reachable: the API answers 4xx to bare requests
// and the CDN root answers 403 without a token. An edge-server block page
// (geo or bot filtering in front of the provider) is reported separately.
func ProbeOne(ctx context.Context, url string, client *http.Client) Result {
	if client == nil {
		client = httpclient.WithTimeout(15 * time.Second)
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{URL: url, Status: StatusError, LatencyMs: time.Since(start).Milliseconds()}
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	resp, err := client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline") {
			return Result{URL: url, Status: StatusTimeout, LatencyMs: latency}
		}
		return Result{URL: url, Status: StatusError, LatencyMs: latency}
	}
	defer resp.Body.Close()
	preview := make([]byte, 512)
	n, _ := resp.Body.Read(preview)
	previewStr := strings.ToLower(string(preview[:n]))
	code := resp.StatusCode

	// Edge block: Akamai's "Access Denied" page carries a reference number.
	server := strings.ToLower(resp.Header.Get("Server"))
	edgeBlock := strings.Contains(previewStr, "access denied") && strings.Contains(previewStr, "reference #")
	if code == http.StatusForbidden && edgeBlock && strings.Contains(server, "akamai") {
		return Result{URL: url, Status: StatusEdgeBlock, StatusCode: code, LatencyMs: latency, BodyPreview: previewStr}
	}
	if code >= 500 {
		return Result{URL: url, Status: StatusBadStatus, StatusCode: code, LatencyMs: latency}
	}
	return Result{URL: url, Status: StatusOK, StatusCode: code, LatencyMs: latency}
}

// ProbeAll probes each URL and returns results sorted by: OK first (by latency), then non-OK.
func ProbeAll(ctx context.Context, urls []string, client *http.Client) []Result {
	out := make([]Result, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, ProbeOne(ctx, u, client))
	}
	sort.Slice(out, func(i, j int) bool {
		okI := out[i].Status == StatusOK
		okJ := out[j].Status == StatusOK
		if okI != okJ {
			return okI
		}
		if okI {
			return out[i].LatencyMs < out[j].LatencyMs
		}
		return out[i].URL < out[j].URL
	})
	return out
}
