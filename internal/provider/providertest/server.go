// Package providertest runs an in-process fake of the provider: the module
// REST API and the CDN serving playlists and segments, on one httptest server.
package providertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// APIPath is the module API prefix; APIBase() joins it to the server URL.
const APIPath = "/rest/v2/experience/modules"

// Channel is one directory entry served by the fake.
type Channel struct {
	ID         string
	Name       string
	Number     string
	GUID       string
	Favorite   bool
	Episodes   []Episode
	OmitMaster bool // hlsAudioInfos without a LARGE rendition
}

type Episode struct {
	Title    string
	Start    time.Time
	Duration time.Duration
	Layer    string // defaults to "episode"
}

// Server is the fake provider. Configure it through Configure; read counters through Calls.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// LoginStatus and ResumeStatus are the exchange status codes (1 = success).
	LoginStatus     int
	ResumeStatus    int
	OmitLoginCookie bool
	// NowPlayingCodes is consumed one per now-playing call; when empty, 100.
	NowPlayingCodes []int
	// MasterStatuses, VariantStatuses and SegmentStatuses are consumed one per
	// fetch; when empty, 200.
	MasterStatuses  []int
	VariantStatuses []int
	SegmentStatuses []int
	// DenySegments answers 403 to every segment fetch.
	DenySegments bool
	// RejectTokens lists access tokens the CDN answers 403 for on variant
	// playlists and segments.
	RejectTokens map[string]bool
	// MasterBody, when set, replaces the generated master playlist.
	MasterBody string
	// ResumeStatuses is consumed one per resume; when empty, ResumeStatus.
	ResumeStatuses []int
	// ChannelListStatus, when non-zero, is returned as the HTTP status of channel-list.
	ChannelListStatus int
	Channels          []Channel
	SegmentBody       []byte

	calls  map[string]int
	tokens int
}

// NewServer starts a fake with two channels and successful exchanges.
func NewServer() *Server {
	s := &Server{
		LoginStatus:  1,
		ResumeStatus: 1,
		Channels: []Channel{
			{ID: "siriushits1", Name: "SiriusXM Hits 1", Number: "2", GUID: "guid-hits1"},
			{ID: "9450", Name: "Octane", Number: "37", GUID: "guid-octane", Favorite: true},
		},
		SegmentBody: []byte("AAC-SEGMENT"),
		calls:       make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// APIBase is the URL to configure as the module API base.
func (s *Server) APIBase() string { return s.URL + APIPath }

// Configure mutates the fake's behaviour under its lock.
func (s *Server) Configure(fn func(*Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Calls returns how many requests op has received. Ops: login, resume,
// now-playing, channel-list, master, variant, segment.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// LastToken is the access token issued by the most recent resume.
func (s *Server) LastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "tok" + strconv.Itoa(s.tokens)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := r.URL.Path
	switch {
	case p == APIPath+"/modify/authentication":
		s.login(w)
	case p == APIPath+"/resume":
		s.resume(w)
	case p == APIPath+"/tune/now-playing-live":
		s.nowPlaying(w, r.URL.Query())
	case p == APIPath+"/get/discover-channel-list":
		s.channelList(w)
	case strings.HasPrefix(p, "/AAC_Data/") && strings.HasSuffix(p, "_variant_large_v3.m3u8"):
		s.master(w, p)
	case strings.HasPrefix(p, "/AAC_Data/") && strings.HasSuffix(p, ".m3u8"):
		s.variant(w, r)
	case strings.HasPrefix(p, "/AAC_Data/") && strings.HasSuffix(p, ".aac"):
		s.segment(w, r)
	default:
		http.NotFound(w, r)
	}
}

func writeEnvelope(w http.ResponseWriter, status int, code int, module any) {
	resp := map[string]any{
		"status":   status,
		"messages": []map[string]any{{"code": code, "message": "msg"}},
	}
	if module != nil {
		resp["moduleList"] = map[string]any{"modules": []map[string]any{{"moduleResponse": module}}}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ModuleListResponse": resp})
}

func cookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{Name: name, Value: value, Path: "/"})
}

func (s *Server) login(w http.ResponseWriter) {
	s.calls["login"]++
	if s.LoginStatus == 1 {
		if !s.OmitLoginCookie {
			cookie(w, "SXMAUTHNEW", "auth")
		}
		cookie(w, "SXMDATA", url.QueryEscape(`{"gupId":"GUP1"}`))
	} else {
		// A rejected login may still set cookies; they must not stick.
		cookie(w, "SXMAUTHNEW", "partial")
	}
	writeEnvelope(w, s.LoginStatus, 100, nil)
}

func (s *Server) resume(w http.ResponseWriter) {
	s.calls["resume"]++
	status := s.ResumeStatus
	if len(s.ResumeStatuses) > 0 {
		status = s.ResumeStatuses[0]
		s.ResumeStatuses = s.ResumeStatuses[1:]
	}
	if status == 1 {
		s.tokens++
		cookie(w, "AWSELB", "lb")
		cookie(w, "JSESSIONID", "js"+strconv.Itoa(s.tokens))
		cookie(w, "SXMAKTOKEN", fmt.Sprintf("d=tok%d,v=1,", s.tokens))
	}
	writeEnvelope(w, status, 100, nil)
}

func (s *Server) find(id string) (Channel, bool) {
	for _, c := range s.Channels {
		if c.ID == id {
			return c, true
		}
	}
	return Channel{}, false
}

func (s *Server) nowPlaying(w http.ResponseWriter, q url.Values) {
	s.calls["now-playing"]++
	code := 100
	if len(s.NowPlayingCodes) > 0 {
		code = s.NowPlayingCodes[0]
		s.NowPlayingCodes = s.NowPlayingCodes[1:]
	}
	if code != 100 {
		writeEnvelope(w, 1, code, nil)
		return
	}
	ch, ok := s.find(q.Get("channelId"))
	if !ok {
		writeEnvelope(w, 1, 305, nil)
		return
	}
	size := "LARGE"
	if ch.OmitMaster {
		size = "SMALL"
	}
	infos := []map[string]any{
		{"name": "primary", "size": "SMALL", "url": "%Live_Primary_HLS%/AAC_Data/" + ch.ID + "/" + ch.ID + "_variant_small_v3.m3u8"},
		{"name": "primary", "size": size, "url": "%Live_Primary_HLS%/AAC_Data/" + ch.ID + "/" + ch.ID + "_variant_large_v3.m3u8"},
	}
	var markerLists []map[string]any
	for _, ep := range ch.Episodes {
		layer := ep.Layer
		if layer == "" {
			layer = "episode"
		}
		markerLists = append(markerLists, map[string]any{
			"layer": layer,
			"markers": []map[string]any{{
				"timestamp": map[string]any{"absolute": ep.Start.UTC().Format("2006-01-02T15:04:05.000-0700")},
				"duration":  ep.Duration.Seconds(),
				"episode":   map[string]any{"mediumTitle": ep.Title, "longTitle": ep.Title + " (long)"},
			}},
		})
	}
	writeEnvelope(w, 1, 100, map[string]any{
		"liveChannelData": map[string]any{"hlsAudioInfos": infos, "markerLists": markerLists},
	})
}

func (s *Server) channelList(w http.ResponseWriter) {
	s.calls["channel-list"]++
	if s.ChannelListStatus != 0 {
		w.WriteHeader(s.ChannelListStatus)
		return
	}
	var list []map[string]any
	for _, c := range s.Channels {
		list = append(list, map[string]any{
			"channelId":           c.ID,
			"name":                c.Name,
			"siriusChannelNumber": c.Number,
			"isFavorite":          c.Favorite,
			"markerLists":         []map[string]any{{"markers": []map[string]any{{"containerGUID": c.GUID}}}},
		})
	}
	writeEnvelope(w, 1, 100, map[string]any{
		"moduleDetails": map[string]any{
			"liveChannelResponse": map[string]any{"liveChannelResponses": list},
		},
	})
}

func next(q *[]int) int {
	if len(*q) == 0 {
		return http.StatusOK
	}
	v := (*q)[0]
	*q = (*q)[1:]
	return v
}

func (s *Server) master(w http.ResponseWriter, p string) {
	s.calls["master"]++
	if st := next(&s.MasterStatuses); st != http.StatusOK {
		w.WriteHeader(st)
		return
	}
	id := strings.Split(strings.TrimPrefix(p, "/AAC_Data/"), "/")[0]
	w.Header().Set("Content-Type", "application/x-mpegURL")
	if s.MasterBody != "" {
		fmt.Fprint(w, s.MasterBody)
		return
	}
	fmt.Fprintf(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=281600,CODECS=\"mp4a.40.2\"\nHLS_%[1]s_256k_v3/%[1]s_256k_large_v3.m3u8\n", id)
}

func (s *Server) variant(w http.ResponseWriter, r *http.Request) {
	s.calls["variant"]++
	if st := next(&s.VariantStatuses); st != http.StatusOK {
		w.WriteHeader(st)
		return
	}
	if s.RejectTokens[r.URL.Query().Get("token")] {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	p := r.URL.Path
	id := strings.Split(strings.TrimPrefix(p, "/AAC_Data/"), "/")[0]
	w.Header().Set("Content-Type", "application/x-mpegURL")
	fmt.Fprintf(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:100\n"+
		"#EXT-X-KEY:METHOD=AES-128,URI=\"key/1\"\n"+
		"#EXTINF:10,\n%[1]s_256k_1_000100.aac\n#EXTINF:10,\n%[1]s_256k_1_000101.aac\n#EXTINF:10,\n%[1]s_256k_1_000102.aac\n", id)
}

func (s *Server) segment(w http.ResponseWriter, r *http.Request) {
	s.calls["segment"]++
	if s.DenySegments {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if st := next(&s.SegmentStatuses); st != http.StatusOK {
		w.WriteHeader(st)
		return
	}
	if tok := r.URL.Query().Get("token"); tok == "" || s.RejectTokens[tok] {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "audio/x-aac")
	w.Write(s.SegmentBody)
}
