package provider

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Provider message codes returned by now-playing.
const (
	CodeOK             = 100
	CodeSessionExpired = 201
	CodeSessionReset   = 208
)

// ExpiredCode reports whether a now-playing message code means the session
// has to be renewed before the request can succeed.
func ExpiredCode(code int) bool {
	return code == CodeSessionExpired || code == CodeSessionReset
}

// envelope is the outer shape shared by every module API response.
type envelope struct {
	ModuleListResponse struct {
		Status     int       `json:"status"`
		Messages   []Message `json:"messages"`
		ModuleList struct {
			Modules []struct {
				ModuleResponse json.RawMessage `json:"moduleResponse"`
			} `json:"modules"`
		} `json:"moduleList"`
	} `json:"ModuleListResponse"`
}

func (e *envelope) firstModule() json.RawMessage {
	mods := e.ModuleListResponse.ModuleList.Modules
	if len(mods) == 0 {
		return nil
	}
	return mods[0].ModuleResponse
}

type Message struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HLSAudioInfo is one playlist rendition offered for a channel.
type HLSAudioInfo struct {
	Name string `json:"name"`
	Size string `json:"size"`
	URL  string `json:"url"`
}

// MarkerList groups timeline markers of one layer (episode, cut, ...).
type MarkerList struct {
	Layer   string   `json:"layer"`
	Markers []Marker `json:"markers"`
}

type Marker struct {
	ContainerGUID string `json:"containerGUID"`
	Timestamp     struct {
		Absolute string `json:"absolute"`
	} `json:"timestamp"`
	Duration float64      `json:"duration"`
	Episode  *EpisodeInfo `json:"episode,omitempty"`
}

type EpisodeInfo struct {
	MediumTitle      string `json:"mediumTitle"`
	LongTitle        string `json:"longTitle"`
	ShortDescription string `json:"shortDescription"`
	LongDescription  string `json:"longDescription"`
}

// NowPlaying is the decoded now-playing-live response. LiveChannel is nil when
// the provider did not include channel data (typically on expiry).
type NowPlaying struct {
	Code        int
	Message     string
	LiveChannel *LiveChannelData
}

type LiveChannelData struct {
	HLSAudioInfos []HLSAudioInfo `json:"hlsAudioInfos"`
	MarkerLists   []MarkerList   `json:"markerLists"`
}

type nowPlayingModule struct {
	LiveChannelData *LiveChannelData `json:"liveChannelData"`
}

// ChannelEntry is one record of the discover-channel-list response.
type ChannelEntry struct {
	ChannelID   string       `json:"channelId"`
	Name        string       `json:"name"`
	Number      FlexString   `json:"siriusChannelNumber"`
	IsFavorite  bool         `json:"isFavorite"`
	MarkerLists []MarkerList `json:"markerLists"`
}

// ContentGUID is the container GUID of the channel's first marker, or "".
func (c ChannelEntry) ContentGUID() string {
	if len(c.MarkerLists) == 0 || len(c.MarkerLists[0].Markers) == 0 {
		return ""
	}
	return c.MarkerLists[0].Markers[0].ContainerGUID
}

type channelListModule struct {
	ModuleDetails struct {
		LiveChannelResponse struct {
			LiveChannelResponses []ChannelEntry `json:"liveChannelResponses"`
		} `json:"liveChannelResponse"`
	} `json:"moduleDetails"`
}

// FlexString accepts a JSON string or number. Channel numbers arrive as either.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// Int parses the value as a decimal integer.
func (f FlexString) Int() (int, bool) {
	n, err := strconv.Atoi(string(f))
	return n, err == nil
}

// request bodies

type deviceInfo struct {
	OSVersion        string `json:"osVersion"`
	Platform         string `json:"platform"`
	SXMAppVersion    string `json:"sxmAppVersion"`
	Browser          string `json:"browser"`
	BrowserVersion   string `json:"browserVersion"`
	AppRegion        string `json:"appRegion"`
	DeviceModel      string `json:"deviceModel"`
	ClientDeviceID   string `json:"clientDeviceId"`
	Player           string `json:"player"`
	ClientDeviceType string `json:"clientDeviceType"`
}

var webDevice = deviceInfo{
	OSVersion:        "Mac",
	Platform:         "Web",
	SXMAppVersion:    "3.1802.10011.0",
	Browser:          "Safari",
	BrowserVersion:   "11.0.3",
	AppRegion:        "US",
	DeviceModel:      "K2WebClient",
	ClientDeviceID:   "null",
	Player:           "html5",
	ClientDeviceType: "web",
}

type standardAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type moduleRequest struct {
	ResultTemplate string        `json:"resultTemplate"`
	DeviceInfo     deviceInfo    `json:"deviceInfo"`
	StandardAuth   *standardAuth `json:"standardAuth,omitempty"`
}

type requestBody struct {
	ModuleList struct {
		Modules []struct {
			ModuleRequest moduleRequest `json:"moduleRequest"`
		} `json:"modules"`
	} `json:"moduleList"`
}

func newRequestBody(auth *standardAuth) requestBody {
	var b requestBody
	b.ModuleList.Modules = []struct {
		ModuleRequest moduleRequest `json:"moduleRequest"`
	}{{ModuleRequest: moduleRequest{ResultTemplate: "web", DeviceInfo: webDevice, StandardAuth: auth}}}
	return b
}
