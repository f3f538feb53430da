// Package schedule derives a channel's episode schedule from the
// now-playing descriptor: which show is airing and which come next.
package schedule

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/snapetech/sxmproxy/internal/catalog"
	"github.com/snapetech/sxmproxy/internal/provider"
)

// Marker timestamps look like 2024-05-01T13:00:00.000+0000.
const timestampLayout = "2006-01-02T15:04:05.000-0700"

// DefaultLayers are the marker layers that carry episodes. The provider does
// not keep them at a fixed index, so they are matched by name.
var DefaultLayers = []string{"episode", "future-episode"}

// Placeholders for episode fields the provider leaves out.
const (
	UnknownMediumTitle      = "UnknownMediumTitle"
	UnknownLongTitle        = "UnknownLongTitle"
	UnknownShortDescription = "UnknownShortDescription"
	UnknownLongDescription  = "UnknownLongDescription"
)

type Episode struct {
	MediumTitle      string    `json:"mediumTitle"`
	LongTitle        string    `json:"longTitle"`
	ShortDescription string    `json:"shortDescription"`
	LongDescription  string    `json:"longDescription"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
}

// Airing reports whether now falls strictly inside the episode.
func (e Episode) Airing(now time.Time) bool {
	return e.Start.Before(now) && now.Before(e.End)
}

// Known reports whether the provider supplied a long title.
func (e Episode) Known() bool { return e.LongTitle != UnknownLongTitle }

// NowPlayer is satisfied by *playlist.Resolver, which renews the session on
// expiry codes.
type NowPlayer interface {
	NowPlaying(ctx context.Context, guid, channelID string) (*provider.NowPlaying, error)
}

// ChannelResolver is satisfied by *catalog.Directory.
type ChannelResolver interface {
	Resolve(ctx context.Context, query string) (catalog.Channel, error)
}

type Schedule struct {
	channels ChannelResolver
	np       NowPlayer

	Layers []string
	Now    func() time.Time
}

func New(channels ChannelResolver, np NowPlayer, layers []string) *Schedule {
	if len(layers) == 0 {
		layers = DefaultLayers
	}
	return &Schedule{channels: channels, np: np, Layers: layers, Now: time.Now}
}

// Episodes returns the current and upcoming episodes of a channel, ordered
// by start time.
func (s *Schedule) Episodes(ctx context.Context, channel string) ([]Episode, error) {
	ch, err := s.channels.Resolve(ctx, channel)
	if err != nil {
		return nil, err
	}
	np, err := s.np.NowPlaying(ctx, ch.ContentGUID, ch.ChannelID)
	if err != nil {
		return nil, err
	}
	return Parse(np, s.Layers, s.Now())
}

// Parse extracts episodes from the marker lists of the given layers,
// dropping those that ended before now.
func Parse(np *provider.NowPlaying, layers []string, now time.Time) ([]Episode, error) {
	if np == nil || np.LiveChannel == nil {
		return nil, &provider.Error{Kind: provider.KindMalformedResponse, Op: "episodes", Message: "no live channel data"}
	}
	want := make(map[string]bool, len(layers))
	for _, l := range layers {
		want[strings.ToLower(strings.TrimSpace(l))] = true
	}
	var out []Episode
	for _, ml := range np.LiveChannel.MarkerLists {
		if !want[strings.ToLower(ml.Layer)] {
			continue
		}
		for _, m := range ml.Markers {
			start, err := parseTimestamp(m.Timestamp.Absolute)
			if err != nil {
				return nil, &provider.Error{Kind: provider.KindMalformedResponse, Op: "episodes", Err: err}
			}
			end := start.Add(time.Duration(m.Duration * float64(time.Second)))
			if now.After(end) {
				continue
			}
			out = append(out, newEpisode(m.Episode, start, end))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func newEpisode(info *provider.EpisodeInfo, start, end time.Time) Episode {
	var in provider.EpisodeInfo
	if info != nil {
		in = *info
	}
	return Episode{
		MediumTitle:      orDefault(in.MediumTitle, UnknownMediumTitle),
		LongTitle:        orDefault(in.LongTitle, UnknownLongTitle),
		ShortDescription: orDefault(in.ShortDescription, UnknownShortDescription),
		LongDescription:  orDefault(in.LongDescription, UnknownLongDescription),
		Start:            start.UTC(),
		End:              end.UTC(),
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("marker timestamp %q: %w", s, err)
	}
	return t, nil
}

// Current returns the episode airing at now.
func Current(eps []Episode, now time.Time) (Episode, bool) {
	for _, e := range eps {
		if e.Airing(now) {
			return e, true
		}
	}
	return Episode{}, false
}

// Upcoming returns the episodes that have not started at now.
func Upcoming(eps []Episode, now time.Time) []Episode {
	var out []Episode
	for _, e := range eps {
		if e.Start.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// Matcher selects episodes by show name patterns.
type Matcher struct {
	re *regexp.Regexp
}

// NewMatcher compiles the show patterns into one case-insensitive
// alternation. With no patterns the matcher matches nothing.
func NewMatcher(shows []string) (*Matcher, error) {
	var parts []string
	for _, s := range shows {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, "(?:"+s+")")
		}
	}
	if len(parts) == 0 {
		return &Matcher{}, nil
	}
	re, err := regexp.Compile("(?i)" + strings.Join(parts, "|"))
	if err != nil {
		return nil, fmt.Errorf("show patterns: %w", err)
	}
	return &Matcher{re: re}, nil
}

// Match reports whether any text field of the episode matches a pattern.
func (m *Matcher) Match(e Episode) bool {
	if m == nil || m.re == nil {
		return false
	}
	for _, f := range []string{e.MediumTitle, e.LongTitle, e.ShortDescription, e.LongDescription} {
		if m.re.MatchString(f) {
			return true
		}
	}
	return false
}
