package domain

import (
	"fmt"
	"strings"
)

// ContentKind distinguishes the three catalog sections.
type ContentKind string

const (
	KindLive   ContentKind = "live"
	KindVOD    ContentKind = "vod"
	KindSeries ContentKind = "series"
)

// ContentKinds lists every kind in preload order.
var ContentKinds = []ContentKind{KindLive, KindVOD, KindSeries}

// ParseContentKind accepts the kind names used on the command line and in config.
func ParseContentKind(s string) (ContentKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live", "channels", "subplaylist":
		return KindLive, nil
	case "vod", "movie", "movies":
		return KindVOD, nil
	case "series", "shows":
		return KindSeries, nil
	}
	return "", fmt.Errorf("unknown content kind %q", s)
}

// Category is a top-level grouping within one content kind.
type Category struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	ParentID string      `json:"parent_id,omitempty"`
	Kind     ContentKind `json:"kind"`
}

// Item is a catalog entry. Kind selects which of the detail records is set.
type Item struct {
	Kind       ContentKind `json:"kind"`
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	CategoryID string      `json:"category_id,omitempty"`
	Cover      string      `json:"cover,omitempty"`
	Added      int64       `json:"added,omitempty"` // unix seconds

	Live   *LiveDetails   `json:"live,omitempty"`
	VOD    *VODDetails    `json:"vod,omitempty"`
	Series *SeriesDetails `json:"series,omitempty"`
}

// LiveDetails holds live-channel specific fields.
type LiveDetails struct {
	EPGChannelID string `json:"epg_channel_id,omitempty"`
	TVArchive    bool   `json:"tv_archive,omitempty"`
}

// VODDetails holds movie specific fields.
type VODDetails struct {
	ContainerExtension string  `json:"container_extension,omitempty"`
	Rating             float64 `json:"rating,omitempty"` // 0-5
	Year               string  `json:"year,omitempty"`
	ReleaseDate        string  `json:"release_date,omitempty"`
	Genre              string  `json:"genre,omitempty"`
	Director           string  `json:"director,omitempty"`
	Cast               string  `json:"cast,omitempty"`
	Plot               string  `json:"plot,omitempty"`
}

// SeriesDetails holds series specific fields.
type SeriesDetails struct {
	Rating      float64 `json:"rating,omitempty"` // 0-5
	Year        string  `json:"year,omitempty"`
	ReleaseDate string  `json:"release_date,omitempty"`
	Genre       string  `json:"genre,omitempty"`
	Director    string  `json:"director,omitempty"`
	Cast        string  `json:"cast,omitempty"`
	Plot        string  `json:"plot,omitempty"`
}

// Plot returns the synopsis for VOD and series items.
func (i Item) Plot() string {
	switch {
	case i.VOD != nil:
		return i.VOD.Plot
	case i.Series != nil:
		return i.Series.Plot
	}
	return ""
}

// Playable converts a live or VOD item into a playback descriptor.
// Series are not directly playable; use an Episode.
func (i Item) Playable() (PlayableItem, bool) {
	switch i.Kind {
	case KindLive:
		return PlayableItem{Kind: PlayLive, ID: i.ID, Name: i.Name, ContainerExtension: "m3u8"}, true
	case KindVOD:
		ext := ""
		if i.VOD != nil {
			ext = i.VOD.ContainerExtension
		}
		return PlayableItem{Kind: PlayMovie, ID: i.ID, Name: i.Name, ContainerExtension: ext}, true
	}
	return PlayableItem{}, false
}

// Episode is one episode of a series.
type Episode struct {
	ID                 string `json:"id"`
	SeriesID           string `json:"series_id"`
	Season             int    `json:"season"`
	Number             int    `json:"number"`
	Title              string `json:"title"`
	ContainerExtension string `json:"container_extension"`
	Cover              string `json:"cover,omitempty"`
	Plot               string `json:"plot,omitempty"`
	Duration           string `json:"duration,omitempty"`
}

// Code returns the formatted episode code, e.g. "S01E05".
func (e Episode) Code() string {
	return fmt.Sprintf("S%02dE%02d", e.Season, e.Number)
}

// Playable converts the episode into a playback descriptor.
func (e Episode) Playable() PlayableItem {
	return PlayableItem{Kind: PlayEpisode, ID: e.ID, Name: e.Title, ContainerExtension: e.ContainerExtension}
}

// PlayKind identifies which stream URL family an item uses.
type PlayKind string

const (
	PlayLive    PlayKind = "live"
	PlayMovie   PlayKind = "movie"
	PlayEpisode PlayKind = "episode"
)

// PlayableItem is the minimal descriptor needed to stream or download an item.
type PlayableItem struct {
	Kind               PlayKind `json:"kind"`
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	ContainerExtension string   `json:"container_extension,omitempty"`
}

// Key identifies the item across downloads and playback.
func (p PlayableItem) Key() string {
	return string(p.Kind) + ":" + p.ID
}

// Extension returns the container extension, defaulting to mp4.
func (p PlayableItem) Extension() string {
	ext := strings.TrimPrefix(strings.TrimSpace(p.ContainerExtension), ".")
	if ext == "" {
		return "mp4"
	}
	return ext
}
