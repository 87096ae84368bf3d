package domain

import "time"

// SearchKind is the type of a search hit.
type SearchKind int

const (
	SearchMovie SearchKind = iota
	SearchSeries
	SearchTvProgram
)

func (k SearchKind) String() string {
	switch k {
	case SearchMovie:
		return "movie"
	case SearchSeries:
		return "series"
	case SearchTvProgram:
		return "tv"
	}
	return "unknown"
}

// ChannelRef points at a live channel that can be played.
type ChannelRef struct {
	StreamID string
	Name     string
	EPGID    string
}

// ProgramSummary describes what is on a channel around the time of the search.
type ProgramSummary struct {
	Title   string
	Start   time.Time
	Stop    time.Time
	Current bool // false means this is the next upcoming programme
}

// SearchResult is one entry in a unified search result list.
// Channel is always set for SearchTvProgram and never for catalog hits;
// Program is only ever set for SearchTvProgram.
type SearchResult struct {
	Kind           SearchKind
	ID             string
	Title          string
	Channel        *ChannelRef
	Program        *ProgramSummary
	Score          float64
	MatchedIndexes []int // positions in Title matched by the query
}

// FavoriteKey is the Favorite.Key a bookmark of this hit would have. Programme
// hits map to their channel.
func (r SearchResult) FavoriteKey() string {
	if r.Kind == SearchTvProgram {
		return string(PlayLive) + ":" + r.ID
	}
	return r.Kind.String() + ":" + r.ID
}
