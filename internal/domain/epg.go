package domain

import "time"

// Programme is a single EPG entry.
type Programme struct {
	ChannelID   string    `json:"channel_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Categories  []string  `json:"categories,omitempty"`
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
}

// IsAiring reports whether now falls inside [Start, Stop).
func (p Programme) IsAiring(now time.Time) bool {
	return !now.Before(p.Start) && now.Before(p.Stop)
}

// EPGChannel maps a guide channel id to a display name and, when known,
// the live stream id used for playback.
type EPGChannel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	StreamID string `json:"stream_id,omitempty"`
}

// EPGSource exposes the currently loaded guide. Reads must not block on network.
type EPGSource interface {
	Channels() []EPGChannel
	Programmes() []Programme
}

// CurrentOrNext returns, for every channel in programmes, the programme
// airing at now or else the soonest one starting after now. It makes a single
// pass over the guide.
func CurrentOrNext(programmes []Programme, now time.Time) map[string]Programme {
	out := make(map[string]Programme)
	airing := make(map[string]bool)
	for _, p := range programmes {
		if airing[p.ChannelID] {
			continue
		}
		if p.IsAiring(now) {
			out[p.ChannelID] = p
			airing[p.ChannelID] = true
			continue
		}
		if !p.Start.After(now) {
			continue
		}
		if next, ok := out[p.ChannelID]; !ok || p.Start.Before(next.Start) {
			out[p.ChannelID] = p
		}
	}
	return out
}
