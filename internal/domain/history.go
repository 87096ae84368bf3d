package domain

import "time"

// RecentItem is one entry of the recently played list.
type RecentItem struct {
	Item     PlayableItem `json:"item"`
	PlayedAt time.Time    `json:"played_at"`
}

// Favorite is a bookmarked channel, movie, episode or series.
type Favorite struct {
	Kind               string    `json:"kind"` // live, movie, episode or series
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	ContainerExtension string    `json:"container_extension,omitempty"`
	Cover              string    `json:"cover,omitempty"`
	AddedAt            time.Time `json:"added_at"`
}

// Key identifies the favorite within an account.
func (f Favorite) Key() string {
	return f.Kind + ":" + f.ID
}
