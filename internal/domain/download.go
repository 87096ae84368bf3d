package domain

import "time"

// DownloadState is the lifecycle state of a download task.
type DownloadState string

const (
	DownloadQueued      DownloadState = "queued"
	DownloadDownloading DownloadState = "downloading"
	DownloadPaused      DownloadState = "paused"
	DownloadCompleted   DownloadState = "completed"
	DownloadFailed      DownloadState = "failed"
)

// IsActive reports whether the task still owns, or is waiting for, a transfer slot.
func (s DownloadState) IsActive() bool {
	return s == DownloadQueued || s == DownloadDownloading || s == DownloadPaused
}

// IsTerminal reports whether the run has finished.
func (s DownloadState) IsTerminal() bool {
	return s == DownloadCompleted || s == DownloadFailed
}

// DownloadTask is a snapshot of one download.
type DownloadTask struct {
	ID        string        `json:"id"`
	Item      PlayableItem  `json:"item"`
	State     DownloadState `json:"state"`
	Progress  float64       `json:"progress"` // 0..1
	Received  int64         `json:"received"`
	Total     int64         `json:"total"` // 0 when unknown
	Path      string        `json:"path"`
	SourceURL string        `json:"source_url"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// DownloadUpdate is published to subscribers on every state change and on
// rate-limited progress ticks. Removed is set when the task record is gone.
type DownloadUpdate struct {
	Task    DownloadTask
	Removed bool
}

// SourceKind tells a player whether it is handed a file or a URL.
type SourceKind int

const (
	SourceRemote SourceKind = iota
	SourceLocal
)

// PlaybackSource is the resolved location to hand to the external player.
type PlaybackSource struct {
	Kind SourceKind
	Path string // set for SourceLocal
	URL  string // set for SourceRemote
}

// Location returns the path or URL, whichever applies.
func (s PlaybackSource) Location() string {
	if s.Kind == SourceLocal {
		return s.Path
	}
	return s.URL
}
