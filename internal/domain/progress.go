package domain

// PreloadProgress reports how far a warm-up walk has come.
type PreloadProgress struct {
	Account string // account identity
	Stage   string // "categories", "items", "covers"
	Loaded  int
	Total   int
	Done    bool
}

// PreloadObserver receives warm-up progress.
type PreloadObserver interface {
	OnProgress(progress PreloadProgress)
}

// NoOpObserver discards progress updates.
type NoOpObserver struct{}

func (NoOpObserver) OnProgress(PreloadProgress) {}
