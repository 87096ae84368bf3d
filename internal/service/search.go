package service

import (
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
	sfuzzy "github.com/sahilm/fuzzy"

	"github.com/mmcdole/kinotv/internal/domain"
)

// Search tuning
const (
	scoreExact      = 100.0
	scorePrefix     = 95.0
	scoreContains   = 85.0
	scoreFuzzyScale = 70.0

	secondaryWeight = 0.6 // plot, description and category matches

	// MinSearchScore drops weak fuzzy matches.
	MinSearchScore = 35.0
	// MaxSearchResults caps the result list.
	MaxSearchResults = 500
)

// itemSource returns cached catalog items without touching the network.
type itemSource interface {
	CachedItems(kind domain.ContentKind) []domain.Item
}

// titleIndex implements sahilm/fuzzy.Source over result titles.
type titleIndex []string

func (t titleIndex) String(i int) string { return t[i] }
func (t titleIndex) Len() int            { return len(t) }

// searchRecorder remembers submitted queries.
type searchRecorder interface {
	RecordSearch(query string) error
}

// SearchIndexer merges cached movies and series with the loaded programme
// guide into one ranked result list.
type SearchIndexer struct {
	catalog itemSource
	epg     domain.EPGSource
	history searchRecorder
	now     func() time.Time
	logger  *slog.Logger
}

// SearchOption configures a SearchIndexer.
type SearchOption func(*SearchIndexer)

// WithSearchClock replaces time.Now, for tests.
func WithSearchClock(now func() time.Time) SearchOption {
	return func(s *SearchIndexer) { s.now = now }
}

// WithSearchHistory records every non-empty query in h.
func WithSearchHistory(h searchRecorder) SearchOption {
	return func(s *SearchIndexer) { s.history = h }
}

// NewSearchIndexer creates an indexer. epg may be nil when no guide is loaded.
func NewSearchIndexer(catalog itemSource, epg domain.EPGSource, logger *slog.Logger, opts ...SearchOption) *SearchIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SearchIndexer{catalog: catalog, epg: epg, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search returns catalog and guide hits for query, best first.
func (s *SearchIndexer) Search(query string) []domain.SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if s.history != nil {
		if err := s.history.RecordSearch(query); err != nil {
			s.logger.Warn("failed to record search", "error", err)
		}
	}

	results := s.searchCatalog(query)
	if s.epg != nil {
		results = append(results, s.searchGuide(query)...)
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	if len(results) > MaxSearchResults {
		results = results[:MaxSearchResults]
	}

	highlight(results, query)
	s.logger.Debug("search complete", "query", query, "results", len(results))
	return results
}

func (s *SearchIndexer) searchCatalog(query string) []domain.SearchResult {
	var results []domain.SearchResult
	add := func(kind domain.ContentKind, resultKind domain.SearchKind) {
		for _, item := range s.catalog.CachedItems(kind) {
			score := bestScore(query, item.Name, weighted(query, item.Plot()))
			if score < MinSearchScore {
				continue
			}
			results = append(results, domain.SearchResult{
				Kind:  resultKind,
				ID:    item.ID,
				Title: item.Name,
				Score: score,
			})
		}
	}
	add(domain.KindVOD, domain.SearchMovie)
	add(domain.KindSeries, domain.SearchSeries)
	return results
}

func (s *SearchIndexer) searchGuide(query string) []domain.SearchResult {
	now := s.now()
	programmes := s.epg.Programmes()
	resolve := s.channelResolver()
	summaries := domain.CurrentOrNext(programmes, now)

	best := make(map[string]int) // stream id + title -> index in results
	var results []domain.SearchResult
	for _, p := range programmes {
		if !p.Stop.After(now) {
			continue
		}
		secondary := weighted(query, p.Description)
		for _, c := range p.Categories {
			if sc := weighted(query, c); sc > secondary {
				secondary = sc
			}
		}
		score := bestScore(query, p.Title, secondary)
		if score < MinSearchScore {
			continue
		}

		ch, ok := resolve(p.ChannelID)
		if !ok {
			continue
		}

		key := ch.StreamID + "\x00" + p.Title
		if i, seen := best[key]; seen {
			if score > results[i].Score {
				results[i].Score = score
			}
			continue
		}

		res := domain.SearchResult{
			Kind:    domain.SearchTvProgram,
			ID:      ch.StreamID,
			Title:   p.Title,
			Channel: &ch,
			Score:   score,
		}
		if cur, ok := summaries[p.ChannelID]; ok {
			res.Program = &domain.ProgramSummary{
				Title:   cur.Title,
				Start:   cur.Start,
				Stop:    cur.Stop,
				Current: cur.IsAiring(now),
			}
		}
		best[key] = len(results)
		results = append(results, res)
	}
	return results
}

// channelResolver maps a guide channel id to a playable live channel: the
// guide's own stream id first, then a cached live channel with the same EPG
// id, then one with the same name.
func (s *SearchIndexer) channelResolver() func(epgID string) (domain.ChannelRef, bool) {
	guide := make(map[string]domain.EPGChannel)
	for _, c := range s.epg.Channels() {
		guide[c.ID] = c
	}

	byEPG := make(map[string]domain.Item)
	byName := make(map[string]domain.Item)
	for _, item := range s.catalog.CachedItems(domain.KindLive) {
		if item.Live != nil && item.Live.EPGChannelID != "" {
			if _, ok := byEPG[strings.ToLower(item.Live.EPGChannelID)]; !ok {
				byEPG[strings.ToLower(item.Live.EPGChannelID)] = item
			}
		}
		if _, ok := byName[strings.ToLower(item.Name)]; !ok {
			byName[strings.ToLower(item.Name)] = item
		}
	}

	return func(epgID string) (domain.ChannelRef, bool) {
		gc, known := guide[epgID]
		if known && gc.StreamID != "" {
			return domain.ChannelRef{StreamID: gc.StreamID, Name: gc.Name, EPGID: epgID}, true
		}
		if item, ok := byEPG[strings.ToLower(epgID)]; ok {
			return domain.ChannelRef{StreamID: item.ID, Name: item.Name, EPGID: epgID}, true
		}
		if known && gc.Name != "" {
			if item, ok := byName[strings.ToLower(gc.Name)]; ok {
				return domain.ChannelRef{StreamID: item.ID, Name: item.Name, EPGID: epgID}, true
			}
		}
		return domain.ChannelRef{}, false
	}
}

// ScoreCandidate rates how well candidate matches query on a 0-100 scale.
func ScoreCandidate(candidate, query string) float64 {
	c := strings.ToLower(strings.TrimSpace(candidate))
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || c == "" {
		return 0
	}
	switch {
	case c == q:
		return scoreExact
	case strings.HasPrefix(c, q):
		return scorePrefix
	case strings.Contains(c, q):
		return scoreContains
	}

	maxLen := max(utf8.RuneCountInString(c), utf8.RuneCountInString(q))
	dist := fuzzy.LevenshteinDistance(c, q)
	similarity := 1 - min(float64(dist)/float64(maxLen), 1)
	return similarity * scoreFuzzyScale
}

func weighted(query, text string) float64 {
	if text == "" {
		return 0
	}
	return ScoreCandidate(text, query) * secondaryWeight
}

func bestScore(query, title string, secondary float64) float64 {
	return max(ScoreCandidate(title, query), secondary)
}

// highlight fills MatchedIndexes for titles the query matches as a subsequence.
func highlight(results []domain.SearchResult, query string) {
	titles := make(titleIndex, len(results))
	for i, r := range results {
		titles[i] = r.Title
	}
	for _, m := range sfuzzy.FindFrom(query, titles) {
		results[m.Index].MatchedIndexes = m.MatchedIndexes
	}
}
