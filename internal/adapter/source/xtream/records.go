package xtream

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/mmcdole/kinotv/internal/domain"
)

// flexString accepts a JSON string, number, bool or null. Panels disagree on
// whether ids and years are quoted.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*f = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
	case data[0] == '[' || data[0] == '{':
		*f = ""
	default:
		*f = flexString(data)
	}
	return nil
}

func (f flexString) String() string { return string(f) }

func (f flexString) Float() float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(string(f)), 64)
	return v
}

func (f flexString) Int() int {
	v, err := strconv.Atoi(strings.TrimSpace(string(f)))
	if err != nil {
		return int(f.Float())
	}
	return v
}

func firstOf(values ...flexString) string {
	for _, v := range values {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

type categoryRecord struct {
	CategoryID   flexString `json:"category_id"`
	ID           flexString `json:"id"`
	CategoryName flexString `json:"category_name"`
	Name         flexString `json:"name"`
	ParentID     flexString `json:"parent_id"`
}

func (r categoryRecord) toDomain(kind domain.ContentKind) domain.Category {
	parent := r.ParentID.String()
	if parent == "0" {
		parent = ""
	}
	return domain.Category{
		ID:       firstOf(r.CategoryID, r.ID),
		Name:     firstOf(r.CategoryName, r.Name),
		ParentID: parent,
		Kind:     kind,
	}
}

type itemRecord struct {
	StreamID   flexString `json:"stream_id"`
	SeriesID   flexString `json:"series_id"`
	ID         flexString `json:"id"`
	Name       flexString `json:"name"`
	CategoryID flexString `json:"category_id"`
	Cover      flexString `json:"cover"`
	StreamIcon flexString `json:"stream_icon"`
	Added      flexString `json:"added"`
	Modified   flexString `json:"last_modified"`

	EPGChannelID flexString `json:"epg_channel_id"`
	TVArchive    flexString `json:"tv_archive"`

	ContainerExtension flexString `json:"container_extension"`
	Rating             flexString `json:"rating"`
	Rating5            flexString `json:"rating_5based"`
	Year               flexString `json:"year"`
	ReleaseDate        flexString `json:"releaseDate"`
	ReleaseDateSnake   flexString `json:"release_date"`
	ReleaseDateLower   flexString `json:"releasedate"`
	Genre              flexString `json:"genre"`
	Director           flexString `json:"director"`
	Cast               flexString `json:"cast"`
	Plot               flexString `json:"plot"`
}

// rating normalizes to a 0-5 scale.
func (r itemRecord) rating() float64 {
	if v := r.Rating5.Float(); v > 0 {
		return v
	}
	v := r.Rating.Float()
	if v > 5 {
		return v / 2
	}
	return v
}

func (r itemRecord) toDomain(kind domain.ContentKind) domain.Item {
	item := domain.Item{
		Kind:       kind,
		ID:         firstOf(r.StreamID, r.SeriesID, r.ID),
		Name:       r.Name.String(),
		CategoryID: r.CategoryID.String(),
		Cover:      firstOf(r.Cover, r.StreamIcon),
		Added:      int64(flexString(firstOf(r.Added, r.Modified)).Float()),
	}
	releaseDate := firstOf(r.ReleaseDate, r.ReleaseDateSnake, r.ReleaseDateLower)

	switch kind {
	case domain.KindLive:
		item.Live = &domain.LiveDetails{
			EPGChannelID: r.EPGChannelID.String(),
			TVArchive:    r.TVArchive.Int() == 1,
		}
	case domain.KindVOD:
		item.VOD = &domain.VODDetails{
			ContainerExtension: r.ContainerExtension.String(),
			Rating:             r.rating(),
			Year:               r.Year.String(),
			ReleaseDate:        releaseDate,
			Genre:              r.Genre.String(),
			Director:           r.Director.String(),
			Cast:               r.Cast.String(),
			Plot:               r.Plot.String(),
		}
	case domain.KindSeries:
		item.Series = &domain.SeriesDetails{
			Rating:      r.rating(),
			Year:        r.Year.String(),
			ReleaseDate: releaseDate,
			Genre:       r.Genre.String(),
			Director:    r.Director.String(),
			Cast:        r.Cast.String(),
			Plot:        r.Plot.String(),
		}
	}
	return item
}

// episodeInfo tolerates panels that send [] instead of an object.
type episodeInfo struct {
	MovieImage flexString `json:"movie_image"`
	Cover      flexString `json:"cover"`
	Plot       flexString `json:"plot"`
	Duration   flexString `json:"duration"`
}

func (e *episodeInfo) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		*e = episodeInfo{}
		return nil
	}
	type plain episodeInfo
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = episodeInfo(p)
	return nil
}

type episodeRecord struct {
	ID                 flexString  `json:"id"`
	EpisodeID          flexString  `json:"episode_id"`
	StreamID           flexString  `json:"stream_id"`
	Title              flexString  `json:"title"`
	Name               flexString  `json:"name"`
	EpisodeNum         flexString  `json:"episode_num"`
	Season             flexString  `json:"season"`
	ContainerExtension flexString  `json:"container_extension"`
	Info               episodeInfo `json:"info"`
}

type seriesInfoRecord struct {
	Info     episodeInfo     `json:"info"`
	Episodes json.RawMessage `json:"episodes"`
}

// episodes flattens the season map (or, on some panels, a list of season
// lists) into one slice ordered by season and episode number.
func (r seriesInfoRecord) episodes(seriesID string) ([]domain.Episode, error) {
	raw := bytes.TrimSpace(r.Episodes)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var groups map[string][]episodeRecord
	if raw[0] == '[' {
		var lists [][]episodeRecord
		if err := json.Unmarshal(raw, &lists); err != nil {
			return nil, err
		}
		groups = make(map[string][]episodeRecord, len(lists))
		for i, l := range lists {
			groups[strconv.Itoa(i+1)] = l
		}
	} else if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, err
	}

	seriesCover := firstOf(r.Info.MovieImage, r.Info.Cover)
	var out []domain.Episode
	for season, eps := range groups {
		seasonNum, _ := strconv.Atoi(season)
		for _, ep := range eps {
			s := seasonNum
			if v := ep.Season.Int(); v > 0 {
				s = v
			}
			ext := ep.ContainerExtension.String()
			if ext == "" {
				ext = "mp4"
			}
			cover := firstOf(ep.Info.MovieImage, ep.Info.Cover)
			if cover == "" {
				cover = seriesCover
			}
			out = append(out, domain.Episode{
				ID:                 firstOf(ep.ID, ep.EpisodeID, ep.StreamID),
				SeriesID:           seriesID,
				Season:             s,
				Number:             ep.EpisodeNum.Int(),
				Title:              firstOf(ep.Title, ep.Name),
				ContainerExtension: ext,
				Cover:              cover,
				Plot:               ep.Info.Plot.String(),
				Duration:           ep.Info.Duration.String(),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Season != out[j].Season {
			return out[i].Season < out[j].Season
		}
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
