package xtream

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
)

const xmltvTimeLayout = "20060102150405 -0700"

type xmltvDoc struct {
	Channels []struct {
		ID           string   `xml:"id,attr"`
		DisplayNames []string `xml:"display-name"`
	} `xml:"channel"`
	Programmes []struct {
		Start      string   `xml:"start,attr"`
		Stop       string   `xml:"stop,attr"`
		Channel    string   `xml:"channel,attr"`
		Title      string   `xml:"title"`
		Desc       string   `xml:"desc"`
		Categories []string `xml:"category"`
	} `xml:"programme"`
}

// Guide is an in-memory programme guide. It implements domain.EPGSource and
// is safe for concurrent use; Replace swaps in a freshly loaded guide.
type Guide struct {
	mu         sync.RWMutex
	channels   []domain.EPGChannel
	programmes []domain.Programme
	loadedAt   time.Time
}

// Channels returns a copy of the guide's channels.
func (g *Guide) Channels() []domain.EPGChannel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]domain.EPGChannel(nil), g.channels...)
}

// Programmes returns a copy of the guide's programmes ordered by start time.
func (g *Guide) Programmes() []domain.Programme {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]domain.Programme(nil), g.programmes...)
}

// LoadedAt is when the guide data was parsed. Zero for an empty guide.
func (g *Guide) LoadedAt() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.loadedAt
}

// Replace copies other's content into g.
func (g *Guide) Replace(other *Guide) {
	channels, programmes, loaded := other.Channels(), other.Programmes(), other.LoadedAt()
	g.mu.Lock()
	g.channels, g.programmes, g.loadedAt = channels, programmes, loaded
	g.mu.Unlock()
}

// ParseGuide decodes an XMLTV document. Programmes with unreadable times are
// skipped.
func ParseGuide(data []byte) (*Guide, error) {
	var doc xmltvDoc
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode xmltv: %w: %w", domain.ErrParse, err)
	}

	g := &Guide{loadedAt: time.Now()}
	for _, ch := range doc.Channels {
		name := ""
		if len(ch.DisplayNames) > 0 {
			name = strings.TrimSpace(ch.DisplayNames[0])
		}
		g.channels = append(g.channels, domain.EPGChannel{ID: ch.ID, Name: name})
	}
	for _, p := range doc.Programmes {
		start, err1 := parseXMLTVTime(p.Start)
		stop, err2 := parseXMLTVTime(p.Stop)
		if err1 != nil || err2 != nil || !stop.After(start) {
			continue
		}
		var cats []string
		for _, c := range p.Categories {
			if c = strings.TrimSpace(c); c != "" {
				cats = append(cats, c)
			}
		}
		g.programmes = append(g.programmes, domain.Programme{
			ChannelID:   p.Channel,
			Title:       strings.TrimSpace(p.Title),
			Description: strings.TrimSpace(p.Desc),
			Categories:  cats,
			Start:       start,
			Stop:        stop,
		})
	}
	sort.SliceStable(g.programmes, func(i, j int) bool {
		return g.programmes[i].Start.Before(g.programmes[j].Start)
	})
	return g, nil
}

// parseXMLTVTime accepts "YYYYMMDDhhmmss +zzzz" and the bare form in UTC.
func parseXMLTVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(xmltvTimeLayout, s); err == nil {
		return t, nil
	}
	if len(s) >= 14 {
		return time.Parse("20060102150405", s[:14])
	}
	return time.Time{}, fmt.Errorf("bad xmltv time %q", s)
}

// FetchGuide downloads and parses the panel's xmltv.php guide.
func (c *Client) FetchGuide(ctx context.Context) (*Guide, error) {
	q := url.Values{}
	q.Set("username", c.username)
	q.Set("password", c.password)
	body, err := c.get(ctx, c.baseURL+"/xmltv.php?"+q.Encode())
	if err != nil {
		return nil, err
	}
	g, err := ParseGuide(body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("loaded programme guide", "channels", len(g.channels), "programmes", len(g.programmes))
	return g, nil
}
