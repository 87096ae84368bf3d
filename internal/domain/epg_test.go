package domain

import (
	"testing"
	"time"
)

func TestCurrentOrNext(t *testing.T) {
	now := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	programmes := []Programme{
		{ChannelID: "a", Title: "later", Start: now.Add(2 * time.Hour), Stop: now.Add(3 * time.Hour)},
		{ChannelID: "a", Title: "soon", Start: now.Add(time.Hour), Stop: now.Add(2 * time.Hour)},
		{ChannelID: "b", Title: "finished", Start: now.Add(-2 * time.Hour), Stop: now.Add(-time.Hour)},
		{ChannelID: "b", Title: "next", Start: now.Add(30 * time.Minute), Stop: now.Add(time.Hour)},
		{ChannelID: "b", Title: "airing", Start: now.Add(-10 * time.Minute), Stop: now.Add(30 * time.Minute)},
		{ChannelID: "c", Title: "over", Start: now.Add(-time.Hour), Stop: now},
	}

	got := CurrentOrNext(programmes, now)

	if got["a"].Title != "soon" {
		t.Errorf("channel a = %q, want soon", got["a"].Title)
	}
	if got["b"].Title != "airing" {
		t.Errorf("channel b = %q, want airing", got["b"].Title)
	}
	if p, ok := got["c"]; ok {
		t.Errorf("channel c = %q, want nothing", p.Title)
	}
}
