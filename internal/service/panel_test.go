package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
	"github.com/mmcdole/kinotv/internal/guard"
)

func panelClient() *fakeCatalogClient {
	client := newFakeCatalogClient()
	client.categories[domain.KindVOD] = []domain.Category{{ID: "1", Kind: domain.KindVOD}}
	client.items["vod/1"] = []domain.Item{
		{Kind: domain.KindVOD, ID: "a", Name: "Old", CategoryID: "1", Added: 100},
		{Kind: domain.KindVOD, ID: "b", Name: "New", CategoryID: "1", Added: 300},
		{Kind: domain.KindVOD, ID: "c", Name: "Mid", CategoryID: "1", Added: 200},
	}
	return client
}

func TestPanelRefreshGuarded(t *testing.T) {
	clock := newFakeClock()
	client := panelClient()
	cat := NewCatalog(newMemoryCache(t), client, acct1, testLogger())
	g := guard.New(guard.WithClock(clock.Now))
	p := NewPanel(cat, g, PanelConfig{Interval: 5 * time.Minute}, nil, testLogger(), WithPanelClock(clock.Now))
	ctx := context.Background()

	if !p.NextRefresh().IsZero() {
		t.Fatal("NextRefresh set before any refresh")
	}
	if err := p.Refresh(ctx, TriggerAuto); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	snap := p.Snapshot()
	if len(snap.Items) != 3 || snap.Items[0].ID != "b" || snap.Items[2].ID != "a" {
		t.Fatalf("snapshot = %+v, want newest first", snap.Items)
	}
	if !snap.RefreshedAt.Equal(clock.Now()) {
		t.Errorf("RefreshedAt = %v, want %v", snap.RefreshedAt, clock.Now())
	}
	if want := clock.Now().Add(5 * time.Minute); !p.NextRefresh().Equal(want) {
		t.Errorf("NextRefresh = %v, want %v", p.NextRefresh(), want)
	}

	// A manual refresh right after an automatic one shares the same window.
	clock.Advance(time.Minute)
	if err := p.Refresh(ctx, TriggerManual); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("manual refresh within interval: err = %v, want ErrRateLimited", err)
	}
	if got := client.count("items/vod/1"); got != 1 {
		t.Errorf("items fetched %d times, want 1", got)
	}
	if len(p.Snapshot().Items) != 3 {
		t.Error("snapshot lost after denied refresh")
	}

	clock.Advance(5 * time.Minute)
	if err := p.Refresh(ctx, TriggerManual); err != nil {
		t.Fatalf("refresh after interval: %v", err)
	}
	if got := client.count("items/vod/1"); got != 2 {
		t.Errorf("items fetched %d times, want 2", got)
	}
}

func TestPanelGuardKeyPerAccount(t *testing.T) {
	g := guard.New()
	cache := newMemoryCache(t)
	p1 := NewPanel(NewCatalog(cache, panelClient(), acct1, nil), g, PanelConfig{}, nil, testLogger())
	p2 := NewPanel(NewCatalog(cache, panelClient(), acct2, nil), g, PanelConfig{}, nil, testLogger())

	if p1.GuardKey() == p2.GuardKey() {
		t.Fatal("panels of different accounts share a guard key")
	}
	ctx := context.Background()
	if err := p1.Refresh(ctx, TriggerManual); err != nil {
		t.Fatalf("p1 refresh: %v", err)
	}
	if err := p2.Refresh(ctx, TriggerManual); err != nil {
		t.Fatalf("p2 refresh: %v", err)
	}
}

func TestPanelAutoRefreshStopsOnCancel(t *testing.T) {
	cat := NewCatalog(newMemoryCache(t), panelClient(), acct1, testLogger())
	p := NewPanel(cat, guard.New(), PanelConfig{Interval: time.Hour}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.AutoRefresh(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for p.Snapshot().RefreshedAt.IsZero() {
		select {
		case <-deadline:
			t.Fatal("auto refresh never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("AutoRefresh did not return after cancel")
	}
}

func TestPanelSnapshotBeforeRefreshUsesCache(t *testing.T) {
	client := panelClient()
	cat := NewCatalog(newMemoryCache(t), client, acct1, testLogger())
	if _, err := cat.Items(context.Background(), domain.KindVOD, "1", FetchOptions{}); err != nil {
		t.Fatalf("Items: %v", err)
	}
	p := NewPanel(cat, guard.New(), PanelConfig{Limit: 2}, nil, testLogger())

	snap := p.Snapshot()
	if len(snap.Items) != 2 || snap.Items[0].ID != "b" {
		t.Fatalf("snapshot = %+v", snap.Items)
	}
	if !snap.RefreshedAt.IsZero() {
		t.Error("RefreshedAt set before any refresh")
	}
}

func TestRecentlyAddedTieBreak(t *testing.T) {
	items := []domain.Item{{ID: "z", Added: 5}, {ID: "a", Added: 5}, {ID: "m", Added: 9}}
	got := RecentlyAdded(items, 10)
	want := []string{"m", "a", "z"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
