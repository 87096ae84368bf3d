package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mmcdole/kinotv/internal/adapter"
	"github.com/mmcdole/kinotv/internal/domain"
	"github.com/mmcdole/kinotv/internal/service"
)

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "accounts":
		return a.accounts()
	case "use":
		if len(args) != 1 {
			return errUsage
		}
		return a.use(ctx, args[0])
	case "warm":
		return a.warm(ctx)
	case "categories":
		if len(args) != 1 {
			return errUsage
		}
		return a.categories(ctx, args[0])
	case "items":
		if len(args) != 2 {
			return errUsage
		}
		return a.items(ctx, args[0], args[1])
	case "episodes":
		if len(args) != 1 {
			return errUsage
		}
		return a.episodes(ctx, args[0])
	case "search":
		if len(args) == 0 {
			return errUsage
		}
		return a.search(ctx, strings.Join(args, " "))
	case "favorite":
		if len(args) < 2 || len(args) > 3 {
			return errUsage
		}
		return a.toggleFavorite(args)
	case "favorites":
		return a.favorites()
	case "history":
		return a.showHistory()
	case "play":
		item, err := playableFromArgs(args, false)
		if err != nil {
			return err
		}
		_, err = a.playback.Play(item)
		return err
	case "download":
		item, err := playableFromArgs(args, true)
		if err != nil {
			return err
		}
		return a.download(ctx, item)
	case "downloads":
		return a.manageDownloads(args)
	case "clear-cache":
		return a.clearCache()
	case "refresh-panel":
		return a.refreshPanel(ctx)
	case "watch":
		return a.watch(ctx)
	}
	return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
}

var errUsage = errors.New("wrong number of arguments\n\n" + usage)

// playableFromArgs parses "<kind> <id> [name] [ext]". Downloads require a
// name since it becomes the file name.
func playableFromArgs(args []string, named bool) (domain.PlayableItem, error) {
	need := 2
	if named {
		need = 3
	}
	if len(args) < need || len(args) > need+1 {
		return domain.PlayableItem{}, errUsage
	}

	item := domain.PlayableItem{ID: args[1], Name: args[1]}
	switch strings.ToLower(args[0]) {
	case "live", "channel":
		if named {
			return item, fmt.Errorf("live channels cannot be downloaded")
		}
		item.Kind = domain.PlayLive
	case "movie", "vod":
		item.Kind = domain.PlayMovie
	case "episode":
		item.Kind = domain.PlayEpisode
	default:
		return item, fmt.Errorf("unknown item kind %q", args[0])
	}

	rest := args[2:]
	if named {
		item.Name, rest = rest[0], rest[1:]
	}
	if len(rest) == 1 {
		item.ContainerExtension = rest[0]
	}
	return item, nil
}

// progressPrinter writes preload progress lines.
type progressPrinter struct {
	out io.Writer
}

func (p progressPrinter) OnProgress(pr domain.PreloadProgress) {
	if pr.Done {
		fmt.Fprintln(p.out, "preload finished")
		return
	}
	fmt.Fprintf(p.out, "%-10s %d/%d\n", pr.Stage, pr.Loaded, pr.Total)
}

func (a *app) accounts() error {
	if len(a.cfg.Accounts) == 0 {
		fmt.Println("no accounts configured")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "\tINDEX\tNAME\tSERVER\tUSER")
	for i, acct := range a.cfg.Accounts {
		mark := ""
		if i == a.cfg.ActiveAccount {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", mark, i, acct.Name, acct.URL, acct.Username)
	}
	return w.Flush()
}

// use logs in to another account and saves it as the default.
func (a *app) use(ctx context.Context, nameOrIndex string) error {
	if err := a.cfg.SetActiveAccount(nameOrIndex); err != nil {
		return err
	}
	if err := a.activate(ctx); err != nil {
		return err
	}
	if err := adapter.SaveConfig(a.cfg, a.cfgPath); err != nil {
		return err
	}
	account, _ := a.session.Account()
	fmt.Printf("now using %s\n", account.DisplayName())
	return nil
}

// warm waits for the walk activation started, or starts one when preloading
// is disabled.
func (a *app) warm(ctx context.Context) error {
	account, err := a.session.Account()
	if err != nil {
		return err
	}
	walk := a.session.Preloader().Current()
	if walk == nil {
		walk = a.session.Preloader().WarmUp(account)
	}
	select {
	case <-walk.Done():
		return nil
	case <-ctx.Done():
		walk.Cancel()
		walk.Wait()
		return ctx.Err()
	}
}

func (a *app) categories(ctx context.Context, rawKind string) error {
	kind, err := domain.ParseContentKind(rawKind)
	if err != nil {
		return err
	}
	cats, err := a.session.Catalog().Categories(ctx, kind, service.FetchOptions{})
	if err != nil {
		return err
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tNAME")
	for _, c := range cats {
		fmt.Fprintf(w, "%s\t%s\n", c.ID, c.Name)
	}
	return w.Flush()
}

func (a *app) items(ctx context.Context, rawKind, categoryID string) error {
	kind, err := domain.ParseContentKind(rawKind)
	if err != nil {
		return err
	}
	items, err := a.session.Catalog().Items(ctx, kind, categoryID, service.FetchOptions{})
	if err != nil {
		return err
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tADDED")
	for _, it := range items {
		added := ""
		if it.Added > 0 {
			added = time.Unix(it.Added, 0).Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", it.ID, it.Name, added)
	}
	return w.Flush()
}

func (a *app) episodes(ctx context.Context, seriesID string) error {
	eps, err := a.session.Catalog().Episodes(ctx, seriesID, service.FetchOptions{})
	if err != nil {
		return err
	}

	w := newTable()
	fmt.Fprintln(w, "CODE\tID\tTITLE\tEXT")
	for _, e := range eps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Code(), e.ID, e.Title, e.ContainerExtension)
	}
	return w.Flush()
}

// search warms the catalog cache when preloading is enabled, loads the
// programme guide, and prints the merged results.
func (a *app) search(ctx context.Context, query string) error {
	if a.cfg.Preload.Enabled {
		if err := a.warm(ctx); err != nil {
			return err
		}
	}

	var epg domain.EPGSource
	guide, err := a.source.FetchGuide(ctx)
	if err != nil {
		a.logger.Warn("programme guide unavailable, searching catalog only", "error", err)
	} else {
		epg = guide
	}

	results := service.NewSearchIndexer(a.session.Catalog(), epg, a.logger,
		service.WithSearchHistory(a.history)).Search(query)
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	favs := a.history.FavoriteKeys()

	w := newTable()
	fmt.Fprintln(w, "\tKIND\tSCORE\tID\tTITLE\tCHANNEL\tPROGRAMME")
	for _, r := range results {
		channel, programme := "", ""
		if r.Channel != nil {
			channel = r.Channel.Name + " (" + r.Channel.StreamID + ")"
		}
		if r.Program != nil {
			when := "next " + r.Program.Start.Local().Format("15:04")
			if r.Program.Current {
				when = "now"
			}
			programme = r.Program.Title + " [" + when + "]"
		}
		fav := ""
		if favs[r.FavoriteKey()] {
			fav = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%s\t%s\t%s\t%s\n", fav, r.Kind, r.Score, r.ID, r.Title, channel, programme)
	}
	return w.Flush()
}

func (a *app) toggleFavorite(args []string) error {
	kind := strings.ToLower(args[0])
	switch kind {
	case "live", "movie", "series", "episode":
	default:
		return fmt.Errorf("unknown favorite kind %q", args[0])
	}
	fav := domain.Favorite{Kind: kind, ID: args[1], Name: args[1]}
	if len(args) == 3 {
		fav.Name = args[2]
	}

	added, err := a.history.ToggleFavorite(fav)
	if err != nil {
		return err
	}
	if added {
		fmt.Printf("added %s to favorites\n", fav.Name)
	} else {
		fmt.Printf("removed %s from favorites\n", fav.Name)
	}
	return nil
}

func (a *app) favorites() error {
	favs, err := a.history.Favorites()
	if err != nil {
		return err
	}
	if len(favs) == 0 {
		fmt.Println("no favorites")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "KIND\tID\tNAME\tADDED")
	for _, f := range favs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Kind, f.ID, f.Name, f.AddedAt.Local().Format("2006-01-02"))
	}
	return w.Flush()
}

func (a *app) showHistory() error {
	recent, err := a.history.RecentlyPlayed()
	if err != nil {
		return err
	}
	searches, err := a.history.Searches()
	if err != nil {
		return err
	}

	w := newTable()
	fmt.Fprintln(w, "PLAYED\tKIND\tID\tNAME")
	for _, r := range recent {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.PlayedAt.Local().Format("2006-01-02 15:04"), r.Item.Kind, r.Item.ID, r.Item.Name)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(searches) > 0 {
		fmt.Printf("\nrecent searches: %s\n", strings.Join(searches, ", "))
	}
	return nil
}

// download starts item and follows its progress until it finishes or the
// user interrupts, which leaves it paused for a later run.
func (a *app) download(ctx context.Context, item domain.PlayableItem) error {
	updates, unsubscribe := a.downloads.Subscribe()
	defer unsubscribe()

	id, err := a.downloads.Start(item)
	if err != nil {
		return err
	}
	if t, err := a.downloads.Task(id); err == nil {
		switch t.State {
		case domain.DownloadCompleted:
			fmt.Printf("already downloaded: %s\n", t.Path)
			return nil
		case domain.DownloadPaused:
			if err := a.downloads.Resume(id); err != nil {
				return err
			}
		}
	}

	var (
		lastBytes int64
		lastTime  = time.Now()
		rate      float64
	)
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\ninterrupted, download paused")
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Task.ID != id {
				continue
			}
			if u.Removed {
				return fmt.Errorf("download %s was removed", id)
			}
			t := u.Task
			if now := time.Now(); now.Sub(lastTime) > 0 && t.Received > lastBytes {
				rate = float64(t.Received-lastBytes) / now.Sub(lastTime).Seconds()
				lastBytes, lastTime = t.Received, now
			}
			fmt.Printf("\r%-11s %5.1f%%  %s / %s  eta %s   ", t.State, t.Progress*100,
				service.FormatBytes(t.Received), service.FormatBytes(t.Total),
				service.FormatETA(t.Received, t.Total, rate))

			switch t.State {
			case domain.DownloadCompleted:
				fmt.Printf("\nsaved to %s\n", t.Path)
				return nil
			case domain.DownloadFailed:
				fmt.Println()
				return fmt.Errorf("download failed: %s", t.Error)
			}
		}
	}
}

func (a *app) manageDownloads(args []string) error {
	if len(args) == 0 {
		tasks := a.downloads.Tasks()
		if len(tasks) == 0 {
			fmt.Println("no downloads")
			return nil
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tSTATE\tPROGRESS\tSIZE\tNAME\tERROR")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\t%s\t%s\n", t.ID, t.State, t.Progress*100,
				service.FormatBytes(t.Total), t.Item.Name, t.Error)
		}
		return w.Flush()
	}
	if len(args) != 2 {
		return errUsage
	}

	id := args[1]
	switch args[0] {
	case "pause":
		return a.downloads.Pause(id)
	case "resume":
		return a.downloads.Resume(id)
	case "cancel":
		return a.downloads.Cancel(id)
	case "delete":
		t, err := a.downloads.Task(id)
		if err != nil {
			return err
		}
		if !confirm(fmt.Sprintf("Delete %s and its file?", t.Item.Name)) {
			return nil
		}
		return a.downloads.Delete(id)
	}
	return fmt.Errorf("unknown downloads action %q", args[0])
}

func (a *app) clearCache() error {
	account, err := a.session.Account()
	if err != nil {
		return err
	}
	if err := a.session.Catalog().Clear(); err != nil {
		return err
	}
	size, err := a.covers.Size()
	if err != nil {
		return err
	}
	removed, err := a.covers.Prune(0)
	if err != nil {
		return err
	}
	fmt.Printf("cleared catalog cache for %s and %d covers (%s)\n",
		account.DisplayName(), removed, service.FormatBytes(size))
	return nil
}

func (a *app) refreshPanel(ctx context.Context) error {
	panel := a.session.Panel()
	if err := panel.Refresh(ctx, service.TriggerManual); err != nil {
		if !errors.Is(err, domain.ErrRateLimited) {
			return err
		}
		fmt.Printf("panel was refreshed recently, showing cached items (next refresh at %s)\n",
			panel.NextRefresh().Local().Format("15:04:05"))
	}
	return printPanel(panel.Snapshot())
}

// watch keeps the panel refreshed on its interval and refreshes it on demand
// whenever a line is entered. Both paths share the panel's guard.
func (a *app) watch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	panel := a.session.Panel()
	go panel.AutoRefresh(ctx)

	lines := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(os.Stderr, "watching recently added; press enter to refresh, ctrl-c to quit")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var shown time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lines:
			err := panel.Refresh(ctx, service.TriggerManual)
			switch {
			case errors.Is(err, domain.ErrRateLimited):
				fmt.Printf("refreshed recently, next refresh at %s\n", panel.NextRefresh().Local().Format("15:04:05"))
			case err != nil:
				fmt.Fprintf(os.Stderr, "refresh failed: %v\n", err)
			}
		case <-ticker.C:
		}

		if snap := panel.Snapshot(); !snap.RefreshedAt.IsZero() && !snap.RefreshedAt.Equal(shown) {
			shown = snap.RefreshedAt
			fmt.Printf("\nrecently added, refreshed %s\n", shown.Local().Format("15:04:05"))
			if err := printPanel(snap); err != nil {
				return err
			}
		}
	}
}

func printPanel(snap service.PanelSnapshot) error {
	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tADDED")
	for _, it := range snap.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\n", it.ID, it.Name, time.Unix(it.Added, 0).Format("2006-01-02"))
	}
	return w.Flush()
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}
