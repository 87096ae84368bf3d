package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"github.com/mmcdole/kinotv/internal/adapter"
	"github.com/mmcdole/kinotv/internal/adapter/source"
	"github.com/mmcdole/kinotv/internal/domain"
	"github.com/mmcdole/kinotv/internal/guard"
	"github.com/mmcdole/kinotv/internal/metrics"
	"github.com/mmcdole/kinotv/internal/service"
	"github.com/mmcdole/kinotv/internal/store"
)

// Version is set at build time via -ldflags
var Version = "dev"

const usage = `usage: kinotv [-config path] [-account name|index] [-v] <command> [args]

commands:
  accounts                                list configured accounts
  use <name|index>                        make an account the default and log in
  warm                                    preload categories, items and covers
  categories <live|vod|series>            list categories
  items <kind> <categoryID>               list items of a category
  episodes <seriesID>                     list episodes of a series
  search <query>                          search movies, series and the programme guide
  favorite <live|movie|series|episode> <id> [name]
                                          add or remove a favorite
  favorites                               list favorites
  history                                 list recently played items and searches
  play <live|movie|episode> <id> [ext]    play a local download or the remote stream
  download <movie|episode> <id> <name> [ext]
                                          download and follow progress
  downloads [pause|resume|cancel|delete <id>]
                                          list or manage downloads
  clear-cache                             drop the active account's catalog and covers
  refresh-panel                           refresh the recently added panel
  watch                                   keep the recently added panel fresh; enter refreshes now
`

func main() {
	var (
		configPath  string
		accountName string
		verbose     bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "config file (default: OS config dir)")
	flag.StringVar(&accountName, "account", "", "account to use for this run")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if showVersion {
		fmt.Printf("kinotv %s\n", Version)
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(configPath, accountName, verbose, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired services for one invocation.
type app struct {
	cfg       *adapter.Config
	cfgPath   string
	logger    *slog.Logger
	cache     *service.CatalogCache
	covers    *service.CoverStore
	session   *service.SessionService
	downloads *service.DownloadManager
	tasks     *store.DownloadStore
	histStore *store.HistoryStore
	history   *service.History
	playback  *service.PlaybackService
	source    source.CatalogSource // client of the active account
	sourceID  string
}

func run(configPath, accountName string, verbose bool, args []string) error {
	// Load configuration
	cfg, err := adapter.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if accountName != "" {
		if err := cfg.SetActiveAccount(accountName); err != nil {
			return err
		}
	}
	if verbose {
		cfg.Logging.Level = "DEBUG"
	}

	// Setup logger
	logger, err := adapter.SetupLogger(&cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger = adapter.NullLogger()
	}
	slog.SetDefault(logger)
	logger.Info("starting kinotv", "version", Version, "command", args[0])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg, logger)
		defer srv.Close()
	}

	a, err := newApp(cfg, m, logger)
	if err != nil {
		return err
	}
	a.cfgPath = configPath
	defer a.close()

	switch args[0] {
	case "downloads", "accounts", "use":
	default:
		if err := a.activate(ctx); err != nil {
			return err
		}
	}
	return a.dispatch(ctx, args[0], args[1:])
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

func newApp(cfg *adapter.Config, m *metrics.Metrics, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	catalogStore, err := store.Open(cfg.Cache.Dir)
	if err != nil {
		return nil, err
	}
	a.cache = service.NewCatalogCache(catalogStore, logger,
		service.WithTTLs(service.TTLs{
			Categories: cfg.Cache.TTL.Categories,
			Items:      cfg.Cache.TTL.Items,
			Episodes:   cfg.Cache.TTL.Episodes,
		}),
		service.WithFetchTimeout(cfg.Cache.FetchTimeout),
		service.WithCacheMetrics(m),
	)

	a.covers, err = service.NewCoverStore(cfg.Cache.Dir, cfg.Covers.Parallel, logger,
		service.WithCoverHTTPClient(&http.Client{Timeout: cfg.Covers.Timeout}),
		service.WithCoverUserAgent(cfg.Catalog.UserAgent),
		service.WithCoverMetrics(m),
	)
	if err != nil {
		a.cache.Close()
		return nil, err
	}

	a.session = service.NewSessionService(a.cache, a.covers, guard.New(), a.newClient,
		service.SessionConfig{
			Preload: service.PreloadConfig{
				Categories:   cfg.Preload.Categories,
				Parallel:     cfg.Preload.Parallel,
				Covers:       cfg.Preload.Covers,
				CoverTTLDays: cfg.Covers.TTLDays,
			},
			PreloadEnabled: cfg.Preload.Enabled,
			Panel:          service.PanelConfig{Interval: cfg.Panels.RefreshInterval},
		},
		progressPrinter{out: os.Stderr}, m, logger)

	a.tasks, err = store.OpenDownloads(cfg.Cache.Dir)
	if err != nil {
		a.close()
		return nil, err
	}
	a.downloads, err = service.NewDownloadManager(service.DownloadConfig{
		Dir:              cfg.Downloads.Dir,
		MaxParallel:      cfg.Downloads.MaxParallel,
		RetryMax:         cfg.Downloads.RetryMax,
		RetryDelay:       cfg.Downloads.RetryDelay,
		ProgressInterval: cfg.Downloads.ProgressInterval,
	}, a.tasks, a.session, logger, service.WithDownloadMetrics(m))
	if err != nil {
		a.close()
		return nil, err
	}

	a.histStore, err = store.OpenHistory(cfg.Cache.Dir)
	if err != nil {
		a.close()
		return nil, err
	}
	a.history = service.NewHistory(a.histStore, a.session, logger)

	a.playback = service.NewPlaybackService(adapter.NewLauncher(cfg.Player.Command, logger), a.downloads, logger,
		service.WithPlayHistory(a.history))
	return a, nil
}

// newClient is the session's client factory. It hands back the client that
// activate already logged in with when the account matches.
func (a *app) newClient(account domain.Account) (service.SessionClient, error) {
	if a.source != nil && a.sourceID == account.ID() {
		return a.source, nil
	}
	src, err := source.NewClient(&source.SourceConfig{
		Account:           account,
		RequestsPerSecond: a.cfg.Catalog.RequestsPerSecond,
		UserAgent:         a.cfg.Catalog.UserAgent,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.source, a.sourceID = src, account.ID()
	return src, nil
}

// activate logs in to the configured account, prompting for a missing
// password, and makes it the session's account.
func (a *app) activate(ctx context.Context) error {
	account, err := a.cfg.Account()
	if err != nil {
		return fmt.Errorf("%w: add an entry under accounts in config.yaml", err)
	}
	if account.Password == "" {
		if account.Password, err = promptPassword(account); err != nil {
			return err
		}
	}

	if _, err := a.newClient(account); err != nil {
		return err
	}
	info, err := a.source.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("login to %s: %w", a.source.BaseURL(), err)
	}
	a.logger.Info("logged in", "server", a.source.BaseURL(), "status", info.Status,
		"expires", info.ExpiresAt, "max_connections", info.MaxConnections)
	if !info.ExpiresAt.IsZero() && info.ExpiresAt.Before(time.Now()) {
		fmt.Fprintf(os.Stderr, "warning: subscription for %s expired on %s\n",
			account.DisplayName(), info.ExpiresAt.Format("2006-01-02"))
	}

	return a.session.Activate(account, false)
}

// close shuts services down in dependency order: transfers first, then
// background walks, then the stores.
func (a *app) close() {
	if a.downloads != nil {
		a.downloads.Close()
	}
	if a.tasks != nil {
		a.tasks.Close()
	}
	if a.histStore != nil {
		a.histStore.Close()
	}
	if a.session != nil {
		a.session.Close()
	}
	if a.covers != nil {
		a.covers.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("closing catalog cache", "error", err)
		}
	}
	a.logger.Info("shutting down")
}

// promptPassword reads the account password from the terminal without echo.
func promptPassword(account domain.Account) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("account %q has no password and stdin is not a terminal: %w",
			account.DisplayName(), domain.ErrNoAccount)
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", account.DisplayName())
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(string(pw)), nil
}

// confirm asks a yes/no question on stdin.
func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(input))
	return answer == "y" || answer == "yes"
}
