package service

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mmcdole/kinotv/internal/domain"
	"github.com/mmcdole/kinotv/internal/guard"
	"github.com/mmcdole/kinotv/internal/metrics"
)

// SessionClient is what a session needs from a remote account.
type SessionClient interface {
	domain.CatalogClient
	domain.StreamURLBuilder
}

// ClientFactory builds the client for an account.
type ClientFactory func(account domain.Account) (SessionClient, error)

// SessionConfig tunes the per-account services a session builds.
type SessionConfig struct {
	Preload        PreloadConfig
	PreloadEnabled bool
	Panel          PanelConfig
}

// SessionService owns the active account and the services scoped to it.
// Switching accounts stops background work for the old account before any
// request for the new one is issued.
type SessionService struct {
	cache     *CatalogCache
	covers    coverFetcher
	guard     *guard.Guard
	newClient ClientFactory
	cfg       SessionConfig
	observer  domain.PreloadObserver
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu        sync.RWMutex
	account   domain.Account
	client    SessionClient
	catalog   *Catalog
	panel     *Panel
	preloader *Preloader
}

// NewSessionService creates a session with no active account. observer and
// m may be nil.
func NewSessionService(
	cache *CatalogCache,
	covers coverFetcher,
	g *guard.Guard,
	newClient ClientFactory,
	cfg SessionConfig,
	observer domain.PreloadObserver,
	m *metrics.Metrics,
	logger *slog.Logger,
) *SessionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		cache:     cache,
		covers:    covers,
		guard:     g,
		newClient: newClient,
		cfg:       cfg,
		observer:  observer,
		metrics:   m,
		logger:    logger,
	}
}

// Activate makes account current. The previous account's preload walk is
// stopped and its guard keys forgotten; with clearPrevious its cache entries
// are dropped too. A warm-up starts when preloading is enabled.
func (s *SessionService) Activate(account domain.Account, clearPrevious bool) error {
	if !account.IsComplete() {
		return fmt.Errorf("account %q: %w", account.DisplayName(), domain.ErrNoAccount)
	}
	client, err := s.newClient(account)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.releaseLocked(clearPrevious); err != nil {
		return err
	}

	s.account = account
	s.client = client
	s.catalog = NewCatalog(s.cache, client, account, s.logger)
	s.panel = NewPanel(s.catalog, s.guard, s.cfg.Panel, s.metrics, s.logger)
	s.preloader = NewPreloader(s.cache, client, s.covers, s.cfg.Preload, s.observer, s.logger)

	s.logger.Info("account activated", "account", account.ID(), "name", account.DisplayName())
	if s.cfg.PreloadEnabled {
		s.preloader.WarmUp(account)
	}
	return nil
}

// Logout stops background work for the active account and, when clear is
// set, drops its cached catalog.
func (s *SessionService) Logout(clear bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.releaseLocked(clear); err != nil {
		return err
	}
	s.account, s.client, s.catalog, s.panel, s.preloader = domain.Account{}, nil, nil, nil, nil
	return nil
}

func (s *SessionService) releaseLocked(clear bool) error {
	if s.preloader != nil {
		s.preloader.Stop()
	}
	if s.client == nil {
		return nil
	}
	s.guard.Forget(domain.AccountPrefix(s.account.ID()))
	if clear {
		if err := s.cache.ClearAccount(s.account); err != nil {
			return err
		}
		s.logger.Info("cleared account cache", "account", s.account.ID())
	}
	return nil
}

// Account returns the active account.
func (s *SessionService) Account() (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return domain.Account{}, domain.ErrNoAccount
	}
	return s.account, nil
}

// Catalog returns the active account's catalog, or nil before Activate.
func (s *SessionService) Catalog() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog
}

// Panel returns the active account's recently-added panel.
func (s *SessionService) Panel() *Panel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.panel
}

// Preloader returns the active account's preloader.
func (s *SessionService) Preloader() *Preloader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preloader
}

// StreamURL builds a stream address with the active account's client, so
// long-lived consumers such as the download manager follow account switches.
func (s *SessionService) StreamURL(item domain.PlayableItem) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return ""
	}
	return s.client.StreamURL(item)
}

// Close stops background work.
func (s *SessionService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preloader != nil {
		s.preloader.Stop()
	}
}
