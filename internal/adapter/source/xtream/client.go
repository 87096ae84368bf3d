// Package xtream is the catalog client for Xtream Codes compatible panels.
package xtream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/ratelimit"

	"github.com/mmcdole/kinotv/internal/domain"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultUserAgent         = "kinotv/1.0"
	defaultRequestsPerSecond = 10
	maxResponseBytes         = 64 << 20
)

var (
	categoryActions = map[domain.ContentKind]string{
		domain.KindLive:   "get_live_categories",
		domain.KindVOD:    "get_vod_categories",
		domain.KindSeries: "get_series_categories",
	}
	itemActions = map[domain.ContentKind]string{
		domain.KindLive:   "get_live_streams",
		domain.KindVOD:    "get_vod_streams",
		domain.KindSeries: "get_series",
	}
)

// Client implements domain.CatalogClient and domain.StreamURLBuilder for one
// account.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    ratelimit.Limiter
	userAgent  string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRequestsPerSecond paces API calls. Zero or less disables pacing.
func WithRequestsPerSecond(n int) Option {
	return func(c *Client) {
		if n <= 0 {
			c.limiter = ratelimit.NewUnlimited()
			return
		}
		c.limiter = ratelimit.New(n)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient creates a client for account.
func NewClient(account domain.Account, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    NormalizeBaseURL(account.URL),
		username:   account.Username,
		password:   account.Password,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    ratelimit.New(defaultRequestsPerSecond),
		userAgent:  defaultUserAgent,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeBaseURL trims whitespace, a trailing slash and a pasted
// /player_api.php, and adds http:// when no scheme is given.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimRight(u, "/")
	u = strings.TrimSuffix(u, "/player_api.php")
	u = strings.TrimRight(u, "/")
	if u != "" && !strings.Contains(u, "://") {
		u = "http://" + u
	}
	return u
}

// BaseURL returns the normalized panel address.
func (c *Client) BaseURL() string { return c.baseURL }

// UserInfo is the account status reported by the panel.
type UserInfo struct {
	Auth           bool
	Status         string
	ExpiresAt      time.Time
	MaxConnections int
}

// Authenticate checks the credentials.
func (c *Client) Authenticate(ctx context.Context) (UserInfo, error) {
	var resp struct {
		UserInfo struct {
			Auth           flexString `json:"auth"`
			Status         flexString `json:"status"`
			ExpDate        flexString `json:"exp_date"`
			MaxConnections flexString `json:"max_connections"`
		} `json:"user_info"`
	}
	if err := c.getJSON(ctx, c.apiURL(nil), &resp); err != nil {
		return UserInfo{}, err
	}

	info := UserInfo{
		Auth:           resp.UserInfo.Auth.Int() == 1,
		Status:         resp.UserInfo.Status.String(),
		MaxConnections: resp.UserInfo.MaxConnections.Int(),
	}
	if exp := int64(resp.UserInfo.ExpDate.Float()); exp > 0 {
		info.ExpiresAt = time.Unix(exp, 0)
	}
	if !info.Auth {
		return info, fmt.Errorf("panel rejected %s: %w", c.username, domain.ErrAuthFailed)
	}
	return info, nil
}

// FetchCategories returns the categories of kind.
func (c *Client) FetchCategories(ctx context.Context, kind domain.ContentKind) ([]domain.Category, error) {
	action, ok := categoryActions[kind]
	if !ok {
		return nil, fmt.Errorf("unknown content kind %q: %w", kind, domain.ErrParse)
	}

	var records []categoryRecord
	if err := c.getJSON(ctx, c.apiURL(url.Values{"action": {action}}), &records); err != nil {
		return nil, err
	}

	cats := make([]domain.Category, 0, len(records))
	for _, r := range records {
		cat := r.toDomain(kind)
		if cat.ID == "" {
			continue
		}
		cats = append(cats, cat)
	}
	c.logger.Debug("fetched categories", "kind", kind, "count", len(cats))
	return cats, nil
}

// FetchItems returns the items of one category.
func (c *Client) FetchItems(ctx context.Context, kind domain.ContentKind, categoryID string) ([]domain.Item, error) {
	action, ok := itemActions[kind]
	if !ok {
		return nil, fmt.Errorf("unknown content kind %q: %w", kind, domain.ErrParse)
	}

	q := url.Values{"action": {action}}
	if categoryID != "" {
		q.Set("category_id", categoryID)
	}
	var records []itemRecord
	if err := c.getJSON(ctx, c.apiURL(q), &records); err != nil {
		return nil, err
	}

	items := make([]domain.Item, 0, len(records))
	for _, r := range records {
		item := r.toDomain(kind)
		if item.ID == "" {
			continue
		}
		if item.CategoryID == "" {
			item.CategoryID = categoryID
		}
		items = append(items, item)
	}
	c.logger.Debug("fetched items", "kind", kind, "category", categoryID, "count", len(items))
	return items, nil
}

// FetchEpisodes returns every episode of a series, ordered by season and
// number. An unknown series yields domain.ErrNotFound.
func (c *Client) FetchEpisodes(ctx context.Context, seriesID string) ([]domain.Episode, error) {
	q := url.Values{"action": {"get_series_info"}, "series_id": {seriesID}}
	var record seriesInfoRecord
	if err := c.getJSON(ctx, c.apiURL(q), &record); err != nil {
		return nil, err
	}

	eps, err := record.episodes(seriesID)
	if err != nil {
		return nil, fmt.Errorf("decode episodes of %s: %w: %w", seriesID, domain.ErrParse, err)
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("series %s: %w", seriesID, domain.ErrNotFound)
	}
	return eps, nil
}

// StreamURL builds the playback URL for item.
func (c *Client) StreamURL(item domain.PlayableItem) string {
	if item.ID == "" {
		return ""
	}
	user := url.PathEscape(c.username)
	pass := url.PathEscape(c.password)
	switch item.Kind {
	case domain.PlayLive:
		return fmt.Sprintf("%s/live/%s/%s/%s.m3u8", c.baseURL, user, pass, item.ID)
	case domain.PlayMovie:
		return fmt.Sprintf("%s/movie/%s/%s/%s.%s", c.baseURL, user, pass, item.ID, item.Extension())
	case domain.PlayEpisode:
		return fmt.Sprintf("%s/series/%s/%s/%s.%s", c.baseURL, user, pass, item.ID, item.Extension())
	}
	return ""
}

func (c *Client) apiURL(q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("username", c.username)
	q.Set("password", c.password)
	return c.baseURL + "/player_api.php?" + q.Encode()
}

// pace waits for the limiter's next slot or for ctx, whichever comes first.
// A caller that gives up leaves the pending Take to complete on its own.
func (c *Client) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slot := make(chan struct{})
	go func() {
		c.limiter.Take()
		close(slot)
	}()
	select {
	case <-slot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// get performs a paced GET and returns the body, mapping failures onto the
// domain error taxonomy.
func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	if err := c.pace(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w: %w", domain.ErrParse, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, application/xml;q=0.9, */*;q=0.8")

	c.logger.Debug("xtream request", "url", redact(reqURL))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error("xtream request failed", "error", err)
		return nil, fmt.Errorf("request %s: %w: %w", redact(reqURL), domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read response: %w: %w", domain.ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrAuthFailed)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrNotFound)
	default:
		c.logger.Error("xtream request error", "status", resp.StatusCode, "bodyLen", len(body))
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrNetwork)
	}
}

func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	body, err := c.get(ctx, reqURL)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return fmt.Errorf("empty response: %w", domain.ErrNotFound)
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("JSON parse error", "error", err, "bodyLen", len(body))
		return fmt.Errorf("decode response: %w: %w", domain.ErrParse, err)
	}
	return nil
}

// redact hides credentials in logged URLs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("password") {
		q.Set("password", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
