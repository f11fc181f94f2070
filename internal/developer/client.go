// internal/developer/client.go

// Package developer is the lobby's client for the developer server, which
// owns the game catalog and uploaded releases.
package developer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
	"github.com/jason-s-yu/gamelobby/internal/models"
)

// Client talks JSON over HTTP to the developer server. Transient failures
// (connection errors, 5xx) are retried by the underlying client.
type Client struct {
	base   *url.URL
	http   *retryablehttp.Client
	logger *logrus.Logger
}

// Options tune the HTTP behaviour.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	Logger     *logrus.Logger
}

func NewClient(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse developer url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("developer url %q must be absolute", baseURL)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = opts.MaxRetries
	hc.RetryWaitMin = 100 * time.Millisecond
	hc.RetryWaitMax = time.Second
	if opts.Timeout > 0 {
		hc.HTTPClient.Timeout = opts.Timeout
	}
	hc.Logger = leveledLogger{opts.Logger}

	return &Client{base: u, http: hc, logger: opts.Logger}, nil
}

type gameList struct {
	Games []models.Game `json:"games"`
}

// ListGames returns the published catalog.
func (c *Client) ListGames(ctx context.Context) ([]models.Game, error) {
	var out gameList
	if err := c.get(ctx, "/games", &out); err != nil {
		return nil, err
	}
	return out.Games, nil
}

// GetGame returns one catalog entry, or GameNotFound.
func (c *Client) GetGame(ctx context.Context, name string) (models.Game, error) {
	var g models.Game
	if err := c.get(ctx, "/games/"+url.PathEscape(name), &g); err != nil {
		return models.Game{}, err
	}
	return g, nil
}

// GetRelease returns the metadata of one uploaded version.
func (c *Client) GetRelease(ctx context.Context, name, version string) (models.Release, error) {
	var r models.Release
	path := "/games/" + url.PathEscape(name) + "/versions/" + url.PathEscape(version)
	if err := c.get(ctx, path, &r); err != nil {
		return models.Release{}, err
	}
	return r, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, apperr.CodeInternal, "build developer request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Upstream(err, "developer server unavailable")
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return apperr.ErrGameNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.Upstream(fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body))),
			"developer server error")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Upstream(fmt.Errorf("decode %s: %w", path, err), "developer server sent an invalid response")
	}
	return nil
}

// leveledLogger routes retryablehttp's logging into logrus at debug level
// for attempts and warn level for failures.
type leveledLogger struct {
	l *logrus.Logger
}

func (ll leveledLogger) entry(kv []interface{}) *logrus.Entry {
	fields := logrus.Fields{"component": "developer"}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return ll.l.WithFields(fields)
}

func (ll leveledLogger) Error(msg string, kv ...interface{}) { ll.entry(kv).Error(msg) }
func (ll leveledLogger) Warn(msg string, kv ...interface{}) { ll.entry(kv).Warn(msg) }
func (ll leveledLogger) Info(msg string, kv ...interface{}) { ll.entry(kv).Debug(msg) }
func (ll leveledLogger) Debug(msg string, kv ...interface{}) { ll.entry(kv).Debug(msg) }
