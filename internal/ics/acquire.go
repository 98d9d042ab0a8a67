package ics

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	appLog "eventcal/internal/log"
	"eventcal/internal/metrics"
)

// Strategy kinds accepted in configuration.
const (
	KindDirect  = "direct"
	KindWrapped = "wrapped"
	KindPrefix  = "prefix"
)

var (
	// ErrNoStrategy is returned by an Acquirer with nothing to try.
	ErrNoStrategy = errors.New("no acquisition strategy configured")
	// ErrEmptyFeed marks a strategy that succeeded but returned no text.
	ErrEmptyFeed = errors.New("feed is empty")
)

// maxProxyBody bounds what a proxy may hand back.
const maxProxyBody = 16 << 20

// Strategy is one way of obtaining the feed text.
type Strategy interface {
	Name() string
	Acquire(ctx context.Context, feedURL string) (string, error)
}

// DirectStrategy downloads the feed itself through a caching Fetcher.
type DirectStrategy struct {
	Fetcher *Fetcher
}

func (s DirectStrategy) Name() string { return KindDirect }

func (s DirectStrategy) Acquire(ctx context.Context, feedURL string) (string, error) {
	res, err := s.Fetcher.Fetch(ctx, feedURL)
	if err != nil {
		return "", err
	}
	return string(res.Body), nil
}

// WrappedProxyStrategy asks a JSON-wrapping proxy (allorigins style,
// `<Endpoint>?url=<feed>`) and unpacks its "contents" field. Some proxies
// return the payload as a base64 data URI.
type WrappedProxyStrategy struct {
	Endpoint string
	Client   *http.Client
}

func (s WrappedProxyStrategy) Name() string { return KindWrapped }

func (s WrappedProxyStrategy) Acquire(ctx context.Context, feedURL string) (string, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return "", fmt.Errorf("wrapped proxy endpoint: %w", err)
	}
	q := u.Query()
	q.Set("url", feedURL)
	u.RawQuery = q.Encode()

	body, err := httpGet(ctx, s.Client, u.String())
	if err != nil {
		return "", err
	}

	contents := gjson.GetBytes(body, "contents")
	if !contents.Exists() {
		return "", errors.New("wrapped proxy response has no contents field")
	}
	return unwrapDataURI(contents.String()), nil
}

// unwrapDataURI decodes `data:<mime>;base64,<payload>`. Anything that is not
// a data URI, or fails to decode, is returned as is.
func unwrapDataURI(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	_, payload, ok := strings.Cut(s, ",")
	if !ok {
		return s
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		appLog.Warn("data URI payload is not base64; using raw contents", "err", err)
		return s
	}
	return string(decoded)
}

// PrefixProxyStrategy asks a pass-through proxy (cors-anywhere style,
// `<Prefix><feed>`) whose body is the feed itself.
type PrefixProxyStrategy struct {
	Prefix string
	Client *http.Client
}

func (s PrefixProxyStrategy) Name() string { return KindPrefix }

func (s PrefixProxyStrategy) Acquire(ctx context.Context, feedURL string) (string, error) {
	body, err := httpGet(ctx, s.Client, s.Prefix+feedURL)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func httpGet(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: status %s", resp.Status)
	}
	return readLimited(resp.Body, maxProxyBody)
}

// readLimited reads r fully, failing if it holds more than limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return body, nil
}

// Acquirer tries its strategies in order and returns the first non-empty
// feed text.
type Acquirer struct {
	FeedURL    string
	Strategies []Strategy
	Metrics    *metrics.Recorder
}

// StrategySpec is the config-level description of one strategy.
type StrategySpec struct {
	Kind string
	URL  string
}

// NewAcquirer builds strategies from specs. Unknown kinds are rejected.
func NewAcquirer(feedURL string, specs []StrategySpec, cacheDir string, timeout time.Duration, rec *metrics.Recorder) (*Acquirer, error) {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	client := &http.Client{Timeout: timeout}

	a := &Acquirer{FeedURL: feedURL, Metrics: rec}
	for _, spec := range specs {
		switch spec.Kind {
		case KindDirect:
			a.Strategies = append(a.Strategies, DirectStrategy{Fetcher: NewFetcher(cacheDir, timeout)})
		case KindWrapped:
			a.Strategies = append(a.Strategies, WrappedProxyStrategy{Endpoint: spec.URL, Client: client})
		case KindPrefix:
			a.Strategies = append(a.Strategies, PrefixProxyStrategy{Prefix: spec.URL, Client: client})
		default:
			return nil, fmt.Errorf("unknown acquisition strategy %q", spec.Kind)
		}
	}
	return a, nil
}

// Acquire returns the feed text from the first strategy that produces
// some. When all fail the individual errors are joined.
func (a *Acquirer) Acquire(ctx context.Context) (string, error) {
	if len(a.Strategies) == 0 {
		return "", ErrNoStrategy
	}

	var errs []error
	for _, s := range a.Strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		text, err := s.Acquire(ctx, a.FeedURL)
		switch {
		case err != nil:
			a.Metrics.FetchAttempt(s.Name(), metrics.ResultError)
			appLog.Error("feed acquisition failed", err, "strategy", s.Name(), "url", appLog.RedactURL(a.FeedURL))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		case strings.TrimSpace(text) == "":
			a.Metrics.FetchAttempt(s.Name(), metrics.ResultEmpty)
			appLog.Warn("feed acquisition returned nothing", "strategy", s.Name())
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), ErrEmptyFeed))
		default:
			a.Metrics.FetchAttempt(s.Name(), metrics.ResultOK)
			appLog.Debug("feed acquired", "strategy", s.Name(), "bytes", len(text))
			return text, nil
		}
	}
	return "", errors.Join(errs...)
}
