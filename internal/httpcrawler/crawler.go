// Package httpcrawler implements a throttled, retrying HTTP client base
// used by every scrape endpoint: shared retry/backoff policy, UA and proxy
// rotation, and session (transport) recreation when the remote starts
// blocking requests.
package httpcrawler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryStatus mirrors the original crawler base's status_forcelist:
// {408,421,429,500,502,503,504}.
var DefaultRetryStatus = map[int]bool{
	408: true, 421: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// blockStatus triggers session recreation regardless of RecreateOnBlock's
// interaction with the retry policy.
var blockStatus = map[int]bool{403: true, 429: true, 503: true}

// Config tunes a Crawler instance. Zero-value fields fall back to the
// defaults applied by New.
type Config struct {
	BaseHeaders map[string]string
	UserAgents  []string
	Proxies     []string // proxy URLs, one chosen at random per request

	MinDelay time.Duration
	MaxDelay time.Duration

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	MaxRetries    int
	RetryStatus   map[int]bool
	RetryOnPost   bool
	RecreateOnBlock bool
}

func (c Config) withDefaults() Config {
	if c.MinDelay == 0 {
		c.MinDelay = 500 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 3 * time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MinDelay, c.MaxDelay = c.MaxDelay, c.MinDelay
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryStatus == nil {
		c.RetryStatus = DefaultRetryStatus
	}
	return c
}

// Hooks let callers observe successful responses and errors without
// subclassing, mirroring the original's on_response/on_error extension
// points.
type Hooks struct {
	OnResponse func(resp *Result)
	OnError    func(err error, url, method string, info string)
}

// Result is a fully-drained HTTP response: the body is read and the
// underlying connection released before Fetch/FetchPost return it.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Crawler is a throttled, retrying HTTP client. The zero value is not
// usable; construct with New.
type Crawler struct {
	cfg    Config
	logger *slog.Logger
	hooks  Hooks

	mu            sync.Mutex
	client        *http.Client
	lastRequestAt time.Time
}

// New constructs a Crawler. logger and hooks may be nil/zero.
func New(cfg Config, logger *slog.Logger, hooks Hooks) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Crawler{cfg: cfg.withDefaults(), logger: logger, hooks: hooks}
	c.client = c.newClient()
	return c
}

func (c *Crawler) newClient() *http.Client {
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			return c.pickProxy()
		},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   c.cfg.ConnectTimeout + c.cfg.ReadTimeout,
	}
}

// recreateSession tears down and rebuilds the underlying client, used when
// the remote starts blocking requests or a transport error occurs.
func (c *Crawler) recreateSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client.CloseIdleConnections()
	c.client = c.newClient()
}

func (c *Crawler) pickProxy() (*url.URL, error) {
	if len(c.cfg.Proxies) == 0 {
		return nil, nil
	}
	raw := c.cfg.Proxies[rand.Intn(len(c.cfg.Proxies))]
	return url.Parse(raw)
}

func (c *Crawler) pickUserAgent() string {
	if len(c.cfg.UserAgents) == 0 {
		return ""
	}
	return c.cfg.UserAgents[rand.Intn(len(c.cfg.UserAgents))]
}

// throttle waits out the configured min/max delay window since the last
// request completed, jittering within [min_delay, max_delay].
func (c *Crawler) throttle() {
	c.mu.Lock()
	last := c.lastRequestAt
	c.mu.Unlock()

	if last.IsZero() {
		return
	}
	elapsed := time.Since(last)
	waitMin := c.cfg.MinDelay - elapsed
	if waitMin < 0 {
		waitMin = 0
	}
	jitterSpan := c.cfg.MaxDelay - c.cfg.MinDelay
	var jitter time.Duration
	if jitterSpan > 0 {
		jitter = time.Duration(rand.Int63n(int64(jitterSpan)))
	}
	if sleep := waitMin + jitter; sleep > 0 {
		time.Sleep(sleep)
	}
}

func (c *Crawler) markRequestDone() {
	c.mu.Lock()
	c.lastRequestAt = time.Now()
	c.mu.Unlock()
}

// requestOpts customizes a single request beyond method/url/body.
type requestOpts struct {
	params      url.Values
	headers     map[string]string
	allowStatus map[int]bool
	body        []byte
}

// Fetch issues a GET request, retrying per the configured policy. ok is
// false once the retry budget is exhausted, or at once when the response
// status is neither allowed nor listed as retryable; Fetch never surfaces
// a transport error across the API boundary.
func (c *Crawler) Fetch(ctx context.Context, rawURL string, params url.Values, headers map[string]string, allowStatus map[int]bool) (*Result, bool) {
	return c.do(ctx, http.MethodGet, rawURL, requestOpts{params: params, headers: headers, allowStatus: allowStatus})
}

// FetchPost issues a POST request with the given body, retrying per the
// configured policy (only when RetryOnPost is set; otherwise POST failures
// are not retried, matching the original's default-non-idempotent stance).
func (c *Crawler) FetchPost(ctx context.Context, rawURL string, body []byte, headers map[string]string, allowStatus map[int]bool) (*Result, bool) {
	return c.do(ctx, http.MethodPost, rawURL, requestOpts{headers: headers, allowStatus: allowStatus, body: body})
}

func (c *Crawler) do(ctx context.Context, method, rawURL string, opts requestOpts) (*Result, bool) {
	maxRetries := c.cfg.MaxRetries
	if method == http.MethodPost && !c.cfg.RetryOnPost {
		maxRetries = 0
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxRetries)), ctx)

	var result *Result
	op := func() error {
		res, retryAfter, err := c.attempt(ctx, method, rawURL, opts)
		if err != nil {
			c.hookOnError(err, rawURL, method, "")
			if c.cfg.RecreateOnBlock {
				c.recreateSession()
			}
			return err
		}
		ok := (res.StatusCode >= 200 && res.StatusCode < 300) || opts.allowStatus[res.StatusCode]
		if !ok {
			c.logger.Warn("httpcrawler: bad status",
				slog.String("method", method), slog.String("url", rawURL),
				slog.Int("status", res.StatusCode))
			if c.cfg.RecreateOnBlock && blockStatus[res.StatusCode] {
				c.recreateSession()
			}
			if !c.cfg.RetryStatus[res.StatusCode] {
				result = res
				return backoff.Permanent(fmt.Errorf("httpcrawler: status %d", res.StatusCode))
			}
			if retryAfter > 0 {
				time.Sleep(retryAfter)
			}
			return fmt.Errorf("httpcrawler: retryable status %d", res.StatusCode)
		}
		result = res
		c.hookOnResponse(res)
		return nil
	}

	err := backoff.Retry(op, policy)
	if err != nil {
		return result, false
	}
	return result, true
}

func (c *Crawler) attempt(ctx context.Context, method, rawURL string, opts requestOpts) (*Result, time.Duration, error) {
	c.throttle()
	defer c.markRequestDone()

	full := rawURL
	if len(opts.params) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, 0, err
		}
		q := u.Query()
		for k, vs := range opts.params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		full = u.String()
	}

	var bodyReader io.Reader
	if opts.body != nil {
		bodyReader = bytes.NewReader(opts.body)
	}

	req, err := http.NewRequestWithContext(ctx, method, full, bodyReader)
	if err != nil {
		return nil, 0, err
	}

	for k, v := range c.cfg.BaseHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}
	if ua := c.pickUserAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, retryAfterDelay(resp.Header), nil
}

func retryAfterDelay(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		return time.Until(when)
	}
	return 0
}

func (c *Crawler) hookOnResponse(res *Result) {
	if c.hooks.OnResponse == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Warn("httpcrawler: on_response hook panicked", slog.Any("panic", rec))
		}
	}()
	c.hooks.OnResponse(res)
}

func (c *Crawler) hookOnError(err error, url, method, info string) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(err, url, method, info)
		return
	}
	c.logger.Error("httpcrawler: request failed",
		slog.String("method", method), slog.String("url", url), slog.String("error", err.Error()))
}

// Close releases idle connections held by the underlying client.
func (c *Crawler) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client.CloseIdleConnections()
}
