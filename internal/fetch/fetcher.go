// Package fetch retrieves raw page content for source candidates: a
// lightweight HTTP path first, with a pooled browser-automation fallback
// for JavaScript-heavy or bot-guarded pages.
package fetch

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/winefact/winefact/internal/research"
	"github.com/winefact/winefact/internal/telemetry"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// maxBodyBytes caps how much of a response is read; factual product pages
// fit comfortably, and it keeps a hostile server from ballooning memory.
const maxBodyBytes = 4 << 20

// Fetcher implements research.Fetcher with the two-attempt policy:
// lightweight HTTP first, exactly one browser fallback on block, and
// nothing after that.
type Fetcher struct {
	client         *http.Client
	pool           *BrowserPool
	cache          Cache
	render         RenderFunc
	httpTimeout    time.Duration
	browserTimeout time.Duration
	userAgent      string
	logger         *log.Logger
}

type Options struct {
	HTTPTimeout    time.Duration
	BrowserTimeout time.Duration
	UserAgent      string
	Cache          Cache
	Render         RenderFunc
	Client         *http.Client
}

func New(pool *BrowserPool, opts Options, logger *log.Logger) *Fetcher {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	if opts.BrowserTimeout <= 0 {
		opts.BrowserTimeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	if opts.Render == nil {
		opts.Render = ChromeRender(opts.UserAgent)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.HTTPTimeout}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[FETCH] ", log.LstdFlags)
	}
	return &Fetcher{
		client:         opts.Client,
		pool:           pool,
		cache:          opts.Cache,
		render:         opts.Render,
		httpTimeout:    opts.HTTPTimeout,
		browserTimeout: opts.BrowserTimeout,
		userAgent:      opts.UserAgent,
		logger:         logger,
	}
}

// Fetch tries the lightweight path, then falls back to the browser when the
// response signals a block. At most two attempts ever run for a candidate.
func (f *Fetcher) Fetch(ctx context.Context, cand research.SourceCandidate) (research.FetchedDocument, error) {
	doc, blocked, err := f.lightweight(ctx, cand.URL)
	if err == nil && !blocked {
		telemetry.FetchAttempts.WithLabelValues(string(research.MethodLightweight), "ok").Inc()
		return doc, nil
	}
	if err != nil {
		telemetry.FetchAttempts.WithLabelValues(string(research.MethodLightweight), "error").Inc()
		// A page that answered but is simply wrong (404, unreadable body)
		// will not improve in a browser; only transport failures fall back.
		var fe *research.FetchError
		if errors.As(err, &fe) && fe.Reason == "malformed" {
			return research.FetchedDocument{}, err
		}
		f.logger.Printf("lightweight fetch %s failed, trying browser: %v", cand.URL, err)
	} else {
		telemetry.FetchAttempts.WithLabelValues(string(research.MethodLightweight), "blocked").Inc()
		f.logger.Printf("block signal on %s (status %d), trying browser", cand.URL, doc.Status)
	}
	return f.browser(ctx, cand.URL)
}

// lightweight performs the plain HTTP attempt with realistic headers to
// keep the block rate down.
func (f *Fetcher) lightweight(ctx context.Context, url string) (research.FetchedDocument, bool, error) {
	actx, cancel := context.WithTimeout(ctx, f.httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, url, nil)
	if err != nil {
		return research.FetchedDocument{}, false, &research.FetchError{URL: url, Reason: "malformed", Err: err}
	}
	f.setHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return research.FetchedDocument{}, false, &research.FetchError{URL: url, Reason: "timeout", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return research.FetchedDocument{}, false, &research.FetchError{URL: url, Reason: "malformed", Err: err}
	}

	doc := research.FetchedDocument{
		SourceURL:   url,
		Body:        body,
		ContentType: contentType(resp),
		Method:      research.MethodLightweight,
		FetchedAt:   time.Now().UTC(),
		Status:      resp.StatusCode,
	}

	if blockStatus(resp.StatusCode) || len(body) == 0 {
		return doc, true, nil
	}
	if strings.Contains(doc.ContentType, "html") && challengePage(body) {
		return doc, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return doc, false, &research.FetchError{URL: url, Reason: "malformed", Err: statusError(resp.StatusCode)}
	}
	return doc, false, nil
}

// browser renders the page in a pooled browser session. Successful renders
// are cached for the run so a downstream normalizer failure never triggers
// a re-render.
func (f *Fetcher) browser(ctx context.Context, url string) (research.FetchedDocument, error) {
	if html, ok := f.cache.Get(ctx, url); ok {
		return browserDoc(url, html), nil
	}

	release, err := f.pool.Acquire(ctx)
	if err != nil {
		return research.FetchedDocument{}, &research.FetchError{URL: url, Reason: "timeout", Err: err}
	}
	defer release()

	actx, cancel := context.WithTimeout(ctx, f.browserTimeout)
	defer cancel()

	html, err := f.render(actx, url)
	if err != nil {
		telemetry.FetchAttempts.WithLabelValues(string(research.MethodBrowser), "error").Inc()
		return research.FetchedDocument{}, &research.FetchError{URL: url, Reason: "timeout", Err: err}
	}
	if strings.TrimSpace(html) == "" || challengePage([]byte(html)) {
		telemetry.FetchAttempts.WithLabelValues(string(research.MethodBrowser), "blocked").Inc()
		return research.FetchedDocument{}, &research.FetchError{URL: url, Reason: "blocked", Err: research.ErrAllFetchesFailed}
	}
	telemetry.FetchAttempts.WithLabelValues(string(research.MethodBrowser), "ok").Inc()
	f.cache.Set(ctx, url, html)
	return browserDoc(url, html), nil
}

func browserDoc(url, html string) research.FetchedDocument {
	return research.FetchedDocument{
		SourceURL:   url,
		Body:        []byte(html),
		ContentType: "text/html",
		Method:      research.MethodBrowser,
		FetchedAt:   time.Now().UTC(),
		Status:      http.StatusOK,
	}
}

// setHeaders mirrors a real Chrome request closely enough to pass casual
// bot filtering on the lightweight path.
func (f *Fetcher) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Ch-Ua", `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`)
	req.Header.Set("Sec-Ch-Ua-Mobile", "?0")
	req.Header.Set("Sec-Ch-Ua-Platform", `"macOS"`)
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
}

func contentType(resp *http.Response) string {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return "text/html"
	}
	return ct
}

type statusError int

func (s statusError) Error() string { return http.StatusText(int(s)) }
