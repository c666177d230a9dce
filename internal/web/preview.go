// Package web loads link previews for URLs found in chat messages. Previews
// are fetched through the engine, so they are cached, throttled and
// de-duplicated like any other resource.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/leonardcser/tiercache/internal/engine"
	"github.com/leonardcser/tiercache/internal/fetch"
	"github.com/leonardcser/tiercache/internal/syncerr"
)

const (
	DefaultTTL      = 15 * time.Minute
	RequestTimeout  = 10 * time.Second
	MaxResponseSize = 1 * 1024 * 1024 // 1MB
	ExcerptLength   = 280
)

var ErrUnsupported = errors.New("web: content type has no preview")

type Preview struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
	Excerpt     string `json:"excerpt,omitempty"`
}

type Options struct {
	TTL time.Duration
	// MinRefreshInterval throttles repeated loads of one URL.
	MinRefreshInterval time.Duration
	Timeout            time.Duration
	UserAgents         []string
	Logger             *slog.Logger
}

// Previewer fetches pages with colly and extracts their preview metadata.
type Previewer struct {
	e      *engine.Engine
	base   *colly.Collector
	agents *agentPool
	opts   Options
	log    *slog.Logger
}

func NewPreviewer(e *engine.Engine, opts Options) *Previewer {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = RequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.Async(false),
		colly.MaxBodySize(MaxResponseSize),
	)
	c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 2,
	})
	c.SetRequestTimeout(opts.Timeout)
	return &Previewer{
		e:      e,
		base:   c,
		agents: newAgentPool(opts.UserAgents),
		opts:   opts,
		log:    opts.Logger.With("component", "preview"),
	}
}

// Preview returns the preview of rawURL, from the cache when possible.
func (p *Previewer) Preview(ctx context.Context, rawURL string) (*Preview, error) {
	u, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	return engine.FetchResource(ctx, p.e, engine.PreviewKey(u), func(ctx context.Context) (*Preview, error) {
		return p.load(ctx, u)
	}, fetch.Options{
		TTL:                p.opts.TTL,
		MinRefreshInterval: p.opts.MinRefreshInterval,
		Timeout:            p.opts.Timeout,
	})
}

// Cached returns a preview without touching the network.
func (p *Previewer) Cached(ctx context.Context, rawURL string) (*Preview, bool) {
	u, err := normalizeURL(rawURL)
	if err != nil {
		return nil, false
	}
	return engine.GetCached[*Preview](ctx, p.e, engine.PreviewKey(u))
}

func (p *Previewer) load(ctx context.Context, rawURL string) (*Preview, error) {
	c := p.base.Clone()
	c.Context = ctx

	var (
		body        []byte
		finalURL    string
		contentType string
		status      int
	)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", p.agents.pick())
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})
	c.OnResponse(func(r *colly.Response) {
		finalURL = r.Request.URL.String()
		body = append([]byte(nil), r.Body...)
		contentType = r.Headers.Get("Content-Type")
	})
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	if err := c.Visit(rawURL); err != nil {
		if status >= 300 {
			return nil, &syncerr.StatusError{Code: status}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if finalURL == "" {
		finalURL = rawURL
	}

	pv, err := parsePreview(finalURL, contentType, body)
	if err != nil {
		return nil, err
	}
	p.log.Debug("loaded preview", "url", rawURL, "title", pv.Title)
	return pv, nil
}

// parsePreview reads og tags and falls back to the document title, the
// meta description and the first image.
func parsePreview(pageURL, contentType string, body []byte) (*Preview, error) {
	ct := strings.ToLower(contentType)
	if !strings.HasPrefix(ct, "text/") && !strings.Contains(ct, "xhtml") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, contentType)
	}

	pv := &Preview{URL: pageURL}
	base, _ := url.Parse(pageURL)
	if base != nil {
		pv.SiteName = base.Hostname()
	}

	if !strings.Contains(ct, "html") {
		pv.Title = pv.SiteName
		pv.Excerpt = truncate(strings.Join(strings.Fields(string(body)), " "), ExcerptLength)
		return pv, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	meta := func(attr, name string) string {
		sel := fmt.Sprintf("meta[%s=%q]", attr, name)
		return strings.TrimSpace(doc.Find(sel).First().AttrOr("content", ""))
	}

	pv.Title = firstNonEmpty(meta("property", "og:title"), meta("name", "twitter:title"),
		strings.TrimSpace(doc.Find("head > title").First().Text()), pv.SiteName)
	pv.Description = firstNonEmpty(meta("property", "og:description"), meta("name", "description"))
	pv.SiteName = firstNonEmpty(meta("property", "og:site_name"), pv.SiteName)

	img := firstNonEmpty(meta("property", "og:image"), meta("name", "twitter:image"),
		doc.Find("img[src]").First().AttrOr("src", ""))
	if img != "" {
		pv.Image = resolve(base, img)
	}

	doc.Find("script, style, noscript, iframe, object, embed, svg, canvas, form, nav, header, footer, aside").Remove()
	doc.Find("img, picture, video, audio").Remove()
	if html, err := doc.Find("body").Html(); err == nil {
		if md, err := htmltomarkdown.ConvertString(html); err == nil {
			pv.Excerpt = truncate(strings.Join(strings.Fields(md), " "), ExcerptLength)
		}
	}
	if pv.Excerpt == "" {
		pv.Excerpt = truncate(strings.Join(strings.Fields(doc.Find("body").Text()), " "), ExcerptLength)
	}
	return pv, nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// ExtractURLs returns the distinct http(s) URLs in text in order of
// appearance, without trailing punctuation.
func ExtractURLs(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range urlPattern.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".,;:!?)]}")
		u, err := url.Parse(m)
		if err != nil || u.Host == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func normalizeURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return "", syncerr.Validation("url must start with http:// or https://")
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", syncerr.Validation("invalid url %q", rawURL)
	}
	u.Fragment = ""
	return u.String(), nil
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil || u.IsAbs() {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "…"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
