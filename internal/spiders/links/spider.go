// Package links is a breadth-limited link-following spider. It records the
// title and status of every page it visits and follows anchors within the
// allowed domains up to a maximum depth.
package links

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Handler names registered by the spider.
const (
	HandlerParse  = "parse"
	HandlerFailed = "failed"
)

// MetaDepth is the WorkItem meta key holding the link distance from a seed.
const MetaDepth = "depth"

const defaultMaxLinksPerPage = 200

// Config controls the crawl frontier.
type Config struct {
	StartURLs []string
	// AllowedDomains restricts followed links; subdomains match. When empty
	// the hosts of StartURLs are used.
	AllowedDomains []string
	// DeniedDomains excludes hosts even when allowed; "*.example.com"
	// matches the domain and every subdomain.
	DeniedDomains []string
	// MaxDepth is the number of link hops followed from a seed. Zero fetches
	// only the seeds.
	MaxDepth int
	// Priority is the base queue priority; each hop adds one so shallow
	// pages are crawled first.
	Priority        int
	MaxLinksPerPage int
}

// Spider implements crawler.Spider.
type Spider struct {
	cfg     Config
	allowed []string
	denied  *denylist
	logger  *zap.Logger
}

// New validates the start URLs and returns a Spider.
func New(cfg Config, logger *zap.Logger) (*Spider, error) {
	if len(cfg.StartURLs) == 0 {
		return nil, errors.New("links spider: at least one start url is required")
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("links spider: max depth must be >= 0, got %d", cfg.MaxDepth)
	}
	if cfg.MaxLinksPerPage <= 0 {
		cfg.MaxLinksPerPage = defaultMaxLinksPerPage
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	allowed := make([]string, 0, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			allowed = append(allowed, d)
		}
	}
	for _, raw := range cfg.StartURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("links spider: invalid start url %q", raw)
		}
		if len(cfg.AllowedDomains) == 0 {
			allowed = append(allowed, strings.ToLower(u.Hostname()))
		}
	}
	return &Spider{
		cfg:     cfg,
		allowed: allowed,
		denied:  newDenylist(cfg.DeniedDomains),
		logger:  logger.Named("links"),
	}, nil
}

// Name implements crawler.Spider.
func (s *Spider) Name() string { return "links" }

// StartRequests yields one WorkItem per start URL.
func (s *Spider) StartRequests(ctx context.Context) iter.Seq2[*crawler.WorkItem, error] {
	return func(yield func(*crawler.WorkItem, error) bool) {
		for _, raw := range s.cfg.StartURLs {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(s.request(raw, 0), nil) {
				return
			}
		}
	}
}

// Handlers implements crawler.Spider.
func (s *Spider) Handlers() map[string]crawler.Handler {
	return map[string]crawler.Handler{
		HandlerParse:  s.parse,
		HandlerFailed: s.failed,
	}
}

func (s *Spider) request(target string, depth int) *crawler.WorkItem {
	return crawler.NewWorkItem(target,
		crawler.WithPriority(s.cfg.Priority+depth),
		crawler.WithCallback(HandlerParse),
		crawler.WithErrback(HandlerFailed),
		crawler.WithMeta(MetaDepth, depth),
	)
}

// parse records the page and yields follow-ups for in-scope links. Error
// statuses and non-HTML bodies are rejected so the errback records them.
func (s *Spider) parse(_ context.Context, item *crawler.WorkItem, outcome *crawler.FetchOutcome) iter.Seq2[crawler.Output, error] {
	return func(yield func(crawler.Output, error) bool) {
		if outcome.StatusCode >= http.StatusBadRequest {
			yield(nil, fmt.Errorf("%w: status %d", crawler.ErrInvalidRecord, outcome.StatusCode))
			return
		}
		if !isHTML(outcome.Headers) {
			yield(nil, fmt.Errorf("%w: content type %q", crawler.ErrInvalidRecord, outcome.Headers.Get("Content-Type")))
			return
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(outcome.Body))
		if err != nil {
			yield(nil, fmt.Errorf("%w: parse html: %w", crawler.ErrInvalidRecord, err))
			return
		}

		depth := item.MetaInt(MetaDepth, 0)
		base := pageURL(item, outcome)
		links := s.extractLinks(doc, base)
		s.logger.Debug("page parsed",
			zap.String("url", base.String()),
			zap.Int("depth", depth),
			zap.Int("links", len(links)),
		)

		record := crawler.ResultRecord{
			"url":    base.String(),
			"status": outcome.StatusCode,
			"title":  strings.TrimSpace(doc.Find("title").First().Text()),
			"depth":  depth,
			"links":  len(links),
		}
		if !yield(record, nil) {
			return
		}
		if depth >= s.cfg.MaxDepth {
			return
		}
		for _, link := range links {
			if !yield(s.request(link.String(), depth+1), nil) {
				return
			}
		}
	}
}

// failed records pages that could not be fetched or parsed.
func (s *Spider) failed(_ context.Context, item *crawler.WorkItem, outcome *crawler.FetchOutcome) iter.Seq2[crawler.Output, error] {
	record := crawler.ResultRecord{
		"url":     item.Target,
		"depth":   item.MetaInt(MetaDepth, 0),
		"retries": item.RetryCount,
		"error":   crawler.ErrorTag(outcome.Err),
	}
	if outcome.Err != nil {
		record["reason"] = outcome.Err.Error()
	}
	if outcome.StatusCode != 0 {
		record["status"] = outcome.StatusCode
	}
	return crawler.Yield(record)
}

func (s *Spider) extractLinks(doc *goquery.Document, base *url.URL) []*url.URL {
	seen := make(map[string]struct{})
	links := make([]*url.URL, 0, s.cfg.MaxLinksPerPage)
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return true
		}
		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		u.Fragment = ""
		if !s.acceptLink(u) {
			return true
		}
		key := u.String()
		if _, exists := seen[key]; exists {
			return true
		}
		seen[key] = struct{}{}
		links = append(links, u)
		return len(links) < s.cfg.MaxLinksPerPage
	})
	return links
}

func (s *Spider) acceptLink(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if s.denied.denied(host) {
		return false
	}
	for _, d := range s.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func pageURL(item *crawler.WorkItem, outcome *crawler.FetchOutcome) *url.URL {
	for _, raw := range []string{outcome.URL, item.Target} {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u
		}
	}
	return &url.URL{}
}

func isHTML(h http.Header) bool {
	ct := h.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
