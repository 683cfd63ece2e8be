// Package acquire resolves URLs to page text through an ordered fallback chain
// of crawler backends, downloads documents, and compresses long content to
// what a research purpose needs.
package acquire

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/ncolesummers/deep-research-agent/pkg/config"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
)

const (
	// DefaultMinContentLength is the rune count at which a crawl is accepted
	DefaultMinContentLength = 1000

	// DefaultPasses is the number of times the whole chain is tried
	DefaultPasses = 2
)

// Options configures an Acquirer
type Options struct {
	MinContentLength int
	Passes           int
	Concurrency      int
	BreakerFailures  int
	BreakerCooldown  time.Duration
	Documents        *DocumentFetcher
	Compressor       *Compressor
	Logger           observability.Logger
	Telemetry        *observability.Telemetry
}

type guardedCrawler struct {
	crawler domain.Crawler
	breaker *Breaker
}

// Acquirer is the content acquirer
type Acquirer struct {
	chain       []guardedCrawler
	minLength   int
	passes      int
	concurrency int
	documents   *DocumentFetcher
	compressor  *Compressor
	logger      observability.Logger
	telemetry   *observability.Telemetry
}

// NewAcquirer creates an acquirer over crawlers, tried in the given order
func NewAcquirer(crawlers []domain.Crawler, opts Options) (*Acquirer, error) {
	if len(crawlers) == 0 && opts.Documents == nil {
		return nil, fmt.Errorf("acquire: %w", domain.ErrNoBackend)
	}

	a := &Acquirer{
		minLength:   opts.MinContentLength,
		passes:      opts.Passes,
		concurrency: opts.Concurrency,
		documents:   opts.Documents,
		compressor:  opts.Compressor,
		logger:      opts.Logger,
		telemetry:   opts.Telemetry,
	}
	for _, c := range crawlers {
		a.chain = append(a.chain, guardedCrawler{
			crawler: c,
			breaker: NewBreaker(opts.BreakerFailures, opts.BreakerCooldown),
		})
	}
	if a.minLength <= 0 {
		a.minLength = DefaultMinContentLength
	}
	if a.passes < 1 {
		a.passes = DefaultPasses
	}
	if a.concurrency < 1 {
		a.concurrency = 5
	}
	if a.logger == nil {
		a.logger = observability.NewNopLogger()
	}
	if a.telemetry == nil {
		a.telemetry = observability.NewNopTelemetry()
	}
	return a, nil
}

// New builds the acquirer described by cfg. compress may be nil, in which case
// fetched content is never compressed.
func New(cfg config.CrawlConfig, compress domain.LLMClient, logger observability.Logger, telemetry *observability.Telemetry) (*Acquirer, error) {
	opts := Options{
		MinContentLength: cfg.MinContentLength,
		Passes:           cfg.Passes,
		Concurrency:      cfg.Concurrency,
		BreakerFailures:  cfg.BreakerFailures,
		BreakerCooldown:  cfg.BreakerCooldown,
		Documents: NewDocumentFetcher(DocumentOptions{
			MaxBytes: cfg.MaxDocumentBytes,
			Timeout:  cfg.Timeout,
			Logger:   logger,
		}),
		Logger:    logger,
		Telemetry: telemetry,
	}
	if compress != nil {
		opts.Compressor = NewCompressor(compress, CompressorOptions{
			Threshold: cfg.CompressThreshold,
			InputCap:  cfg.CompressInputCap,
			Logger:    logger,
			Telemetry: telemetry,
		})
	}
	return NewAcquirer(NewCrawlers(cfg), opts)
}

// Crawlers returns the names of the chain in order
func (a *Acquirer) Crawlers() []string {
	names := make([]string, len(a.chain))
	for i, g := range a.chain {
		names[i] = g.crawler.Name()
	}
	return names
}

// BreakerState reports the breaker state of the named crawler
func (a *Acquirer) BreakerState(name string) (BreakerState, bool) {
	for _, g := range a.chain {
		if g.crawler.Name() == name {
			return g.breaker.State(), true
		}
	}
	return "", false
}

// Fetch returns the text at url. Documents are downloaded and extracted;
// pages go through the crawler chain, accepting the first result of at least
// the minimum length and otherwise returning the longest one seen.
func (a *Acquirer) Fetch(ctx context.Context, url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return ""
	}

	if ext := DocumentExtension(url); ext != "" && a.documents != nil {
		text, err := a.documents.Fetch(ctx, url)
		if err != nil {
			a.logger.Warn(ctx, "document fetch failed", map[string]interface{}{
				"url":   url,
				"error": err.Error(),
			})
			a.telemetry.Metrics().RecordContentFetch(ctx, "document", "error")
			return ""
		}
		a.telemetry.Metrics().RecordContentFetch(ctx, "document", "accepted")
		return text
	}

	best := ""
	bestLen := 0
	for pass := 0; pass < a.passes; pass++ {
		for _, g := range a.chain {
			if ctx.Err() != nil {
				return best
			}
			name := g.crawler.Name()
			if !g.breaker.Allow() {
				a.telemetry.Metrics().RecordContentFetch(ctx, name, "skipped")
				continue
			}

			var content string
			err := a.telemetry.InstrumentBackendCall(ctx, "crawler", name, func(ctx context.Context) error {
				var err error
				content, err = g.crawler.Fetch(ctx, url)
				return err
			})
			if err != nil {
				g.breaker.RecordFailure()
				a.telemetry.Metrics().RecordContentFetch(ctx, name, "error")
				a.logger.Error(ctx, "crawl failed", err, map[string]interface{}{
					"url":     url,
					"crawler": name,
					"pass":    pass + 1,
				})
				continue
			}
			g.breaker.RecordSuccess()

			n := utf8.RuneCountInString(content)
			if n >= a.minLength {
				a.telemetry.Metrics().RecordContentFetch(ctx, name, "accepted")
				a.logger.Info(ctx, "crawl accepted", map[string]interface{}{
					"url":     url,
					"crawler": name,
					"length":  n,
				})
				return content
			}
			a.telemetry.Metrics().RecordContentFetch(ctx, name, "short")
			if n > bestLen {
				best, bestLen = content, n
			}
		}
	}

	if best != "" {
		a.logger.Warn(ctx, "no crawl reached the minimum length, using best result", map[string]interface{}{
			"url":        url,
			"length":     bestLen,
			"min_length": a.minLength,
		})
	}
	return best
}

// Acquire fetches url and compresses the result for purpose. hint is the
// title and snippet the search engine returned.
func (a *Acquirer) Acquire(ctx context.Context, url, purpose, hint string) string {
	content := a.Fetch(ctx, url)
	if content == "" || a.compressor == nil {
		return content
	}
	return a.compressor.Compress(ctx, url, purpose, hint, content)
}

// DeepScan acquires every result concurrently for req's purpose. A result
// whose acquisition fails keeps its snippet; each result's Score becomes its
// relevance score.
func (a *Acquirer) DeepScan(ctx context.Context, req domain.SearchRequest, results []*domain.SearchResult) *domain.SearchResults {
	out := domain.NewSearchResults(req)
	if len(results) == 0 {
		return out
	}

	a.logger.Info(ctx, "deep scan started", map[string]interface{}{
		"urls": len(results),
	})

	contents := make([]string, len(results))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(a.concurrency, len(results)))
	for i, r := range results {
		g.Go(func() error {
			contents[i] = a.acquireSafely(gctx, r, req.Purpose)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		content := r.Content
		if contents[i] != "" {
			content = contents[i]
		}
		out.Add(&domain.SearchResult{
			URL:            r.URL,
			Title:          r.Title,
			Content:        content,
			Score:          r.RelevanceScore,
			RelevanceScore: r.RelevanceScore,
		})
	}

	a.logger.Info(ctx, "deep scan finished", map[string]interface{}{
		"results": out.Len(),
	})
	return out
}

// acquireSafely isolates one URL so a panic cannot take down its siblings
func (a *Acquirer) acquireSafely(ctx context.Context, r *domain.SearchResult, purpose string) (content string) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error(ctx, "content acquisition panicked", fmt.Errorf("%v", rec), map[string]interface{}{
				"url":   r.URL,
				"stack": string(debug.Stack()),
			})
			content = ""
		}
	}()
	return a.Acquire(ctx, r.URL, purpose, r.Title+"\n"+r.Content)
}
