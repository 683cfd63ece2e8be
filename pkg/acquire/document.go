package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
)

// DefaultMaxDocumentBytes caps document downloads at 10 MiB
const DefaultMaxDocumentBytes int64 = 10 << 20

// DocumentExtensions are the URL extensions downloaded instead of crawled
var DocumentExtensions = []string{".pdf", ".docx", ".doc", ".xlsx", ".xls"}

var (
	// ErrDocumentTooLarge is returned when a download exceeds the size cap
	ErrDocumentTooLarge = errors.New("document exceeds size limit")

	// ErrUnsupportedFormat is returned for document types without an extractor
	ErrUnsupportedFormat = errors.New("unsupported document format")
)

// DocumentExtension returns the lowercased document extension of rawURL, or
// "" when the URL does not point at a known document type.
func DocumentExtension(rawURL string) string {
	p := strings.TrimSpace(rawURL)
	if u, err := url.Parse(p); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	for _, known := range DocumentExtensions {
		if ext == known {
			return ext
		}
	}
	return ""
}

// DocumentOptions configures a DocumentFetcher
type DocumentOptions struct {
	MaxBytes   int64
	TempDir    string
	Timeout    time.Duration
	Extractors map[string]domain.TextExtractor
	Logger     observability.Logger
}

// DocumentFetcher downloads office and PDF documents and extracts their text
type DocumentFetcher struct {
	client     *http.Client
	maxBytes   int64
	tempDir    string
	extractors map[string]domain.TextExtractor
	logger     observability.Logger
}

// NewDocumentFetcher creates a fetcher with the default extractors unless
// opts supplies its own.
func NewDocumentFetcher(opts DocumentOptions) *DocumentFetcher {
	d := &DocumentFetcher{
		client:     &http.Client{Timeout: opts.Timeout},
		maxBytes:   opts.MaxBytes,
		tempDir:    opts.TempDir,
		extractors: opts.Extractors,
		logger:     opts.Logger,
	}
	if opts.Timeout <= 0 {
		d.client.Timeout = 30 * time.Second
	}
	if d.maxBytes <= 0 {
		d.maxBytes = DefaultMaxDocumentBytes
	}
	if d.extractors == nil {
		d.extractors = DefaultExtractors()
	}
	if d.logger == nil {
		d.logger = observability.NewNopLogger()
	}
	return d
}

// Fetch downloads the document at rawURL and returns its text
func (d *DocumentFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	ext := DocumentExtension(rawURL)
	extractor, ok := d.extractors[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	file, err := d.download(ctx, strings.TrimSpace(rawURL), ext)
	if err != nil {
		return "", err
	}
	defer os.Remove(file)

	text, err := extractor.Extract(ctx, file)
	if err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", ext, err)
	}
	return text, nil
}

// download stores the document in a temp file and returns its path. The size
// cap is checked against Content-Length first and then against the bytes read.
func (d *DocumentFetcher) download(ctx context.Context, rawURL, ext string) (string, error) {
	if err := d.checkSize(ctx, rawURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Crawler: "document", StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > d.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrDocumentTooLarge, resp.ContentLength)
	}

	f, err := os.CreateTemp(d.tempDir, "document-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()

	n, err := io.Copy(f, io.LimitReader(resp.Body, d.maxBytes+1))
	closeErr := f.Close()
	switch {
	case err != nil:
		os.Remove(name)
		return "", fmt.Errorf("failed to download document: %w", err)
	case n > d.maxBytes:
		os.Remove(name)
		return "", fmt.Errorf("%w: more than %d bytes", ErrDocumentTooLarge, d.maxBytes)
	case closeErr != nil:
		os.Remove(name)
		return "", fmt.Errorf("failed to write document: %w", closeErr)
	}

	d.logger.Debug(ctx, "document downloaded", map[string]interface{}{
		"url":   rawURL,
		"bytes": n,
	})
	return name, nil
}

// checkSize asks for the size up front. Servers that reject HEAD are let through.
func (d *DocumentFetcher) checkSize(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check document size: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK && resp.ContentLength > d.maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrDocumentTooLarge, resp.ContentLength)
	}
	return nil
}
